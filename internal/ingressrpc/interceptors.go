package ingressrpc

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func unaryLogger(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(log, info.FullMethod, start, err)
		return resp, err
	}
}

func streamLogger(log logrus.FieldLogger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(log, info.FullMethod, start, err)
		return err
	}
}

func logCall(log logrus.FieldLogger, method string, start time.Time, err error) {
	code := status.Code(err)
	entry := log.WithFields(logrus.Fields{
		"method":   method,
		"code":     code.String(),
		"duration": time.Since(start).Round(time.Microsecond),
	})
	switch code {
	case codes.OK, codes.Canceled:
		entry.Debug("call finished")
	case codes.ResourceExhausted, codes.Unavailable:
		entry.Warn("call refused")
	default:
		entry.WithError(err).Error("call failed")
	}
}
