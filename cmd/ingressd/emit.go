package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/metadata"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/ingress/internal/ingest"
	"github.com/tinytelemetry/ingress/internal/ingressrpc"
	"github.com/tinytelemetry/ingress/internal/model"
)

type emitOptions struct {
	addr      string
	rpc       string
	count     int
	batchSize int
	source    string
	message   string
	producer  string
	compress  string
	timeout   time.Duration
}

// emitSummary is the printed form of a Response.
type emitSummary struct {
	RPC          string            `yaml:"rpc"`
	Session      string            `yaml:"session,omitempty"`
	Sent         int               `yaml:"sent"`
	Dispositions map[string]uint64 `yaml:"dispositions"`
	Rejections   []string          `yaml:"rejections,omitempty"`
}

func newEmitCmd(cfgFile *string) *cobra.Command {
	opts := emitOptions{}
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Send test log envelopes to a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.addr == "" {
				cfg, _, err := loadConfig(*cfgFile)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				opts.addr = cfg.GRPCAddr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return runEmit(ctx, cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "daemon gRPC address (default from config)")
	cmd.Flags().StringVar(&opts.rpc, "rpc", "sender", "call to use: sender, batch or send")
	cmd.Flags().IntVarP(&opts.count, "count", "n", 10, "number of envelopes")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 100, "envelopes per batch for batch and send")
	cmd.Flags().StringVar(&opts.source, "source", "ingressd-emit", "source_id of the envelopes")
	cmd.Flags().StringVar(&opts.message, "message", "test envelope", "log line prefix")
	cmd.Flags().StringVar(&opts.producer, "producer", "", "producer name sent as call metadata")
	cmd.Flags().StringVar(&opts.compress, "compress", "", "request compression: gzip or zstd")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

func runEmit(ctx context.Context, w io.Writer, opts emitOptions) error {
	if opts.count <= 0 {
		return fmt.Errorf("count must be positive")
	}
	if opts.batchSize <= 0 {
		opts.batchSize = opts.count
	}

	dialOpts := append(ingressrpc.DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.NewClient(opts.addr, dialOpts...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.addr, err)
	}
	defer conn.Close()

	var callOpts []grpc.CallOption
	switch opts.compress {
	case "":
	case gzip.Name, ingressrpc.Zstd:
		callOpts = append(callOpts, grpc.UseCompressor(opts.compress))
	default:
		return fmt.Errorf("unknown compressor %q", opts.compress)
	}
	if opts.producer != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, ingest.ProducerMetadataKey, opts.producer)
	}

	envs := testEnvelopes(opts)
	resp, err := emitWith(ctx, ingressrpc.NewClient(conn), opts, envs, callOpts)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(summarize(opts.rpc, len(envs), resp))
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func emitWith(ctx context.Context, client *ingressrpc.Client, opts emitOptions, envs []*model.Envelope, callOpts []grpc.CallOption) (*model.Response, error) {
	switch strings.ToLower(opts.rpc) {
	case "sender":
		stream, err := client.Sender(ctx, callOpts...)
		if err != nil {
			return nil, err
		}
		for _, env := range envs {
			if err := stream.Send(env); err != nil {
				return nil, err
			}
		}
		return stream.CloseAndRecv()

	case "batch":
		stream, err := client.BatchSender(ctx, callOpts...)
		if err != nil {
			return nil, err
		}
		for _, batch := range chunk(envs, opts.batchSize) {
			if err := stream.Send(&model.EnvelopeBatch{Envelopes: batch}); err != nil {
				return nil, err
			}
		}
		return stream.CloseAndRecv()

	case "send":
		total := &model.Response{}
		for _, batch := range chunk(envs, opts.batchSize) {
			resp, err := client.Send(ctx, &model.EnvelopeBatch{Envelopes: batch}, callOpts...)
			if err != nil {
				return nil, err
			}
			mergeResponse(total, resp)
		}
		return total, nil
	}
	return nil, fmt.Errorf("unknown rpc %q (want sender, batch or send)", opts.rpc)
}

func testEnvelopes(opts emitOptions) []*model.Envelope {
	envs := make([]*model.Envelope, 0, opts.count)
	now := time.Now()
	for i := 0; i < opts.count; i++ {
		envs = append(envs, &model.Envelope{
			Timestamp: now.Add(time.Duration(i) * time.Microsecond).UnixNano(),
			SourceID:  opts.source,
			Tags:      map[string]string{"emitter": "ingressd"},
			Payload:   &model.Log{Payload: []byte(fmt.Sprintf("%s %d", opts.message, i))},
		})
	}
	return envs
}

func chunk(envs []*model.Envelope, size int) [][]*model.Envelope {
	var out [][]*model.Envelope
	for len(envs) > 0 {
		n := min(size, len(envs))
		out = append(out, envs[:n])
		envs = envs[n:]
	}
	return out
}

func mergeResponse(dst, src *model.Response) {
	dst.Accepted += src.Accepted
	dst.RejectedMalformed += src.RejectedMalformed
	dst.RejectedOverload += src.RejectedOverload
	dst.Failed += src.Failed
	dst.DeadlineExceeded += src.DeadlineExceeded
	dst.Cancelled += src.Cancelled
	dst.Items = append(dst.Items, src.Items...)
}

func summarize(rpc string, sent int, resp *model.Response) emitSummary {
	s := emitSummary{
		RPC:     rpc,
		Session: resp.SessionID,
		Sent:    sent,
		Dispositions: map[string]uint64{
			model.Accepted.String():          resp.Accepted,
			model.RejectedMalformed.String(): resp.RejectedMalformed,
			model.RejectedOverload.String():  resp.RejectedOverload,
			model.Failed.String():            resp.Failed,
			model.DeadlineExceeded.String():  resp.DeadlineExceeded,
			model.Cancelled.String():         resp.Cancelled,
		},
	}
	for _, ack := range resp.Items {
		if ack.Disposition != model.Accepted {
			s.Rejections = append(s.Rejections, fmt.Sprintf("#%d %s: %s", ack.Sequence, ack.Disposition, ack.Reason))
		}
	}
	return s
}
