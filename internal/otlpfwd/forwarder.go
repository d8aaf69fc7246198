// Package otlpfwd is a sink that batches accepted envelopes and exports
// them to an OpenTelemetry collector over OTLP/gRPC.
package otlpfwd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tinytelemetry/ingress/internal/ingest"
	"github.com/tinytelemetry/ingress/internal/model"
)

var logger = logrus.WithField("component", "otlpfwd")

// ErrNoEndpoint is returned by Dial when no collector address is configured.
var ErrNoEndpoint = errors.New("otlpfwd: collector endpoint is required")

// Config holds the export tuning knobs.
type Config struct {
	Endpoint      string
	Insecure      bool
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	Timeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 512
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 8192
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

type queued struct {
	env     *model.Envelope
	resolve ingest.ResolveFunc
}

// Forwarder is an ingest.Sink. Envelopes are Accepted once the collector
// has taken the export request that carried them.
type Forwarder struct {
	cfg     Config
	conn    *grpc.ClientConn
	logs    collogspb.LogsServiceClient
	metrics colmetricspb.MetricsServiceClient

	closeMu  sync.RWMutex
	stopped  bool
	queue    chan queued
	wg       sync.WaitGroup
	stopOnce sync.Once

	exported atomic.Uint64
	failed   atomic.Uint64
}

// Dial connects to the collector at cfg.Endpoint and starts the exporter.
func Dial(cfg Config) (*Forwarder, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("otlpfwd: dial %s: %w", cfg.Endpoint, err)
	}
	f := New(conn, cfg)
	f.conn = conn
	return f, nil
}

// New starts an exporter over an existing connection. The caller keeps
// ownership of conn.
func New(conn grpc.ClientConnInterface, cfg Config) *Forwarder {
	cfg = cfg.withDefaults()
	f := &Forwarder{
		cfg:     cfg,
		logs:    collogspb.NewLogsServiceClient(conn),
		metrics: colmetricspb.NewMetricsServiceClient(conn),
		queue:   make(chan queued, cfg.QueueSize),
	}
	f.wg.Add(1)
	go f.run()
	return f
}

// Submit enqueues env without blocking. A full queue resolves
// RejectedOverload immediately.
func (f *Forwarder) Submit(_ context.Context, env *model.Envelope, resolve ingest.ResolveFunc) {
	f.closeMu.RLock()
	defer f.closeMu.RUnlock()
	if f.stopped {
		resolve(model.Overload("exporter is shutting down"))
		return
	}
	select {
	case f.queue <- queued{env: env, resolve: resolve}:
	default:
		resolve(model.Overload("export queue full"))
	}
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]queued, 0, f.cfg.BatchSize)
	for {
		select {
		case item, ok := <-f.queue:
			if !ok {
				f.export(batch)
				return
			}
			batch = append(batch, item)
			if len(batch) >= f.cfg.BatchSize {
				f.export(batch)
				batch = make([]queued, 0, f.cfg.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				f.export(batch)
				batch = make([]queued, 0, f.cfg.BatchSize)
			}
		}
	}
}

// export sends logs and metrics concurrently and resolves each item from
// the result of the request that carried it.
func (f *Forwarder) export(batch []queued) {
	if len(batch) == 0 {
		return
	}
	var logItems, metricItems []queued
	for _, item := range batch {
		if isLogSignal(item.env) {
			logItems = append(logItems, item)
		} else {
			metricItems = append(metricItems, item)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()

	// each signal settles its own items, a failed logs request leaves the
	// metrics request untouched
	var wg sync.WaitGroup
	if len(logItems) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.settle(logItems, f.exportLogs(ctx, logItems), "logs")
		}()
	}
	if len(metricItems) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.settle(metricItems, f.exportMetrics(ctx, metricItems), "metrics")
		}()
	}
	wg.Wait()
}

func (f *Forwarder) exportLogs(ctx context.Context, items []queued) error {
	resp, err := f.logs.Export(ctx, logsRequest(envelopes(items), time.Now()))
	if err != nil {
		return err
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedLogRecords() > 0 {
		return fmt.Errorf("collector rejected %d log records: %s", ps.GetRejectedLogRecords(), ps.GetErrorMessage())
	}
	return nil
}

func (f *Forwarder) exportMetrics(ctx context.Context, items []queued) error {
	resp, err := f.metrics.Export(ctx, metricsRequest(envelopes(items)))
	if err != nil {
		return err
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedDataPoints() > 0 {
		return fmt.Errorf("collector rejected %d data points: %s", ps.GetRejectedDataPoints(), ps.GetErrorMessage())
	}
	return nil
}

// settle resolves items. A partial rejection fails every item of the
// request since the collector does not say which ones it dropped.
func (f *Forwarder) settle(items []queued, err error, signal string) {
	if len(items) == 0 {
		return
	}
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"signal": signal,
			"size":   len(items),
		}).Error("export failed")
		f.failed.Add(uint64(len(items)))
		for _, item := range items {
			item.resolve(model.Fail(err))
		}
		return
	}
	f.exported.Add(uint64(len(items)))
	for _, item := range items {
		item.resolve(model.Accept())
	}
}

func envelopes(items []queued) []*model.Envelope {
	out := make([]*model.Envelope, len(items))
	for i, item := range items {
		out[i] = item.env
	}
	return out
}

// Counts reports how many envelopes were exported and how many failed.
func (f *Forwarder) Counts() (exported, failed uint64) {
	return f.exported.Load(), f.failed.Load()
}

// Stop exports what is queued and closes a connection opened by Dial.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		f.closeMu.Lock()
		f.stopped = true
		close(f.queue)
		f.closeMu.Unlock()

		f.wg.Wait()
		if f.conn != nil {
			if err := f.conn.Close(); err != nil {
				logger.WithError(err).Warn("close collector connection")
			}
		}
	})
}
