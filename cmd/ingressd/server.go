package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/ingress/internal/backup"
	"github.com/tinytelemetry/ingress/internal/duckdb"
	"github.com/tinytelemetry/ingress/internal/httpserver"
	"github.com/tinytelemetry/ingress/internal/ingest"
	"github.com/tinytelemetry/ingress/internal/ingressrpc"
	"github.com/tinytelemetry/ingress/internal/journal"
	"github.com/tinytelemetry/ingress/internal/model"
	"github.com/tinytelemetry/ingress/internal/otlpfwd"
	"github.com/tinytelemetry/ingress/internal/socketrpc"
)

// sinkStack is the selected Sink plus the read surface and teardown that
// come with it. reads is nil for sinks that keep nothing.
type sinkStack struct {
	sink  ingest.Sink
	reads model.ReadAPI
	stop  []func()
}

// close runs teardown in reverse order of construction.
func (s *sinkStack) close() {
	for i := len(s.stop) - 1; i >= 0; i-- {
		s.stop[i]()
	}
}

func buildSink(cfg appConfig, log logrus.FieldLogger) (*sinkStack, error) {
	stack := &sinkStack{}
	switch cfg.Sink {
	case sinkDiscard:
		stack.sink = ingest.Discard
		return stack, nil

	case sinkOTLP:
		fwd, err := otlpfwd.Dial(cfg.otlpConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to connect OTLP collector: %w", err)
		}
		stack.sink = fwd
		stack.stop = append(stack.stop, fwd.Stop)
		return stack, nil
	}

	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	stack.stop = append(stack.stop, func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("closing store")
		}
	})
	store.SetMaxConcurrentQueries(cfg.MaxConcurrentReads)

	// Replay whatever a previous run journaled but never committed, then
	// hand the same journal to the buffer.
	var ingestJournal *journal.Journal
	if cfg.JournalEnabled {
		ingestJournal, err = journal.Open(cfg.JournalPath)
		if err != nil {
			stack.close()
			return nil, fmt.Errorf("failed to open ingest journal: %w", err)
		}
		n, err := duckdb.ReplayJournal(ingestJournal, store, cfg.InsertBatchSize)
		if err != nil {
			_ = ingestJournal.Close()
			stack.close()
			return nil, fmt.Errorf("failed to replay ingest journal: %w", err)
		}
		if n > 0 {
			log.WithField("envelopes", n).Info("replayed uncommitted journal entries")
		}
	}

	buf := duckdb.NewInsertBuffer(store, duckdb.InsertBufferConfig{
		BatchSize:      cfg.InsertBatchSize,
		FlushInterval:  cfg.InsertFlushInterval,
		FlushQueueSize: cfg.InsertFlushQueue,
		Journal:        ingestJournal,
	})
	stack.stop = append(stack.stop, buf.Stop)

	if rc := duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
		RetentionDays: cfg.RetentionDays,
		KindDays:      cfg.RetentionKinds,
		Interval:      cfg.RetentionInterval,
	}); rc != nil {
		stack.stop = append(stack.stop, rc.Stop)
	}

	backups, err := backup.NewManager(store, backup.Config{
		Enabled:  cfg.BackupEnabled,
		Interval: cfg.BackupInterval,
		LocalDir: cfg.BackupLocalDir,
		KeepLast: cfg.BackupKeepLast,
		Remote: backup.RemoteConfig{
			BucketURL:    cfg.BackupBucketURL,
			Endpoint:     cfg.BackupS3Endpoint,
			Region:       cfg.BackupS3Region,
			AccessKey:    cfg.BackupS3AccessKey,
			SecretKey:    cfg.BackupS3SecretKey,
			SessionToken: cfg.BackupS3SessionToken,
			UseSSL:       cfg.BackupS3UseSSL,
		},
	})
	if err != nil {
		stack.close()
		return nil, fmt.Errorf("failed to initialize backups: %w", err)
	}
	if backups != nil {
		stack.stop = append(stack.stop, backups.Stop)
	}

	stack.sink = buf
	stack.reads = store
	return stack, nil
}

// runServer runs the ingress daemon until SIGINT or SIGTERM.
func runServer(cfg appConfig, v *viper.Viper) error {
	log, closeLog, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	defer closeLog()

	stack, err := buildSink(cfg, log)
	if err != nil {
		return err
	}
	defer stack.close()

	engine := ingest.NewServer(stack.sink, log.WithField("component", "ingest"), cfg.ingestConfig())
	if v != nil && cfg.ConfigPath != "" {
		watchLimits(v, engine, log.WithField("component", "config"))
	}

	rpc := ingressrpc.NewServer(cfg.GRPCAddr, engine, cfg.rpcConfig())
	if err := rpc.Start(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	var api *httpserver.Server
	if cfg.APIEnabled {
		api = httpserver.NewServer(cfg.APIAddr, engine, stack.reads)
		if err := api.Start(); err != nil {
			_ = rpc.Stop(context.Background())
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	var querier model.EnvelopeQuerier
	if stack.reads != nil {
		querier = stack.reads
	}
	sock := socketrpc.NewServer(cfg.SocketPath, engine, querier)
	sockUp := true
	if err := sock.Start(); err != nil {
		log.WithError(err).Warn("failed to start socket server")
		sockUp = false
	}

	printStartupBanner(cfg, rpc.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		stop()
		log.Info("shutting down gracefully (signal again to force)")
		go forceExitOnSignal(cfg, log)

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		var errs []error
		if err := engine.Shutdown(sctx); err != nil {
			errs = append(errs, err)
		}
		if err := rpc.Stop(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	if api != nil {
		g.Go(func() error {
			<-gctx.Done()
			return api.Stop()
		})
	}
	if sockUp {
		g.Go(func() error {
			<-gctx.Done()
			sock.Stop()
			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		log.WithError(err).Warn("shutdown finished with errors")
	}
	log.WithFields(statsFields(engine.Stats())).Info("ingress stopped")
	return nil
}

// forceExitOnSignal exits immediately on a second signal during shutdown.
func forceExitOnSignal(cfg appConfig, log logrus.FieldLogger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Warn("forced shutdown")
	if cfg.SocketPath != "" {
		_ = os.Remove(cfg.SocketPath)
	}
	os.Exit(1)
}

func statsFields(st model.IngressStats) logrus.Fields {
	fields := logrus.Fields{
		"received":       st.Received,
		"rejected_calls": st.RejectedCalls,
		"uptime":         st.Uptime,
	}
	for name, n := range st.Dispositions {
		fields[name] = n
	}
	return fields
}

func printStartupBanner(cfg appConfig, grpcAddr string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")
	row := func(on bool, label, value string) string {
		if !on {
			return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
	}

	separator := dim.Render("    ─────────────────────────────────")
	lines := []string{
		"",
		cyan.Bold(true).Render("    ingressd"),
		"    " + dim.Render("v"+version),
		"",
		separator,
		"",
		bold.Render("    Ingress"),
		"",
		row(true, "gRPC", grpcAddr),
		row(true, "Session credit", fmt.Sprintf("%d", cfg.SessionCredit)),
		row(true, "Ceilings", fmt.Sprintf("%d sessions / %d in flight", cfg.MaxSessions, cfg.MaxInflight)),
		"",
		bold.Render("    Admin"),
		"",
	}
	if cfg.APIEnabled {
		lines = append(lines, row(true, "HTTP API", cfg.APIAddr))
	} else {
		lines = append(lines, row(false, "HTTP API", "disabled"))
	}
	lines = append(lines, row(true, "Unix Socket", shortenPath(cfg.SocketPath)), "", bold.Render("    Sink"), "")

	switch cfg.Sink {
	case sinkDuckDB:
		lines = append(lines, row(true, "DuckDB", shortenPath(cfg.DBPath)))
		if cfg.JournalEnabled {
			lines = append(lines, row(true, "Journal", shortenPath(cfg.JournalPath)))
		} else {
			lines = append(lines, row(false, "Journal", "disabled"))
		}
		if cfg.BackupEnabled {
			lines = append(lines, row(true, "Snapshots", shortenPath(cfg.BackupLocalDir)))
		} else {
			lines = append(lines, row(false, "Snapshots", "disabled"))
		}
	case sinkOTLP:
		lines = append(lines, row(true, "OTLP", cfg.OTLPEndpoint))
	default:
		lines = append(lines, row(true, "Discard", "envelopes are accepted and dropped"))
	}

	lines = append(lines, "", bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(true, "Config File", shortenPath(cfg.ConfigPath)))
	} else {
		lines = append(lines, row(false, "Config File", "default (no file)"))
	}

	lines = append(lines,
		"",
		separator,
		"",
		"    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"),
		"",
	)
	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}

// shutdownTimeout bounds the drain when cfg carries no usable grace.
func shutdownTimeout(cfg appConfig) time.Duration {
	if cfg.ShutdownGrace > 0 {
		return cfg.ShutdownGrace
	}
	return model.DefaultShutdownGrace
}
