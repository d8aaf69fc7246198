package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/tinytelemetry/ingress/internal/duckdb"
	"github.com/tinytelemetry/ingress/internal/httpserver"
	"github.com/tinytelemetry/ingress/internal/ingest"
	"github.com/tinytelemetry/ingress/internal/ingressrpc"
	"github.com/tinytelemetry/ingress/internal/model"
	"github.com/tinytelemetry/ingress/internal/otlpfwd"
	"github.com/tinytelemetry/ingress/internal/socketrpc"
)

const (
	sinkDuckDB  = "duckdb"
	sinkOTLP    = "otlp"
	sinkDiscard = "discard"

	defaultQueryTimeout        = 30 * time.Second
	defaultInsertBatchSize     = 2000
	defaultInsertFlushInterval = 100 * time.Millisecond
	defaultRetentionDays       = 30 // 0 = disabled
	defaultBackupInterval      = 6 * time.Hour
	defaultBackupKeepLast      = 24
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	GRPCAddr                 string        `mapstructure:"grpc-addr" yaml:"grpc-addr"`
	GRPCMaxRecvMsgSize       int           `mapstructure:"grpc-max-recv-msg-size" yaml:"grpc-max-recv-msg-size"`
	GRPCMaxConcurrentStreams uint32        `mapstructure:"grpc-max-concurrent-streams" yaml:"grpc-max-concurrent-streams"`
	SessionCredit            int           `mapstructure:"session-credit" yaml:"session-credit"`
	MaxSessions              int           `mapstructure:"max-sessions" yaml:"max-sessions"`
	MaxInflight              int64         `mapstructure:"max-inflight" yaml:"max-inflight"`
	UnaryTimeout             time.Duration `mapstructure:"unary-timeout" yaml:"unary-timeout"`
	DrainGrace               time.Duration `mapstructure:"drain-grace" yaml:"drain-grace"`
	ShutdownGrace            time.Duration `mapstructure:"shutdown-grace" yaml:"shutdown-grace"`
	AckDetailLimit           int           `mapstructure:"ack-detail-limit" yaml:"ack-detail-limit"`

	Sink string `mapstructure:"sink" yaml:"sink"`

	DBPath              string        `mapstructure:"db-path" yaml:"db-path"`
	QueryTimeout        time.Duration `mapstructure:"query-timeout" yaml:"query-timeout"`
	MaxConcurrentReads  int           `mapstructure:"max-concurrent-queries" yaml:"max-concurrent-queries"`
	InsertBatchSize     int           `mapstructure:"insert-batch-size" yaml:"insert-batch-size"`
	InsertFlushInterval time.Duration `mapstructure:"insert-flush-interval" yaml:"insert-flush-interval"`
	InsertFlushQueue    int           `mapstructure:"insert-flush-queue-size" yaml:"insert-flush-queue-size"`
	JournalEnabled      bool          `mapstructure:"journal-enabled" yaml:"journal-enabled"`
	JournalPath         string        `mapstructure:"journal-path" yaml:"journal-path"`

	RetentionDays     int            `mapstructure:"retention-days" yaml:"retention-days"`
	RetentionKinds    map[string]int `mapstructure:"retention-kinds" yaml:"retention-kinds,omitempty"`
	RetentionInterval time.Duration  `mapstructure:"retention-interval" yaml:"retention-interval"`

	APIEnabled bool   `mapstructure:"api-enabled" yaml:"api-enabled"`
	APIAddr    string `mapstructure:"api-addr" yaml:"api-addr"`
	SocketPath string `mapstructure:"socket-path" yaml:"socket-path"`

	OTLPEndpoint      string        `mapstructure:"otlp-endpoint" yaml:"otlp-endpoint"`
	OTLPInsecure      bool          `mapstructure:"otlp-insecure" yaml:"otlp-insecure"`
	OTLPBatchSize     int           `mapstructure:"otlp-batch-size" yaml:"otlp-batch-size"`
	OTLPFlushInterval time.Duration `mapstructure:"otlp-flush-interval" yaml:"otlp-flush-interval"`
	OTLPQueueSize     int           `mapstructure:"otlp-queue-size" yaml:"otlp-queue-size"`
	OTLPTimeout       time.Duration `mapstructure:"otlp-timeout" yaml:"otlp-timeout"`

	BackupEnabled        bool          `mapstructure:"backup-enabled" yaml:"backup-enabled"`
	BackupInterval       time.Duration `mapstructure:"backup-interval" yaml:"backup-interval"`
	BackupLocalDir       string        `mapstructure:"backup-local-dir" yaml:"backup-local-dir"`
	BackupKeepLast       int           `mapstructure:"backup-keep-last" yaml:"backup-keep-last"`
	BackupBucketURL      string        `mapstructure:"backup-bucket-url" yaml:"backup-bucket-url"`
	BackupS3Endpoint     string        `mapstructure:"backup-s3-endpoint" yaml:"backup-s3-endpoint"`
	BackupS3Region       string        `mapstructure:"backup-s3-region" yaml:"backup-s3-region"`
	BackupS3AccessKey    string        `mapstructure:"backup-s3-access-key" yaml:"backup-s3-access-key"`
	BackupS3SecretKey    string        `mapstructure:"backup-s3-secret-key" yaml:"backup-s3-secret-key"`
	BackupS3SessionToken string        `mapstructure:"backup-s3-session-token" yaml:"backup-s3-session-token"`
	BackupS3UseSSL       bool          `mapstructure:"backup-s3-use-ssl" yaml:"backup-s3-use-ssl"`

	LogLevel      string `mapstructure:"log-level" yaml:"log-level"`
	LogFormat     string `mapstructure:"log-format" yaml:"log-format"`
	LogFile       string `mapstructure:"log-file" yaml:"log-file"`
	LogMaxSizeMB  int    `mapstructure:"log-max-size-mb" yaml:"log-max-size-mb"`
	LogMaxBackups int    `mapstructure:"log-max-backups" yaml:"log-max-backups"`
	LogMaxAgeDays int    `mapstructure:"log-max-age-days" yaml:"log-max-age-days"`

	ConfigPath string `mapstructure:"-" yaml:"-"` // not from config file
}

func setDefaults(v *viper.Viper, home string) {
	dataDir := filepath.Join(home, ".local", "share", "ingressd")

	v.SetDefault("grpc-addr", model.DefaultGRPCAddr)
	v.SetDefault("grpc-max-recv-msg-size", ingressrpc.DefaultMaxRecvMsgSize)
	v.SetDefault("grpc-max-concurrent-streams", ingressrpc.DefaultMaxConcurrentStreams)
	v.SetDefault("session-credit", model.DefaultSessionCredit)
	v.SetDefault("max-sessions", model.DefaultMaxSessions)
	v.SetDefault("max-inflight", model.DefaultMaxInflight)
	v.SetDefault("unary-timeout", model.DefaultUnaryTimeout)
	v.SetDefault("drain-grace", model.DefaultDrainGrace)
	v.SetDefault("shutdown-grace", model.DefaultShutdownGrace)
	v.SetDefault("ack-detail-limit", model.DefaultAckDetailLimit)

	v.SetDefault("sink", sinkDuckDB)

	v.SetDefault("db-path", filepath.Join(dataDir, "ingressd.duckdb"))
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("max-concurrent-queries", duckdb.DefaultMaxConcurrentQueries)
	v.SetDefault("insert-batch-size", defaultInsertBatchSize)
	v.SetDefault("insert-flush-interval", defaultInsertFlushInterval)
	v.SetDefault("insert-flush-queue-size", duckdb.DefaultFlushQueueSize)
	v.SetDefault("journal-enabled", true)
	v.SetDefault("journal-path", filepath.Join(dataDir, "ingest.journal"))
	v.SetDefault("retention-days", defaultRetentionDays)
	v.SetDefault("retention-interval", time.Hour)

	v.SetDefault("api-enabled", true)
	v.SetDefault("api-addr", httpserver.DefaultAddr)
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())

	v.SetDefault("otlp-insecure", false)
	v.SetDefault("otlp-batch-size", 512)
	v.SetDefault("otlp-flush-interval", time.Second)
	v.SetDefault("otlp-queue-size", 8192)
	v.SetDefault("otlp-timeout", 10*time.Second)

	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-local-dir", filepath.Join(dataDir, "backups"))
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("backup-s3-region", "us-east-1")
	v.SetDefault("backup-s3-use-ssl", true)

	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
	v.SetDefault("log-file", "")
	v.SetDefault("log-max-size-mb", 100)
	v.SetDefault("log-max-backups", 5)
	v.SetDefault("log-max-age-days", 28)
}

// newViper builds the layered config source: defaults, the optional YAML
// file and INGRESSD_* environment overrides.
func newViper(configPath string) (*viper.Viper, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("INGRESSD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v, home)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "ingressd", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		// an explicit --config must exist
		if configPath != "" || (!errors.As(err, &configFileNotFound) && !os.IsNotExist(err)) {
			return nil, err
		}
	}
	return v, nil
}

func loadConfig(configPath string) (appConfig, *viper.Viper, error) {
	v, err := newViper(configPath)
	if err != nil {
		return appConfig{}, nil, err
	}
	cfg, err := decodeConfig(v)
	return cfg, v, err
}

func decodeConfig(v *viper.Viper) (appConfig, error) {
	var cfg appConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		if _, err := os.Stat(used); err == nil {
			cfg.ConfigPath = used
		}
	}

	home, _ := os.UserHomeDir()
	cfg.DBPath = expandHome(cfg.DBPath, home)
	cfg.JournalPath = expandHome(cfg.JournalPath, home)
	cfg.BackupLocalDir = expandHome(cfg.BackupLocalDir, home)
	cfg.LogFile = expandHome(cfg.LogFile, home)
	cfg.SocketPath = expandHome(cfg.SocketPath, home)
	cfg.Sink = strings.ToLower(strings.TrimSpace(cfg.Sink))

	return cfg, cfg.validate()
}

func expandHome(path, home string) string {
	if home != "" && strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func (c appConfig) validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.GRPCAddr); err != nil {
		errs = append(errs, fmt.Errorf("invalid grpc-addr %q: %w", c.GRPCAddr, err))
	}
	if c.APIEnabled {
		if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
			errs = append(errs, fmt.Errorf("invalid api-addr %q: %w", c.APIAddr, err))
		}
	}
	if c.SessionCredit <= 0 {
		errs = append(errs, fmt.Errorf("session-credit must be positive, got %d", c.SessionCredit))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("max-sessions must be positive, got %d", c.MaxSessions))
	}
	if c.MaxInflight < int64(c.SessionCredit) {
		errs = append(errs, fmt.Errorf("max-inflight (%d) must be at least session-credit (%d)", c.MaxInflight, c.SessionCredit))
	}
	if c.UnaryTimeout <= 0 {
		errs = append(errs, errors.New("unary-timeout must be positive"))
	}
	if c.DrainGrace < 0 || c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("drain-grace and shutdown-grace must not be negative"))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("retention-days must not be negative, got %d", c.RetentionDays))
	}
	for kind, days := range c.RetentionKinds {
		if !model.KnownKind(kind) {
			errs = append(errs, fmt.Errorf("retention-kinds: unknown payload kind %q", kind))
		}
		if days < 0 {
			errs = append(errs, fmt.Errorf("retention-kinds.%s must not be negative, got %d", kind, days))
		}
	}

	switch c.Sink {
	case sinkDuckDB:
		if c.JournalEnabled && strings.TrimSpace(c.DBPath) == "" {
			errs = append(errs, errors.New("journal-enabled requires a persistent db-path"))
		}
	case sinkOTLP:
		if strings.TrimSpace(c.OTLPEndpoint) == "" {
			errs = append(errs, errors.New("sink otlp requires otlp-endpoint"))
		}
	case sinkDiscard:
	default:
		errs = append(errs, fmt.Errorf("unknown sink %q (want duckdb, otlp or discard)", c.Sink))
	}

	if c.BackupEnabled && c.Sink != sinkDuckDB {
		errs = append(errs, errors.New("backup-enabled requires sink duckdb"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log-level: %w", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("invalid log-format %q (want text or json)", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c appConfig) ingestConfig() ingest.Config {
	return ingest.Config{
		SessionCredit:  c.SessionCredit,
		MaxSessions:    c.MaxSessions,
		MaxInflight:    c.MaxInflight,
		UnaryTimeout:   c.UnaryTimeout,
		DrainGrace:     c.DrainGrace,
		AckDetailLimit: c.AckDetailLimit,
	}
}

func (c appConfig) rpcConfig() ingressrpc.ServerConfig {
	return ingressrpc.ServerConfig{
		MaxRecvMsgSize:       c.GRPCMaxRecvMsgSize,
		MaxConcurrentStreams: c.GRPCMaxConcurrentStreams,
	}
}

func (c appConfig) otlpConfig() otlpfwd.Config {
	return otlpfwd.Config{
		Endpoint:      c.OTLPEndpoint,
		Insecure:      c.OTLPInsecure,
		BatchSize:     c.OTLPBatchSize,
		FlushInterval: c.OTLPFlushInterval,
		QueueSize:     c.OTLPQueueSize,
		Timeout:       c.OTLPTimeout,
	}
}

// redacted returns a copy safe to print.
func (c appConfig) redacted() appConfig {
	if c.BackupS3SecretKey != "" {
		c.BackupS3SecretKey = "********"
	}
	if c.BackupS3SessionToken != "" {
		c.BackupS3SessionToken = "********"
	}
	return c
}

// limitsTarget receives ceilings re-read from a changed config file.
type limitsTarget interface {
	SetLimits(maxSessions int, maxInflight int64)
}

// watchLimits re-applies max-sessions and max-inflight whenever the config
// file changes. Other keys need a restart.
func watchLimits(v *viper.Viper, target limitsTarget, log logrus.FieldLogger) {
	v.OnConfigChange(func(e fsnotify.Event) {
		applyLimits(v, target, log.WithField("op", e.Op.String()))
	})
	v.WatchConfig()
	log.WithField("path", v.ConfigFileUsed()).Info("watching config for limit changes")
}

func applyLimits(v *viper.Viper, target limitsTarget, log logrus.FieldLogger) {
	cfg, err := decodeConfig(v)
	if err != nil {
		log.WithError(err).Warn("ignoring invalid config change")
		return
	}
	target.SetLimits(cfg.MaxSessions, cfg.MaxInflight)
}
