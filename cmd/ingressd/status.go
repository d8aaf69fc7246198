package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/ingress/internal/model"
	"github.com/tinytelemetry/ingress/internal/socketrpc"
)

type statusReport struct {
	Stats    model.IngressStats  `yaml:"stats"`
	Sessions []model.SessionInfo `yaml:"sessions"`
	Storage  *storageReport      `yaml:"storage,omitempty"`
}

type storageReport struct {
	Envelopes  int64                  `yaml:"envelopes"`
	ByKind     map[string]int64       `yaml:"by_kind"`
	TopSources []model.DimensionCount `yaml:"top_sources"`
}

func newStatusCmd(cfgFile *string) *cobra.Command {
	var (
		socketPath string
		top        int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show live ingest state of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if socketPath == "" {
				cfg, _, err := loadConfig(*cfgFile)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				socketPath = cfg.SocketPath
			}

			client, err := socketrpc.Dial(socketPath)
			if err != nil {
				return fmt.Errorf("daemon not reachable at %s: %w", socketPath, err)
			}
			defer client.Close()

			report, err := collectStatus(client, top)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(report)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "", "admin socket path (default from config)")
	cmd.Flags().IntVar(&top, "top", 5, "number of top sources to show")
	return cmd
}

func collectStatus(client *socketrpc.Client, top int) (statusReport, error) {
	var report statusReport
	var err error
	if report.Stats, err = client.Stats(); err != nil {
		return report, err
	}
	if report.Sessions, err = client.Sessions(); err != nil {
		return report, err
	}

	// storage queries fail when the daemon runs a sink that keeps nothing
	total, err := client.TotalEnvelopeCount(model.QueryOpts{})
	if err != nil {
		return report, nil
	}
	storage := &storageReport{Envelopes: total}
	if storage.ByKind, err = client.CountsByKind(model.QueryOpts{}); err != nil {
		return report, err
	}
	if storage.TopSources, err = client.TopSources(top, model.QueryOpts{}); err != nil {
		return report, err
	}
	report.Storage = storage
	return report, nil
}
