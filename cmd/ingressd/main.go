// Command ingressd accepts loggregator v2 envelopes over gRPC and hands them
// to a storage or forwarding sink with per-envelope acknowledgements.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	serve := func(cmd *cobra.Command, args []string) error {
		cfg, v, err := loadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return runServer(cfg, v)
	}

	rootCmd := &cobra.Command{
		Use:   "ingressd",
		Short: "Telemetry ingress with per-envelope acknowledgements",
		Long: `ingressd serves the loggregator.v2.Ingress gRPC service (Sender,
BatchSender and Send) and delivers every envelope to one sink: DuckDB,
an OTLP collector, or discard.

Streaming producers are paced by per-session credit. Every envelope gets
exactly one disposition, reported back in the call's response.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.config/ingressd/config.yml)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the ingress daemon",
			RunE:  serve,
		},
		newValidateCmd(&cfgFile),
		newStatusCmd(&cfgFile),
		newTopCmd(&cfgFile),
		newEmitCmd(&cfgFile),
		newVersionCmd(),
	)
	return rootCmd
}

func newValidateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*cfgFile)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			out, err := yaml.Marshal(cfg.redacted())
			if err != nil {
				return err
			}
			if cfg.ConfigPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", cfg.ConfigPath)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "ingressd - Telemetry Ingress Service\n")
			fmt.Fprintf(w, "  Version:    %s\n", version)
			fmt.Fprintf(w, "  Commit:     %s\n", commit)
			fmt.Fprintf(w, "  Built:      %s\n", buildTime)
			fmt.Fprintf(w, "  Go version: %s\n", runtime.Version())
		},
	}
}
