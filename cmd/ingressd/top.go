package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinytelemetry/ingress/internal/socketrpc"
	"github.com/tinytelemetry/ingress/internal/top"
)

func newTopCmd(cfgFile *string) *cobra.Command {
	var (
		socketPath string
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of a running daemon",
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
			return top.Run(client, interval)
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "", "admin socket path (default from config)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval")
	return cmd
}
