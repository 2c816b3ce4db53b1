package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thatcooperguy/tunnelproxy/internal/config"
	"github.com/thatcooperguy/tunnelproxy/internal/supervisor"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the tunnel proxy in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := initLogger(logLevel)

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logger = initLogger(cfg.LogLevel)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		sup := supervisor.New(logger)
		logger.Info("starting tunnel proxy in foreground", "display_name", cfg.DisplayName, "sni_host", cfg.SNIHost)
		if err := sup.Start(ctx, cfg); err != nil {
			return fmt.Errorf("starting supervisor: %w", err)
		}

		<-ctx.Done()
		logger.Info("shutdown signal received, stopping")
		if err := sup.Stop(); err != nil {
			return fmt.Errorf("stopping supervisor: %w", err)
		}
		return nil
	},
}
