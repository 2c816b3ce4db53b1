package main

import (
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/thatcooperguy/tunnelproxy/internal/config"
	"github.com/thatcooperguy/tunnelproxy/internal/svc"
)

var uninstallServiceCmd = &cobra.Command{
	Use:   "uninstall-service",
	Short: "Uninstall the tunnel proxy OS service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger := initLogger(cfg.LogLevel)
		prog := svc.NewProgram(cfg, logger)
		s, err := svc.New(prog)
		if err != nil {
			return fmt.Errorf("creating service: %w", err)
		}

		if err := service.Control(s, "stop"); err != nil {
			logger.Warn("failed to stop service before uninstall (may not be running)", "error", err)
		}
		if err := s.Uninstall(); err != nil {
			return fmt.Errorf("uninstalling service: %w", err)
		}
		fmt.Println("Service uninstalled successfully:", svc.Name)
		return nil
	},
}
