package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thatcooperguy/tunnelproxy/internal/config"
	"github.com/thatcooperguy/tunnelproxy/internal/svc"
)

var installServiceCmd = &cobra.Command{
	Use:   "install-service",
	Short: "Install the tunnel proxy as an OS service",
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

		if err := s.Install(); err != nil {
			return fmt.Errorf("installing service: %w", err)
		}
		fmt.Println("Service installed successfully:", svc.Name)
		return nil
	},
}
