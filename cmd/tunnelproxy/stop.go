package main

import (
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/thatcooperguy/tunnelproxy/internal/config"
	"github.com/thatcooperguy/tunnelproxy/internal/svc"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the installed tunnel proxy service",
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
			return fmt.Errorf("stopping %s: %w", svc.Name, err)
		}
		fmt.Println("Service stopped:", svc.Name)
		return nil
	},
}
