package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thatcooperguy/tunnelproxy/internal/config"
)

var importCmd = &cobra.Command{
	Use:   "import <share-url>",
	Short: "Import a shareable configuration URL and write it to the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogger(logLevel)

		cfg, err := config.DecodeShareURL(args[0])
		if err != nil {
			return fmt.Errorf("decoding share URL: %w", err)
		}

		path := configPath
		if path == "" {
			path = config.DefaultConfigPath
		}

		encoded, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(path, encoded, 0o600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}

		fmt.Printf("Imported configuration %q for %s, written to %s\n", cfg.DisplayName, cfg.SNIHost, path)
		return nil
	},
}
