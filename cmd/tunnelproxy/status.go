package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/thatcooperguy/tunnelproxy/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the running tunnel proxy's status endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		url := fmt.Sprintf("http://127.0.0.1:%d/status", cfg.StatusPort)
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			return fmt.Errorf("querying %s: %w (is the proxy running?)", url, err)
		}
		defer resp.Body.Close()

		var payload map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("decoding status response: %w", err)
		}

		encoded, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return fmt.Errorf("formatting status response: %w", err)
		}
		fmt.Println(string(encoded))
		return nil
	},
}
