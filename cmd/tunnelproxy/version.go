package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set via -ldflags "-X main.version=..." at build time.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tunnel proxy client version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("tunnelproxy", version)
		return nil
	},
}
