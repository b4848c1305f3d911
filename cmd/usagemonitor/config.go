package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rygel/aiusagemonitor/internal/api"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration and runtime paths",
}

var configInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the data directory and handshake file locations",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("data directory:   %s\n", dataDirectory())
		fmt.Printf("config document:  %s/config.json\n", dataDirectory())
		fmt.Printf("usage database:   %s/usage.db\n", dataDirectory())
		fmt.Printf("handshake file:   %s\n", api.PrimaryHandshakePath())
		fmt.Printf("legacy handshake: %s\n", api.LegacyHandshakePath())
	},
}

func init() {
	configCmd.AddCommand(configInfoCmd)
}
