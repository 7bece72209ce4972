// Command ekomilkd bridges an EkoMilk milk analyser paired over Bluetooth
// to display clients over HTTP, SSE and WebSocket.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML configuration file
	configPath string
	// logLevel overrides log.level from the configuration
	logLevel string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ekomilkd",
	Short: "EkoMilk analyser bridge",
	Long: `ekomilkd reads milk analysis results from an EkoMilk analyser over a
Bluetooth serial link and serves the latest measurements to display clients.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (default /etc/ekomilkd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(portsCmd)
}
