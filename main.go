// laninv - LAN hardware inventory
//
// Usage:
//
//	laninv collector - ingest agent reports, scan the LAN and keep the inventory
//	laninv agent     - serve this machine's hardware report
//	laninv scan      - one-shot scan writing the discovered hosts CSV
//	laninv status    - show collector counters and the device table
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"laninv/cmd/agent"
	"laninv/cmd/collector"
	"laninv/cmd/edit"
	"laninv/cmd/scan"
	"laninv/cmd/status"
)

const (
	defaultSystemPath = "/etc/laninv/config.toml"
	defaultLocalPath  = "config.toml"
)

var version = "dev"

var (
	configPath string
	refresh    bool
)

var rootCmd = &cobra.Command{
	Use:           "laninv",
	Short:         "laninv - LAN hardware inventory collector and agent",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath == "" {
			configPath = discoverConfig()
		}
	},
}

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Start the collector (ingestion server, monitor loops, RPC)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return collector.Run(configPath)
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start the endpoint agent daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agent.Run(configPath)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the configured segments once and write the hosts CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		return scan.Run(configPath)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show collector counters and the device table",
	RunE: func(cmd *cobra.Command, args []string) error {
		return status.Run(configPath, refresh)
	},
}

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit the configuration file in your system editor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return edit.EditConfig(configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("laninv %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		fmt.Sprintf("path to config file (default: ./%s, then %s)", defaultLocalPath, defaultSystemPath))
	statusCmd.Flags().BoolVar(&refresh, "refresh", false, "start a full refresh before printing")

	rootCmd.AddCommand(collectorCmd, agentCmd, scanCmd, statusCmd, editCmd, versionCmd)
}

func discoverConfig() string {
	if _, err := os.Stat(defaultLocalPath); err == nil {
		return defaultLocalPath
	}
	return defaultSystemPath
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
