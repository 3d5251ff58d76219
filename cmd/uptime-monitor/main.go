// Command uptime-monitor runs the monitor check pipeline.
//
// Usage:
//
//	uptime-monitor serve -c config.yaml            # run scans and the ops API
//	uptime-monitor monitors import -f monitors.yaml # seed monitors
//	uptime-monitor version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time, e.g. go build -ldflags "-X main.version=1.0.0".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "uptime-monitor",
	Short: "Scheduled HTTP health checks for registered monitors",
	Long: `uptime-monitor discovers monitors that are due for a check, probes them
through a pooled HTTP client, keeps each monitor's status current and
stores every probe result in batches.

Configuration is read from config.yaml (./config or the working
directory, or --config) and UPTIME_* environment variables.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "uptime-monitor %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
