// Package commands implements the neighborctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient is the shared client used for every admin API call.
	httpClient = &http.Client{Timeout: 10 * time.Second}

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's metrics/admin HTTP address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for neighborctl.
var rootCmd = &cobra.Command{
	Use:   "neighborctl",
	Short: "CLI client for the profilesrv daemon",
	Long:  "neighborctl talks to the profilesrv daemon's admin JSON API to inspect and resync the local neighborhood.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:9110",
		"profilesrv admin API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(neighborsCmd())
	rootCmd.AddCommand(resyncCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
