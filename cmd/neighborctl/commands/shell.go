package commands

import (
	"fmt"

	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

// shellCmd launches an interactive reeflective/console REPL bound to the
// same neighbors/resync/version command tree used on the regular command
// line, instead of a hand-rolled line scanner.
func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive neighborctl shell",
		Long:  "Launches a readline-backed REPL exposing the neighbors, resync, and version commands.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runShell()
		},
	}
}

func runShell() error {
	app := console.New("neighborctl")

	menu := app.ActiveMenu()
	menu.SetCommands(func() *cobra.Command {
		return shellRootCmd()
	})

	if err := app.Start(); err != nil {
		return fmt.Errorf("run shell: %w", err)
	}
	return nil
}

// shellRootCmd builds a fresh root command for each REPL evaluation, since
// cobra commands are not safe to re-execute once their flags have parsed.
func shellRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "neighborctl",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverAddr, "addr", serverAddr,
		"profilesrv admin API address (host:port)")
	root.PersistentFlags().StringVar(&outputFormat, "format", outputFormat,
		"output format: table, json")

	root.AddCommand(neighborsCmd())
	root.AddCommand(resyncCmd())
	root.AddCommand(versionCmd())

	return root
}
