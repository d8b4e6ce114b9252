package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func neighborsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "neighbors",
		Aliases: []string{"neighbor"},
		Short:   "Inspect the local neighborhood",
	}

	cmd.AddCommand(neighborsListCmd())
	cmd.AddCommand(neighborsShowCmd())

	return cmd
}

// --- neighbors list ---

func neighborsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every neighbor currently held by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			views, err := listNeighbors(serverAddr)
			if err != nil {
				return err
			}

			out, err := formatNeighbors(views, outputFormat)
			if err != nil {
				return fmt.Errorf("format neighbors: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- neighbors show ---

func neighborsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <server-id>",
		Short: "Show details of a single neighbor by hex server ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			view, err := showNeighbor(serverAddr, args[0])
			if err != nil {
				return err
			}

			out, err := formatNeighbor(view, outputFormat)
			if err != nil {
				return fmt.Errorf("format neighbor: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
