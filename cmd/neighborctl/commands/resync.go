package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Force the daemon to drop and re-establish its LBN session",
		Long:  "Closes the daemon's current LBN connection, driving it back through register and a full initial sync without restarting the process.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := triggerResync(serverAddr); err != nil {
				return err
			}
			fmt.Println("resync triggered")
			return nil
		},
	}
}
