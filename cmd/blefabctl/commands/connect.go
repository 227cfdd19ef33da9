package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <address>",
		Short: "Connect to a discovered device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := postAction(cmd.Context(), "connect", args[0]); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			fmt.Printf("Connected to %s.\n", args[0])
			return nil
		},
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <address>",
		Short: "Disconnect from a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := postAction(cmd.Context(), "disconnect", args[0]); err != nil {
				return fmt.Errorf("disconnect: %w", err)
			}
			fmt.Printf("Disconnected from %s.\n", args[0])
			return nil
		},
	}
}
