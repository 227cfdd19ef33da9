package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func devicesCmd() *cobra.Command {
	var connectableOnly bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices discovered across all scanners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			diag, err := fetchDiagnostics(cmd.Context())
			if err != nil {
				return err
			}

			devices := diag.AllHistory
			if connectableOnly {
				devices = diag.ConnectableHistory
			}

			out, err := formatDevices(devices, outputFormat)
			if err != nil {
				return fmt.Errorf("format devices: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&connectableOnly, "connectable", false,
		"only show devices known to be connectable")

	return cmd
}
