package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func scannersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scanners",
		Short: "List registered scanners and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			diag, err := fetchDiagnostics(cmd.Context())
			if err != nil {
				return err
			}

			out, err := formatScanners(diag.Scanners, outputFormat)
			if err != nil {
				return fmt.Errorf("format scanners: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}
