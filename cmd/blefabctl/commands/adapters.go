package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func adaptersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adapters",
		Short: "List BlueZ adapters the daemon knows about",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapters, err := fetchAdapters(cmd.Context())
			if err != nil {
				return err
			}

			out, err := formatAdapters(adapters, outputFormat)
			if err != nil {
				return fmt.Errorf("format adapters: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}
