package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blefab/blefab/internal/ble"
	"github.com/blefab/blefab/internal/fabric"
)

func watchCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the daemon and print newly discovered devices and scanner mode changes",
		Long:  "Polls the blefabd diagnostics endpoint at --interval and prints each newly discovered device and scanner mode transition until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return watchLoop(ctx, interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")

	return cmd
}

func watchLoop(ctx context.Context, interval time.Duration) error {
	seen := make(map[string]struct{})
	modes := make(map[string]string)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		diag, err := fetchDiagnostics(ctx)
		if err != nil {
			fmt.Println("poll error:", err)
		} else {
			reportNewDevices(diag.AllHistory, seen)
			reportModeChanges(diag.Scanners, modes)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func reportNewDevices(devices []ble.ServiceInfo, seen map[string]struct{}) {
	for _, d := range devices {
		if _, ok := seen[d.Address]; ok {
			continue
		}
		seen[d.Address] = struct{}{}

		name := d.Name
		if name == "" {
			name = "-"
		}
		fmt.Printf("[new]  %s  name=%s  rssi=%d  source=%s  connectable=%t\n",
			d.Address, name, d.RSSI, d.Source, d.Connectable)
	}
}

func reportModeChanges(scanners []fabric.ScannerDiagnostics, modes map[string]string) {
	for _, s := range scanners {
		prev, ok := modes[s.Source]
		if ok && prev == s.CurrentMode {
			continue
		}
		modes[s.Source] = s.CurrentMode
		fmt.Printf("[mode] %s  %s -> %s\n", s.Source, prev, s.CurrentMode)
	}
}
