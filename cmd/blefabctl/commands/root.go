// Package commands implements the blefabctl CLI commands.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blefab/blefab/internal/bluez"
	"github.com/blefab/blefab/internal/fabric"
)

var (
	// httpClient is the HTTP client used for every request to the daemon's
	// diagnostics endpoint.
	httpClient = &http.Client{Timeout: 5 * time.Second}

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's diagnostics HTTP address (host:port).
	serverAddr string

	// diagnosticsPath is the URL path the daemon serves its diagnostics
	// snapshot under.
	diagnosticsPath string
)

// rootCmd is the top-level cobra command for blefabctl.
var rootCmd = &cobra.Command{
	Use:   "blefabctl",
	Short: "CLI client for the blefabd daemon",
	Long:  "blefabctl polls the blefabd daemon's diagnostics HTTP endpoint to inspect scanners, adapters and discovered devices, and can trigger connect/disconnect actions.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8900",
		"blefabd diagnostics address (host:port)")
	rootCmd.PersistentFlags().StringVar(&diagnosticsPath, "path", "/diagnostics",
		"blefabd diagnostics URL path")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(scannersCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(adaptersCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(disconnectCmd())
	rootCmd.AddCommand(watchCmd())
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

// fetchDiagnostics retrieves and decodes a point-in-time snapshot from the
// daemon's diagnostics endpoint.
func fetchDiagnostics(ctx context.Context) (*fabric.Diagnostics, error) {
	var diag fabric.Diagnostics
	if err := getJSON(ctx, diagnosticsPath, &diag); err != nil {
		return nil, fmt.Errorf("fetch diagnostics: %w", err)
	}
	return &diag, nil
}

// fetchAdapters retrieves the BlueZ adapter set the daemon last refreshed.
func fetchAdapters(ctx context.Context) (map[string]bluez.Adapter, error) {
	adapters := make(map[string]bluez.Adapter)
	if err := getJSON(ctx, diagnosticsPath+"/adapters", &adapters); err != nil {
		return nil, fmt.Errorf("fetch adapters: %w", err)
	}
	return adapters, nil
}

func getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+serverAddr+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s from %s", resp.Status, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// postAction issues a connect/disconnect POST against the named
// diagnostics sub-path with the target address as a query parameter.
func postAction(ctx context.Context, action, address string) error {
	path := diagnosticsPath + "/" + action + "?" + url.Values{"address": {address}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+serverAddr+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%s %s failed: %s", action, address, resp.Status)
	}
	return nil
}
