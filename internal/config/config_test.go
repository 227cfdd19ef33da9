package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blefab/blefab/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Diagnostics.Addr != ":8900" {
		t.Errorf("Diagnostics.Addr = %q, want %q", cfg.Diagnostics.Addr, ":8900")
	}

	if cfg.Diagnostics.Path != "/diagnostics" {
		t.Errorf("Diagnostics.Path = %q, want %q", cfg.Diagnostics.Path, "/diagnostics")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.MGMT.ReconnectInterval != 2*time.Second {
		t.Errorf("MGMT.ReconnectInterval = %v, want %v", cfg.MGMT.ReconnectInterval, 2*time.Second)
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
diagnostics:
  addr: ":8901"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
mgmt:
  reconnect_interval: "500ms"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Diagnostics.Addr != ":8901" {
		t.Errorf("Diagnostics.Addr = %q, want %q", cfg.Diagnostics.Addr, ":8901")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}

	if cfg.MGMT.ReconnectInterval != 500*time.Millisecond {
		t.Errorf("MGMT.ReconnectInterval = %v, want %v", cfg.MGMT.ReconnectInterval, 500*time.Millisecond)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override diagnostics.addr and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
diagnostics:
  addr: ":8955"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	// Overridden values.
	if cfg.Diagnostics.Addr != ":8955" {
		t.Errorf("Diagnostics.Addr = %q, want %q", cfg.Diagnostics.Addr, ":8955")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if cfg.MGMT.ReconnectInterval != 2*time.Second {
		t.Errorf("MGMT.ReconnectInterval = %v, want default %v", cfg.MGMT.ReconnectInterval, 2*time.Second)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty diagnostics addr",
			modify: func(cfg *config.Config) {
				cfg.Diagnostics.Addr = ""
			},
			wantErr: config.ErrEmptyDiagnosticsAddr,
		},
		{
			name: "zero reconnect interval",
			modify: func(cfg *config.Config) {
				cfg.MGMT.ReconnectInterval = 0
			},
			wantErr: config.ErrInvalidReconnectInterval,
		},
		{
			name: "negative reconnect interval",
			modify: func(cfg *config.Config) {
				cfg.MGMT.ReconnectInterval = -1 * time.Second
			},
			wantErr: config.ErrInvalidReconnectInterval,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// -------------------------------------------------------------------------
// Adapter Config Tests
// -------------------------------------------------------------------------

func TestLoadWithAdapters(t *testing.T) {
	t.Parallel()

	yamlContent := `
diagnostics:
  addr: ":8900"
adapters:
  - name: "hci0"
    source: "hci0"
    connectable: true
    connection_slots: 3
    prefer_active: true
  - name: "hci1"
    source: "hci1-passive"
    connectable: false
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if len(cfg.Adapters) != 2 {
		t.Fatalf("Adapters count = %d, want 2", len(cfg.Adapters))
	}

	a1 := cfg.Adapters[0]
	if a1.Name != "hci0" {
		t.Errorf("Adapters[0].Name = %q, want %q", a1.Name, "hci0")
	}
	if !a1.Connectable {
		t.Error("Adapters[0].Connectable = false, want true")
	}
	if a1.ConnectionSlots != 3 {
		t.Errorf("Adapters[0].ConnectionSlots = %d, want %d", a1.ConnectionSlots, 3)
	}
	if !a1.PreferActive {
		t.Error("Adapters[0].PreferActive = false, want true")
	}

	a2 := cfg.Adapters[1]
	if a2.Source != "hci1-passive" {
		t.Errorf("Adapters[1].Source = %q, want %q", a2.Source, "hci1-passive")
	}
	if a2.Connectable {
		t.Error("Adapters[1].Connectable = true, want false")
	}

	if a1.SessionKey() == a2.SessionKey() {
		t.Error("Adapters[0] and Adapters[1] have the same key, expected different")
	}
}

func TestValidateAdapterErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty adapter name",
			modify: func(cfg *config.Config) {
				cfg.Adapters = []config.AdapterConfig{
					{Name: ""},
				}
			},
			wantErr: config.ErrEmptyAdapterName,
		},
		{
			name: "connectable adapter with zero slots",
			modify: func(cfg *config.Config) {
				cfg.Adapters = []config.AdapterConfig{
					{Name: "hci0", Connectable: true, ConnectionSlots: 0},
				}
			},
			wantErr: config.ErrInvalidConnectionSlots,
		},
		{
			name: "duplicate adapter keys",
			modify: func(cfg *config.Config) {
				cfg.Adapters = []config.AdapterConfig{
					{Name: "hci0", Source: "hci0"},
					{Name: "hci0", Source: "hci0"},
				}
			},
			wantErr: config.ErrDuplicateAdapterKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePassiveAdapterNeedsNoSlots(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Adapters = []config.AdapterConfig{
		{Name: "hci0", Connectable: false, ConnectionSlots: 0},
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate() with passive-only adapter returned error: %v", err)
	}
}

func TestAdapterConfigKey(t *testing.T) {
	t.Parallel()

	ac := config.AdapterConfig{Name: "hci0", Source: "hci0-scanner"}

	want := "hci0-scanner"
	if got := ac.SessionKey(); got != want {
		t.Errorf("SessionKey() = %q, want %q", got, want)
	}
}

func TestAdapterConfigKeyFallsBackToName(t *testing.T) {
	t.Parallel()

	ac := config.AdapterConfig{Name: "hci0"}

	want := "hci0"
	if got := ac.SessionKey(); got != want {
		t.Errorf("SessionKey() = %q, want %q", got, want)
	}
}

// -------------------------------------------------------------------------
// Environment Variable Override Tests
// -------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
diagnostics:
  addr: ":8900"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	// Set env overrides.
	t.Setenv("BLEFAB_DIAGNOSTICS_ADDR", ":8950")
	t.Setenv("BLEFAB_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Diagnostics.Addr != ":8950" {
		t.Errorf("Diagnostics.Addr = %q, want %q (from env)", cfg.Diagnostics.Addr, ":8950")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
diagnostics:
  addr: ":8900"
metrics:
  addr: ":9100"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("BLEFAB_METRICS_ADDR", ":9200")
	t.Setenv("BLEFAB_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "blefab.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
