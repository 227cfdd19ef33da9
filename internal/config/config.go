// Package config manages blefab daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete blefab configuration.
type Config struct {
	Diagnostics DiagnosticsConfig `koanf:"diagnostics"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Log         LogConfig         `koanf:"log"`
	MGMT        MGMTConfig        `koanf:"mgmt"`
	Adapters    []AdapterConfig   `koanf:"adapters"`
}

// DiagnosticsConfig holds the HTTP diagnostics endpoint configuration.
type DiagnosticsConfig struct {
	// Addr is the HTTP listen address for the diagnostics endpoint (e.g., ":8900").
	Addr string `koanf:"addr"`
	// Path is the URL path for the diagnostics snapshot (e.g., "/diagnostics").
	Path string `koanf:"path"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MGMTConfig holds the Bluetooth management-socket channel configuration.
type MGMTConfig struct {
	// ReconnectInterval is loaded and validated (must be > 0), but it is not
	// passed to the MGMT channel: the channel waits a fixed one second
	// between reconnect attempts.
	ReconnectInterval time.Duration `koanf:"reconnect_interval"`
}

// AdapterConfig describes one local Bluetooth adapter to register as a
// scanner on daemon startup. SIGHUP reload does not re-register adapters.
type AdapterConfig struct {
	// Name is the HCI device name (e.g. "hci0").
	Name string `koanf:"name"`

	// Source is the scanner source identifier surfaced to callbacks and
	// diagnostics. Defaults to Name when empty.
	Source string `koanf:"source"`

	// Connectable marks this adapter as eligible for the connect-path
	// router; passive-only adapters should leave this false.
	Connectable bool `koanf:"connectable"`

	// ConnectionSlots caps concurrent GATT connections this adapter may
	// hold at once. Zero means "unbounded" is not allowed: the fabric
	// manager requires a positive capacity for any connectable adapter.
	ConnectionSlots int `koanf:"connection_slots"`

	// PreferActive requests active scanning (scan-response collection)
	// when the adapter's controller capabilities allow it. Falls back to
	// passive automatically per spec's mode-fallback rule otherwise.
	PreferActive bool `koanf:"prefer_active"`
}

// SessionKey returns a unique identifier for the adapter based on its
// source. Validate uses it to reject duplicate adapter entries.
func (ac AdapterConfig) SessionKey() string {
	if ac.Source != "" {
		return ac.Source
	}
	return ac.Name
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Diagnostics: DiagnosticsConfig{
			Addr: ":8900",
			Path: "/diagnostics",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		MGMT: MGMTConfig{
			ReconnectInterval: 2 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for blefab configuration.
// Variables are named BLEFAB_<section>_<key>, e.g., BLEFAB_METRICS_ADDR.
const envPrefix = "BLEFAB_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (BLEFAB_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	BLEFAB_DIAGNOSTICS_ADDR  -> diagnostics.addr
//	BLEFAB_METRICS_ADDR      -> metrics.addr
//	BLEFAB_METRICS_PATH      -> metrics.path
//	BLEFAB_LOG_LEVEL         -> log.level
//	BLEFAB_LOG_FORMAT        -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// BLEFAB_METRICS_ADDR -> metrics.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms BLEFAB_METRICS_ADDR -> metrics.addr.
// Strips the BLEFAB_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"diagnostics.addr":        defaults.Diagnostics.Addr,
		"diagnostics.path":        defaults.Diagnostics.Path,
		"metrics.addr":            defaults.Metrics.Addr,
		"metrics.path":            defaults.Metrics.Path,
		"log.level":               defaults.Log.Level,
		"log.format":              defaults.Log.Format,
		"mgmt.reconnect_interval": defaults.MGMT.ReconnectInterval.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyDiagnosticsAddr indicates the diagnostics listen address is empty.
	ErrEmptyDiagnosticsAddr = errors.New("diagnostics.addr must not be empty")

	// ErrInvalidReconnectInterval indicates the MGMT reconnect interval is non-positive.
	ErrInvalidReconnectInterval = errors.New("mgmt.reconnect_interval must be > 0")

	// ErrEmptyAdapterName indicates an adapter entry has no device name.
	ErrEmptyAdapterName = errors.New("adapter name must not be empty")

	// ErrInvalidConnectionSlots indicates a connectable adapter declares
	// zero or fewer connection slots.
	ErrInvalidConnectionSlots = errors.New("connectable adapter connection_slots must be >= 1")

	// ErrDuplicateAdapterKey indicates two adapters share the same source.
	ErrDuplicateAdapterKey = errors.New("duplicate adapter source")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Diagnostics.Addr == "" {
		return ErrEmptyDiagnosticsAddr
	}

	if cfg.MGMT.ReconnectInterval <= 0 {
		return ErrInvalidReconnectInterval
	}

	if err := validateAdapters(cfg.Adapters); err != nil {
		return err
	}

	return nil
}

// validateAdapters checks each declarative adapter entry for correctness.
func validateAdapters(adapters []AdapterConfig) error {
	seen := make(map[string]struct{}, len(adapters))

	for i, ac := range adapters {
		if ac.Name == "" {
			return fmt.Errorf("adapters[%d]: %w", i, ErrEmptyAdapterName)
		}

		if ac.Connectable && ac.ConnectionSlots < 1 {
			return fmt.Errorf("adapters[%d] %q: %w", i, ac.Name, ErrInvalidConnectionSlots)
		}

		key := ac.SessionKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("adapters[%d] key %q: %w", i, key, ErrDuplicateAdapterKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
