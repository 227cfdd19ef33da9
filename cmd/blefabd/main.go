// blefabd -- BLE advertisement-aggregation and connection-routing fabric daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/blefab/blefab/internal/bluez"
	"github.com/blefab/blefab/internal/config"
	"github.com/blefab/blefab/internal/fabric"
	blemetrics "github.com/blefab/blefab/internal/metrics"
	"github.com/blefab/blefab/internal/mgmt"
	"github.com/blefab/blefab/internal/router"
	"github.com/blefab/blefab/internal/scan"
	"github.com/blefab/blefab/internal/slot"
	appversion "github.com/blefab/blefab/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("blefabd starting",
		slog.String("version", appversion.Version),
		slog.String("diagnostics_addr", cfg.Diagnostics.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := blemetrics.NewCollector(reg)

	oracle, err := bluez.NewOracle(adapterSlotOverrides(cfg.Adapters))
	if err != nil {
		logger.Error("failed to connect to BlueZ", slog.String("error", err.Error()))
		return 1
	}
	defer oracle.Close()

	mgr := fabric.New(logger)
	defer mgr.Close()

	if err := runDaemon(cfg, mgr, oracle, collector, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("blefabd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("blefabd stopped")
	return 0
}

// runDaemon wires the MGMT channel, registers every configured adapter as a
// scanner, starts the HTTP servers, and runs everything under an errgroup
// with signal-aware shutdown.
func runDaemon(
	cfg *config.Config,
	mgr *fabric.Manager,
	oracle *bluez.Oracle,
	collector *blemetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	chanLogger := logger.With(slog.String("component", "mgmt.channel"))
	mgmtChan := mgmt.NewChannel(mgmt.DialControl, chanLogger)
	degraded := false
	if err := mgmtChan.Setup(gCtx); err != nil {
		if errors.Is(err, mgmt.ErrPermissionDenied) {
			logger.Warn("MGMT channel unavailable, continuing in scan-only mode without connection-parameter tuning",
				slog.String("error", err.Error()))
			degraded = true
		} else {
			return fmt.Errorf("mgmt channel setup: %w", err)
		}
	}
	defer mgmtChan.Close()

	backend := bluez.NewBackend(oracle.Conn())
	var rt *router.Router
	if degraded {
		rt = router.New(mgr, backend, nil)
	} else {
		rt = router.New(mgr, backend, mgmtChan)
	}

	disposers, err := registerAdapters(gCtx, g, cfg, mgr, oracle, mgmtChan, collector, logger)
	if err != nil {
		return fmt.Errorf("register adapters: %w", err)
	}
	defer func() {
		for _, d := range disposers {
			d()
		}
	}()

	g.Go(func() error {
		mgr.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		return publishSlotMetrics(gCtx, mgr, collector)
	})

	diagSrv := newDiagnosticsServer(cfg.Diagnostics, mgr, oracle, rt)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	startHTTPServers(gCtx, g, cfg, diagSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, diagSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// registerAdapters creates a scanner per configured adapter, registers it
// with the fabric manager, binds local scanners to the MGMT channel, and
// starts each scanner's Run loop under the errgroup. Returns the
// disposers to call on shutdown.
func registerAdapters(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	mgr *fabric.Manager,
	oracle *bluez.Oracle,
	mgmtChan *mgmt.Channel,
	collector *blemetrics.Collector,
	logger *slog.Logger,
) ([]fabric.Disposer, error) {
	var disposers []fabric.Disposer

	for _, ac := range cfg.Adapters {
		source := ac.Source
		if source == "" {
			source = ac.Name
		}

		idx, err := adapterIndex(ac.Name)
		if err != nil {
			return disposers, fmt.Errorf("adapter %s: %w", ac.Name, err)
		}

		mode := scan.ModePassive
		if ac.PreferActive {
			mode = scan.ModeActive
		}

		sc := scan.NewLocalScanner(source, ac.Name, ac.Connectable, mgr.Tracker(), mgr.ScannerAdvReceived,
			startFunc(oracle, ac.Name), logger,
			scan.WithAdapterIdx(idx),
			scan.WithRecoveryHook(oracle.Recover),
			scan.WithRequestedMode(mode),
			scan.WithModeChangeCallback(func(src string, m scan.Mode) {
				if m == scan.ModePassive {
					collector.IncScannerModeFallback(src)
				}
			}),
		)

		mgmtChan.RegisterScanner(uint16(idx), sc)
		disp := mgr.RegisterScanner(sc, ac.ConnectionSlots)
		disposers = append(disposers, disp)

		g.Go(func() error {
			if err := sc.Run(ctx); err != nil {
				logger.Error("scanner stopped with error", slog.String("source", source), slog.String("error", err.Error()))
			}
			return nil
		})
	}

	return disposers, nil
}

// startFunc builds the scan.StartFunc a LocalScanner calls for each start
// attempt, starting BlueZ discovery in the requested mode over D-Bus. It
// never stops discovery.
func startFunc(oracle *bluez.Oracle, adapter string) scan.StartFunc {
	return func(ctx context.Context, mode scan.Mode) (bool, error) {
		if err := oracle.StartDiscovery(ctx, adapter, mode == scan.ModeActive); err != nil {
			// BlueZ reports "not powered"/"initializing" adapters as a
			// generic D-Bus error; treat any StartDiscovery failure in
			// active mode as recoverable so the scanner's retry/fallback
			// logic (and the adapter recovery hook) gets a chance.
			return mode == scan.ModeActive, err
		}
		return false, nil
	}
}

// adapterSlotOverrides builds the per-adapter connection_slots map the
// bluez.Oracle needs since BlueZ itself has no such property.
func adapterSlotOverrides(adapters []config.AdapterConfig) map[string]int {
	out := make(map[string]int, len(adapters))
	for _, ac := range adapters {
		if ac.ConnectionSlots > 0 {
			out[ac.Name] = ac.ConnectionSlots
		}
	}
	return out
}

// adapterIndex parses the numeric suffix off an HCI device name (e.g.
// "hci0" -> 0), the MGMT controller index.
func adapterIndex(name string) (int, error) {
	n := strings.TrimPrefix(name, "hci")
	idx, err := strconv.Atoi(n)
	if err != nil {
		return 0, fmt.Errorf("parse adapter index from %q: %w", name, err)
	}
	return idx, nil
}

// publishSlotMetrics mirrors the slot manager's allocation events into the
// Prometheus gauges. Blocks until ctx is cancelled.
func publishSlotMetrics(ctx context.Context, mgr *fabric.Manager, collector *blemetrics.Collector) error {
	dispose := mgr.Slots().OnChange(func(event slot.AllocationChangeEvent) {
		collector.SetSlotAllocation(event.Adapter, event.InUse, event.Capacity)
	})
	defer dispose()

	<-ctx.Done()
	return nil
}

// -------------------------------------------------------------------------
// HTTP Servers
// -------------------------------------------------------------------------

func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	diagSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("diagnostics server listening", slog.String("addr", cfg.Diagnostics.Addr))
		return listenAndServe(ctx, &lc, diagSrv, cfg.Diagnostics.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newDiagnosticsServer serves the fabric manager's Diagnostics snapshot as
// JSON, the surface cmd/blefabctl polls.
func newDiagnosticsServer(cfg config.DiagnosticsConfig, mgr *fabric.Manager, oracle *bluez.Oracle, rt *router.Router) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(mgr.Diagnostics()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc(cfg.Path+"/adapters", func(w http.ResponseWriter, r *http.Request) {
		if err := oracle.Refresh(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(oracle.Adapters()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc(cfg.Path+"/connect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		addr := r.URL.Query().Get("address")
		if addr == "" {
			http.Error(w, "missing address query parameter", http.StatusBadRequest)
			return
		}
		if err := rt.Connect(r.Context(), addr); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc(cfg.Path+"/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		addr := r.URL.Query().Get("address")
		if addr == "" {
			http.Error(w, "missing address query parameter", http.StatusBadRequest)
			return
		}
		if err := rt.Disconnect(r.Context(), addr); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				logger.Info("received SIGHUP, reloading configuration")
				reloadConfig(configPath, logLevel, logger)
			}
		}
	})
}

// reloadConfig reloads the log level only; the adapter set is fixed at
// startup (changing it would require tearing down and re-registering live
// scanners, out of scope for a SIGHUP reload).
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
