package blemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "blefab"
	subsystem = "fabric"
)

// Label names for fabric metrics.
const (
	labelSource  = "source"
	labelAdapter = "adapter"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Fabric Metrics
// -------------------------------------------------------------------------

// Collector holds all blefab Prometheus metrics.
//
//   - Advertisements gauges/counters track ingest volume and dedup drops.
//   - Scanner counters track watchdog trips and mode transitions.
//   - Connect counters track attempt/success/failure volumes per adapter.
//   - Allocation gauges mirror the slot manager's live in-use/capacity state.
//   - MGMT counters track reconnects to the kernel management socket.
type Collector struct {
	// AdvertisementsIngested counts raw advertisements accepted by a
	// scanner's Ingest, per source, before dedup/merge.
	AdvertisementsIngested *prometheus.CounterVec

	// AdvertisementsMerged counts advertisements that updated an existing
	// tracked record rather than creating a new one, per source.
	AdvertisementsMerged *prometheus.CounterVec

	// AppleNoiseDropped counts advertisements dropped by the Apple
	// continuity-noise filter, per source.
	AppleNoiseDropped *prometheus.CounterVec

	// ScannerWatchdogTrips counts local-scanner watchdog restarts, per
	// adapter.
	ScannerWatchdogTrips *prometheus.CounterVec

	// ScannerModeFallbacks counts active-to-passive mode downgrades, per
	// adapter.
	ScannerModeFallbacks *prometheus.CounterVec

	// ConnectAttempts counts connection attempts routed through a scanner,
	// per source.
	ConnectAttempts *prometheus.CounterVec

	// ConnectSuccesses counts successful connects, per source.
	ConnectSuccesses *prometheus.CounterVec

	// ConnectFailures counts failed connects, per source.
	ConnectFailures *prometheus.CounterVec

	// SlotsInUse mirrors the slot manager's live in-use count, per
	// adapter.
	SlotsInUse *prometheus.GaugeVec

	// SlotsCapacity mirrors the slot manager's configured capacity, per
	// adapter.
	SlotsCapacity *prometheus.GaugeVec

	// MGMTReconnects counts MGMT socket reconnects after the kernel closes
	// the channel.
	MGMTReconnects prometheus.Counter
}

// NewCollector creates a Collector with all fabric metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "blefab_fabric_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.AdvertisementsIngested,
		c.AdvertisementsMerged,
		c.AppleNoiseDropped,
		c.ScannerWatchdogTrips,
		c.ScannerModeFallbacks,
		c.ConnectAttempts,
		c.ConnectSuccesses,
		c.ConnectFailures,
		c.SlotsInUse,
		c.SlotsCapacity,
		c.MGMTReconnects,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	sourceLabels := []string{labelSource}
	adapterLabels := []string{labelAdapter}

	return &Collector{
		AdvertisementsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "advertisements_ingested_total",
			Help:      "Total raw advertisements accepted by a scanner's Ingest.",
		}, sourceLabels),

		AdvertisementsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "advertisements_merged_total",
			Help:      "Total advertisements that updated an existing tracked record.",
		}, sourceLabels),

		AppleNoiseDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "apple_noise_dropped_total",
			Help:      "Total advertisements dropped by the Apple continuity-noise filter.",
		}, sourceLabels),

		ScannerWatchdogTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scanner_watchdog_trips_total",
			Help:      "Total local-scanner watchdog restarts.",
		}, adapterLabels),

		ScannerModeFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scanner_mode_fallbacks_total",
			Help:      "Total active-to-passive scan mode downgrades.",
		}, adapterLabels),

		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_attempts_total",
			Help:      "Total connection attempts routed through a scanner.",
		}, sourceLabels),

		ConnectSuccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_successes_total",
			Help:      "Total successful connects.",
		}, sourceLabels),

		ConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_failures_total",
			Help:      "Total failed connects.",
		}, sourceLabels),

		SlotsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "slots_in_use",
			Help:      "Current number of connection slots in use, per adapter.",
		}, adapterLabels),

		SlotsCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "slots_capacity",
			Help:      "Configured connection slot capacity, per adapter.",
		}, adapterLabels),

		MGMTReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mgmt_reconnects_total",
			Help:      "Total MGMT socket reconnects after the kernel closed the channel.",
		}),
	}
}

// -------------------------------------------------------------------------
// Advertisement Ingest
// -------------------------------------------------------------------------

// IncAdvertisementsIngested increments the raw ingest counter for source.
func (c *Collector) IncAdvertisementsIngested(source string) {
	c.AdvertisementsIngested.WithLabelValues(source).Inc()
}

// IncAdvertisementsMerged increments the merge counter for source.
func (c *Collector) IncAdvertisementsMerged(source string) {
	c.AdvertisementsMerged.WithLabelValues(source).Inc()
}

// IncAppleNoiseDropped increments the Apple-noise-filter drop counter for
// source.
func (c *Collector) IncAppleNoiseDropped(source string) {
	c.AppleNoiseDropped.WithLabelValues(source).Inc()
}

// -------------------------------------------------------------------------
// Scanner Lifecycle
// -------------------------------------------------------------------------

// IncScannerWatchdogTrip increments the watchdog-restart counter for
// adapter.
func (c *Collector) IncScannerWatchdogTrip(adapter string) {
	c.ScannerWatchdogTrips.WithLabelValues(adapter).Inc()
}

// IncScannerModeFallback increments the active-to-passive fallback counter
// for adapter.
func (c *Collector) IncScannerModeFallback(adapter string) {
	c.ScannerModeFallbacks.WithLabelValues(adapter).Inc()
}

// -------------------------------------------------------------------------
// Connect Lifecycle
// -------------------------------------------------------------------------

// IncConnectAttempt increments the connect-attempt counter for source.
func (c *Collector) IncConnectAttempt(source string) {
	c.ConnectAttempts.WithLabelValues(source).Inc()
}

// IncConnectSuccess increments the connect-success counter for source.
func (c *Collector) IncConnectSuccess(source string) {
	c.ConnectSuccesses.WithLabelValues(source).Inc()
}

// IncConnectFailure increments the connect-failure counter for source.
func (c *Collector) IncConnectFailure(source string) {
	c.ConnectFailures.WithLabelValues(source).Inc()
}

// -------------------------------------------------------------------------
// Slot Allocation
// -------------------------------------------------------------------------

// SetSlotAllocation sets the live in-use/capacity gauges for adapter. Called
// from the fabric manager's slot.OnChange callback.
func (c *Collector) SetSlotAllocation(adapter string, inUse, capacity int) {
	c.SlotsInUse.WithLabelValues(adapter).Set(float64(inUse))
	c.SlotsCapacity.WithLabelValues(adapter).Set(float64(capacity))
}

// -------------------------------------------------------------------------
// MGMT Channel
// -------------------------------------------------------------------------

// IncMGMTReconnect increments the MGMT socket reconnect counter.
func (c *Collector) IncMGMTReconnect() {
	c.MGMTReconnects.Inc()
}
