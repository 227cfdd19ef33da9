package scan

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blefab/blefab/internal/ble"
)

// IngestFunc is called with a freshly merged ServiceInfo after each inbound
// advertisement. RemoteScanner does not own the fabric manager (to avoid an
// import cycle); instead the manager supplies this callback when it
// registers the scanner.
type IngestFunc func(ble.ServiceInfo)

// RemoteScanner ingests pre-parsed advertisements from a remote proxy,
// merges progressive fields per-address, and expires entries that haven't
// been refreshed within expireSeconds.
type RemoteScanner struct {
	base

	expireSeconds float64
	ingest        IngestFunc
	logger        *slog.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// RemoteOption configures optional RemoteScanner parameters.
type RemoteOption func(*RemoteScanner)

// WithRemoteConnector attaches an externally-owned connector.
func WithRemoteConnector(c ble.Connector) RemoteOption {
	return func(r *RemoteScanner) { r.connector = c }
}

// WithRemoteExpireSeconds overrides the default expiration threshold.
func WithRemoteExpireSeconds(seconds float64) RemoteOption {
	return func(r *RemoteScanner) { r.expireSeconds = seconds }
}

// WithRemoteClock overrides the time source (tests only).
func WithRemoteClock(clock ble.Clock) RemoteOption {
	return func(r *RemoteScanner) { r.clock = clock }
}

// NewRemoteScanner constructs a RemoteScanner bound to source/adapter. The
// returned scanner's background expiration loop is not started until Run is
// called.
func NewRemoteScanner(source, adapter string, connectable bool, ingest IngestFunc, logger *slog.Logger, opts ...RemoteOption) *RemoteScanner {
	r := &RemoteScanner{
		base:          newBase(source, adapter, connectable, nil, nil),
		expireSeconds: ble.ConnectableFallbackMaxStaleAdvertisementSeconds,
		ingest:        ingest,
		logger:        logger.With(slog.String("component", "scan.remote"), slog.String("source", source)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Scanner = (*RemoteScanner)(nil)

func (r *RemoteScanner) Kind() Kind { return KindRemote }

// Run starts the periodic expiration loop and the watchdog loop (spec.md
// §4.2 lists the watchdog under RemoteScanner too: a quiet remote proxy must
// stop reporting Scanning()==true). It blocks until ctx is cancelled;
// callers run it in its own goroutine.
func (r *RemoteScanner) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	expireTicker := time.NewTicker(ble.ScannerExpireInterval)
	defer expireTicker.Stop()

	watchdogTicker := time.NewTicker(ble.ScannerWatchdogInterval)
	defer watchdogTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-expireTicker.C:
			r.expire()
		case <-watchdogTicker.C:
			r.checkWatchdog(r.clock(), ble.ScannerWatchdogTimeout.Seconds())
		}
	}
}

func (r *RemoteScanner) Close() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})
}

func (r *RemoteScanner) expire() {
	now := r.clock()
	r.mu.Lock()
	var expired []string
	for addr, ts := range r.timestamps {
		if now-ts > r.expireSeconds {
			expired = append(expired, addr)
		}
	}
	for _, addr := range expired {
		delete(r.devices, addr)
		delete(r.timestamps, addr)
	}
	r.mu.Unlock()
}

// Ingest merges an incoming advertisement into the per-address cache per
// spec.md §4.2's field-by-field rules, then hands the merged record to the
// fabric manager via the ingest callback.
func (r *RemoteScanner) Ingest(incoming ble.ServiceInfo) {
	now := r.clock()
	incoming.Source = r.source
	incoming.Time = now

	r.mu.Lock()
	existing, had := r.devices[incoming.Address]
	merged := incoming
	if had {
		merged = mergeServiceInfo(existing, incoming)
	}
	r.devices[incoming.Address] = merged
	r.timestamps[incoming.Address] = now
	r.lastDetection = now
	r.mu.Unlock()

	if r.ingest != nil {
		r.ingest(merged)
	}
}

// mergeServiceInfo applies spec.md §4.2's merge rules for a new
// advertisement layered on top of the existing cached record.
func mergeServiceInfo(existing, incoming ble.ServiceInfo) ble.ServiceInfo {
	out := existing

	// name: keep the longer of existing and new; empty new keeps existing.
	if len(incoming.Name) > len(existing.Name) {
		out.Name = incoming.Name
	}

	// service_uuids: union when new is non-empty and differs; otherwise keep.
	if len(incoming.ServiceUUIDs) > 0 {
		union := make(map[string]struct{}, len(existing.ServiceUUIDs)+len(incoming.ServiceUUIDs))
		for u := range existing.ServiceUUIDs {
			union[u] = struct{}{}
		}
		for u := range incoming.ServiceUUIDs {
			union[u] = struct{}{}
		}
		out.ServiceUUIDs = union
	}

	// service_data / manufacturer_data: key-wise overlay when new is
	// non-empty; new keys overwrite on collision.
	if len(incoming.ServiceData) > 0 {
		overlay := make(map[string][]byte, len(existing.ServiceData)+len(incoming.ServiceData))
		for k, v := range existing.ServiceData {
			overlay[k] = v
		}
		for k, v := range incoming.ServiceData {
			overlay[k] = v
		}
		out.ServiceData = overlay
	}
	if len(incoming.ManufacturerData) > 0 {
		overlay := make(map[uint16][]byte, len(existing.ManufacturerData)+len(incoming.ManufacturerData))
		for k, v := range existing.ManufacturerData {
			overlay[k] = v
		}
		for k, v := range incoming.ManufacturerData {
			overlay[k] = v
		}
		out.ManufacturerData = overlay
	}

	// rssi / tx_power: always replace.
	out.RSSI = incoming.RSSI
	out.TxPower = incoming.TxPower

	out.Connectable = incoming.Connectable
	out.Device = incoming.Device
	out.Raw = incoming.Raw
	out.Source = incoming.Source
	out.Time = incoming.Time
	out.Address = incoming.Address

	return out
}
