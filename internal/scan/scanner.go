package scan

import (
	"sync"

	"github.com/blefab/blefab/internal/ble"
)

// Mode is a scanner's active or requested duty cycle.
type Mode int

const (
	// ModeUnset means no mode has been requested or established yet.
	ModeUnset Mode = iota
	ModeActive
	ModePassive
)

func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModePassive:
		return "passive"
	default:
		return "unset"
	}
}

// Kind discriminates the two scanner variants. "Connectable" is kept
// orthogonal (a plain bool attribute) rather than folded into Kind, per
// spec.md §9's sum-types-over-inheritance note.
type Kind int

const (
	KindRemote Kind = iota
	KindLocal
)

// Scanner is the capability trait both variants implement. The Manager and
// Router only ever interact with scanners through this interface.
type Scanner interface {
	// Kind reports which variant this scanner is.
	Kind() Kind
	// Source is this scanner's unique id, typically a MAC address.
	Source() string
	// Adapter is the adapter name this scanner is bound to.
	Adapter() string
	// Connectable reports whether this scanner's path supports opening a
	// GATT connection (directly, or via a registered Connector).
	Connectable() bool
	// Scanning reports whether the scanner currently believes it is
	// receiving advertisements (watchdog-derived).
	Scanning() bool
	// CurrentMode and RequestedMode expose the scan duty-cycle state;
	// always ModeUnset for remote scanners.
	CurrentMode() Mode
	RequestedMode() Mode
	// AdapterIdx returns the MGMT controller index for this scanner's
	// adapter, if this scanner exposes one (local scanners only).
	AdapterIdx() (int, bool)
	// Connector returns this scanner's externally-owned connection
	// factory, if it has one (remote scanners typically do; local
	// scanners typically don't and instead consume a slot directly).
	Connector() (ble.Connector, bool)

	// Discovered returns a snapshot of every currently-cached
	// advertisement, keyed by address.
	Discovered() map[string]ble.ServiceInfo
	// DiscoveredWithAdvertisement mirrors Discovered for parity with the
	// original's separate accessor; see base.DiscoveredWithAdvertisement.
	DiscoveredWithAdvertisement() map[string]ble.ServiceInfo
	// AddressPresent reports whether addr is currently cached.
	AddressPresent(addr string) bool
	// LastServiceInfo returns the most recently merged record for addr.
	LastServiceInfo(addr string) (ble.ServiceInfo, bool)

	// AddConnecting marks addr as having a connection attempt in flight.
	AddConnecting(addr string)
	// FinishedConnecting clears the in-flight mark for addr and updates
	// the per-address failure counter.
	FinishedConnecting(addr string, success bool)
	// InFlightCount returns the number of connection attempts currently
	// in progress on this scanner, across all addresses.
	InFlightCount() int
	// FailureCount returns the recent-failure counter for addr.
	FailureCount(addr string) int

	// Close stops background timers (expiration, watchdog) owned by this
	// scanner. Idempotent.
	Close()
}

// pauser is implemented by trackers; kept as a narrow interface here so
// scan does not need to import the full tracker API surface.
type pauser interface {
	ScannerPaused(source string)
	RemoveAddress(address string)
}

// base holds the state and behavior common to both scanner variants: the
// per-address cache, connect bookkeeping, and watchdog scaffolding. Each
// variant embeds base and adds its own ingestion/merge logic.
type base struct {
	mu sync.RWMutex

	source      string
	adapter     string
	connectable bool
	connector   ble.Connector
	adapterIdx  *int

	devices    map[string]ble.ServiceInfo
	timestamps map[string]float64

	connectingAddrs map[string]struct{}
	failures        map[string]int

	currentMode   Mode
	requestedMode Mode

	scanning      bool
	lastDetection float64

	clock ble.Clock
	paused pauser // non-nil only for local scanners
}

func newBase(source, adapter string, connectable bool, connector ble.Connector, clock ble.Clock) base {
	if clock == nil {
		clock = ble.MonotonicSeconds
	}
	return base{
		source:          source,
		adapter:         adapter,
		connectable:     connectable,
		connector:       connector,
		devices:         make(map[string]ble.ServiceInfo),
		timestamps:      make(map[string]float64),
		connectingAddrs: make(map[string]struct{}),
		failures:        make(map[string]int),
		clock:           clock,
		scanning:        true,
		lastDetection:   clock(),
	}
}

func (b *base) Source() string  { return b.source }
func (b *base) Adapter() string { return b.adapter }

func (b *base) Connectable() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectable
}

func (b *base) Scanning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanning
}

func (b *base) CurrentMode() Mode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentMode
}

func (b *base) RequestedMode() Mode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.requestedMode
}

func (b *base) AdapterIdx() (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.adapterIdx == nil {
		return 0, false
	}
	return *b.adapterIdx, true
}

func (b *base) Connector() (ble.Connector, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.connector == nil {
		return nil, false
	}
	return b.connector, true
}

func (b *base) Discovered() map[string]ble.ServiceInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]ble.ServiceInfo, len(b.devices))
	for k, v := range b.devices {
		out[k] = v
	}
	return out
}

// DiscoveredWithAdvertisement mirrors habluetooth's separate
// discovered_devices_and_advertisement_data() accessor. In this
// implementation device and advertisement data are already unified in
// ServiceInfo.Device, so it returns the same snapshot as Discovered.
func (b *base) DiscoveredWithAdvertisement() map[string]ble.ServiceInfo {
	return b.Discovered()
}

func (b *base) AddressPresent(addr string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.devices[addr]
	return ok
}

func (b *base) LastServiceInfo(addr string) (ble.ServiceInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.devices[addr]
	return v, ok
}

// AddConnecting marks addr as in-flight, sets scanning=false (the
// connecting() guard of spec.md §5), and — for local scanners only —
// pauses the tracker's timing window for this source so the paused period
// doesn't poison the max-gap interval estimator.
func (b *base) AddConnecting(addr string) {
	b.mu.Lock()
	b.connectingAddrs[addr] = struct{}{}
	b.scanning = false
	paused := b.paused
	source := b.source
	b.mu.Unlock()

	if paused != nil {
		paused.ScannerPaused(source)
	}
}

// FinishedConnecting clears the in-flight mark, restores scanning = (no
// other attempts in flight), and updates the per-address failure counter:
// zeroed on success, incremented on failure.
func (b *base) FinishedConnecting(addr string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.connectingAddrs, addr)
	if success {
		delete(b.failures, addr)
	} else {
		b.failures[addr]++
	}
	b.scanning = len(b.connectingAddrs) == 0
}

func (b *base) InFlightCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connectingAddrs)
}

func (b *base) FailureCount(addr string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failures[addr]
}

// checkWatchdog applies spec.md §4.2's watchdog rule: scanning is false if
// the watchdog timeout has elapsed since the last detection, otherwise it
// reflects whether any connect attempt is in flight.
func (b *base) checkWatchdog(now, timeout float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now-b.lastDetection > timeout {
		b.scanning = false
		return
	}
	b.scanning = len(b.connectingAddrs) == 0
}
