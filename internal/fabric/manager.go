package fabric

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blefab/blefab/internal/ble"
	"github.com/blefab/blefab/internal/scan"
	"github.com/blefab/blefab/internal/slot"
	"github.com/blefab/blefab/internal/tracker"
)

// Disposer removes exactly one callback registration.
type Disposer func()

// scannerEntry pairs a registered scanner with the adapter slot capacity it
// was registered with (0 meaning "no slot pool", e.g. a remote scanner
// backed by a Connector instead of the local slot manager).
type scannerEntry struct {
	scanner scan.Scanner
	slots   int
}

// Manager is the central manager: scanner registry, dedup/merge ingestion
// core, unavailability tracking, and callback fan-out. All exported mutating
// methods are mutex-protected; ScannerAdvReceived holds the lock while it
// updates history and tracker state for a frame and releases it before
// invoking subscriber callbacks and the discovery hook.
type Manager struct {
	mu sync.Mutex

	allHistory         map[string]ble.ServiceInfo
	connectableHistory map[string]ble.ServiceInfo

	sources          map[string]*scannerEntry // by scanner.Source()
	adapterSources   map[string]string        // adapter -> source
	connectableSet   map[string]struct{}      // sources known connectable
	nonConnectableSet map[string]struct{}     // sources known non-connectable

	tracker *tracker.Tracker
	slots   *slot.Manager

	bleak          map[int]bleakRegistration
	allocation     map[int]allocationRegistration
	scannerRegistration map[int]scannerRegRegistration
	disappeared    map[int]func(address string)
	unavailable    map[int]unavailableRegistration
	nextCallbackID int

	slotDisposer Disposer

	clock  ble.Clock
	logger *slog.Logger

	// discoveryHook is spec.md §4.4 step 8's single discovery hook: an
	// optional extension point invoked once per dispatched advertisement,
	// after bleak-callback fan-out. Nil by default.
	discoveryHook func(ble.ServiceInfo)

	cancel context.CancelFunc
	done   chan struct{}
}

type bleakRegistration struct {
	cb     func(ble.ServiceInfo)
	filter map[string]struct{}
}

type allocationRegistration struct {
	cb     slot.ChangeCallback
	source string // "" = all sources
}

type scannerRegRegistration struct {
	cb     func(source string, registered bool)
	source string // "" = all sources
}

type unavailableRegistration struct {
	cb          func(address string)
	address     string
	connectable bool
}

// Option configures optional Manager parameters.
type Option func(*Manager)

// WithClock overrides the time source (tests only).
func WithClock(clock ble.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithDiscoveryHook registers spec.md §4.4 step 8's single discovery hook,
// called once per dispatched advertisement after bleak-callback fan-out.
func WithDiscoveryHook(hook func(ble.ServiceInfo)) Option {
	return func(m *Manager) { m.discoveryHook = hook }
}

// New constructs an empty Manager backed by its own Tracker and slot
// Manager.
func New(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		allHistory:          make(map[string]ble.ServiceInfo),
		connectableHistory:  make(map[string]ble.ServiceInfo),
		sources:             make(map[string]*scannerEntry),
		adapterSources:      make(map[string]string),
		connectableSet:      make(map[string]struct{}),
		nonConnectableSet:   make(map[string]struct{}),
		tracker:             tracker.New(),
		slots:               slot.New(),
		bleak:               make(map[int]bleakRegistration),
		allocation:          make(map[int]allocationRegistration),
		scannerRegistration: make(map[int]scannerRegRegistration),
		disappeared:         make(map[int]func(address string)),
		unavailable:         make(map[int]unavailableRegistration),
		clock:               ble.MonotonicSeconds,
		logger:              logger.With(slog.String("component", "fabric.manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.slotDisposer = Disposer(m.slots.OnChange(m.republishAllocation))
	return m
}

// Tracker exposes the manager's AdvertisementTracker for diagnostics and for
// wiring into newly constructed local scanners.
func (m *Manager) Tracker() *tracker.Tracker { return m.tracker }

// Slots exposes the manager's slot Manager for wiring into the router.
func (m *Manager) Slots() *slot.Manager { return m.slots }

// RegisterScanner places scanner into the connectable or non-connectable
// set, records its source and adapter mappings, and — if slots > 0 —
// registers its adapter with the slot manager. Returns a disposer that
// performs the full unregister sequence from spec.md §4.4.
func (m *Manager) RegisterScanner(scanner scan.Scanner, slots int) Disposer {
	m.mu.Lock()
	source := scanner.Source()
	adapter := scanner.Adapter()

	m.sources[source] = &scannerEntry{scanner: scanner, slots: slots}
	m.adapterSources[adapter] = source
	if scanner.Connectable() {
		m.connectableSet[source] = struct{}{}
	} else {
		m.nonConnectableSet[source] = struct{}{}
	}
	m.mu.Unlock()

	if slots > 0 {
		m.slots.Register(adapter, slots)
	}

	m.notifyScannerRegistration(source, true)

	return func() {
		m.mu.Lock()
		delete(m.sources, source)
		delete(m.adapterSources, adapter)
		delete(m.connectableSet, source)
		delete(m.nonConnectableSet, source)
		m.mu.Unlock()

		m.tracker.RemoveSource(source)
		if slots > 0 {
			m.slots.Unregister(adapter)
		}
		m.notifyScannerRegistration(source, false)
	}
}

func (m *Manager) notifyScannerRegistration(source string, registered bool) {
	m.mu.Lock()
	regs := make([]scannerRegRegistration, 0, len(m.scannerRegistration))
	for _, r := range m.scannerRegistration {
		if r.source == "" || r.source == source {
			regs = append(regs, r)
		}
	}
	m.mu.Unlock()

	for _, r := range regs {
		safeCall(m.logger, func() { r.cb(source, registered) })
	}
}

func (m *Manager) republishAllocation(event slot.AllocationChangeEvent) {
	m.mu.Lock()
	source := m.adapterSources[event.Adapter]
	regs := make([]allocationRegistration, 0, len(m.allocation))
	for _, r := range m.allocation {
		if r.source == "" || r.source == source {
			regs = append(regs, r)
		}
	}
	m.mu.Unlock()

	for _, r := range regs {
		safeCall(m.logger, func() { r.cb(event) })
	}
}

// Run starts the unavailability-tracking periodic task. Blocks until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(ble.UnavailableTrackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkUnavailable()
		}
	}
}

// Close tears down the manager's slot-manager subscription. Idempotent in
// the sense that calling it more than once is harmless (the underlying
// Disposer already tolerates double-removal).
func (m *Manager) Close() {
	if m.slotDisposer != nil {
		m.slotDisposer()
	}
}

func safeCall(logger *slog.Logger, f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("callback panicked", slog.Any("recover", r))
		}
	}()
	f()
}
