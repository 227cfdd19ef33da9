package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blefab/blefab/internal/ble"
	"github.com/blefab/blefab/internal/fabric"
	"github.com/blefab/blefab/internal/scan"
	"github.com/blefab/blefab/internal/slot"
)

// Error kinds per spec.md §7.
var (
	// ErrNoConnectableAdapters means no registered scanner is connectable
	// at all — there is no path to any address, regardless of slots.
	ErrNoConnectableAdapters = errors.New("router: no connectable adapters")
	// ErrNoAvailableSlot means connectable scanners exist and can see the
	// address, but every one is out of slots or its connector refuses.
	ErrNoAvailableSlot = errors.New("router: no available connection slot")
	// ErrBackendConnectFailed wraps any error the backend's Connect raised.
	ErrBackendConnectFailed = errors.New("router: backend connect failed")
)

// slotPressureCoefficient is the fixed penalty applied to a single-slot-left
// candidate's score, proportional to its RSSI margin over the runner-up.
// Kept bit-for-bit stable across reimplementations per spec.md §4.5.
const slotPressureCoefficient = 0.76

// mgmtChannel is the narrow surface Router needs from *mgmt.Channel,
// isolated so router does not need to import internal/mgmt directly (and
// so tests can fake it).
type mgmtChannel interface {
	LoadConnParam(adapterIdx int, address string, addrType uint8, params ble.ConnParams) error
}

type activeConn struct {
	scanner  scan.Scanner
	device   any
	backend  ble.Backend
	tookSlot bool
}

// Router is the connection router: it scores scanner paths for a target
// address, acquires whatever resource (slot or connector) the winning path
// needs, and hands off to a Backend.
type Router struct {
	manager      *fabric.Manager
	localBackend ble.Backend
	mgmtChan     mgmtChannel

	mu          sync.Mutex
	connections map[string]*activeConn
}

// New constructs a Router. localBackend performs connects for scanners with
// no registered Connector (i.e. local radios, gated by the slot manager).
// mgmtChan is optional (nil disables LoadConnParam calls, e.g. in
// passive-only/no-MGMT-capability mode).
func New(manager *fabric.Manager, localBackend ble.Backend, mgmtChan mgmtChannel) *Router {
	return &Router{
		manager:      manager,
		localBackend: localBackend,
		mgmtChan:     mgmtChan,
		connections:  make(map[string]*activeConn),
	}
}

// candidate is one scored scanner path.
type candidate struct {
	fabric.ScannerPath
	score float64
}

// Connect implements spec.md §4.5's connect sequence: short-circuit if
// already connected, score every reachable scanner path, walk them
// best-first acquiring a backend, load FAST connection parameters, invoke
// the backend, then load MEDIUM parameters on success. Every failure path
// releases whatever slot or in-flight counter it took.
func (r *Router) Connect(ctx context.Context, address string) error {
	r.mu.Lock()
	if _, connected := r.connections[address]; connected {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	paths := r.manager.ScannerPathsForAddress(address)
	if len(paths) == 0 {
		return r.noBackendError(address)
	}

	candidates := score(paths, r.manager.Slots())

	for _, c := range candidates {
		backend, tookSlot, ok := r.acquire(c)
		if !ok {
			continue
		}

		addrType := ble.AddrTypeOf(c.Device)
		c.Scanner.AddConnecting(address)
		if idx, hasIdx := c.Scanner.AdapterIdx(); hasIdx && r.mgmtChan != nil {
			// Best-effort: a failed fast-parameter load doesn't abort the
			// connect attempt itself.
			_ = r.mgmtChan.LoadConnParam(idx, address, addrType, ble.FastConnParams)
		}

		if err := backend.Connect(ctx, c.Device); err != nil {
			c.Scanner.FinishedConnecting(address, false)
			if tookSlot {
				r.manager.Slots().Release(c.Scanner.Adapter())
			}
			return fmt.Errorf("router: connect %s via %s: %w: %w", address, c.Scanner.Source(), ErrBackendConnectFailed, err)
		}

		c.Scanner.FinishedConnecting(address, true)
		if idx, hasIdx := c.Scanner.AdapterIdx(); hasIdx && r.mgmtChan != nil {
			_ = r.mgmtChan.LoadConnParam(idx, address, addrType, ble.MediumConnParams)
		}

		r.mu.Lock()
		r.connections[address] = &activeConn{scanner: c.Scanner, device: c.Device, backend: backend, tookSlot: tookSlot}
		r.mu.Unlock()
		return nil
	}

	return r.noBackendError(address)
}

// Disconnect closes a previously-opened connection and releases any slot it
// held. A no-op for an address with no tracked connection.
func (r *Router) Disconnect(ctx context.Context, address string) error {
	r.mu.Lock()
	conn, ok := r.connections[address]
	if ok {
		delete(r.connections, address)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	err := conn.backend.Disconnect(ctx, conn.device)
	if conn.tookSlot {
		r.manager.Slots().Release(conn.scanner.Adapter())
	}
	return err
}

// acquire tries to obtain a backend for candidate c: a slot for a
// local-adapter scanner, or a live Connector for a remote one.
func (r *Router) acquire(c candidate) (backend ble.Backend, tookSlot bool, ok bool) {
	if connector, has := c.Scanner.Connector(); has {
		if !connector.CanConnect() {
			return nil, false, false
		}
		return connector.Backend(), false, true
	}

	if !r.manager.Slots().Acquire(c.Scanner.Adapter()) {
		return nil, false, false
	}
	return r.localBackend, true, true
}

func (r *Router) noBackendError(address string) error {
	if !r.manager.HasConnectableScanner() {
		return fmt.Errorf("router: %w for %s (visible scanners: %s)",
			ErrNoConnectableAdapters, address, strings.Join(r.manager.VisibleScannerSources(), ", "))
	}
	return fmt.Errorf("router: %w for %s", ErrNoAvailableSlot, address)
}

// score implements spec.md §4.5 step 3: base score is signed RSSI,
// penalized under single-slot pressure, zeroed out when an adapter has no
// slots left, then sorted best-first with in-flight-count and
// recent-failure-count as tiebreakers.
func score(paths []fabric.ScannerPath, slots *slot.Manager) []candidate {
	rssiDiff := 0.0
	if len(paths) >= 2 {
		sorted := append([]fabric.ScannerPath(nil), paths...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Adv.RSSI > sorted[j].Adv.RSSI })
		rssiDiff = float64(sorted[0].Adv.RSSI) - float64(sorted[1].Adv.RSSI)
	}

	out := make([]candidate, 0, len(paths))
	for _, p := range paths {
		s := float64(p.Adv.RSSI)
		adapter := p.Scanner.Adapter()
		if slots.HasCapacity(adapter) {
			free := slots.Free(adapter)
			switch {
			case free == 0:
				s = float64(ble.NoRSSIValue)
			case free == 1 && rssiDiff > 0:
				s -= rssiDiff * slotPressureCoefficient
			}
		}
		out = append(out, candidate{ScannerPath: p, score: s})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].Scanner.InFlightCount() != out[j].Scanner.InFlightCount() {
			return out[i].Scanner.InFlightCount() < out[j].Scanner.InFlightCount()
		}
		return out[i].Scanner.FailureCount(out[i].Adv.Address) < out[j].Scanner.FailureCount(out[j].Adv.Address)
	})
	return out
}
