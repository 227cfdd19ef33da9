package fabric

import (
	"github.com/blefab/blefab/internal/ble"
	"github.com/blefab/blefab/internal/scan"
	"github.com/blefab/blefab/internal/slot"
)

// BLEDeviceFromAddress returns the opaque device handle most recently
// associated with address in the requested history, if any.
func (m *Manager) BLEDeviceFromAddress(address string, connectable bool) (any, bool) {
	info, ok := m.LastServiceInfo(address, connectable)
	if !ok {
		return nil, false
	}
	return info.Device, true
}

// AddressPresent reports whether address currently has a record in the
// requested history.
func (m *Manager) AddressPresent(address string, connectable bool) bool {
	_, ok := m.LastServiceInfo(address, connectable)
	return ok
}

// DiscoveredServiceInfo returns a snapshot of every currently-cached record
// in the requested history.
func (m *Manager) DiscoveredServiceInfo(connectable bool) []ble.ServiceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.allHistory
	if connectable {
		history = m.connectableHistory
	}
	out := make([]ble.ServiceInfo, 0, len(history))
	for _, info := range history {
		out = append(out, info)
	}
	return out
}

// LastServiceInfo returns the currently-preferred record for address from
// the requested history.
func (m *Manager) LastServiceInfo(address string, connectable bool) (ble.ServiceInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.allHistory
	if connectable {
		history = m.connectableHistory
	}
	info, ok := history[address]
	return info, ok
}

// AllocationSnapshot is one entry of CurrentAllocations' result: one
// adapter's slot capacity and current usage.
type AllocationSnapshot struct {
	Adapter  string
	Source   string
	InUse    int
	Capacity int
}

// CurrentAllocations returns the slot-allocation state of every registered
// adapter, optionally filtered to the adapter backing a single source.
func (m *Manager) CurrentAllocations(source string) []AllocationSnapshot {
	m.mu.Lock()
	adapterToSource := make(map[string]string, len(m.adapterSources))
	for adapter, src := range m.adapterSources {
		adapterToSource[adapter] = src
	}
	m.mu.Unlock()

	out := make([]AllocationSnapshot, 0, len(adapterToSource))
	for _, snap := range m.slots.Snapshot() {
		src := adapterToSource[snap.Adapter]
		if source != "" && src != source {
			continue
		}
		out = append(out, AllocationSnapshot{
			Adapter:  snap.Adapter,
			Source:   src,
			InUse:    snap.InUse,
			Capacity: snap.Capacity,
		})
	}
	return out
}

// CurrentScanners returns every currently-registered scanner.
func (m *Manager) CurrentScanners() []scan.Scanner {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]scan.Scanner, 0, len(m.sources))
	for _, entry := range m.sources {
		out = append(out, entry.scanner)
	}
	return out
}

// ScannerBySource looks up a registered scanner by its source string.
func (m *Manager) ScannerBySource(source string) (scan.Scanner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sources[source]
	if !ok {
		return nil, false
	}
	return entry.scanner, true
}

// ScannerPath is one candidate path the router considers when connecting to
// an address: the scanner that can reach it, the device handle it holds,
// and the advertisement record backing that handle.
type ScannerPath struct {
	Scanner scan.Scanner
	Device  any
	Adv     ble.ServiceInfo
}

// ScannerPathsForAddress returns every connectable scanner's view of
// address, for the router's candidate scoring (spec.md §4.5 step 2). Only
// scanners registered as connectable are considered; each contributes a
// path only if it currently caches a connectable record for address.
func (m *Manager) ScannerPathsForAddress(address string) []ScannerPath {
	m.mu.Lock()
	candidates := make([]scan.Scanner, 0, len(m.connectableSet))
	for source := range m.connectableSet {
		if entry, ok := m.sources[source]; ok {
			candidates = append(candidates, entry.scanner)
		}
	}
	m.mu.Unlock()

	out := make([]ScannerPath, 0, len(candidates))
	for _, sc := range candidates {
		info, ok := sc.LastServiceInfo(address)
		if !ok || !info.Connectable {
			continue
		}
		out = append(out, ScannerPath{Scanner: sc, Device: info.Device, Adv: info})
	}
	return out
}

// HasConnectableScanner reports whether any currently-registered scanner is
// connectable, used by the router to distinguish "no connectable adapters
// at all" from "every candidate is out of slots".
func (m *Manager) HasConnectableScanner() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connectableSet) > 0
}

// VisibleScannerSources returns the source string of every registered
// scanner, for descriptive NoPath error messages.
func (m *Manager) VisibleScannerSources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sources))
	for source := range m.sources {
		out = append(out, source)
	}
	return out
}

// RegisterBleakCallback registers cb to receive every dispatched
// advertisement whose service UUIDs intersect filter (an empty filter
// matches everything). cb is immediately replayed with every
// already-discovered connectable record matching filter, so a late
// subscriber doesn't miss devices discovered before it registered. Returns a
// Disposer removing exactly this registration.
func (m *Manager) RegisterBleakCallback(cb func(ble.ServiceInfo), filter map[string]struct{}) Disposer {
	m.mu.Lock()
	id := m.nextCallbackID
	m.nextCallbackID++
	m.bleak[id] = bleakRegistration{cb: cb, filter: filter}
	backlog := make([]ble.ServiceInfo, 0, len(m.connectableHistory))
	for _, info := range m.connectableHistory {
		if ble.ServiceUUIDsIntersect(filter, info.ServiceUUIDs) {
			backlog = append(backlog, info)
		}
	}
	m.mu.Unlock()

	for _, info := range backlog {
		i := info
		safeCall(m.logger, func() { cb(i) })
	}

	return func() {
		m.mu.Lock()
		delete(m.bleak, id)
		m.mu.Unlock()
	}
}

// RegisterAllocationCallback registers cb to be notified of slot allocation
// changes, optionally filtered to the adapter backing a single source (""
// means all sources).
func (m *Manager) RegisterAllocationCallback(cb slot.ChangeCallback, source string) Disposer {
	m.mu.Lock()
	id := m.nextCallbackID
	m.nextCallbackID++
	m.allocation[id] = allocationRegistration{cb: cb, source: source}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.allocation, id)
		m.mu.Unlock()
	}
}

// RegisterScannerRegistrationCallback registers cb to be notified whenever
// a scanner registers or unregisters, optionally filtered to one source.
func (m *Manager) RegisterScannerRegistrationCallback(cb func(source string, registered bool), source string) Disposer {
	m.mu.Lock()
	id := m.nextCallbackID
	m.nextCallbackID++
	m.scannerRegistration[id] = scannerRegRegistration{cb: cb, source: source}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.scannerRegistration, id)
		m.mu.Unlock()
	}
}

// RegisterDisappearedCallback registers cb to be notified whenever any
// address is evicted by the unavailability sweep, in either history.
func (m *Manager) RegisterDisappearedCallback(cb func(address string)) Disposer {
	m.mu.Lock()
	id := m.nextCallbackID
	m.nextCallbackID++
	m.disappeared[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.disappeared, id)
		m.mu.Unlock()
	}
}

// RegisterUnavailableCallback registers cb to be notified when address
// becomes unavailable in the given history ("" matches every address).
func (m *Manager) RegisterUnavailableCallback(cb func(address string), address string, connectable bool) Disposer {
	m.mu.Lock()
	id := m.nextCallbackID
	m.nextCallbackID++
	m.unavailable[id] = unavailableRegistration{cb: cb, address: address, connectable: connectable}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.unavailable, id)
		m.mu.Unlock()
	}
}
