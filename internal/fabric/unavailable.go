package fabric

import "github.com/blefab/blefab/internal/ble"

// checkUnavailable implements spec.md §4.4's unavailability-tracking pass,
// run once per UnavailableTrackInterval tick by Run. It is evaluated twice,
// once for the connectable history against the connectable scanner set and
// once for the full history against every registered scanner.
func (m *Manager) checkUnavailable() {
	now := m.clock()

	m.mu.Lock()
	connectableScanners := make([]string, 0, len(m.connectableSet))
	for src := range m.connectableSet {
		connectableScanners = append(connectableScanners, src)
	}
	allScanners := make([]string, 0, len(m.sources))
	for src := range m.sources {
		allScanners = append(allScanners, src)
	}
	m.mu.Unlock()

	m.sweep(now, m.connectableHistory, connectableScanners, true)
	m.sweep(now, m.allHistory, allScanners, false)
}

// sweep evaluates one of the two passes spec.md §4.4 describes. connectable
// selects between the stricter (additional staleness check, tracker purge)
// non-connectable... sic: the pass covering all_history is the one that
// carries the extra staleness gate; connectable-history eviction is driven
// purely by scanner-set absence.
func (m *Manager) sweep(now float64, history map[string]ble.ServiceInfo, scannerSources []string, connectablePass bool) {
	m.mu.Lock()
	discovered := make(map[string]struct{})
	for _, src := range scannerSources {
		entry, ok := m.sources[src]
		if !ok {
			continue
		}
		for addr := range entry.scanner.Discovered() {
			discovered[addr] = struct{}{}
		}
	}

	var toEvict []string
	for addr := range history {
		if _, stillSeen := discovered[addr]; stillSeen {
			continue
		}
		if connectablePass {
			toEvict = append(toEvict, addr)
			continue
		}
		// non-connectable (all_history) pass: only evict once the record
		// itself has outlived the learned/fallback advertising interval,
		// not merely because it dropped out of every scanner's cache.
		info := history[addr]
		interval, wobble := m.advertisingInterval(addr)
		if now-info.Time > interval+wobble {
			toEvict = append(toEvict, addr)
		}
	}
	m.mu.Unlock()

	if len(toEvict) == 0 {
		return
	}

	m.mu.Lock()
	for _, addr := range toEvict {
		delete(history, addr)
		if !connectablePass {
			m.tracker.RemoveAddress(addr)
		}
	}
	regs := make([]func(string), 0, len(m.disappeared))
	for _, cb := range m.disappeared {
		regs = append(regs, cb)
	}
	unavail := make([]unavailableRegistration, 0, len(m.unavailable))
	for _, r := range m.unavailable {
		if r.connectable == connectablePass {
			unavail = append(unavail, r)
		}
	}
	m.mu.Unlock()

	for _, addr := range toEvict {
		for _, cb := range regs {
			c := cb
			a := addr
			safeCall(m.logger, func() { c(a) })
		}
		for _, r := range unavail {
			if r.address != "" && r.address != addr {
				continue
			}
			cb := r.cb
			a := addr
			safeCall(m.logger, func() { cb(a) })
		}
	}
}

// advertisingInterval resolves the learned-or-fallback advertising interval
// plus its wobble, used by the all_history eviction gate. Safe to call while
// m.mu is held: the tracker guards its own state with a separate mutex.
func (m *Manager) advertisingInterval(address string) (seconds, wobble float64) {
	if v, ok := m.tracker.Interval(address); ok {
		return v, ble.TrackerBufferingWobbleSeconds
	}
	if v, ok := m.tracker.FallbackInterval(address); ok {
		return v, ble.TrackerBufferingWobbleSeconds
	}
	return ble.FallbackMaxStaleAdvertisementSeconds, 0
}
