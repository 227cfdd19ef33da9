package fabric

import (
	"github.com/blefab/blefab/internal/ble"
)

// appleCompanyID is the Bluetooth SIG company identifier Apple advertises
// under (manufacturer data key 76).
const appleCompanyID uint16 = 76

// Apple advertisement type prefixes (first byte of the manufacturer data
// value) that are never noise: iBeacon, HomeKit, DeviceID, HomeKit Notify,
// Find My.
var appleKnownPrefixes = map[byte]struct{}{
	0x02: {},
	0x06: {},
	0x10: {},
	0x11: {},
	0x12: {},
}

// isAppleNoise implements spec.md §4.4's Apple-noise prefilter: a single
// manufacturer-data entry keyed to Apple, with no service data, whose
// leading byte doesn't match any known type, is continuous-scan chaff.
func isAppleNoise(info ble.ServiceInfo) bool {
	if len(info.ServiceData) != 0 {
		return false
	}
	if len(info.ManufacturerData) != 1 {
		return false
	}
	value, ok := info.ManufacturerData[appleCompanyID]
	if !ok {
		return false
	}
	if len(value) == 0 {
		return true
	}
	_, known := appleKnownPrefixes[value[0]]
	return !known
}

// ScannerAdvReceived is the ingestion entry point scanners call (via their
// IngestFunc callback) after merging a raw advertisement. It runs fully
// synchronously: no suspension, matching spec.md §5's atomicity
// requirement.
func (m *Manager) ScannerAdvReceived(info ble.ServiceInfo) {
	if isAppleNoise(info) {
		return
	}

	m.mu.Lock()

	oldAll, hadAll := m.allHistory[info.Address]
	var oldConn ble.ServiceInfo
	var hadConn bool
	if info.Connectable {
		oldConn, hadConn = m.connectableHistory[info.Address]
	}

	if hadAll && oldAll.Source != info.Source && m.stillScanning(oldAll.Source) {
		if m.preferOld(info.Address, oldAll, info) {
			m.resolveConnectableOnPreferOld(info, oldConn, hadConn)
			m.mu.Unlock()
			return
		}
	}

	m.allHistory[info.Address] = info
	if info.Connectable {
		m.connectableHistory[info.Address] = info
	}

	m.maintainTracker(info, hadAll, oldAll)

	missingConnectable := info.Connectable && !hadConn
	if !missingConnectable && hadAll && sameContent(oldAll, info) {
		m.mu.Unlock()
		return
	}

	dispatch := info
	if !info.Connectable {
		if _, ok := m.connectableHistory[info.Address]; ok {
			upgraded := info.Clone()
			upgraded.Connectable = true
			dispatch = upgraded
		}
	}

	regs := make([]bleakRegistration, 0, len(m.bleak))
	for _, r := range m.bleak {
		regs = append(regs, r)
	}
	m.mu.Unlock()

	if !dispatch.Connectable && !hadConn {
		// Bleak callbacks must get a connectable device: a purely
		// non-connectable advertisement with no connectable incumbent is
		// dropped here, matching manager.py's dispatch gate.
		return
	}

	for _, r := range regs {
		if !ble.ServiceUUIDsIntersect(r.filter, dispatch.ServiceUUIDs) {
			continue
		}
		cb := r.cb
		safeCall(m.logger, func() { cb(dispatch) })
	}

	if m.discoveryHook != nil {
		hook := m.discoveryHook
		safeCall(m.logger, func() { hook(dispatch) })
	}
}

// maintainTracker applies spec.md §4.4 step 4. Caller holds m.mu.
func (m *Manager) maintainTracker(info ble.ServiceInfo, hadAll bool, oldAll ble.ServiceInfo) {
	if hadAll && oldAll.Source != info.Source {
		m.tracker.RemoveAddress(info.Address)
	}
	if !m.tracker.HasInterval(info.Address) {
		m.tracker.Collect(info)
	}
}

// stillScanning reports whether the scanner owning source is currently
// scanning. An unknown source (already unregistered) is treated as not
// scanning, so its stale record no longer blocks the new one. Caller holds
// m.mu.
func (m *Manager) stillScanning(source string) bool {
	entry, ok := m.sources[source]
	if !ok {
		return false
	}
	return entry.scanner.Scanning()
}

// preferOld implements the source preference rule of spec.md §4.4. Caller
// holds m.mu.
func (m *Manager) preferOld(address string, old, incoming ble.ServiceInfo) bool {
	staleSeconds, wobble := m.staleThreshold(address)
	if incoming.Time-old.Time > staleSeconds+wobble {
		return false
	}
	return float64(incoming.RSSI)-ble.AdvRSSISwitchThreshold <= float64(old.RSSI)
}

// staleThreshold resolves intervals[addr] ?? fallback_intervals[addr] ??
// FALLBACK_MAXIMUM_STALE_ADVERTISEMENT_SECONDS, adding the buffering wobble
// whenever either interval lookup hit and leaving the bare constant
// untouched otherwise. Caller holds m.mu.
func (m *Manager) staleThreshold(address string) (seconds, wobble float64) {
	if v, ok := m.tracker.Interval(address); ok {
		return v, ble.TrackerBufferingWobbleSeconds
	}
	if v, ok := m.tracker.FallbackInterval(address); ok {
		return v, ble.TrackerBufferingWobbleSeconds
	}
	return ble.FallbackMaxStaleAdvertisementSeconds, 0
}

// resolveConnectableOnPreferOld implements spec.md §4.4 step 2's nested
// connectable-history refresh. Caller holds m.mu.
func (m *Manager) resolveConnectableOnPreferOld(info, oldConn ble.ServiceInfo, hadConn bool) {
	if !info.Connectable {
		return
	}
	if hadConn && oldConn.Source != info.Source && m.stillScanning(oldConn.Source) {
		if m.preferOld(info.Address, oldConn, info) {
			return
		}
	}
	m.connectableHistory[info.Address] = info
}

// sameContent compares the fields spec.md §4.4 step 5 names for change
// detection.
func sameContent(a, b ble.ServiceInfo) bool {
	return a.Name == b.Name &&
		bytesMapEqual(a.ManufacturerData, b.ManufacturerData) &&
		stringBytesMapEqual(a.ServiceData, b.ServiceData) &&
		uuidSetEqual(a.ServiceUUIDs, b.ServiceUUIDs)
}

func bytesMapEqual(a, b map[uint16][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || string(v) != string(bv) {
			return false
		}
	}
	return true
}

func stringBytesMapEqual(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || string(v) != string(bv) {
			return false
		}
	}
	return true
}

func uuidSetEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
