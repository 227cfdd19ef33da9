package fabric

import (
	"github.com/blefab/blefab/internal/ble"
	"github.com/blefab/blefab/internal/scan"
	"github.com/blefab/blefab/internal/slot"
	"github.com/blefab/blefab/internal/tracker"
)

// ScannerDiagnostics is one scanner's entry in a Diagnostics snapshot.
type ScannerDiagnostics struct {
	Source      string
	Adapter     string
	Kind        string
	Connectable bool
	Scanning    bool
	CurrentMode string
	Discovered  int
}

// Diagnostics is the structured, read-only snapshot spec.md §6 calls for:
// adapters (left to the caller — the fabric manager has no adapter-oracle
// dependency), per-scanner state, slot allocations, both histories, and
// tracker state. Layout is informational, not a wire protocol; callers
// (e.g. the daemon's diagnostics HTTP endpoint) are free to render it as
// JSON.
type Diagnostics struct {
	Scanners           []ScannerDiagnostics
	Allocations        []slot.AllocationChangeEvent
	AllHistory         []ble.ServiceInfo
	ConnectableHistory []ble.ServiceInfo
	Tracker            tracker.Diagnostics
}

// Diagnostics assembles a point-in-time snapshot of manager state.
func (m *Manager) Diagnostics() Diagnostics {
	m.mu.Lock()
	scanners := make([]ScannerDiagnostics, 0, len(m.sources))
	for source, entry := range m.sources {
		kind := "remote"
		if entry.scanner.Kind() == scan.KindLocal {
			kind = "local"
		}
		scanners = append(scanners, ScannerDiagnostics{
			Source:      source,
			Adapter:     entry.scanner.Adapter(),
			Kind:        kind,
			Connectable: entry.scanner.Connectable(),
			Scanning:    entry.scanner.Scanning(),
			CurrentMode: entry.scanner.CurrentMode().String(),
			Discovered:  len(entry.scanner.Discovered()),
		})
	}
	allHist := make([]ble.ServiceInfo, 0, len(m.allHistory))
	for _, info := range m.allHistory {
		allHist = append(allHist, info)
	}
	connHist := make([]ble.ServiceInfo, 0, len(m.connectableHistory))
	for _, info := range m.connectableHistory {
		connHist = append(connHist, info)
	}
	m.mu.Unlock()

	return Diagnostics{
		Scanners:           scanners,
		Allocations:        m.slots.Snapshot(),
		AllHistory:         allHist,
		ConnectableHistory: connHist,
		Tracker:            m.tracker.Diagnostics(),
	}
}
