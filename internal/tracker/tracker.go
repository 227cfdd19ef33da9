package tracker

import (
	"sync"

	"github.com/blefab/blefab/internal/ble"
)

// AdvertisingTimesNeeded is the window size: once this many timestamps have
// been observed for an address, the learned interval collapses the window.
const AdvertisingTimesNeeded = 16

// BufferingWobbleSeconds accounts for per-scanner buffering: a scanner may
// hold incoming packets briefly before delivery, so staleness checks add
// this many seconds of slack before declaring an advertisement stale.
const BufferingWobbleSeconds = 5.0

// Tracker learns the advertising interval of each address by recording the
// maximum gap between consecutive sightings across a 16-entry sliding
// window. It also holds caller-supplied fallback intervals for addresses
// whose cadence hasn't been learned yet.
//
// All exported methods are safe for concurrent use, though in steady state
// only the fabric manager's single executor goroutine calls them — the
// mutex exists for the scanner_paused path, which a local scanner invokes on
// its own source during connect setup (see internal/scan).
type Tracker struct {
	mu                sync.Mutex
	intervals         map[string]float64
	fallbackIntervals map[string]float64
	sources           map[string]string
	timings           map[string][]float64
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		intervals:         make(map[string]float64),
		fallbackIntervals: make(map[string]float64),
		sources:           make(map[string]string),
		timings:           make(map[string][]float64),
	}
}

// Interval returns the learned interval for an address, if known.
func (t *Tracker) Interval(address string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.intervals[address]
	return v, ok
}

// FallbackInterval returns the caller-supplied fallback interval for an
// address, if one was set.
func (t *Tracker) FallbackInterval(address string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.fallbackIntervals[address]
	return v, ok
}

// SetFallbackInterval records a caller-supplied interval to use until a
// real interval is learned from observed timestamps.
func (t *Tracker) SetFallbackInterval(address string, seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallbackIntervals[address] = seconds
}

// HasInterval reports whether a learned interval is already known for an
// address. Callers use this to decide whether Collect is worth calling.
func (t *Tracker) HasInterval(address string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.intervals[address]
	return ok
}

// Collect records a sighting. The caller is responsible for having already
// established that no interval is yet known for this address and that the
// source is stable (i.e. it has called RemoveAddress if the source
// changed) — Collect itself does not re-check either condition, matching
// habluetooth's documented contract for performance.
//
// On the first sighting for an address, the timestamp is recorded as the
// sole entry. On the 16th, the maximum gap between consecutive timestamps
// in the window becomes the learned interval and the timing window is
// dropped; a known interval and a pending timing window are mutually
// exclusive for a given address at all times.
func (t *Tracker) Collect(info ble.ServiceInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sources[info.Address] = info.Source

	timings, ok := t.timings[info.Address]
	if !ok {
		t.timings[info.Address] = []float64{info.Time}
		return
	}

	timings = append(timings, info.Time)
	if len(timings) != AdvertisingTimesNeeded {
		t.timings[info.Address] = timings
		return
	}

	maxGap := timings[1] - timings[0]
	for i := 2; i < len(timings); i++ {
		gap := timings[i] - timings[i-1]
		if gap > maxGap {
			maxGap = gap
		}
	}

	t.intervals[info.Address] = maxGap
	delete(t.timings, info.Address)
}

// RemoveAddress drops all tracker state for an address: its learned
// interval, its recorded source, and any in-progress timing window.
func (t *Tracker) RemoveAddress(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.intervals, address)
	delete(t.sources, address)
	delete(t.timings, address)
}

// RemoveFallbackInterval drops only the fallback interval for an address,
// leaving any learned interval and timing window untouched.
func (t *Tracker) RemoveFallbackInterval(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.fallbackIntervals, address)
}

// RemoveSource evicts every address whose recorded source matches s. Used
// when a scanner unregisters. O(|sources|), which is acceptable per spec.
func (t *Tracker) RemoveSource(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for address, src := range t.sources {
		if src == s {
			delete(t.intervals, address)
			delete(t.sources, address)
			delete(t.timings, address)
		}
	}
}

// ScannerPaused clears only the in-progress timing windows belonging to the
// given source, leaving already-learned intervals intact.
//
// When a local scanner pauses to establish a connection it stops listening
// for advertisements. Without this, the next sighting after the pause would
// manufacture an artificially large gap (time-after-connect minus
// time-before-connect) that doesn't reflect the device's real advertising
// cadence.
func (t *Tracker) ScannerPaused(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for address := range t.timings {
		if t.sources[address] == source {
			delete(t.timings, address)
		}
	}
}

// Diagnostics returns a point-in-time snapshot of tracker state for the
// diagnostics endpoint. The returned maps are copies; mutating them has no
// effect on the tracker.
type Diagnostics struct {
	Intervals         map[string]float64
	FallbackIntervals map[string]float64
	Sources           map[string]string
	Timings           map[string][]float64
}

func (t *Tracker) Diagnostics() Diagnostics {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := Diagnostics{
		Intervals:         make(map[string]float64, len(t.intervals)),
		FallbackIntervals: make(map[string]float64, len(t.fallbackIntervals)),
		Sources:           make(map[string]string, len(t.sources)),
		Timings:           make(map[string][]float64, len(t.timings)),
	}
	for k, v := range t.intervals {
		d.Intervals[k] = v
	}
	for k, v := range t.fallbackIntervals {
		d.FallbackIntervals[k] = v
	}
	for k, v := range t.sources {
		d.Sources[k] = v
	}
	for k, v := range t.timings {
		cp := make([]float64, len(v))
		copy(cp, v)
		d.Timings[k] = cp
	}
	return d
}
