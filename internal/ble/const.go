package ble

import "time"

// Design-stable constants shared by the scanner, tracker, and fabric
// manager. Values are fixed per spec.md §4.4 so independent
// reimplementations stay bit-for-bit comparable.
const (
	// TrackerBufferingWobbleSeconds accounts for per-scanner buffering
	// delay before a staleness check is allowed to declare a record
	// stale.
	TrackerBufferingWobbleSeconds = 5.0

	// AdvertisingTimesNeeded is the tracker's sliding-window size.
	AdvertisingTimesNeeded = 16

	// AdvRSSISwitchThreshold is the minimum dB margin a new source's
	// RSSI must exceed the incumbent's by to dethrone it before the
	// staleness deadline.
	AdvRSSISwitchThreshold = 6

	// FallbackMaxStaleAdvertisementSeconds is the default staleness
	// threshold for non-connectable records when no learned or
	// caller-supplied interval exists.
	FallbackMaxStaleAdvertisementSeconds = 195.0

	// ConnectableFallbackMaxStaleAdvertisementSeconds is the analogous
	// default for connectable records (kept as a separate constant per
	// spec even though the design value is currently identical).
	ConnectableFallbackMaxStaleAdvertisementSeconds = 195.0
)

// Timer cadences, expressed as time.Duration for use directly with
// time.Ticker/time.Timer at the call sites that own background timers.
const (
	ScannerExpireInterval  = 30 * time.Second
	ScannerWatchdogInterval = 5 * time.Minute
	ScannerWatchdogTimeout  = 15 * time.Minute
	UnavailableTrackInterval = 1 * time.Second
)
