package fabric_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/blefab/blefab/internal/ble"
	"github.com/blefab/blefab/internal/fabric"
	"github.com/blefab/blefab/internal/scan"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually-advanced ble.Clock for deterministic staleness
// arithmetic.
type fakeClock struct{ now float64 }

func (c *fakeClock) tick() ble.Clock {
	return func() float64 { return c.now }
}

func TestScannerAdvReceivedDropsAppleNoise(t *testing.T) {
	mgr := fabric.New(discardLogger())
	t.Cleanup(mgr.Close)

	mgr.ScannerAdvReceived(ble.ServiceInfo{
		Address:          "AA:BB:CC:DD:EE:01",
		Source:           "hci0",
		RSSI:             -50,
		ManufacturerData: map[uint16][]byte{76: {0x01, 0x02}}, // unrecognized leading byte = noise
	})

	if mgr.AddressPresent("AA:BB:CC:DD:EE:01", false) {
		t.Fatal("expected Apple-noise advertisement to be dropped, not cached")
	}
}

func TestScannerAdvReceivedKeepsKnownAppleAdvertisement(t *testing.T) {
	mgr := fabric.New(discardLogger())
	t.Cleanup(mgr.Close)

	mgr.ScannerAdvReceived(ble.ServiceInfo{
		Address:          "AA:BB:CC:DD:EE:02",
		Source:           "hci0",
		RSSI:             -50,
		ManufacturerData: map[uint16][]byte{76: {0x02, 0x15}}, // iBeacon prefix
	})

	if !mgr.AddressPresent("AA:BB:CC:DD:EE:02", false) {
		t.Fatal("expected a recognized Apple manufacturer-data prefix to be cached")
	}
}

func TestScannerAdvReceivedPrefersExistingSourceWhenWithinThreshold(t *testing.T) {
	clock := &fakeClock{now: 0}
	mgr := fabric.New(discardLogger(), fabric.WithClock(clock.tick()))
	t.Cleanup(mgr.Close)

	scA := scan.NewRemoteScanner("scanner-a", "hci0", false, mgr.ScannerAdvReceived, discardLogger())
	scB := scan.NewRemoteScanner("scanner-b", "hci1", false, mgr.ScannerAdvReceived, discardLogger())
	t.Cleanup(scA.Close)
	t.Cleanup(scB.Close)
	t.Cleanup(mgr.RegisterScanner(scA, 0))
	t.Cleanup(mgr.RegisterScanner(scB, 0))

	addr := "AA:BB:CC:DD:EE:03"
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: addr, Source: "scanner-a", RSSI: -50, Time: clock.now, Name: "first"})

	// Second source reports moments later with an RSSI too close to beat the
	// AdvRSSISwitchThreshold margin, and the record is still well within the
	// staleness window -- the existing source should win.
	clock.now = 1
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: addr, Source: "scanner-b", RSSI: -52, Time: clock.now, Name: "second"})

	got, ok := mgr.LastServiceInfo(addr, false)
	if !ok {
		t.Fatal("expected address to be cached")
	}
	if got.Source != "scanner-a" || got.Name != "first" {
		t.Fatalf("got source=%s name=%s, want scanner-a/first (source preference should have held)", got.Source, got.Name)
	}
}

func TestScannerAdvReceivedSwitchesSourceOnStrongerSignal(t *testing.T) {
	clock := &fakeClock{now: 0}
	mgr := fabric.New(discardLogger(), fabric.WithClock(clock.tick()))
	t.Cleanup(mgr.Close)

	scA := scan.NewRemoteScanner("scanner-a", "hci0", false, mgr.ScannerAdvReceived, discardLogger())
	scB := scan.NewRemoteScanner("scanner-b", "hci1", false, mgr.ScannerAdvReceived, discardLogger())
	t.Cleanup(scA.Close)
	t.Cleanup(scB.Close)
	t.Cleanup(mgr.RegisterScanner(scA, 0))
	t.Cleanup(mgr.RegisterScanner(scB, 0))

	addr := "AA:BB:CC:DD:EE:04"
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: addr, Source: "scanner-a", RSSI: -60, Time: clock.now, Name: "first"})

	// Second source arrives with a signal comfortably past AdvRSSISwitchThreshold.
	clock.now = 1
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: addr, Source: "scanner-b", RSSI: -40, Time: clock.now, Name: "second"})

	got, ok := mgr.LastServiceInfo(addr, false)
	if !ok {
		t.Fatal("expected address to be cached")
	}
	if got.Source != "scanner-b" || got.Name != "second" {
		t.Fatalf("got source=%s name=%s, want scanner-b/second (stronger signal should switch source)", got.Source, got.Name)
	}
}

func TestScannerAdvReceivedAllowsSwitchOnceOriginalSourceStoppedScanning(t *testing.T) {
	clock := &fakeClock{now: 0}
	mgr := fabric.New(discardLogger(), fabric.WithClock(clock.tick()))
	t.Cleanup(mgr.Close)

	scA := scan.NewRemoteScanner("scanner-a", "hci0", false, mgr.ScannerAdvReceived, discardLogger())
	scB := scan.NewRemoteScanner("scanner-b", "hci1", false, mgr.ScannerAdvReceived, discardLogger())
	t.Cleanup(scA.Close)
	t.Cleanup(scB.Close)
	t.Cleanup(mgr.RegisterScanner(scA, 0))
	t.Cleanup(mgr.RegisterScanner(scB, 0))

	addr := "AA:BB:CC:DD:EE:05"
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: addr, Source: "scanner-a", RSSI: -50, Time: clock.now, Name: "first"})

	// scanner-a stops believing it's scanning (e.g. it's mid-connect-attempt);
	// the preference rule should no longer block scanner-b's weaker report.
	scA.AddConnecting(addr)

	clock.now = 1
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: addr, Source: "scanner-b", RSSI: -52, Time: clock.now, Name: "second"})

	got, ok := mgr.LastServiceInfo(addr, false)
	if !ok {
		t.Fatal("expected address to be cached")
	}
	if got.Source != "scanner-b" {
		t.Fatalf("got source=%s, want scanner-b once the original source stopped scanning", got.Source)
	}
}

func TestScannerAdvReceivedStaleThresholdUsesBareFallbackConstantWithoutWobble(t *testing.T) {
	clock := &fakeClock{now: 0}
	mgr := fabric.New(discardLogger(), fabric.WithClock(clock.tick()))
	t.Cleanup(mgr.Close)

	scA := scan.NewRemoteScanner("scanner-a", "hci0", false, mgr.ScannerAdvReceived, discardLogger())
	scB := scan.NewRemoteScanner("scanner-b", "hci1", false, mgr.ScannerAdvReceived, discardLogger())
	t.Cleanup(scA.Close)
	t.Cleanup(scB.Close)
	t.Cleanup(mgr.RegisterScanner(scA, 0))
	t.Cleanup(mgr.RegisterScanner(scB, 0))

	addr := "AA:BB:CC:DD:EE:0B"
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: addr, Source: "scanner-a", RSSI: -50, Time: clock.now, Name: "first"})

	// No learned interval exists for this address, so staleness falls back
	// to the bare FallbackMaxStaleAdvertisementSeconds (195s) constant with
	// NO wobble added. 196s elapsed must count as stale even though the
	// RSSI margin (2dB) is far too small to win the switch on its own merit
	// -- staleness alone should force the switch to the new source.
	clock.now = 196
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: addr, Source: "scanner-b", RSSI: -52, Time: clock.now, Name: "second"})

	got, ok := mgr.LastServiceInfo(addr, false)
	if !ok {
		t.Fatal("expected address to be cached")
	}
	if got.Source != "scanner-b" || got.Name != "second" {
		t.Fatalf("got source=%s name=%s, want scanner-b/second (195s fallback threshold with no wobble should have been exceeded)", got.Source, got.Name)
	}
}

func TestScannerAdvReceivedSuppressesDispatchOnUnchangedContent(t *testing.T) {
	mgr := fabric.New(discardLogger())
	t.Cleanup(mgr.Close)

	var dispatches int
	t.Cleanup(mgr.RegisterBleakCallback(func(ble.ServiceInfo) { dispatches++ }, nil))

	addr := "AA:BB:CC:DD:EE:06"
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: addr, Source: "hci0", RSSI: -50, Name: "widget", Connectable: true})
	if dispatches != 1 {
		t.Fatalf("dispatches after first advertisement = %d, want 1", dispatches)
	}

	// Same source, same Name/ManufacturerData/ServiceData/ServiceUUIDs: only
	// RSSI moved, which sameContent ignores -- no redispatch expected.
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: addr, Source: "hci0", RSSI: -48, Name: "widget", Connectable: true})
	if dispatches != 1 {
		t.Fatalf("dispatches after unchanged-content advertisement = %d, want 1 (no redispatch)", dispatches)
	}

	// A real content change (new name) should redispatch.
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: addr, Source: "hci0", RSSI: -48, Name: "widget-v2", Connectable: true})
	if dispatches != 2 {
		t.Fatalf("dispatches after changed-content advertisement = %d, want 2", dispatches)
	}
}

func TestScannerAdvReceivedSuppressesDispatchForNonConnectableWithNoIncumbent(t *testing.T) {
	mgr := fabric.New(discardLogger())
	t.Cleanup(mgr.Close)

	var dispatches int
	t.Cleanup(mgr.RegisterBleakCallback(func(ble.ServiceInfo) { dispatches++ }, nil))

	// A purely non-connectable advertisement with no connectable incumbent
	// must never reach a bleak callback, per manager.py's dispatch gate.
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: "AA:BB:CC:DD:EE:0A", Source: "hci0", RSSI: -50, Name: "widget"})
	if dispatches != 0 {
		t.Fatalf("dispatches = %d, want 0 for a non-connectable advertisement with no connectable incumbent", dispatches)
	}
}

func TestScannerAdvReceivedUpgradesConnectableHistoryOnReclassification(t *testing.T) {
	mgr := fabric.New(discardLogger())
	t.Cleanup(mgr.Close)

	var last ble.ServiceInfo
	t.Cleanup(mgr.RegisterBleakCallback(func(info ble.ServiceInfo) { last = info }, nil))

	addr := "AA:BB:CC:DD:EE:07"
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: addr, Source: "hci0", RSSI: -50, Name: "widget", Connectable: true})
	if !mgr.AddressPresent(addr, true) {
		t.Fatal("expected address to be present in the connectable history")
	}

	// A later non-connectable report for the same address (e.g. from a
	// passive-only scanner) must still surface as connectable to existing
	// subscribers, since the connectable record is still live.
	mgr.ScannerAdvReceived(ble.ServiceInfo{Address: addr, Source: "hci0", RSSI: -49, Name: "widget-v2", Connectable: false})

	if !last.Connectable {
		t.Fatal("expected the dispatched record to be upgraded to Connectable once a connectable history entry exists")
	}
	if last.Name != "widget-v2" {
		t.Fatalf("last.Name = %q, want widget-v2", last.Name)
	}
}

func TestRegisterBleakCallbackFilterByServiceUUID(t *testing.T) {
	mgr := fabric.New(discardLogger())
	t.Cleanup(mgr.Close)

	var matched, unfiltered int
	filter := map[string]struct{}{"180d": {}}
	t.Cleanup(mgr.RegisterBleakCallback(func(ble.ServiceInfo) { matched++ }, filter))
	t.Cleanup(mgr.RegisterBleakCallback(func(ble.ServiceInfo) { unfiltered++ }, nil))

	mgr.ScannerAdvReceived(ble.ServiceInfo{
		Address:      "AA:BB:CC:DD:EE:08",
		Source:       "hci0",
		RSSI:         -50,
		Connectable:  true,
		ServiceUUIDs: map[string]struct{}{"180f": {}},
	})
	if matched != 0 {
		t.Fatalf("matched = %d, want 0 (service UUIDs don't intersect the filter)", matched)
	}
	if unfiltered != 1 {
		t.Fatalf("unfiltered = %d, want 1", unfiltered)
	}

	mgr.ScannerAdvReceived(ble.ServiceInfo{
		Address:      "AA:BB:CC:DD:EE:09",
		Source:       "hci0",
		RSSI:         -50,
		Connectable:  true,
		ServiceUUIDs: map[string]struct{}{"180d": {}},
	})
	if matched != 1 {
		t.Fatalf("matched = %d, want 1 once a service UUID intersects the filter", matched)
	}
}

func TestRegisterScannerDisposerUnregistersSource(t *testing.T) {
	mgr := fabric.New(discardLogger())
	t.Cleanup(mgr.Close)

	sc := scan.NewRemoteScanner("scanner-a", "hci0", true, mgr.ScannerAdvReceived, discardLogger())
	t.Cleanup(sc.Close)

	dispose := mgr.RegisterScanner(sc, 0)
	if !mgr.HasConnectableScanner() {
		t.Fatal("expected a connectable scanner to be registered")
	}

	dispose()
	if mgr.HasConnectableScanner() {
		t.Fatal("expected no connectable scanner after disposing the registration")
	}
	if _, ok := mgr.ScannerBySource("scanner-a"); ok {
		t.Fatal("expected the scanner to be unregistered from ScannerBySource")
	}
}
