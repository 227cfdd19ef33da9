package scan

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blefab/blefab/internal/ble"
)

// RecoveryHook power-cycles an adapter out-of-band (via the bluez adapter
// oracle) when a local scanner's active-mode startup keeps failing with a
// known "adapter initializing" condition.
type RecoveryHook func(ctx context.Context, adapter string) error

// StartFunc attempts to start scanning in the given mode and reports
// whether the attempt hit a recoverable "adapter initializing" condition
// (as opposed to a hard failure or success).
type StartFunc func(ctx context.Context, mode Mode) (initializing bool, err error)

// maxActiveRetries bounds how many consecutive active-mode start failures
// are tolerated before LocalScanner falls back to passive mode.
const maxActiveRetries = 3

// ModeChangeCallback is notified whenever CurrentMode changes.
type ModeChangeCallback func(source string, mode Mode)

// LocalScanner is the facade surfacing the Scanner contract for a
// locally-attached radio whose raw advertisement frames arrive over the
// MGMT channel rather than from a remote proxy. It additionally drives mode
// fallback: repeated active-mode start failures trigger an adapter
// recovery call and an eventual drop to passive mode.
type LocalScanner struct {
	base

	ingest   IngestFunc
	start    StartFunc
	recover  RecoveryHook
	tracker  pauser
	onMode   ModeChangeCallback
	logger   *slog.Logger

	activeFailures int

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// LocalOption configures optional LocalScanner parameters.
type LocalOption struct {
	apply func(*LocalScanner)
}

func withLocal(f func(*LocalScanner)) LocalOption { return LocalOption{apply: f} }

// WithAdapterIdx attaches the MGMT controller index this scanner's adapter
// corresponds to.
func WithAdapterIdx(idx int) LocalOption {
	return withLocal(func(l *LocalScanner) { l.adapterIdx = &idx })
}

// WithRecoveryHook attaches the adapter power-cycle hook used on repeated
// active-mode start failures.
func WithRecoveryHook(hook RecoveryHook) LocalOption {
	return withLocal(func(l *LocalScanner) { l.recover = hook })
}

// WithModeChangeCallback attaches a callback invoked on every mode
// transition (including the initial fallback to passive).
func WithModeChangeCallback(cb ModeChangeCallback) LocalOption {
	return withLocal(func(l *LocalScanner) { l.onMode = cb })
}

// WithLocalClock overrides the time source (tests only).
func WithLocalClock(clock ble.Clock) LocalOption {
	return withLocal(func(l *LocalScanner) { l.clock = clock })
}

// WithRequestedMode overrides the initial requested scan mode (default
// ModeActive). Adapters configured passive-only should pass ModePassive so
// startWithFallback skips the active-mode retry loop entirely.
func WithRequestedMode(mode Mode) LocalOption {
	return withLocal(func(l *LocalScanner) { l.requestedMode = mode })
}

// NewLocalScanner constructs a LocalScanner bound to source/adapter. tr is
// the fabric manager's AdvertisementTracker; LocalScanner pauses it during
// connect attempts on its own source.
func NewLocalScanner(source, adapter string, connectable bool, tr pauser, ingest IngestFunc, start StartFunc, logger *slog.Logger, opts ...LocalOption) *LocalScanner {
	l := &LocalScanner{
		base:    newBase(source, adapter, connectable, nil, nil),
		ingest:  ingest,
		start:   start,
		tracker: tr,
		logger:  logger.With(slog.String("component", "scan.local"), slog.String("source", source)),
	}
	l.base.paused = tr
	l.requestedMode = ModeActive
	for _, opt := range opts {
		opt.apply(l)
	}
	return l
}

var _ Scanner = (*LocalScanner)(nil)

func (l *LocalScanner) Kind() Kind { return KindLocal }

// Run starts the scanner (attempting the requested mode, falling back to
// passive on repeated recoverable failures) and the watchdog loop. Blocks
// until ctx is cancelled.
func (l *LocalScanner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	if err := l.startWithFallback(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(ble.ScannerWatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.checkWatchdog(l.clock(), ble.ScannerWatchdogTimeout.Seconds())
		}
	}
}

func (l *LocalScanner) startWithFallback(ctx context.Context) error {
	mode := l.requestedMode
	if mode == ModeUnset {
		mode = ModeActive
	}

	for mode == ModeActive {
		initializing, err := l.start(ctx, mode)
		if err == nil {
			l.setMode(mode)
			return nil
		}
		if !initializing {
			return err
		}

		l.activeFailures++
		if l.recover != nil {
			if rerr := l.recover(ctx, l.adapter); rerr != nil {
				l.logger.Warn("adapter recovery attempt failed", slog.Any("error", rerr))
			}
		}
		if l.activeFailures >= maxActiveRetries {
			l.logger.Warn("falling back to passive scan mode after repeated active-mode failures",
				slog.Int("attempts", l.activeFailures))
			mode = ModePassive
			break
		}
	}

	if _, err := l.start(ctx, ModePassive); err != nil {
		return err
	}
	l.setMode(ModePassive)
	return nil
}

func (l *LocalScanner) setMode(mode Mode) {
	l.mu.Lock()
	l.currentMode = mode
	l.mu.Unlock()
	if l.onMode != nil {
		l.onMode(l.source, mode)
	}
}

func (l *LocalScanner) Close() {
	l.stopOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
	})
}

// IngestRaw is the MGMT channel's raw ingestion entry point: a DeviceFound
// or AdvMonitorDeviceFound frame's decoded fields, already signed-RSSI and
// with the AD payload still to be parsed.
func (l *LocalScanner) IngestRaw(addr string, addrType uint8, rssi int8, flags uint32, adData []byte) {
	now := l.clock()

	info := ble.ServiceInfo{
		Address:     addr,
		RSSI:        rssi,
		Source:      l.source,
		Time:        now,
		Connectable: flags&mgmtNotConnectableFlag == 0,
		Device:      LocalDeviceHandle{Address: addr, Adapter: l.adapter, addrType: addrType},
	}
	parseAdvertisingData(adData, &info)

	l.mu.Lock()
	l.devices[addr] = info
	l.timestamps[addr] = now
	l.lastDetection = now
	l.mu.Unlock()

	if l.ingest != nil {
		l.ingest(info)
	}
}

// LocalDeviceHandle is the opaque ServiceInfo.Device value a LocalScanner
// attaches to every advertisement it ingests from a raw MGMT frame. It
// carries the kernel's own addr_type byte (for the router's MGMT wire
// address-type derivation) plus the address and adapter name a BlueZ-backed
// Backend needs to build a device object path for Connect/Disconnect.
type LocalDeviceHandle struct {
	Address  string
	Adapter  string
	addrType uint8
}

// AddressType implements ble.AddressTyped. The MGMT DeviceFound addr_type
// byte uses 0x01/0x03 for the LE random variants; anything else is public.
func (d LocalDeviceHandle) AddressType() string {
	if d.addrType == 0x01 || d.addrType == 0x03 {
		return "random"
	}
	return "public"
}

// mgmtNotConnectableFlag is bit 6 of the MGMT DeviceFound flags word,
// set by the kernel when the advertisement's own PDU type indicates it does
// not accept connections (ADV_NONCONN_IND / ADV_SCAN_IND).
const mgmtNotConnectableFlag uint32 = 1 << 6

// AD structure type codes (Bluetooth Core Spec Supplement, Part A).
const (
	adTypeFlags               = 0x01
	adType16BitUUIDsIncomplete = 0x02
	adType16BitUUIDsComplete   = 0x03
	adTypeShortName            = 0x08
	adTypeCompleteName         = 0x09
	adType128BitUUIDsIncomplete = 0x06
	adType128BitUUIDsComplete  = 0x07
	adTypeServiceData16        = 0x16
	adTypeManufacturerData     = 0xFF
)

// parseAdvertisingData walks the length-prefixed AD structure sequence and
// populates the relevant ServiceInfo fields. Unknown or malformed entries
// are skipped; a single truncated trailing entry stops the walk rather than
// panicking.
func parseAdvertisingData(data []byte, info *ble.ServiceInfo) {
	i := 0
	for i < len(data) {
		length := int(data[i])
		if length == 0 || i+1+length > len(data) {
			return
		}
		adType := data[i+1]
		value := data[i+2 : i+1+length]

		switch adType {
		case adTypeCompleteName, adTypeShortName:
			info.Name = string(value)
		case adType16BitUUIDsComplete, adType16BitUUIDsIncomplete:
			addUUIDs16(info, value)
		case adType128BitUUIDsComplete, adType128BitUUIDsIncomplete:
			addUUIDs128(info, value)
		case adTypeServiceData16:
			if len(value) >= 2 {
				uuid := uuid16String(value[0], value[1])
				if info.ServiceData == nil {
					info.ServiceData = make(map[string][]byte)
				}
				info.ServiceData[uuid] = append([]byte(nil), value[2:]...)
			}
		case adTypeManufacturerData:
			if len(value) >= 2 {
				company := uint16(value[0]) | uint16(value[1])<<8
				if info.ManufacturerData == nil {
					info.ManufacturerData = make(map[uint16][]byte)
				}
				info.ManufacturerData[company] = append([]byte(nil), value[2:]...)
			}
		}

		i += 1 + length
	}
}

func addUUIDs16(info *ble.ServiceInfo, value []byte) {
	if info.ServiceUUIDs == nil {
		info.ServiceUUIDs = make(map[string]struct{})
	}
	for j := 0; j+2 <= len(value); j += 2 {
		info.ServiceUUIDs[uuid16String(value[j], value[j+1])] = struct{}{}
	}
}

func addUUIDs128(info *ble.ServiceInfo, value []byte) {
	if info.ServiceUUIDs == nil {
		info.ServiceUUIDs = make(map[string]struct{})
	}
	for j := 0; j+16 <= len(value); j += 16 {
		info.ServiceUUIDs[uuid128String(value[j:j+16])] = struct{}{}
	}
}

func uuid16String(lo, hi byte) string {
	const hex = "0123456789abcdef"
	v := uint16(lo) | uint16(hi)<<8
	b := []byte{hex[(v>>12)&0xF], hex[(v>>8)&0xF], hex[(v>>4)&0xF], hex[v&0xF]}
	return string(b)
}

func uuid128String(b []byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 0, 36)
	emit := func(n int) {
		for k := 0; k < n; k++ {
			out = append(out, hex[(b[0]>>4)&0xF], hex[b[0]&0xF])
			b = b[1:]
		}
	}
	emit(4)
	out = append(out, '-')
	emit(2)
	out = append(out, '-')
	emit(2)
	out = append(out, '-')
	emit(2)
	out = append(out, '-')
	emit(6)
	return string(out)
}
