package ble

import (
	"context"
	"time"
)

var processStart = time.Now()

// MonotonicSeconds returns seconds elapsed since process start, the
// monotonic clock source ServiceInfo.Time and all staleness arithmetic in
// this codebase is expressed in. Mirrors habluetooth's
// bluetooth_data_tools.monotonic_time_coarse: a cheap, always-increasing
// clock that is never subject to wall-clock adjustment.
func MonotonicSeconds() float64 {
	return time.Since(processStart).Seconds()
}

// Clock is an injectable time source, used by tests that need to advance
// virtual time (e.g. to exercise staleness/expiry thresholds) without
// sleeping.
type Clock func() float64

// NoRSSIValue is the sentinel used wherever an RSSI or TX power reading is
// absent. −127 dBm is below any value a real radio would report, so it sorts
// last in every RSSI-ordered comparison without a separate "missing" branch.
const NoRSSIValue int8 = -127

// Address types carried on the MGMT wire and on device handles.
const (
	AddrTypeLEPublic uint8 = 1
	AddrTypeLERandom uint8 = 2
)

// ServiceInfo is the canonical advertisement record. Once handed to the
// fabric manager it is treated as immutable; callers that need a modified
// copy (e.g. the connectable-surfacing upgrade in fabric.Manager) must clone
// it first.
type ServiceInfo struct {
	Address          string
	Name             string
	RSSI             int8
	TxPower          int8
	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	ServiceUUIDs     map[string]struct{}
	Source           string
	Time             float64
	Connectable      bool
	Device           any
	Raw              []byte
}

// Clone returns a deep-enough copy: map values are not duplicated (they are
// treated as immutable once attached to a ServiceInfo) but the maps
// themselves are, so callers may toggle Connectable on the copy without
// mutating the original.
func (s ServiceInfo) Clone() ServiceInfo {
	out := s
	out.ManufacturerData = cloneBytesMap(s.ManufacturerData)
	out.ServiceData = cloneStringBytesMap(s.ServiceData)
	if s.ServiceUUIDs != nil {
		out.ServiceUUIDs = make(map[string]struct{}, len(s.ServiceUUIDs))
		for u := range s.ServiceUUIDs {
			out.ServiceUUIDs[u] = struct{}{}
		}
	}
	return out
}

func cloneBytesMap(m map[uint16][]byte) map[uint16][]byte {
	if m == nil {
		return nil
	}
	out := make(map[uint16][]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringBytesMap(m map[string][]byte) map[string][]byte {
	if m == nil {
		return nil
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ServiceUUIDsIntersect reports whether a callback's UUID filter set
// intersects the advertisement's service UUID set. An empty filter matches
// everything (no filtering configured).
func ServiceUUIDsIntersect(filter, uuids map[string]struct{}) bool {
	if len(filter) == 0 {
		return true
	}
	for u := range filter {
		if _, ok := uuids[u]; ok {
			return true
		}
	}
	return false
}

// Connector lets a scanner delegate "can I reach this address" and identity
// to an externally-owned GATT client factory, mirroring the
// (client, source, can_connect) triple habluetooth attaches to scanners that
// are backed by a remote proxy rather than a local radio.
type Connector interface {
	// CanConnect reports whether the connector currently believes it can
	// open a GATT connection (e.g. the remote proxy link is up).
	CanConnect() bool
	// Source returns the scanner source string this connector serves.
	Source() string
	// Backend returns the client factory's connect/disconnect surface.
	// The router calls this instead of its own local-adapter Backend
	// whenever the winning candidate's scanner carries a Connector.
	Backend() Backend
}

// Backend is the GATT transport surface the router hands a resolved
// connection off to. The actual implementation (radio HCI/L2CAP stack, or a
// remote proxy's RPC client) is an external collaborator out of this
// system's scope; the router only ever calls through this interface.
type Backend interface {
	// Connect opens a GATT connection to device. device is the opaque
	// handle carried on the winning ServiceInfo.
	Connect(ctx context.Context, device any) error
	// Disconnect closes a previously-opened connection to device.
	Disconnect(ctx context.Context, device any) error
}

// AddressTyped is implemented by device handles that expose their BLE
// address type, letting the router derive the addr_type byte MGMT's
// LoadConnParam needs without depending on any particular backend's device
// representation.
type AddressTyped interface {
	// AddressType returns "random" or "public".
	AddressType() string
}

// AddrTypeOf derives the MGMT wire addr_type for device, defaulting to
// BDADDR_LE_PUBLIC when device doesn't implement AddressTyped or reports
// anything other than "random".
func AddrTypeOf(device any) uint8 {
	if at, ok := device.(AddressTyped); ok && at.AddressType() == "random" {
		return AddrTypeLERandom
	}
	return AddrTypeLEPublic
}

// ConnParams is one entry of the FAST/MEDIUM connection-parameter preset
// table sent to the adapter via MGMT LoadConnParam. Units are standard
// Bluetooth units: Interval fields in 1.25ms, Timeout in 10ms.
type ConnParams struct {
	MinInterval uint16
	MaxInterval uint16
	Latency     uint16
	Timeout     uint16
}

// Preset connection-parameter tables. FAST is used immediately before a
// connection attempt to minimize time-to-connect; MEDIUM is applied once
// connected to reduce radio duty cycle. FAST's intervals are kept strictly
// below MEDIUM's per spec.
var (
	FastConnParams = ConnParams{
		MinInterval: 9,  // 11.25ms
		MaxInterval: 15, // 18.75ms
		Latency:     0,
		Timeout:     500, // 5s
	}
	MediumConnParams = ConnParams{
		MinInterval: 24, // 30ms
		MaxInterval: 40, // 50ms
		Latency:     0,
		Timeout:     500, // 5s
	}
)
