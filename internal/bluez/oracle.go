package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Adapter is one adapter record the oracle surfaces, matching spec.md §6's
// "record includes address, passive_scan: bool, optionally
// connection_slots: int".
type Adapter struct {
	Name            string // e.g. "hci0"
	Address         string
	PassiveScan     bool
	ConnectionSlots int // 0 means "not configured"
}

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	objectManagerIf = "org.freedesktop.DBus.ObjectManager"
)

// Oracle is the external adapter-enumeration collaborator spec.md §6
// describes: Refresh() re-walks BlueZ's managed objects, Adapters() returns
// the last refresh's snapshot.
type Oracle struct {
	conn *dbus.Conn

	mu       sync.RWMutex
	adapters map[string]Adapter

	// slotOverrides carries operator-configured connection_slots per
	// adapter name, since BlueZ's own Adapter1 has no such property.
	slotOverrides map[string]int
}

// NewOracle opens a connection to the system D-Bus and returns an Oracle.
// The caller must call Refresh at least once before Adapters returns
// anything.
func NewOracle(slotOverrides map[string]int) (*Oracle, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	return &Oracle{
		conn:          conn,
		adapters:      make(map[string]Adapter),
		slotOverrides: slotOverrides,
	}, nil
}

// Close releases the underlying D-Bus connection.
func (o *Oracle) Close() error {
	return o.conn.Close()
}

// Conn returns the underlying system-bus connection, so a Backend can share
// it instead of opening a second connection to the bus.
func (o *Oracle) Conn() *dbus.Conn {
	return o.conn
}

// Refresh re-walks BlueZ's object tree and replaces the cached adapter set.
// Called on demand only, per spec.md §6.
func (o *Oracle) Refresh(ctx context.Context) error {
	managed, err := o.getManagedObjects(ctx)
	if err != nil {
		return fmt.Errorf("bluez: refresh: %w", err)
	}

	adapters := make(map[string]Adapter)
	for path, ifaces := range managed {
		props, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		name := adapterNameFromPath(path)
		if name == "" {
			continue
		}
		adapters[name] = Adapter{
			Name:            name,
			Address:         stringProp(props, "Address"),
			PassiveScan:     !boolProp(props, "Discovering"), // BlueZ active-scans while Discovering; idle adapters default to passive capability
			ConnectionSlots: o.slotOverrides[name],
		}
	}

	o.mu.Lock()
	o.adapters = adapters
	o.mu.Unlock()
	return nil
}

// Adapters returns the last Refresh's snapshot, keyed by adapter name.
func (o *Oracle) Adapters() map[string]Adapter {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]Adapter, len(o.adapters))
	for k, v := range o.adapters {
		out[k] = v
	}
	return out
}

// Recover power-cycles adapter via BlueZ's Powered property, the recovery
// hook spec.md §4.6 wants a local scanner to call after repeated active-mode
// "adapter initializing" failures.
func (o *Oracle) Recover(ctx context.Context, adapter string) error {
	path := dbus.ObjectPath("/org/bluez/" + adapter)
	obj := o.conn.Object(bluezService, path)

	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Set", 0,
		adapterIface, "Powered", dbus.MakeVariant(false)).Err; err != nil {
		return fmt.Errorf("bluez: power off %s: %w", adapter, err)
	}
	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Set", 0,
		adapterIface, "Powered", dbus.MakeVariant(true)).Err; err != nil {
		return fmt.Errorf("bluez: power on %s: %w", adapter, err)
	}
	return nil
}

// StartDiscovery sets the LE discovery filter for active (with
// scan-response collection) or passive scanning and starts discovery on
// adapter. This is the StartFunc a scan.LocalScanner calls on mode
// transitions; BlueZ's own "InProgress" error on a redundant StartDiscovery
// is treated as success.
func (o *Oracle) StartDiscovery(ctx context.Context, adapter string, activeMode bool) error {
	obj := o.conn.Object(bluezService, dbus.ObjectPath("/org/bluez/"+adapter))

	duplicateData := !activeMode // passive: BlueZ also reports duplicate advertisements as new events
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(duplicateData),
	}
	if err := obj.CallWithContext(ctx, "org.bluez.Adapter1.SetDiscoveryFilter", 0, filter).Err; err != nil {
		return fmt.Errorf("bluez: set discovery filter on %s: %w", adapter, err)
	}

	if err := obj.CallWithContext(ctx, "org.bluez.Adapter1.StartDiscovery", 0).Err; err != nil {
		if strings.Contains(err.Error(), "InProgress") {
			return nil
		}
		return fmt.Errorf("bluez: start discovery on %s: %w", adapter, err)
	}
	return nil
}

// StopDiscovery stops discovery on adapter. Errors are not considered
// fatal by callers: a stop on an adapter that isn't discovering is a no-op
// in BlueZ's own semantics.
func (o *Oracle) StopDiscovery(ctx context.Context, adapter string) error {
	obj := o.conn.Object(bluezService, dbus.ObjectPath("/org/bluez/"+adapter))
	if err := obj.CallWithContext(ctx, "org.bluez.Adapter1.StopDiscovery", 0).Err; err != nil {
		return fmt.Errorf("bluez: stop discovery on %s: %w", adapter, err)
	}
	return nil
}

func (o *Oracle) getManagedObjects(ctx context.Context) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	root := o.conn.Object(bluezService, dbus.ObjectPath("/"))
	call := root.CallWithContext(ctx, objectManagerIf+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := call.Store(&managed); err != nil {
		return nil, err
	}
	return managed, nil
}

func adapterNameFromPath(path dbus.ObjectPath) string {
	const prefix = "/org/bluez/"
	p := string(path)
	if !strings.HasPrefix(p, prefix) {
		return ""
	}
	name := strings.TrimPrefix(p, prefix)
	if strings.Contains(name, "/") {
		// A child object (e.g. a Device1 under the adapter), not the
		// adapter itself.
		return ""
	}
	return name
}

func stringProp(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func boolProp(props map[string]dbus.Variant, key string) bool {
	v, ok := props[key]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}
