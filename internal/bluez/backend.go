package bluez

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/blefab/blefab/internal/scan"
)

const deviceIface = "org.bluez.Device1"

// Backend implements ble.Backend for locally-attached adapters: it calls
// org.bluez.Device1.Connect/Disconnect over D-Bus, the same
// conn.Object(...).CallWithContext(...) idiom bluez_scan.go and
// bluez_continuous.go use for Adapter1 calls.
type Backend struct {
	conn *dbus.Conn
}

// NewBackend wraps an existing system-bus connection (typically the one an
// Oracle already holds) as a GATT connect/disconnect backend.
func NewBackend(conn *dbus.Conn) *Backend {
	return &Backend{conn: conn}
}

// Connect opens a GATT connection to device, which must be a
// scan.LocalDeviceHandle (the handle type LocalScanner attaches to every
// ingested advertisement).
func (b *Backend) Connect(ctx context.Context, device any) error {
	path, err := devicePath(device)
	if err != nil {
		return err
	}
	obj := b.conn.Object(bluezService, path)
	if err := obj.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return fmt.Errorf("bluez: connect %s: %w", path, err)
	}
	return nil
}

// Disconnect closes a previously-opened GATT connection to device.
func (b *Backend) Disconnect(ctx context.Context, device any) error {
	path, err := devicePath(device)
	if err != nil {
		return err
	}
	obj := b.conn.Object(bluezService, path)
	if err := obj.CallWithContext(ctx, deviceIface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("bluez: disconnect %s: %w", path, err)
	}
	return nil
}

// devicePath derives a BlueZ device object path (/org/bluez/<adapter>/dev_
// <addr with ':' replaced by '_'>) from a scan.LocalDeviceHandle.
func devicePath(device any) (dbus.ObjectPath, error) {
	h, ok := device.(scan.LocalDeviceHandle)
	if !ok {
		return "", fmt.Errorf("bluez: device handle %T is not a local scanner handle", device)
	}
	addr := strings.ReplaceAll(strings.ToUpper(h.Address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", h.Adapter, addr)), nil
}
