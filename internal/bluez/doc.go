// Package bluez implements spec.md §6's adapter oracle interface (Refresh,
// Adapters) by walking BlueZ's D-Bus object tree, and provides the power-cycle
// recovery hook spec.md §4.6 wants local scanners to call after repeated
// active-mode start failures. It also supplies the StartFunc a
// scan.LocalScanner calls on every mode transition, toggling BlueZ's
// discovery filter between active and passive LE scanning.
//
// Grounded on houneTeam-pible_go/internal/bluetooth/bluez_manager.go's
// GetManagedObjects walk and Adapter1.Powered toggling (adapted from a
// hand-rolled polling loop into the Refresh()-on-demand contract spec.md §6
// names), and bluez_scan.go's SetDiscoveryFilter/StartDiscovery/StopDiscovery
// call sequence.
package bluez
