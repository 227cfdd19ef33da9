// Package tracker learns per-address BLE advertising intervals from observed
// timestamp sequences and holds caller-supplied fallback intervals.
package tracker
