// Package scan implements the scanner capability trait and its two
// variants: RemoteScanner, a per-source merged view of devices fed by a
// remote proxy, and the LocalScanner facade over MGMT-delivered raw frames.
//
// "Scanner" is modeled in the source as an inheritance hierarchy; here it is
// a tagged sum type over a shared capability interface (Scanner), with
// RemoteScanner and LocalScanner as the two variants and "connectable" kept
// as an orthogonal boolean attribute rather than folded into the hierarchy.
package scan
