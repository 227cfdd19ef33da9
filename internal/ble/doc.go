// Package ble holds the shared, dependency-free data types that flow between
// the scanner, tracker, fabric, and router packages: the canonical
// advertisement record, address-type and connection-parameter constants, and
// the small capability interfaces scanners and their connectors implement.
//
// Keeping these types here (rather than in the package that first needs
// them) avoids import cycles between internal/scan, internal/tracker,
// internal/fabric, and internal/router, all of which need to speak the same
// vocabulary without depending on each other.
package ble
