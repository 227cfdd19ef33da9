package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/blefab/blefab/internal/ble"
	"github.com/blefab/blefab/internal/bluez"
	"github.com/blefab/blefab/internal/fabric"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func formatScanners(scanners []fabric.ScannerDiagnostics, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(scanners)
	case formatTable:
		return formatScannersTable(scanners), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatScannersTable(scanners []fabric.ScannerDiagnostics) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tADAPTER\tKIND\tCONNECTABLE\tSCANNING\tMODE\tDISCOVERED")

	sorted := append([]fabric.ScannerDiagnostics(nil), scanners...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Source < sorted[j].Source })

	for _, s := range sorted {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\t%d\n",
			s.Source, s.Adapter, s.Kind, s.Connectable, s.Scanning, s.CurrentMode, s.Discovered)
	}

	w.Flush() //nolint:errcheck // tabwriter.Flush on a strings.Builder never errors
	return buf.String()
}

func formatDevices(devices []ble.ServiceInfo, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(devicesToView(devices))
	case formatTable:
		return formatDevicesTable(devices), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatDevicesTable(devices []ble.ServiceInfo) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tSOURCE\tCONNECTABLE\tSERVICES")

	sorted := append([]ble.ServiceInfo(nil), devices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	for _, d := range sorted {
		name := d.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%d\n",
			d.Address, name, d.RSSI, d.Source, d.Connectable, len(d.ServiceUUIDs))
	}

	w.Flush() //nolint:errcheck // tabwriter.Flush on a strings.Builder never errors
	return buf.String()
}

type deviceView struct {
	Address      string   `json:"address"`
	Name         string   `json:"name,omitempty"`
	RSSI         int8     `json:"rssi"`
	Source       string   `json:"source"`
	Connectable  bool     `json:"connectable"`
	ServiceUUIDs []string `json:"service_uuids,omitempty"`
}

func devicesToView(devices []ble.ServiceInfo) []deviceView {
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		uuids := make([]string, 0, len(d.ServiceUUIDs))
		for u := range d.ServiceUUIDs {
			uuids = append(uuids, u)
		}
		sort.Strings(uuids)

		views = append(views, deviceView{
			Address:      d.Address,
			Name:         d.Name,
			RSSI:         d.RSSI,
			Source:       d.Source,
			Connectable:  d.Connectable,
			ServiceUUIDs: uuids,
		})
	}
	return views
}

func formatAdapters(adapters map[string]bluez.Adapter, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(adapters)
	case formatTable:
		return formatAdaptersTable(adapters), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatAdaptersTable(adapters map[string]bluez.Adapter) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tPASSIVE\tSLOTS")

	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		a := adapters[name]
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\n", a.Name, a.Address, a.PassiveScan, a.ConnectionSlots)
	}

	w.Flush() //nolint:errcheck // tabwriter.Flush on a strings.Builder never errors
	return buf.String()
}

func marshalIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data), nil
}
