package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

var errUnsupportedFormat = errors.New("unsupported output format")

func formatDevices(devices []deviceView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(devices, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal devices to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tAREA\tCLASS\tTYPE\tGATEWAY\tSTATES")
		for _, d := range devices {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				d.ID, d.Name, d.AreaName, d.DeviceClass, d.DeviceType, d.GatewayID,
				strings.Join(d.CurrentStates, ","))
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatDevice(d deviceView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal device to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID:\t%d\n", d.ID)
		fmt.Fprintf(w, "Name:\t%s\n", d.Name)
		fmt.Fprintf(w, "Area:\t%s (%d)\n", d.AreaName, d.AreaID)
		fmt.Fprintf(w, "Class:\t%s\n", d.DeviceClass)
		fmt.Fprintf(w, "Type:\t%s\n", d.DeviceType)
		fmt.Fprintf(w, "Gateway:\t%s / %s\n", d.GatewayID, d.GatewayDevID)
		fmt.Fprintf(w, "Possible states:\t%s\n", strings.Join(d.PossibleStates, ","))
		fmt.Fprintf(w, "Possible actions:\t%s\n", strings.Join(d.PossibleActions, ","))
		fmt.Fprintf(w, "Current states:\t%s\n", strings.Join(d.CurrentStates, ","))
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatAreas(areas []areaView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(areas, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal areas to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME")
		for _, a := range areas {
			fmt.Fprintf(w, "%d\t%s\n", a.ID, a.Name)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatAreaDetail(a areaDetailView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(a, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal area to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		out, err := formatDevices(a.Devices, formatTable)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Area %s (%d)\n%s", a.Name, a.ID, out), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatReport(r reportView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal report to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Device:\t%s (%d)\n", r.Device.Name, r.Device.ID)
		fmt.Fprintf(w, "Time truthy:\t%.0fs\n", r.TimeInState.TruthySeconds)
		fmt.Fprintf(w, "Time falsy:\t%.0fs\n", r.TimeInState.FalsySeconds)
		fmt.Fprintf(w, "Actions (1h):\t%d\n", r.ActionCount1h)
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		fmt.Fprintln(&buf, "Recent events:")
		for _, e := range r.RecentEvents {
			fmt.Fprintf(&buf, "  %s  code=%d  level=%d\n", e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Code, e.Level)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
