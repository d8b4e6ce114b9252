package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dantte-lp/profilesrv/internal/adminapi"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatNeighbors renders a slice of neighbors in the requested format.
func formatNeighbors(views []adminapi.NeighborView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(views)
	case formatTable:
		return formatNeighborsTable(views), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatNeighbor renders a single neighbor in the requested format.
func formatNeighbor(view adminapi.NeighborView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(view)
	case formatTable:
		return formatNeighborDetail(view), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatJSONValue(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data), nil
}

func formatNeighborsTable(views []adminapi.NeighborView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER-ID\tIP-ADDRESS\tPRIMARY-PORT\tSR-NEIGHBOR-PORT\tLAST-REFRESH")

	for _, v := range views {
		lastRefresh := valueNA
		if v.LastRefreshTime != "" {
			lastRefresh = v.LastRefreshTime
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			shortID(v.ServerID),
			v.IPAddress,
			v.PrimaryPort,
			v.SRNeighborPort,
			lastRefresh,
		)
	}

	_ = w.Flush()
	return buf.String()
}

func formatNeighborDetail(v adminapi.NeighborView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Server ID:\t%s\n", v.ServerID)
	fmt.Fprintf(w, "IP Address:\t%s\n", v.IPAddress)
	fmt.Fprintf(w, "Primary Role Port:\t%d\n", v.PrimaryPort)
	if v.SRNeighborPort != 0 {
		fmt.Fprintf(w, "SR Neighbor Port:\t%d\n", v.SRNeighborPort)
	}
	fmt.Fprintf(w, "Latitude (microdegrees):\t%d\n", v.LatitudeMicro)
	fmt.Fprintf(w, "Longitude (microdegrees):\t%d\n", v.LongitudeMicro)
	if v.LastRefreshTime != "" {
		fmt.Fprintf(w, "Last Refresh:\t%s\n", v.LastRefreshTime)
	}

	_ = w.Flush()
	return buf.String()
}

// shortID truncates a hex server ID for table display.
func shortID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:16] + "..."
}
