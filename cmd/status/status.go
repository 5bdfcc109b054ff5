// Package status implements the laninv status CLI (collector counters and device table).
package status

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"laninv/internal/history"
	"laninv/internal/inventory"
	"laninv/internal/rpc"
	"laninv/pkg/config"
)

// Run prints the collector's counters and device table. With refresh set it
// first asks the collector to start a full refresh.
func Run(configPath string, refresh bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := rpc.NewClient(cfg.Collector.RPCSocket)
	if err != nil {
		return fmt.Errorf("connecting to collector: %w\nIs 'laninv collector' running?", err)
	}
	defer client.Close()

	if refresh {
		reply, err := client.Refresh()
		if err != nil {
			return fmt.Errorf("requesting refresh: %w", err)
		}
		if reply.Started {
			fmt.Println("✓ Refresh started")
		} else {
			fmt.Printf("⚠  Refresh not started: %s\n", reply.Reason)
		}
	}

	st, err := client.Status()
	if err != nil {
		return fmt.Errorf("fetching status: %w", err)
	}
	devices, err := client.ListDevices()
	if err != nil {
		return fmt.Errorf("fetching devices: %w", err)
	}

	displayStatus(os.Stdout, st)
	if len(st.Segments) > 0 {
		fmt.Printf("\n  Segments (%d)\n\n", len(st.Segments))
		displaySegments(os.Stdout, st.Segments)
	}
	if len(devices) == 0 {
		fmt.Println("\n  No devices in inventory yet.")
		return nil
	}
	fmt.Printf("\n  Devices (%d)\n\n", len(devices))
	displayDeviceTable(os.Stdout, devices)
	return nil
}

func displayStatus(w io.Writer, st *rpc.StatusReply) {
	m := st.Monitor
	fmt.Fprintf(w, "\n  Monitor: %s", m.State)
	if m.CycleID != "" {
		fmt.Fprintf(w, " (cycle %s)", m.CycleID)
	}
	fmt.Fprintln(w)
	if !m.Last.StartedAt.IsZero() {
		fmt.Fprintf(w, "  Last refresh: %s, %d alive, %d ingested, %d failed, took %s\n",
			m.Last.StartedAt.Format("2006-01-02 15:04:05"),
			m.Last.Alive, m.Last.Ingested, m.Last.Failed, m.Last.Elapsed.Round(time.Second))
	}

	in := st.Ingest
	fmt.Fprintf(w, "  Ingest: %d accepted, %d ingested, %d denied, %d rate-limited, %d timeouts\n",
		in.Accepted, in.Ingested, in.Denied, in.RateLimited, in.Timeouts)
	fmt.Fprintf(w, "  Rejected: %d oversize, %d malformed, %d auth, %d missing fields, %d persist\n",
		in.Oversize, in.Malformed, in.AuthFailures, in.MissingFields, in.PersistFailures)
}

func displaySegments(w io.Writer, segments []history.SegmentRecord) {
	fmt.Fprintf(w, "  %-16s %-8s %-8s %-8s %-20s\n", "Segment", "Last", "Max", "Scans", "Last Seen")
	fmt.Fprintf(w, "  %s %s %s %s %s\n",
		strings.Repeat("─", 16),
		strings.Repeat("─", 8),
		strings.Repeat("─", 8),
		strings.Repeat("─", 8),
		strings.Repeat("─", 20))
	for _, s := range segments {
		seen := "-"
		if !s.LastSeen.IsZero() {
			seen = s.LastSeen.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "  %-16s %-8d %-8d %-8d %-20s\n",
			fmt.Sprintf("10.%d.0.0/16", s.Segment), s.LastCount, s.MaxCount, s.Scans, seen)
	}
}

func displayDeviceTable(w io.Writer, devices []inventory.DeviceView) {
	fmt.Fprintf(w, "  %-4s %-22s %-16s %-18s %-16s %-8s %-6s %-10s\n",
		"#", "Serial", "IP Address", "MAC Address", "Hostname", "RAM", "Power", "Last Seen")
	fmt.Fprintf(w, "  %s %s %s %s %s %s %s %s\n",
		strings.Repeat("─", 4),
		strings.Repeat("─", 22),
		strings.Repeat("─", 16),
		strings.Repeat("─", 18),
		strings.Repeat("─", 16),
		strings.Repeat("─", 8),
		strings.Repeat("─", 6),
		strings.Repeat("─", 10))

	for i, d := range devices {
		power := "✗"
		if d.PowerOn {
			power = "✓"
		}
		seen := "-"
		if !d.LastSeen.IsZero() {
			seen = d.LastSeen.Local().Format("15:04:05")
		}
		ram := "-"
		if d.RAMGB > 0 {
			ram = fmt.Sprintf("%d GB", d.RAMGB)
		}

		fmt.Fprintf(w, "  %-4d %-22s %-16s %-18s %-16s %-8s %-6s %-10s\n",
			i+1,
			truncate(d.Serial, 22),
			d.IP,
			d.MAC,
			truncate(d.Hostname, 16),
			ram,
			power,
			seen,
		)
	}
}

func truncate(s string, maxLen int) string {
	if len([]rune(s)) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen-1]) + "…"
}
