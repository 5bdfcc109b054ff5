// Package csvstore keeps the discovered-hosts hand-off file: two columns,
// ip and mac, sorted by address.
package csvstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"laninv/internal/arp"
	"laninv/internal/hwaddr"
	"laninv/internal/ping"
)

// Endpoint is one discovered host. MAC may be empty.
type Endpoint struct {
	IP  netip.Addr
	MAC string
}

// Load reads the file at path. A missing file is an empty list.
func Load(path string) ([]Endpoint, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return read(f)
}

func read(r io.Reader) ([]Endpoint, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var out []Endpoint
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading line %d: %w", line, err)
		}
		if len(rec) == 0 || (line == 1 && strings.EqualFold(rec[0], "ip")) {
			continue
		}
		ip, err := netip.ParseAddr(strings.TrimSpace(rec[0]))
		if err != nil || !ip.Is4() {
			continue
		}
		ep := Endpoint{IP: ip}
		if len(rec) > 1 {
			ep.MAC = hwaddr.Normalize(rec[1])
		}
		out = append(out, ep)
	}
	return out, nil
}

// Merge overlays found onto the file at path and rewrites it. A known MAC
// is never replaced by an empty one. The merged list is returned.
func Merge(path string, found []Endpoint) ([]Endpoint, error) {
	prior, err := Load(path)
	if err != nil {
		return nil, err
	}

	byIP := make(map[netip.Addr]string, len(prior)+len(found))
	for _, ep := range prior {
		byIP[ep.IP] = ep.MAC
	}
	for _, ep := range found {
		mac := hwaddr.Normalize(ep.MAC)
		if mac == "" {
			if _, ok := byIP[ep.IP]; ok {
				continue
			}
		}
		byIP[ep.IP] = mac
	}

	merged := make([]Endpoint, 0, len(byIP))
	for ip, mac := range byIP {
		merged = append(merged, Endpoint{IP: ip, MAC: mac})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].IP.Less(merged[j].IP) })

	if err := write(path, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// write replaces path atomically through a temp file in the same directory.
func write(path string, eps []Endpoint) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".hosts-*.csv")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write([]string{"ip", "mac"}); err != nil {
		tmp.Close()
		return err
	}
	for _, ep := range eps {
		if err := w.Write([]string{ep.IP.String(), ep.MAC}); err != nil {
			tmp.Close()
			return fmt.Errorf("writing %s: %w", ep.IP, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// Neighbours reads the ARP table.
type Neighbours interface {
	Table(ctx context.Context) ([]arp.Entry, error)
}

// Repopulate pings every endpoint without a MAC so the kernel caches its
// neighbour entry, rereads the ARP table and merges what it learns into
// path. It returns the number of MACs filled in.
func Repopulate(ctx context.Context, path string, p ping.Pinger, n Neighbours, timeout time.Duration) (int, error) {
	eps, err := Load(path)
	if err != nil {
		return 0, err
	}

	var missing []Endpoint
	for _, ep := range eps {
		if ep.MAC == "" {
			missing = append(missing, ep)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	for _, ep := range missing {
		if ctx.Err() != nil {
			break
		}
		p.Alive(ctx, ep.IP, timeout)
	}

	table, err := n.Table(ctx)
	if err != nil {
		return 0, fmt.Errorf("rereading neighbour table: %w", err)
	}
	macs := arp.Map(table)

	var filled []Endpoint
	for _, ep := range missing {
		if mac, ok := macs[ep.IP]; ok {
			filled = append(filled, Endpoint{IP: ep.IP, MAC: mac})
		}
	}
	if len(filled) == 0 {
		return 0, nil
	}
	if _, err := Merge(path, filled); err != nil {
		return 0, err
	}
	return len(filled), nil
}
