// Package arp reads the operating system neighbour table.
package arp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"sort"
	"strings"
	"time"

	"laninv/internal/hwaddr"
)

// Entry is one IPv4 neighbour with a usable hardware address.
type Entry struct {
	IP  netip.Addr
	MAC string
}

// RunFunc executes a command and returns its standard output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Reader queries the neighbour table through ip neigh, falling back to arp -a.
type Reader struct {
	Run     RunFunc
	Timeout time.Duration
}

// NewReader returns a Reader backed by os/exec.
func NewReader() *Reader {
	return &Reader{Run: execRun, Timeout: 5 * time.Second}
}

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Table returns the current neighbours sorted by IP. An error is returned
// only when neither tool produced output.
func (r *Reader) Table(ctx context.Context) ([]Entry, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, neighErr := r.Run(ctx, "ip", "neigh")
	if neighErr == nil {
		if entries := ParseIPNeigh(out); len(entries) > 0 {
			return entries, nil
		}
	}

	out, arpErr := r.Run(ctx, "arp", "-a")
	if arpErr != nil {
		if neighErr != nil {
			return nil, fmt.Errorf("reading neighbour table: %w", errors.Join(neighErr, arpErr))
		}
		return nil, nil
	}
	return ParseArp(out), nil
}

// ParseIPNeigh parses `ip neigh` output:
//
//	10.100.0.1 dev eth0 lladdr aa:bb:cc:dd:ee:01 REACHABLE
func ParseIPNeigh(out []byte) []Entry {
	seen := map[netip.Addr]string{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		ip, err := netip.ParseAddr(fields[0])
		if err != nil || !ip.Is4() {
			continue
		}
		for i := 1; i+1 < len(fields); i++ {
			if fields[i] == "lladdr" {
				if mac := hwaddr.Normalize(fields[i+1]); mac != "" {
					seen[ip] = mac
				}
				break
			}
		}
	}
	return sorted(seen)
}

// ParseArp parses `arp -a` output in its Linux, BSD and Windows forms:
//
//	? (10.100.0.1) at aa:bb:cc:dd:ee:01 [ether] on eth0
//	? (10.100.0.1) at 0:1b:2c:3:4:5 on en0 ifscope [ethernet]
//	  10.100.0.1            aa-bb-cc-dd-ee-01     dynamic
func ParseArp(out []byte) []Entry {
	seen := map[netip.Addr]string{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		var (
			ip  netip.Addr
			mac string
		)
		for _, f := range strings.Fields(sc.Text()) {
			f = strings.Trim(f, "()")
			if !ip.IsValid() {
				if a, err := netip.ParseAddr(f); err == nil && a.Is4() {
					ip = a
					continue
				}
			}
			if mac == "" {
				mac = hwaddr.Normalize(f)
			}
		}
		if ip.IsValid() && mac != "" {
			seen[ip] = mac
		}
	}
	return sorted(seen)
}

func sorted(m map[netip.Addr]string) []Entry {
	entries := make([]Entry, 0, len(m))
	for ip, mac := range m {
		entries = append(entries, Entry{IP: ip, MAC: mac})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].IP.Less(entries[j].IP) })
	return entries
}

// Map indexes entries by IP.
func Map(entries []Entry) map[netip.Addr]string {
	m := make(map[netip.Addr]string, len(entries))
	for _, e := range entries {
		m[e.IP] = e.MAC
	}
	return m
}
