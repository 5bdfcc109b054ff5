package arp

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

const ipNeighOutput = `10.100.0.1 dev eth0 lladdr aa:bb:cc:dd:ee:01 REACHABLE
10.100.0.2 dev eth0  FAILED
10.100.0.3 dev eth0 lladdr 00:00:00:00:00:00 STALE
fe80::1 dev eth0 lladdr aa:bb:cc:dd:ee:99 router REACHABLE
10.100.0.1 dev eth1 lladdr AA:BB:CC:DD:EE:02 STALE
`

func TestParseIPNeigh(t *testing.T) {
	entries := ParseIPNeigh([]byte(ipNeighOutput))
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %+v", entries)
	}
	if entries[0].IP != netip.MustParseAddr("10.100.0.1") || entries[0].MAC != "aa:bb:cc:dd:ee:02" {
		t.Errorf("last observation should win: %+v", entries[0])
	}
}

func TestParseArp(t *testing.T) {
	out := `? (10.100.0.5) at aa:bb:cc:dd:ee:05 [ether] on eth0
? (10.100.0.6) at <incomplete> on eth0
? (10.100.0.7) at 0:1b:2c:3:4:5 on en0 ifscope [ethernet]

Interface: 10.100.0.20 --- 0x4
  Internet Address      Physical Address      Type
  10.100.0.8            aa-bb-cc-dd-ee-08     dynamic
  10.100.0.255          ff-ff-ff-ff-ff-ff     static
`
	entries := ParseArp([]byte(out))
	want := map[string]string{
		"10.100.0.5":   "aa:bb:cc:dd:ee:05",
		"10.100.0.7":   "00:1b:2c:03:04:05",
		"10.100.0.8":   "aa:bb:cc:dd:ee:08",
		"10.100.0.255": "ff:ff:ff:ff:ff:ff",
	}
	got := Map(entries)
	if len(got) != len(want) {
		t.Fatalf("entries: got %+v", entries)
	}
	for ip, mac := range want {
		if got[netip.MustParseAddr(ip)] != mac {
			t.Errorf("%s: got %q, want %q", ip, got[netip.MustParseAddr(ip)], mac)
		}
	}
	for i := 1; i < len(entries); i++ {
		if !entries[i-1].IP.Less(entries[i].IP) {
			t.Errorf("entries not sorted at %d", i)
		}
	}
}

func TestTable_FallsBackToArp(t *testing.T) {
	var calls []string
	r := &Reader{Run: func(_ context.Context, name string, _ ...string) ([]byte, error) {
		calls = append(calls, name)
		if name == "ip" {
			return nil, errors.New("exec: \"ip\": executable file not found")
		}
		return []byte("? (10.100.0.5) at aa:bb:cc:dd:ee:05 [ether] on eth0\n"), nil
	}}

	entries, err := r.Table(context.Background())
	if err != nil {
		t.Fatalf("table failed: %v", err)
	}
	if len(entries) != 1 || len(calls) != 2 {
		t.Errorf("entries=%+v calls=%v", entries, calls)
	}
}

func TestTable_BothFail(t *testing.T) {
	r := &Reader{Run: func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("not found")
	}}
	if _, err := r.Table(context.Background()); err == nil {
		t.Error("expected error when no tool is available")
	}
}
