package csvstore

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"laninv/internal/arp"
)

func ep(ip, mac string) Endpoint {
	return Endpoint{IP: netip.MustParseAddr(ip), MAC: mac}
}

func TestMerge_KeepsKnownMACAndSorts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.csv")

	if _, err := Merge(path, []Endpoint{ep("10.100.0.20", "aa:bb:cc:dd:ee:20"), ep("10.100.0.3", "")}); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	merged, err := Merge(path, []Endpoint{ep("10.100.0.20", ""), ep("10.100.0.3", "AA-BB-CC-DD-EE-03"), ep("10.99.0.1", "")})
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}

	want := []Endpoint{
		ep("10.99.0.1", ""),
		ep("10.100.0.3", "aa:bb:cc:dd:ee:03"),
		ep("10.100.0.20", "aa:bb:cc:dd:ee:20"),
	}
	if len(merged) != len(want) {
		t.Fatalf("merged: got %+v", merged)
	}
	for i := range want {
		if merged[i] != want[i] {
			t.Errorf("row %d: got %+v, want %+v", i, merged[i], want[i])
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	wantFile := "ip,mac\n10.99.0.1,\n10.100.0.3,aa:bb:cc:dd:ee:03\n10.100.0.20,aa:bb:cc:dd:ee:20\n"
	if string(data) != wantFile {
		t.Errorf("file contents:\n%s", data)
	}
}

func TestMerge_StableOnRepeat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.csv")
	found := []Endpoint{ep("10.100.0.1", "aa:bb:cc:dd:ee:01"), ep("10.100.0.2", "")}

	if _, err := Merge(path, found); err != nil {
		t.Fatalf("merge: %v", err)
	}
	first, _ := os.ReadFile(path)

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := Merge(path, loaded); err != nil {
		t.Fatalf("remerge: %v", err)
	}
	if _, err := Merge(path, found); err != nil {
		t.Fatalf("rescan merge: %v", err)
	}
	second, _ := os.ReadFile(path)
	if string(first) != string(second) {
		t.Errorf("file changed:\n%s\nvs\n%s", first, second)
	}
}

func TestLoad_Missing(t *testing.T) {
	eps, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
	if err != nil || eps != nil {
		t.Errorf("missing file: eps=%v err=%v", eps, err)
	}
}

type pingRecorder struct{ pinged []netip.Addr }

func (p *pingRecorder) Alive(_ context.Context, ip netip.Addr, _ time.Duration) bool {
	p.pinged = append(p.pinged, ip)
	return true
}

type staticTable []arp.Entry

func (s staticTable) Table(context.Context) ([]arp.Entry, error) { return s, nil }

func TestRepopulate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.csv")
	if _, err := Merge(path, []Endpoint{ep("10.100.0.1", "aa:bb:cc:dd:ee:01"), ep("10.100.0.2", ""), ep("10.100.0.3", "")}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	p := &pingRecorder{}
	table := staticTable{{IP: netip.MustParseAddr("10.100.0.2"), MAC: "aa:bb:cc:dd:ee:02"}}
	n, err := Repopulate(context.Background(), path, p, table, time.Second)
	if err != nil {
		t.Fatalf("repopulate: %v", err)
	}
	if n != 1 {
		t.Errorf("filled: got %d, want 1", n)
	}
	if len(p.pinged) != 2 {
		t.Errorf("only hosts without MAC should be pinged: %v", p.pinged)
	}

	eps, _ := Load(path)
	if eps[1].MAC != "aa:bb:cc:dd:ee:02" || eps[2].MAC != "" {
		t.Errorf("after repopulate: %+v", eps)
	}
}
