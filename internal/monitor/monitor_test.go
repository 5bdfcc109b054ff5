package monitor

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"laninv/internal/agent"
	"laninv/internal/arp"
	"laninv/internal/ingest"
	"laninv/internal/inventory"
	"laninv/internal/report"
	"laninv/internal/specmap"
)

const testSecret = "monitor-secret"

type staticScanner struct {
	addrs   []netip.Addr
	release chan struct{}
}

func (s staticScanner) Scan(ctx context.Context) []netip.Addr {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
		}
	}
	return s.addrs
}

type staticNeighbours []arp.Entry

func (n staticNeighbours) Table(context.Context) ([]arp.Entry, error) { return n, nil }

type fakePinger struct {
	mu     sync.Mutex
	alive  map[netip.Addr]bool
	calls  int
	onPing func()
}

func (p *fakePinger) Alive(_ context.Context, ip netip.Addr, _ time.Duration) bool {
	p.mu.Lock()
	p.calls++
	hook := p.onPing
	ok := p.alive[ip]
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ok
}

type specSource struct{ fields [][2]string }

func (s specSource) Collect(context.Context) (*specmap.Map, error) {
	m := specmap.New()
	for _, kv := range s.fields {
		m.Set(kv[0], kv[1])
	}
	return m, nil
}

func startAgent(t *testing.T, fields [][2]string) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := agent.NewServer(specSource{fields: fields}, testSecret, time.Second, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().(*net.TCPAddr).Port
}

func openStore(t *testing.T) *inventory.Store {
	t.Helper()
	s, err := inventory.Open(filepath.Join(t.TempDir(), "inventory.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var quickFetch = agent.FetchOptions{
	ConnectTimeout: time.Second,
	ReadTimeout:    2 * time.Second,
	TotalTimeout:   3 * time.Second,
	MaxSize:        1 << 20,
}

func TestRefresh_QueriesAgentAndStoresDevice(t *testing.T) {
	port := startAgent(t, [][2]string{
		{"SerialNumber", "ABC123"},
		{"MAC Address", "AA-BB-CC-DD-EE-01"},
		{"IP Address", "127.0.0.1"},
		{"Name", "PC1"},
		{"License Active", "true"},
		{"Total Memory", "16 GB"},
	})
	store := openStore(t)
	in := ingest.NewIngestor(store, testSecret, ingest.Limits{}, nil, zerolog.Nop())
	local := netip.MustParseAddr("127.0.0.1")
	csvPath := filepath.Join(t.TempDir(), "hosts.csv")

	m := New(Options{AgentPort: port, Fetch: quickFetch, CSVPath: csvPath},
		staticScanner{addrs: []netip.Addr{local}},
		staticNeighbours{{IP: local, MAC: "aa:bb:cc:dd:ee:01"}},
		&fakePinger{}, store, in, zerolog.Nop())

	sum, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if sum.Alive != 1 || sum.Discovered != 1 || sum.Ingested != 1 || sum.Failed != 0 {
		t.Errorf("summary: %+v", sum)
	}
	if sum.CycleID == "" {
		t.Error("cycle id not set")
	}

	d, err := store.Device(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if d.MAC != "aa:bb:cc:dd:ee:01" || d.IP != "127.0.0.1" || d.RAMGB != 16 || !d.LicenseActive {
		t.Errorf("device: %+v", d.Device)
	}

	all, err := store.Devices(context.Background())
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("temporary row should have been rekeyed, got %d devices", len(all))
	}

	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if !strings.Contains(string(data), "127.0.0.1,aa:bb:cc:dd:ee:01") {
		t.Errorf("csv: %q", data)
	}

	if st := m.Status(); st.State != "idle" || st.Last.CycleID != sum.CycleID {
		t.Errorf("status: %+v", st)
	}
}

func TestRefresh_UnreachableAgentLeavesTemporaryDevice(t *testing.T) {
	// Grab a free port and close it so nothing answers there.
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	store := openStore(t)
	in := ingest.NewIngestor(store, testSecret, ingest.Limits{}, nil, zerolog.Nop())
	local := netip.MustParseAddr("127.0.0.1")

	m := New(Options{AgentPort: port, Fetch: quickFetch},
		staticScanner{addrs: []netip.Addr{local}}, nil, &fakePinger{}, store, in, zerolog.Nop())

	sum, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if sum.Queried != 1 || sum.Failed != 1 {
		t.Errorf("summary: %+v", sum)
	}

	all, err := store.Devices(context.Background())
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	if len(all) != 1 || !report.IsTemp(all[0].Serial) || all[0].IP != "127.0.0.1" {
		t.Errorf("devices: %+v", all)
	}
}

func TestRefresh_Exclusive(t *testing.T) {
	store := openStore(t)
	in := ingest.NewIngestor(store, testSecret, ingest.Limits{}, nil, zerolog.Nop())
	release := make(chan struct{})
	m := New(Options{}, staticScanner{release: release}, nil, &fakePinger{}, store, in, zerolog.Nop())

	if err := m.Trigger(context.Background()); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitState(t, m, "scanning")

	if _, err := m.Refresh(context.Background()); err != ErrBusy {
		t.Errorf("second refresh: got %v, want ErrBusy", err)
	}
	if err := m.Trigger(context.Background()); err != ErrBusy {
		t.Errorf("second trigger: got %v, want ErrBusy", err)
	}

	close(release)
	waitState(t, m, "idle")
	// The lock is released just after the state drops to idle.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := m.Refresh(context.Background())
		if err == nil {
			break
		}
		if err != ErrBusy || time.Now().After(deadline) {
			t.Fatalf("refresh after idle: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, m *Monitor, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state: got %s, want %s", m.Status().State, want)
}

func TestPingDevices_RecordsPowerState(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	for _, d := range []struct{ ip, mac string }{
		{"10.100.0.1", "aa:bb:cc:dd:ee:01"},
		{"10.100.0.2", "aa:bb:cc:dd:ee:02"},
	} {
		if _, err := store.EnsureDiscovered(ctx, d.ip, d.mac); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}

	p := &fakePinger{alive: map[netip.Addr]bool{netip.MustParseAddr("10.100.0.1"): true}}
	m := New(Options{PingBatch: 1}, staticScanner{}, nil, p, store, nil, zerolog.Nop())

	up, down, err := m.PingDevices(ctx)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if up != 1 || down != 1 {
		t.Errorf("up=%d down=%d", up, down)
	}

	on, err := store.Device(ctx, report.TempSerialForMAC("aa:bb:cc:dd:ee:01"))
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	off, err := store.Device(ctx, report.TempSerialForMAC("aa:bb:cc:dd:ee:02"))
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if !on.PowerOn || !on.Active || off.PowerOn || off.Active {
		t.Errorf("power: on=%+v off=%+v", on, off)
	}
}

func TestPingDevices_StopsBetweenBatches(t *testing.T) {
	store := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 1; i <= 6; i++ {
		ip := netip.AddrFrom4([4]byte{10, 100, 0, byte(i)}).String()
		if _, err := store.EnsureDiscovered(context.Background(), ip, ""); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}

	p := &fakePinger{onPing: cancel}
	m := New(Options{PingBatch: 2}, staticScanner{}, nil, p, store, nil, zerolog.Nop())

	if _, _, err := m.PingDevices(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if p.calls != 2 {
		t.Errorf("only the running batch should finish, got %d pings", p.calls)
	}

	all, err := store.Devices(context.Background())
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	recorded := 0
	for _, d := range all {
		if !d.LastSeen.IsZero() {
			recorded++
		}
	}
	if recorded != 2 {
		t.Errorf("recorded observations: got %d, want 2", recorded)
	}
}
