package ingest

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"laninv/internal/auth"
)

var loopback = []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}

func startIngestServer(t *testing.T, opts ServerOptions, saver Saver) (string, *Stats) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	stats := &Stats{}
	in := NewIngestor(saver, testSecret, Limits{MaxFieldLength: 1024, MaxDiagSize: 100 << 10}, stats, zerolog.Nop())
	srv := NewServer(opts, in, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String(), stats
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_NewlineFramedPush(t *testing.T) {
	saver := &memSaver{}
	addr, stats := startIngestServer(t, ServerOptions{AllowList: loopback}, saver)

	conn := dial(t, addr)
	// The connection stays open: the newline-terminated object completes the frame.
	if _, err := conn.Write(append(validReport(auth.Token(testSecret, time.Now())), '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "ingest", func() bool { return saver.count() == 1 })
	if stats.Snapshot().Accepted != 1 {
		t.Errorf("stats: %+v", stats.Snapshot())
	}
}

func TestServer_LegacyFramingAtEOF(t *testing.T) {
	saver := &memSaver{}
	addr, _ := startIngestServer(t, ServerOptions{AllowList: loopback}, saver)

	conn := dial(t, addr)
	report := validReport(auth.Token(testSecret, time.Now()))
	// Split the object across writes; it is only complete with the last one.
	conn.Write(report[:10])
	time.Sleep(20 * time.Millisecond)
	conn.Write(report[10:])
	conn.(*net.TCPConn).CloseWrite()

	waitFor(t, "ingest", func() bool { return saver.count() == 1 })
}

func TestServer_WrongTokenCounted(t *testing.T) {
	saver := &memSaver{}
	addr, stats := startIngestServer(t, ServerOptions{AllowList: loopback}, saver)

	conn := dial(t, addr)
	conn.Write(validReport("deadbeef"))
	conn.(*net.TCPConn).CloseWrite()

	waitFor(t, "auth failure", func() bool { return stats.Snapshot().AuthFailures == 1 })
	if saver.count() != 0 {
		t.Error("nothing should be saved")
	}
}

func TestServer_AllowList(t *testing.T) {
	saver := &memSaver{}
	addr, stats := startIngestServer(t, ServerOptions{
		AllowList: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	}, saver)

	conn := dial(t, addr)
	conn.Write(validReport(auth.Token(testSecret, time.Now())))

	waitFor(t, "denial", func() bool { return stats.Snapshot().Denied == 1 })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if n, _ := conn.Read(make([]byte, 1)); n != 0 {
		t.Error("denied connection should be closed without data")
	}
	if saver.count() != 0 {
		t.Error("nothing should be saved from a denied peer")
	}
}

func TestServer_RateLimit(t *testing.T) {
	saver := &memSaver{}
	addr, stats := startIngestServer(t, ServerOptions{
		AllowList:         loopback,
		MaxConnsPerIP:     3,
		ConnectionTimeout: 5 * time.Second,
	}, saver)

	var held []net.Conn
	for i := 0; i < 3; i++ {
		held = append(held, dial(t, addr))
	}
	waitFor(t, "three accepted", func() bool { return stats.Snapshot().Accepted == 3 })

	fourth := dial(t, addr)
	waitFor(t, "rate limit", func() bool { return stats.Snapshot().RateLimited == 1 })
	fourth.SetReadDeadline(time.Now().Add(2 * time.Second))
	if n, err := fourth.Read(make([]byte, 1)); n != 0 || err == nil {
		t.Errorf("fourth connection should be closed, got n=%d err=%v", n, err)
	}

	token := auth.Token(testSecret, time.Now())
	for _, c := range held {
		c.Write(validReport(token))
		c.(*net.TCPConn).CloseWrite()
	}
	waitFor(t, "three ingests", func() bool { return saver.count() == 3 })
}

func TestServer_OversizeClosedWithoutInsert(t *testing.T) {
	saver := &memSaver{}
	const limit = 10 << 20
	addr, stats := startIngestServer(t, ServerOptions{AllowList: loopback, MaxBufferSize: limit}, saver)

	conn := dial(t, addr)
	payload := append([]byte(`{"SerialNumber":"`), bytes.Repeat([]byte("a"), limit)...)
	payload = payload[:limit+1]
	// The server may close mid-write; the error is expected.
	conn.Write(payload)

	waitFor(t, "oversize", func() bool { return stats.Snapshot().Oversize == 1 })
	if saver.count() != 0 {
		t.Error("oversized report must not be saved")
	}
}

func TestServer_IdleTimeout(t *testing.T) {
	saver := &memSaver{}
	addr, stats := startIngestServer(t, ServerOptions{AllowList: loopback, ConnectionTimeout: 100 * time.Millisecond}, saver)

	conn := dial(t, addr)
	conn.Write([]byte(`{"SerialNumber":`))

	waitFor(t, "timeout", func() bool { return stats.Snapshot().Timeouts == 1 })
	if saver.count() != 0 {
		t.Error("incomplete report must not be saved")
	}
}
