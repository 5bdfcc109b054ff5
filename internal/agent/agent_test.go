package agent

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"laninv/internal/auth"
	"laninv/internal/specmap"
)

type fixedSource struct {
	fields [][2]string
	err    error
}

func (f fixedSource) Collect(context.Context) (*specmap.Map, error) {
	m := specmap.New()
	for _, kv := range f.fields {
		m.Set(kv[0], kv[1])
	}
	return m, f.err
}

var testFields = [][2]string{
	{"SerialNumber", "ABC123"},
	{"MAC Address", "aa:bb:cc:dd:ee:01"},
	{"Name", "PC1"},
}

func startServer(t *testing.T, src Source, secret string) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(src, secret, 2*time.Second, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func TestFetch_ReturnsSpecsWithToken(t *testing.T) {
	addr := startServer(t, fixedSource{fields: testFields}, "s3cret")

	data, err := Fetch(context.Background(), addr, DefaultFetchOptions)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !strings.HasSuffix(string(data), "}") {
		t.Errorf("reply should end with a closing brace: %q", data)
	}

	m, err := specmap.Parse(data)
	if err != nil {
		t.Fatalf("reply is not a JSON object: %v", err)
	}
	if m.Fields()[0].Key != "SerialNumber" || m.String("Name") != "PC1" {
		t.Errorf("unexpected fields: %+v", m.Fields())
	}
	if !auth.Verify(m.String("auth_token"), "s3cret", time.Now()) {
		t.Errorf("token %q does not verify", m.String("auth_token"))
	}
}

func TestFetch_SendsBareCommand(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			got <- ""
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		var cmd []byte
		for {
			n, err := conn.Read(buf)
			cmd = append(cmd, buf[:n]...)
			if err != nil {
				break
			}
		}
		got <- string(cmd)
		conn.Write([]byte(`{"SerialNumber":"S"}`))
	}()

	data, err := Fetch(context.Background(), ln.Addr().String(), DefaultFetchOptions)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if cmd := <-got; cmd != CommandGetSpecs {
		t.Errorf("command on the wire: got %q, want %q", cmd, CommandGetSpecs)
	}
	if string(data) != `{"SerialNumber":"S"}` {
		t.Errorf("reply: got %q", data)
	}
}

func TestServer_BareCommandWithoutNewline(t *testing.T) {
	addr := startServer(t, fixedSource{fields: testFields}, "")

	conn, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	if _, err := conn.Write([]byte(CommandGetSpecs)); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('}')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(line, "auth_token") {
		t.Error("no token expected without a secret")
	}
	if !strings.Contains(line, `"SerialNumber":"ABC123"`) {
		t.Errorf("reply: %s", line)
	}
}

func TestServer_UnknownCommandClosed(t *testing.T) {
	addr := startServer(t, fixedSource{fields: testFields}, "")

	conn, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	conn.Write([]byte("HELLO\n"))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Errorf("expected close without data, got %d bytes err=%v", n, err)
	}
}

func TestReport_PartialCollection(t *testing.T) {
	srv := NewServer(fixedSource{fields: testFields, err: errors.New("storage failed")}, "", time.Second, zerolog.Nop())
	data, err := srv.Report(context.Background())
	if err != nil {
		t.Fatalf("partial collection should still produce a report: %v", err)
	}
	if !strings.Contains(string(data), "ABC123") {
		t.Errorf("report: %s", data)
	}
}

func TestPushWithRetry(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		got <- line
	}()

	srv := NewServer(fixedSource{fields: testFields}, "s3cret", time.Second, zerolog.Nop())
	if err := srv.PushWithRetry(context.Background(), ln.Addr().String(), 3, time.Second); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	select {
	case line := <-got:
		if !strings.HasSuffix(line, "}\n") {
			t.Errorf("push should be newline terminated: %q", line)
		}
		m, err := specmap.Parse([]byte(strings.TrimSpace(line)))
		if err != nil {
			t.Fatalf("pushed data is not JSON: %v", err)
		}
		if !auth.Verify(m.String("auth_token"), "s3cret", time.Now()) {
			t.Error("pushed token does not verify")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("collector never received the push")
	}
}

func TestPushWithRetry_GivesUp(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := NewServer(fixedSource{fields: testFields}, "", time.Second, zerolog.Nop())
	if err := srv.PushWithRetry(context.Background(), addr, 1, 200*time.Millisecond); err == nil {
		t.Error("expected error when the collector is down")
	}
}

func TestCalcBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{10, 2 * time.Minute},
	}
	for _, tt := range tests {
		if got := calcBackoff(tt.attempt); got != tt.want {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
