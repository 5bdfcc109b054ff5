package ping

import (
	"context"
	"net/netip"
	"reflect"
	"testing"
	"time"
)

func TestArgs(t *testing.T) {
	ip := netip.MustParseAddr("10.100.0.1")
	tests := []struct {
		goos    string
		timeout time.Duration
		want    []string
	}{
		{"windows", time.Second, []string{"-n", "1", "-w", "1000", "10.100.0.1"}},
		{"darwin", 1500 * time.Millisecond, []string{"-c", "1", "-W", "1500", "10.100.0.1"}},
		{"linux", 1500 * time.Millisecond, []string{"-c", "1", "-W", "2", "10.100.0.1"}},
		{"linux", 0, []string{"-c", "1", "-W", "1", "10.100.0.1"}},
	}
	for _, tt := range tests {
		if got := Args(tt.goos, ip, tt.timeout); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s/%v: got %v, want %v", tt.goos, tt.timeout, got, tt.want)
		}
	}
}

func TestAlive_MissingBinary(t *testing.T) {
	p := Exec{Path: "/nonexistent/ping-binary"}
	if p.Alive(context.Background(), netip.MustParseAddr("127.0.0.1"), 100*time.Millisecond) {
		t.Error("missing binary should report not alive")
	}
}

func TestAlive_InvalidAddr(t *testing.T) {
	if (Exec{}).Alive(context.Background(), netip.Addr{}, time.Second) {
		t.Error("invalid address should report not alive")
	}
}
