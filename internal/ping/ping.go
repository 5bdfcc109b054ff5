// Package ping checks host liveness with the platform ping binary.
package ping

import (
	"context"
	"net/netip"
	"os/exec"
	"runtime"
	"strconv"
	"time"
)

// grace is added to the per-host timeout before the child is killed.
const grace = 500 * time.Millisecond

// Pinger reports whether a host answers a single echo request.
type Pinger interface {
	Alive(ctx context.Context, ip netip.Addr, timeout time.Duration) bool
}

// Exec runs the system ping for each probe.
type Exec struct {
	// Path overrides the ping binary; empty means "ping" from PATH.
	Path string
}

// Alive sends one echo to ip. No reply, a missing binary or a deadline all
// report false.
func (e Exec) Alive(ctx context.Context, ip netip.Addr, timeout time.Duration) bool {
	if !ip.IsValid() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+grace)
	defer cancel()

	bin := e.Path
	if bin == "" {
		bin = "ping"
	}
	cmd := exec.CommandContext(ctx, bin, Args(runtime.GOOS, ip, timeout)...)
	// nil Stdout/Stderr discard the child's output.
	hideWindow(cmd)
	return cmd.Run() == nil
}

// Args returns the single-echo arguments for goos.
func Args(goos string, ip netip.Addr, timeout time.Duration) []string {
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	switch goos {
	case "windows":
		return []string{"-n", "1", "-w", strconv.FormatInt(ms, 10), ip.String()}
	case "darwin", "freebsd", "openbsd", "netbsd":
		// BSD ping takes -W in milliseconds.
		return []string{"-c", "1", "-W", strconv.FormatInt(ms, 10), ip.String()}
	default:
		secs := (ms + 999) / 1000
		return []string{"-c", "1", "-W", strconv.FormatInt(secs, 10), ip.String()}
	}
}
