package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// FetchOptions bound a pull.
type FetchOptions struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TotalTimeout   time.Duration
	MaxSize        int
}

// DefaultFetchOptions are the collector's pull limits.
var DefaultFetchOptions = FetchOptions{
	ConnectTimeout: 10 * time.Second,
	ReadTimeout:    15 * time.Second,
	TotalTimeout:   30 * time.Second,
	MaxSize:        10 << 20,
}

// Fetch sends the bare GET_SPECS command, with no terminator, to addr and
// returns the raw reply, read until the agent closes the connection.
func Fetch(ctx context.Context, addr string, opts FetchOptions) ([]byte, error) {
	if opts.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.TotalTimeout)
		defer cancel()
	}

	d := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	conn.SetWriteDeadline(time.Now().Add(opts.ReadTimeout))
	if _, err := io.WriteString(conn, CommandGetSpecs); err != nil {
		return nil, fmt.Errorf("sending command to %s: %w", addr, err)
	}

	var (
		buf   []byte
		chunk = make([]byte, 32<<10)
	)
	for {
		if opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		}
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if opts.MaxSize > 0 && len(buf) > opts.MaxSize {
			return nil, fmt.Errorf("reply from %s exceeds %d bytes", addr, opts.MaxSize)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("reading from %s: %w", addr, ctx.Err())
			}
			return nil, fmt.Errorf("reading from %s: %w", addr, err)
		}
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty reply from %s", addr)
	}
	return buf, nil
}
