package agent

import (
	"context"
	"fmt"
	"math"
	"net"
	"time"
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 2 * time.Minute
)

// Push opens a connection to the collector and writes payload followed by
// a newline.
func Push(ctx context.Context, addr string, payload []byte, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return fmt.Errorf("dial collector: %w", err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// PushWithRetry pushes a freshly built report, retrying with exponential
// backoff up to attempts times. The report is rebuilt each attempt so the
// token stays in its window.
func (s *Server) PushWithRetry(ctx context.Context, addr string, attempts int, timeout time.Duration) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var data []byte
		data, err = s.Report(ctx)
		if err == nil {
			err = Push(ctx, addr, data, timeout)
		}
		if err == nil {
			s.log.Info().Str("collector", addr).Int("attempt", attempt).Int("bytes", len(data)).Msg("Report pushed")
			return nil
		}
		if attempt == attempts {
			break
		}

		backoff := calcBackoff(attempt)
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", backoff).Msg("Push failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("push to %s failed after %d attempts: %w", addr, attempts, err)
}

func calcBackoff(attempt int) time.Duration {
	d := baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
