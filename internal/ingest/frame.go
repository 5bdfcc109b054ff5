package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

var errTimeout = errors.New("connection idle timeout")

// readFrame reads one JSON object from conn. The frame ends as soon as the
// bytes read form a complete object, which covers both a bare object closed
// by the peer and an object followed by a newline. Each read must arrive
// within idle.
func readFrame(conn net.Conn, maxSize int, idle time.Duration) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 64<<10)
	for {
		if idle > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
				return nil, err
			}
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > maxSize {
				return nil, fmt.Errorf("%w: more than %d bytes", ErrOversize, maxSize)
			}
			if complete(buf) {
				return bytes.TrimSpace(buf), nil
			}
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(buf)) == 0 {
				return nil, fmt.Errorf("%w: empty request", ErrMalformed)
			}
			return nil, fmt.Errorf("%w: incomplete JSON object", ErrMalformed)
		case errors.Is(err, os.ErrDeadlineExceeded):
			return nil, errTimeout
		default:
			return nil, err
		}
	}
}

// complete reports whether buf holds exactly one JSON object, allowing
// surrounding whitespace.
func complete(buf []byte) bool {
	b := bytes.TrimSpace(buf)
	if len(b) < 2 || b[0] != '{' || b[len(b)-1] != '}' {
		return false
	}
	return json.Valid(b)
}
