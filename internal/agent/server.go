// Package agent serves the local spec map to the collector and pushes it
// on demand.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"laninv/internal/auth"
	"laninv/internal/specmap"
)

// CommandGetSpecs is the only request the pull port understands.
const CommandGetSpecs = "GET_SPECS"

const maxCommandSize = 64

// Source produces the spec map.
type Source interface {
	Collect(ctx context.Context) (*specmap.Map, error)
}

// Server answers GET_SPECS on a TCP listener.
type Server struct {
	source      Source
	secret      string
	readTimeout time.Duration
	log         zerolog.Logger
	wg          sync.WaitGroup
}

// NewServer returns a Server. With a non-empty secret every reply carries an
// auth token.
func NewServer(source Source, secret string, readTimeout time.Duration, log zerolog.Logger) *Server {
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	return &Server{
		source:      source,
		secret:      secret,
		readTimeout: readTimeout,
		log:         log.With().Str("component", "agent").Logger(),
	}
}

// Report collects the spec map and encodes it as one JSON object.
func (s *Server) Report(ctx context.Context) ([]byte, error) {
	m, err := s.source.Collect(ctx)
	if err != nil {
		// Partial maps are still sent.
		s.log.Warn().Err(err).Msg("Collection incomplete")
	}
	if m == nil {
		return nil, fmt.Errorf("collecting specs: %w", err)
	}
	if s.secret != "" {
		m.Set("auth_token", auth.Token(s.secret, time.Now()))
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding specs: %w", err)
	}
	return data, nil
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// in-flight replies.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("Agent listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return err
			}
			s.log.Error().Err(err).Msg("Accept error")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()

	cmd, err := readCommand(conn, s.readTimeout)
	if err != nil {
		s.log.Debug().Err(err).Str("src_ip", peer).Msg("Failed to read command")
		return
	}
	if cmd != CommandGetSpecs {
		s.log.Warn().Str("src_ip", peer).Str("command", cmd).Msg("Unknown command")
		return
	}

	data, err := s.Report(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("src_ip", peer).Msg("Failed to build report")
		return
	}
	conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	if _, err := conn.Write(data); err != nil {
		s.log.Debug().Err(err).Str("src_ip", peer).Msg("Failed to write report")
		return
	}
	s.log.Info().Str("src_ip", peer).Int("bytes", len(data)).Msg("Specs served")
}

// readCommand reads one command terminated by a newline or end of stream.
// A bare GET_SPECS is accepted as soon as it arrives.
func readCommand(conn net.Conn, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, maxCommandSize)
	chunk := make([]byte, maxCommandSize)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return "", err
		}
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			return string(bytes.TrimSpace(buf[:i])), nil
		}
		if string(bytes.TrimSpace(buf)) == CommandGetSpecs {
			return CommandGetSpecs, nil
		}
		if len(buf) > maxCommandSize {
			return "", errors.New("command too long")
		}
		if err != nil {
			if len(buf) > 0 {
				return string(bytes.TrimSpace(buf)), nil
			}
			return "", err
		}
	}
}
