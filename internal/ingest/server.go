package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServerOptions configure the push listener.
type ServerOptions struct {
	AllowList         []netip.Prefix
	MaxConnsPerIP     int
	MaxBufferSize     int
	ConnectionTimeout time.Duration
}

// Server accepts push-mode reports. Each connection carries one report.
type Server struct {
	opts     ServerOptions
	ingestor *Ingestor
	stats    *Stats
	log      zerolog.Logger

	mu    sync.Mutex
	perIP map[netip.Addr]int
	wg    sync.WaitGroup
}

// NewServer returns a Server feeding ingestor.
func NewServer(opts ServerOptions, ingestor *Ingestor, log zerolog.Logger) *Server {
	if opts.MaxConnsPerIP <= 0 {
		opts.MaxConnsPerIP = 3
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = 10 << 20
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = 30 * time.Second
	}
	return &Server{
		opts:     opts,
		ingestor: ingestor,
		stats:    ingestor.Stats(),
		perIP:    make(map[netip.Addr]int),
		log:      log.With().Str("component", "ingest-server").Logger(),
	}
}

// ListenAndServe binds addr and serves until ctx is cancelled. A bind
// failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on ln. Handler failures never stop it.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("max_conns_per_ip", s.opts.MaxConnsPerIP).
		Int("max_buffer", s.opts.MaxBufferSize).
		Msg("Ingestion server listening")

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

		ip := peerAddr(conn)
		if !s.allowed(ip) {
			s.stats.Denied.Add(1)
			s.log.Warn().Str("src_ip", ip.String()).Str("reason", "not in allow-list").Msg("Connection rejected")
			conn.Close()
			continue
		}
		if !s.acquire(ip) {
			s.stats.RateLimited.Add(1)
			s.log.Warn().Str("src_ip", ip.String()).Str("reason", "too many connections").Msg("Connection rejected")
			conn.Close()
			continue
		}
		s.stats.Accepted.Add(1)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(ip)
			s.handle(ctx, conn, ip)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn, ip netip.Addr) {
	defer conn.Close()
	log := s.log.With().Str("src_ip", ip.String()).Logger()

	data, err := readFrame(conn, s.opts.MaxBufferSize, s.opts.ConnectionTimeout)
	if err != nil {
		switch {
		case errors.Is(err, errTimeout):
			s.stats.Timeouts.Add(1)
		default:
			s.stats.count(err)
		}
		log.Warn().Err(err).Msg("Dropping connection")
		return
	}

	if err := s.ingestor.Ingest(ctx, data, ip.String()); err != nil {
		log.Warn().Err(err).Msg("Report rejected")
	}
}

func (s *Server) allowed(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	for _, p := range s.opts.AllowList {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) acquire(ip netip.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perIP[ip] >= s.opts.MaxConnsPerIP {
		return false
	}
	s.perIP[ip]++
	return true
}

func (s *Server) release(ip netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perIP[ip] <= 1 {
		delete(s.perIP, ip)
		return
	}
	s.perIP[ip]--
}

func peerAddr(conn net.Conn) netip.Addr {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
