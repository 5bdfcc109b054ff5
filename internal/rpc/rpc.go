// Package rpc provides Unix socket IPC between the collector and the status CLI.
package rpc

import (
	"context"
	"fmt"
	"net"
	netrpc "net/rpc"
	"os"
	"time"

	"github.com/rs/zerolog"

	"laninv/internal/history"
	"laninv/internal/ingest"
	"laninv/internal/inventory"
	"laninv/internal/monitor"
)

// Devices lists stored devices.
type Devices interface {
	Devices(ctx context.Context) ([]inventory.DeviceView, error)
}

// Monitor reports and triggers refresh cycles.
type Monitor interface {
	Status() monitor.Status
	Trigger(ctx context.Context) error
}

// Segments lists scan history records.
type Segments interface {
	All() ([]history.SegmentRecord, error)
}

// Service is the RPC service exposed by the collector.
type Service struct {
	ctx     context.Context
	devices Devices
	stats   *ingest.Stats
	monitor Monitor
	hist    Segments
	log     zerolog.Logger
}

// StatusArgs is the request for Status.
type StatusArgs struct{}

// StatusReply is the response for Status.
type StatusReply struct {
	Ingest   ingest.Snapshot
	Monitor  monitor.Status
	Segments []history.SegmentRecord
}

// ListDevicesArgs is the request for ListDevices.
type ListDevicesArgs struct{}

// ListDevicesReply is the response for ListDevices.
type ListDevicesReply struct {
	Devices []inventory.DeviceView
}

// RefreshArgs is the request for Refresh.
type RefreshArgs struct{}

// RefreshReply is the response for Refresh.
type RefreshReply struct {
	Started bool
	Reason  string
}

// Status returns the ingest counters, the monitor state and the per-segment
// scan history.
func (s *Service) Status(args *StatusArgs, reply *StatusReply) error {
	if s.stats != nil {
		reply.Ingest = s.stats.Snapshot()
	}
	if s.monitor != nil {
		reply.Monitor = s.monitor.Status()
	}
	if s.hist != nil {
		segments, err := s.hist.All()
		if err != nil {
			return fmt.Errorf("reading scan history: %w", err)
		}
		reply.Segments = segments
	}
	return nil
}

// ListDevices returns every stored device with its latest power state.
func (s *Service) ListDevices(args *ListDevicesArgs, reply *ListDevicesReply) error {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	devices, err := s.devices.Devices(ctx)
	if err != nil {
		return fmt.Errorf("fetching devices: %w", err)
	}
	reply.Devices = devices
	return nil
}

// Refresh starts a full refresh unless one is running.
func (s *Service) Refresh(args *RefreshArgs, reply *RefreshReply) error {
	if s.monitor == nil {
		reply.Reason = "monitor disabled"
		return nil
	}
	if err := s.monitor.Trigger(s.ctx); err != nil {
		reply.Reason = err.Error()
		return nil
	}
	s.log.Info().Msg("Refresh requested over RPC")
	reply.Started = true
	return nil
}

// StartServer starts the Unix socket RPC server. It stops accepting and
// removes the socket when ctx is cancelled.
func StartServer(ctx context.Context, socketPath string, devices Devices, stats *ingest.Stats, mon Monitor, hist Segments, log zerolog.Logger) error {
	service := &Service{ctx: ctx, devices: devices, stats: stats, monitor: mon, hist: hist, log: log}

	server := netrpc.NewServer()
	if err := server.Register(service); err != nil {
		return fmt.Errorf("registering RPC service: %w", err)
	}

	// Remove a stale socket left by a previous run
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	if err := os.Chmod(socketPath, 0660); err != nil {
		log.Warn().Err(err).Msg("Failed to set socket permissions")
	}

	log.Info().Str("socket", socketPath).Msg("RPC server started")

	go func() {
		<-ctx.Done()
		listener.Close()
		os.Remove(socketPath)
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("RPC accept error")
				continue
			}
			go server.ServeConn(conn)
		}
	}()

	return nil
}

// Client is a client for the collector RPC service.
type Client struct {
	client *netrpc.Client
}

// NewClient dials the Unix socket and returns an RPC client.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to RPC socket %s: %w", socketPath, err)
	}
	return &Client{client: netrpc.NewClient(conn)}, nil
}

// Close closes the RPC client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Status fetches counters and monitor state.
func (c *Client) Status() (*StatusReply, error) {
	reply := &StatusReply{}
	if err := c.client.Call("Service.Status", &StatusArgs{}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// ListDevices fetches all stored devices.
func (c *Client) ListDevices() ([]inventory.DeviceView, error) {
	reply := &ListDevicesReply{}
	if err := c.client.Call("Service.ListDevices", &ListDevicesArgs{}, reply); err != nil {
		return nil, err
	}
	return reply.Devices, nil
}

// Refresh asks the collector to start a full refresh.
func (c *Client) Refresh() (*RefreshReply, error) {
	reply := &RefreshReply{}
	if err := c.client.Call("Service.Refresh", &RefreshArgs{}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}
