// Package monitor drives the collector's two background loops: the status
// ping over known devices and the full discover-populate-query refresh.
package monitor

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"laninv/internal/agent"
	"laninv/internal/arp"
	"laninv/internal/csvstore"
	"laninv/internal/inventory"
	"laninv/internal/ping"
)

// ErrBusy is returned when a refresh is requested while one is running.
var ErrBusy = errors.New("refresh already in progress")

// State is the refresh phase.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StatePopulating
	StateQuerying
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StatePopulating:
		return "populating"
	case StateQuerying:
		return "querying"
	default:
		return "idle"
	}
}

// Scanner finds live hosts.
type Scanner interface {
	Scan(ctx context.Context) []netip.Addr
}

// Inventory is the part of the store the monitor writes to.
type Inventory interface {
	Devices(ctx context.Context) ([]inventory.DeviceView, error)
	RecordPower(ctx context.Context, serial string, on bool, at time.Time) error
	EnsureDiscovered(ctx context.Context, ip, mac string) (string, error)
}

// Ingester persists a raw agent reply.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte, peer string) error
}

// FetchFunc pulls a report from an agent.
type FetchFunc func(ctx context.Context, addr string, opts agent.FetchOptions) ([]byte, error)

// Options configure the monitor.
type Options struct {
	AgentPort        int
	PingBatch        int
	PingTimeout      time.Duration
	QueryConcurrency int
	Fetch            agent.FetchOptions
	// CSVPath is the discovered-hosts file. Empty skips the CSV step.
	CSVPath string
}

// Summary describes one finished refresh.
type Summary struct {
	CycleID    string
	StartedAt  time.Time
	Elapsed    time.Duration
	Alive      int
	Discovered int
	Queried    int
	Ingested   int
	Failed     int
}

// Status is a snapshot of the monitor.
type Status struct {
	State   string
	CycleID string
	Last    Summary
}

// Monitor owns the ping loop and the refresh cycle.
type Monitor struct {
	opts       Options
	scanner    Scanner
	neighbours csvstore.Neighbours
	pinger     ping.Pinger
	inv        Inventory
	ingester   Ingester
	fetch      FetchFunc
	log        zerolog.Logger

	state   atomic.Int32
	refresh sync.Mutex

	mu      sync.Mutex
	cycleID string
	last    Summary
}

// New creates a Monitor. neighbours may be nil, in which case refreshes
// proceed without MAC addresses.
func New(opts Options, sc Scanner, neighbours csvstore.Neighbours, p ping.Pinger, inv Inventory, in Ingester, log zerolog.Logger) *Monitor {
	if opts.AgentPort <= 0 {
		opts.AgentPort = 5256
	}
	if opts.PingBatch <= 0 {
		opts.PingBatch = 25
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = time.Second
	}
	if opts.QueryConcurrency <= 0 {
		opts.QueryConcurrency = 16
	}
	if opts.Fetch == (agent.FetchOptions{}) {
		opts.Fetch = agent.DefaultFetchOptions
	}
	return &Monitor{
		opts:       opts,
		scanner:    sc,
		neighbours: neighbours,
		pinger:     p,
		inv:        inv,
		ingester:   in,
		fetch:      agent.Fetch,
		log:        log.With().Str("component", "monitor").Logger(),
	}
}

// Status returns the current phase and the last finished refresh.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:   State(m.state.Load()).String(),
		CycleID: m.cycleID,
		Last:    m.last,
	}
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
}

// RunPingLoop pings known devices every interval until ctx is cancelled.
func (m *Monitor) RunPingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, _, err := m.PingDevices(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn().Err(err).Msg("Ping pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunRefreshLoop runs a full refresh every interval until ctx is cancelled.
// A tick that lands on a running refresh is skipped.
func (m *Monitor) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Refresh(ctx); err != nil && !errors.Is(err, ErrBusy) {
				m.log.Warn().Err(err).Msg("Scheduled refresh failed")
			}
		}
	}
}

// PingDevices pings every device with an IP in batches of PingBatch and
// records each observation. Cancelling ctx lets the running batch finish
// and starts no further batch.
func (m *Monitor) PingDevices(ctx context.Context) (up, down int, err error) {
	devices, err := m.inv.Devices(ctx)
	if err != nil {
		return 0, 0, err
	}

	var targets []inventory.DeviceView
	for _, d := range devices {
		if _, perr := netip.ParseAddr(d.IP); perr == nil {
			targets = append(targets, d)
		}
	}

	var upCount, downCount atomic.Int64
	// Observations are written after ctx is cancelled too.
	writeCtx := context.WithoutCancel(ctx)
	for start := 0; start < len(targets); start += m.opts.PingBatch {
		if ctx.Err() != nil {
			break
		}
		end := min(start+m.opts.PingBatch, len(targets))

		var wg sync.WaitGroup
		for _, d := range targets[start:end] {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ip := netip.MustParseAddr(d.IP)
				on := m.pinger.Alive(ctx, ip, m.opts.PingTimeout)
				if on {
					upCount.Add(1)
				} else {
					downCount.Add(1)
				}
				if err := m.inv.RecordPower(writeCtx, d.Serial, on, time.Now()); err != nil {
					m.log.Warn().Err(err).Str("serial", d.Serial).Msg("Failed to record power state")
				}
			}()
		}
		wg.Wait()
	}

	m.log.Debug().Int64("up", upCount.Load()).Int64("down", downCount.Load()).Msg("Ping pass finished")
	return int(upCount.Load()), int(downCount.Load()), nil
}

// Refresh runs one full cycle: scan, neighbour lookup, CSV hand-off,
// device population and agent queries. It returns ErrBusy when another
// refresh holds the cycle.
func (m *Monitor) Refresh(ctx context.Context) (Summary, error) {
	if !m.refresh.TryLock() {
		return Summary{}, ErrBusy
	}
	defer m.refresh.Unlock()
	return m.run(ctx)
}

// Trigger starts a refresh in the background and returns at once.
func (m *Monitor) Trigger(ctx context.Context) error {
	if !m.refresh.TryLock() {
		return ErrBusy
	}
	go func() {
		defer m.refresh.Unlock()
		if _, err := m.run(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Refresh failed")
		}
	}()
	return nil
}

func (m *Monitor) run(ctx context.Context) (Summary, error) {
	sum := Summary{CycleID: uuid.NewString(), StartedAt: time.Now()}
	m.mu.Lock()
	m.cycleID = sum.CycleID
	m.mu.Unlock()
	defer m.setState(StateIdle)

	log := m.log.With().Str("cycle_id", sum.CycleID).Logger()
	log.Info().Msg("Refresh started")

	m.setState(StateScanning)
	alive := m.scanner.Scan(ctx)
	sum.Alive = len(alive)
	if ctx.Err() != nil {
		return sum, ctx.Err()
	}

	m.setState(StatePopulating)
	endpoints := m.resolve(ctx, alive, log)
	for _, ep := range endpoints {
		if _, err := m.inv.EnsureDiscovered(ctx, ep.IP.String(), ep.MAC); err != nil {
			log.Warn().Err(err).Str("ip", ep.IP.String()).Msg("Failed to record discovered host")
			continue
		}
		sum.Discovered++
	}
	if ctx.Err() != nil {
		return sum, ctx.Err()
	}

	m.setState(StateQuerying)
	sum.Queried, sum.Ingested = m.query(ctx, alive, log)
	sum.Failed = sum.Queried - sum.Ingested
	sum.Elapsed = time.Since(sum.StartedAt)

	m.mu.Lock()
	m.last = sum
	m.mu.Unlock()

	log.Info().
		Int("alive", sum.Alive).
		Int("discovered", sum.Discovered).
		Int("ingested", sum.Ingested).
		Int("failed", sum.Failed).
		Dur("elapsed", sum.Elapsed).
		Msg("Refresh finished")
	return sum, nil
}

// resolve pairs live addresses with MACs from the neighbour table and,
// when a CSV path is configured, merges them into the hand-off file and
// fills remaining gaps from it.
func (m *Monitor) resolve(ctx context.Context, alive []netip.Addr, log zerolog.Logger) []csvstore.Endpoint {
	macs := map[netip.Addr]string{}
	if m.neighbours != nil {
		table, err := m.neighbours.Table(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read neighbour table")
		}
		macs = arp.Map(table)
	}

	endpoints := make([]csvstore.Endpoint, 0, len(alive))
	for _, ip := range alive {
		endpoints = append(endpoints, csvstore.Endpoint{IP: ip, MAC: macs[ip]})
	}
	if m.opts.CSVPath == "" {
		return endpoints
	}

	if _, err := csvstore.Merge(m.opts.CSVPath, endpoints); err != nil {
		log.Warn().Err(err).Str("path", m.opts.CSVPath).Msg("Failed to update hosts file")
		return endpoints
	}
	if m.neighbours != nil {
		filled, err := csvstore.Repopulate(ctx, m.opts.CSVPath, m.pinger, m.neighbours, m.opts.PingTimeout)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to repopulate MAC addresses")
		} else if filled > 0 {
			log.Debug().Int("filled", filled).Msg("Filled MAC addresses from neighbour table")
		}
	}

	known, err := csvstore.Load(m.opts.CSVPath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to reload hosts file")
		return endpoints
	}
	fromFile := make(map[netip.Addr]string, len(known))
	for _, ep := range known {
		fromFile[ep.IP] = ep.MAC
	}
	for i := range endpoints {
		if endpoints[i].MAC == "" {
			endpoints[i].MAC = fromFile[endpoints[i].IP]
		}
	}
	return endpoints
}

// query pulls a report from every live address with at most
// QueryConcurrency pulls in flight.
func (m *Monitor) query(ctx context.Context, alive []netip.Addr, log zerolog.Logger) (queried, ingested int) {
	var ok atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.QueryConcurrency)

	for _, ip := range alive {
		if gctx.Err() != nil {
			break
		}
		queried++
		g.Go(func() error {
			addr := net.JoinHostPort(ip.String(), strconv.Itoa(m.opts.AgentPort))
			raw, err := m.fetch(gctx, addr, m.opts.Fetch)
			if err != nil {
				log.Debug().Err(err).Str("ip", ip.String()).Msg("Agent query failed")
				return nil
			}
			if err := m.ingester.Ingest(gctx, raw, ip.String()); err != nil {
				log.Warn().Err(err).Str("ip", ip.String()).Msg("Agent report rejected")
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	g.Wait()
	return queried, int(ok.Load())
}
