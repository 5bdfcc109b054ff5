// Package scanner discovers live IPv4 hosts across /16 segments of
// 10.0.0.0/8 with multicast probes and chunked ping sweeps.
package scanner

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"laninv/internal/history"
	"laninv/internal/ping"
)

// earlyExitRatio of the segment target stops further blocks.
const earlyExitRatio = 0.9

// Prober returns addresses inside block that answered a discovery probe.
type Prober interface {
	Probe(ctx context.Context, block netip.Prefix) []netip.Addr
}

// History supplies and records per-segment live-host counts.
type History interface {
	Lookup(segment int) (history.SegmentRecord, bool)
	Record(segment, count int) error
}

// Options tune a scan. Zero values fall back to the defaults below.
type Options struct {
	Segments            []int
	PerHostTimeout      time.Duration
	PerSubnetTimeout    time.Duration
	ChunkSize           int
	Concurrency         int
	MaxParallelSegments int
	HighBlocks          int
	BroadcastProbe      bool
	HighDensity         []int
	MidDensity          []int
	LowDensity          []int
	Targets             map[int]int
}

func (o *Options) applyDefaults() {
	if o.PerHostTimeout <= 0 {
		o.PerHostTimeout = time.Second
	}
	if o.PerSubnetTimeout <= 0 {
		o.PerSubnetTimeout = 8 * time.Second
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 255
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 300
	}
	if o.MaxParallelSegments <= 0 {
		o.MaxParallelSegments = 10
	}
	if o.HighBlocks <= 0 {
		o.HighBlocks = 4
	}
}

// Scanner runs block scans. Prober and History may be nil.
type Scanner struct {
	opts  Options
	ping  ping.Pinger
	probe Prober
	hist  History
	log   zerolog.Logger
}

// New creates a Scanner.
func New(opts Options, p ping.Pinger, probe Prober, hist History, log zerolog.Logger) *Scanner {
	opts.applyDefaults()
	return &Scanner{
		opts:  opts,
		ping:  p,
		probe: probe,
		hist:  hist,
		log:   log.With().Str("component", "scanner").Logger(),
	}
}

// Scan walks every configured segment in batches and returns the sorted,
// de-duplicated live addresses. Cancelling ctx stops new batches; the
// result gathered so far is still returned.
func (s *Scanner) Scan(ctx context.Context) []netip.Addr {
	segments := s.opts.Segments
	found := make(map[netip.Addr]struct{})
	var mu sync.Mutex

	start := time.Now()
	for i := 0; i < len(segments); i += s.opts.MaxParallelSegments {
		if ctx.Err() != nil {
			break
		}
		end := min(i+s.opts.MaxParallelSegments, len(segments))

		g, gctx := errgroup.WithContext(ctx)
		for _, seg := range segments[i:end] {
			g.Go(func() error {
				alive := s.ScanSegment(gctx, seg)
				mu.Lock()
				for _, a := range alive {
					found[a] = struct{}{}
				}
				mu.Unlock()
				return nil
			})
		}
		g.Wait()
	}

	out := make([]netip.Addr, 0, len(found))
	for a := range found {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })

	s.log.Info().
		Int("segments", len(segments)).
		Int("alive", len(out)).
		Dur("elapsed", time.Since(start)).
		Msg("Scan finished")
	return out
}

// ScanSegment scans one 10.S.0.0/16 segment.
func (s *Scanner) ScanSegment(ctx context.Context, segment int) []netip.Addr {
	tier := s.tier(segment)
	target := s.target(segment, tier)
	blocks := Blocks(segment, tier, s.opts.HighBlocks)
	log := s.log.With().Int("segment", segment).Str("tier", tier.String()).Int("target", target).Logger()

	alive := make(map[netip.Addr]struct{})
	add := func(addrs []netip.Addr) {
		for _, a := range addrs {
			alive[a] = struct{}{}
		}
	}

	add(s.sweep(ctx, TypicalHosts(segment)))

	probed := 0
	for _, block := range blocks {
		if ctx.Err() != nil {
			break
		}
		if target > 0 && float64(len(alive)) >= earlyExitRatio*float64(target) {
			log.Debug().Int("alive", len(alive)).Int("blocks_probed", probed).Msg("Target reached, skipping remaining blocks")
			break
		}
		probed++

		var hits []netip.Addr
		if s.opts.BroadcastProbe && s.probe != nil {
			for _, a := range s.probe.Probe(ctx, block) {
				if block.Contains(a) {
					hits = append(hits, a)
				}
			}
		}
		if len(hits) == 0 {
			hits = s.sweep(ctx, Hosts(block))
		}
		log.Debug().Str("block", block.String()).Int("hits", len(hits)).Msg("Block scanned")
		add(hits)
	}

	out := make([]netip.Addr, 0, len(alive))
	for a := range alive {
		out = append(out, a)
	}

	if s.hist != nil && ctx.Err() == nil {
		if err := s.hist.Record(segment, len(out)); err != nil {
			log.Warn().Err(err).Msg("Failed to record segment history")
		}
	}
	log.Debug().Int("alive", len(out)).Int("blocks_probed", probed).Msg("Segment scanned")
	return out
}

// sweep pings hosts chunk by chunk with at most Concurrency probes in
// flight. The per-subnet timeout bounds the whole sweep and kills any ping
// still running when it expires.
func (s *Scanner) sweep(ctx context.Context, hosts []netip.Addr) []netip.Addr {
	if len(hosts) == 0 {
		return nil
	}
	if len(hosts) > MaxSweepHosts {
		s.log.Warn().Int("hosts", len(hosts)).Int("max", MaxSweepHosts).Msg("Block too large, skipping sweep")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.PerSubnetTimeout)
	defer cancel()

	sem := semaphore.NewWeighted(int64(s.opts.Concurrency))
	var (
		mu    sync.Mutex
		alive []netip.Addr
	)

	for start := 0; start < len(hosts); start += s.opts.ChunkSize {
		end := min(start+s.opts.ChunkSize, len(hosts))

		var wg sync.WaitGroup
		for _, ip := range hosts[start:end] {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				if s.ping.Alive(ctx, ip, s.opts.PerHostTimeout) {
					mu.Lock()
					alive = append(alive, ip)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if ctx.Err() != nil {
			break
		}
	}
	return alive
}
