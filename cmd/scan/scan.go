// Package scan implements the one-shot laninv scan CLI entry point.
package scan

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"laninv/internal/arp"
	"laninv/internal/csvstore"
	"laninv/internal/history"
	"laninv/internal/ping"
	"laninv/internal/scanner"
	"laninv/pkg/config"
	"laninv/pkg/logger"
)

// Run scans the configured segments once, writes the discovered hosts CSV
// and prints its path.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.General.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Scan.OutputDir, 0755); err != nil {
		return fmt.Errorf("creating output directory %s: %w", cfg.Scan.OutputDir, err)
	}

	hist, err := OpenHistory(cfg, log)
	if err != nil {
		return err
	}
	defer hist.Close()

	sc, err := NewScanner(cfg, ping.Exec{}, hist, log)
	if err != nil {
		return err
	}

	alive := sc.Scan(ctx)

	neighbours := arp.NewReader()
	table, err := neighbours.Table(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read neighbour table")
	}
	macs := arp.Map(table)

	found := make([]csvstore.Endpoint, 0, len(alive))
	for _, ip := range alive {
		found = append(found, csvstore.Endpoint{IP: ip, MAC: macs[ip]})
	}

	path := cfg.Scan.CSVPath()
	all, err := csvstore.Merge(path, found)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	perHost, err := cfg.Scan.ParsePerHostTimeout()
	if err != nil {
		return fmt.Errorf("parsing per_host_timeout: %w", err)
	}
	filled, err := csvstore.Repopulate(ctx, path, ping.Exec{}, neighbours, perHost)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to repopulate MAC addresses")
	}

	log.Info().
		Int("alive", len(alive)).
		Int("known", len(all)).
		Int("macs_filled", filled).
		Str("path", path).
		Msg("Scan complete")
	fmt.Println(path)
	return nil
}

// OpenHistory opens the segment history file, creating its directory.
func OpenHistory(cfg *config.Config, log zerolog.Logger) (*history.Store, error) {
	dir := filepath.Dir(cfg.Scan.HistoryPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating history directory %s: %w", dir, err)
	}
	hist, err := history.Open(cfg.Scan.HistoryPath, log)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	return hist, nil
}

// NewScanner builds a scanner from the [scan] section.
func NewScanner(cfg *config.Config, p ping.Pinger, hist scanner.History, log zerolog.Logger) (*scanner.Scanner, error) {
	sc := cfg.Scan
	perHost, err := sc.ParsePerHostTimeout()
	if err != nil {
		return nil, fmt.Errorf("parsing per_host_timeout: %w", err)
	}
	perSubnet, err := sc.ParsePerSubnetTimeout()
	if err != nil {
		return nil, fmt.Errorf("parsing per_subnet_timeout: %w", err)
	}
	probeTimeout, err := sc.ParseProbeTimeout()
	if err != nil {
		return nil, fmt.Errorf("parsing probe_timeout: %w", err)
	}
	targets, err := sc.ParseTargets()
	if err != nil {
		return nil, err
	}

	opts := scanner.Options{
		Segments:            sc.Segments(),
		PerHostTimeout:      perHost,
		PerSubnetTimeout:    perSubnet,
		ChunkSize:           sc.ChunkSize,
		Concurrency:         sc.Concurrency,
		MaxParallelSegments: sc.MaxParallelSegments,
		HighBlocks:          sc.HighBlocks,
		BroadcastProbe:      sc.BroadcastProbe,
		HighDensity:         sc.HighDensity,
		MidDensity:          sc.MidDensity,
		LowDensity:          sc.LowDensity,
		Targets:             targets,
	}
	prober := scanner.NewUDPProber(probeTimeout, sc.DirectedBroadcast, log)

	log.Info().
		Int("segment_start", sc.SegmentStart).
		Int("segment_end", sc.SegmentEnd).
		Bool("broadcast_probe", sc.BroadcastProbe).
		Msg("Scanner configured")
	return scanner.New(opts, p, prober, hist, log), nil
}
