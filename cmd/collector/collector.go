// Package collector implements the laninv collector CLI entry point.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"laninv/cmd/scan"
	"laninv/internal/agent"
	"laninv/internal/arp"
	"laninv/internal/ingest"
	"laninv/internal/inventory"
	"laninv/internal/monitor"
	"laninv/internal/ping"
	"laninv/internal/rpc"
	"laninv/pkg/config"
	"laninv/pkg/logger"
)

// Run starts the collector: ingestion server, monitor loops and RPC.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.General.LogLevel)

	if err := cfg.Collector.Validate(); err != nil {
		return err
	}
	allow, err := cfg.Collector.AllowList()
	if err != nil {
		return err
	}
	connTimeout, err := cfg.Collector.ParseConnectionTimeout()
	if err != nil {
		return fmt.Errorf("parsing connection_timeout: %w", err)
	}

	mon := cfg.Monitor
	pingInterval, err := mon.ParsePingInterval()
	if err != nil {
		return fmt.Errorf("parsing ping_interval: %w", err)
	}
	refreshInterval, err := mon.ParseRefreshInterval()
	if err != nil {
		return fmt.Errorf("parsing refresh_interval: %w", err)
	}
	fetch, err := fetchOptions(mon, cfg.Collector.MaxBufferSize)
	if err != nil {
		return err
	}
	perHost, err := cfg.Scan.ParsePerHostTimeout()
	if err != nil {
		return fmt.Errorf("parsing per_host_timeout: %w", err)
	}

	// Ensure RPC socket directory exists
	sockDir := filepath.Dir(cfg.Collector.RPCSocket)
	if err := os.MkdirAll(sockDir, 0700); err != nil {
		return fmt.Errorf("creating socket directory %s: %w", sockDir, err)
	}
	if err := os.MkdirAll(cfg.Scan.OutputDir, 0755); err != nil {
		return fmt.Errorf("creating output directory %s: %w", cfg.Scan.OutputDir, err)
	}

	store, err := inventory.Open(cfg.Collector.DBPath, log)
	if err != nil {
		return fmt.Errorf("opening inventory: %w", err)
	}
	defer store.Close()

	hist, err := scan.OpenHistory(cfg, log)
	if err != nil {
		return err
	}
	defer hist.Close()

	pinger := ping.Exec{}
	sc, err := scan.NewScanner(cfg, pinger, hist, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ingestor := ingest.NewIngestor(store, cfg.Collector.SharedSecret, ingest.Limits{
		MaxFieldLength: cfg.Collector.MaxFieldLength,
		MaxDiagSize:    cfg.Collector.MaxDiagSize,
	}, nil, log)

	srv := ingest.NewServer(ingest.ServerOptions{
		AllowList:         allow,
		MaxConnsPerIP:     cfg.Collector.MaxConnectionsPerIP,
		MaxBufferSize:     cfg.Collector.MaxBufferSize,
		ConnectionTimeout: connTimeout,
	}, ingestor, log)

	m := monitor.New(monitor.Options{
		AgentPort:        cfg.Agent.Port,
		PingBatch:        mon.PingBatch,
		PingTimeout:      perHost,
		QueryConcurrency: mon.QueryConcurrency,
		Fetch:            fetch,
		CSVPath:          cfg.Scan.CSVPath(),
	}, sc, arp.NewReader(), pinger, store, ingestor, log)

	if err := rpc.StartServer(ctx, cfg.Collector.RPCSocket, store, ingestor.Stats(), m, hist, log); err != nil {
		return fmt.Errorf("starting RPC server: %w", err)
	}

	log.Info().
		Int("port", cfg.Collector.Port).
		Str("db_path", cfg.Collector.DBPath).
		Str("rpc_socket", cfg.Collector.RPCSocket).
		Dur("ping_interval", pingInterval).
		Dur("refresh_interval", refreshInterval).
		Msg("Starting collector")

	go m.RunPingLoop(ctx, pingInterval)
	if refreshInterval > 0 {
		go m.RunRefreshLoop(ctx, refreshInterval)
	}

	err = srv.ListenAndServe(ctx, ":"+strconv.Itoa(cfg.Collector.Port))
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ingestion server: %w", err)
	}
	log.Info().Msg("Shutting down")
	return nil
}

func fetchOptions(m config.MonitorConfig, maxSize int) (agent.FetchOptions, error) {
	connect, err := m.ParseConnectTimeout()
	if err != nil {
		return agent.FetchOptions{}, fmt.Errorf("parsing connect_timeout: %w", err)
	}
	read, err := m.ParseReadTimeout()
	if err != nil {
		return agent.FetchOptions{}, fmt.Errorf("parsing read_timeout: %w", err)
	}
	total, err := m.ParseQueryTimeout()
	if err != nil {
		return agent.FetchOptions{}, fmt.Errorf("parsing query_timeout: %w", err)
	}
	return agent.FetchOptions{
		ConnectTimeout: connect,
		ReadTimeout:    read,
		TotalTimeout:   total,
		MaxSize:        maxSize,
	}, nil
}
