// Package agent implements the laninv agent CLI entry point.
package agent

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"laninv/internal/agent"
	"laninv/internal/sysinfo"
	"laninv/pkg/config"
	"laninv/pkg/logger"
)

const (
	pushAttempts = 5
	pushTimeout  = 30 * time.Second
)

// Run starts the agent daemon and, when configured, pushes one report to
// the collector on boot.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.General.LogLevel)

	if err := cfg.Agent.Validate(); err != nil {
		return err
	}
	readTimeout, err := cfg.Agent.ParseReadTimeout()
	if err != nil {
		return fmt.Errorf("parsing read_timeout: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := sysinfo.NewCollector(log, sysinfo.DefaultProducers(cfg.Agent.NetworkRange)...)
	srv := agent.NewServer(collector, cfg.Agent.SharedSecret, readTimeout, log)

	log.Info().
		Int("port", cfg.Agent.Port).
		Str("network_range", cfg.Agent.NetworkRange).
		Bool("push_on_boot", cfg.Agent.PushOnBoot).
		Msg("Starting agent")

	if cfg.Agent.PushOnBoot {
		go func() {
			if err := srv.PushWithRetry(ctx, cfg.Agent.CollectorAddr, pushAttempts, pushTimeout); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("collector", cfg.Agent.CollectorAddr).Msg("Boot push gave up")
			}
		}()
	}

	if err := srv.ListenAndServe(ctx, ":"+strconv.Itoa(cfg.Agent.Port)); err != nil {
		return err
	}
	log.Info().Msg("Shutting down")
	return nil
}
