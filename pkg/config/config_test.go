package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoad_ValidConfig(t *testing.T) {
	cfgPath := writeConfig(t, `
[general]
  log_level = "debug"

[collector]
  port = 6000
  shared_secret = "my-secret"
  allowed_cidrs = "10.100.0.0/16, 192.168.1.0/24"
  max_connections_per_ip = 5
  db_path = "/tmp/test.db"

[agent]
  port = 6001
  shared_secret = "agent-secret"
  collector_addr = "10.100.0.1:6000"
  push_on_boot = true

[scan]
  segment_start = 100
  segment_end = 102
  high_density = [100]
  mid_density = [101]

[scan.targets]
  "100" = 102
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.General.LogLevel != "debug" {
		t.Errorf("General.LogLevel: got %s, want debug", cfg.General.LogLevel)
	}
	if cfg.Collector.Port != 6000 {
		t.Errorf("Collector.Port: got %d, want 6000", cfg.Collector.Port)
	}
	if cfg.Collector.SharedSecret != "my-secret" {
		t.Errorf("Collector.SharedSecret: got %s, want my-secret", cfg.Collector.SharedSecret)
	}
	if cfg.Collector.MaxConnectionsPerIP != 5 {
		t.Errorf("Collector.MaxConnectionsPerIP: got %d, want 5", cfg.Collector.MaxConnectionsPerIP)
	}
	if cfg.Agent.CollectorAddr != "10.100.0.1:6000" {
		t.Errorf("Agent.CollectorAddr: got %s, want 10.100.0.1:6000", cfg.Agent.CollectorAddr)
	}
	if !cfg.Agent.PushOnBoot {
		t.Error("Agent.PushOnBoot: expected true")
	}
	if got := cfg.Scan.Segments(); len(got) != 3 || got[0] != 100 || got[2] != 102 {
		t.Errorf("Scan.Segments: got %v, want [100 101 102]", got)
	}
	if len(cfg.Scan.HighDensity) != 1 || cfg.Scan.HighDensity[0] != 100 {
		t.Errorf("Scan.HighDensity: got %v, want [100]", cfg.Scan.HighDensity)
	}
	if cfg.Scan.Targets["100"] != 102 {
		t.Errorf("Scan.Targets[100]: got %d, want 102", cfg.Scan.Targets["100"])
	}

	prefixes, err := cfg.Collector.AllowList()
	if err != nil {
		t.Fatalf("allow list: %v", err)
	}
	if len(prefixes) != 2 || prefixes[1].String() != "192.168.1.0/24" {
		t.Errorf("AllowList: got %v", prefixes)
	}
}

func TestLoad_Defaults(t *testing.T) {
	// Minimal config: all defaults should apply
	cfgPath := writeConfig(t, `
[collector]
  shared_secret = "test"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Collector.Port != 5255 {
		t.Errorf("default Collector.Port: got %d, want 5255", cfg.Collector.Port)
	}
	if cfg.Agent.Port != 5256 {
		t.Errorf("default Agent.Port: got %d, want 5256", cfg.Agent.Port)
	}
	if cfg.Collector.MaxBufferSize != 10*1024*1024 {
		t.Errorf("default MaxBufferSize: got %d, want %d", cfg.Collector.MaxBufferSize, 10*1024*1024)
	}
	if cfg.Collector.MaxConnectionsPerIP != 3 {
		t.Errorf("default MaxConnectionsPerIP: got %d, want 3", cfg.Collector.MaxConnectionsPerIP)
	}
	if cfg.Collector.MaxFieldLength != 1024 {
		t.Errorf("default MaxFieldLength: got %d, want 1024", cfg.Collector.MaxFieldLength)
	}
	if cfg.Scan.ChunkSize != 255 || cfg.Scan.Concurrency != 300 || cfg.Scan.MaxParallelSegments != 10 {
		t.Errorf("default scan limits: got chunk=%d conc=%d par=%d",
			cfg.Scan.ChunkSize, cfg.Scan.Concurrency, cfg.Scan.MaxParallelSegments)
	}
	if !cfg.Scan.BroadcastProbe {
		t.Error("default BroadcastProbe: expected true")
	}
	if cfg.General.LogLevel != "info" {
		t.Errorf("default LogLevel: got %s, want info", cfg.General.LogLevel)
	}

	d, err := cfg.Collector.ParseConnectionTimeout()
	if err != nil || d != 30*time.Second {
		t.Errorf("default ConnectionTimeout: got %v (%v), want 30s", d, err)
	}
	d, err = cfg.Scan.ParsePerSubnetTimeout()
	if err != nil || d != 8*time.Second {
		t.Errorf("default PerSubnetTimeout: got %v (%v), want 8s", d, err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	cfgPath := writeConfig(t, `
[collector]
  shared_secret = "from-file"
`)
	t.Setenv("LANINV_COLLECTOR_SHARED_SECRET", "from-env")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Collector.SharedSecret != "from-env" {
		t.Errorf("SharedSecret: got %s, want from-env", cfg.Collector.SharedSecret)
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	cfgPath := writeConfig(t, "invalid [[[ toml")

	_, err := Load(cfgPath)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestCollectorValidate(t *testing.T) {
	c := Default().Collector
	if err := c.Validate(); err == nil {
		t.Error("expected error for placeholder secret")
	}

	c.SharedSecret = "s3cret"
	if err := c.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	c.AllowedCIDRs = "8.8.8.0/24"
	if err := c.Validate(); err == nil {
		t.Error("expected error for public allow-list entry")
	}

	c.AllowedCIDRs = "127.0.0.0/8"
	if err := c.Validate(); err != nil {
		t.Errorf("loopback allow-list should be accepted: %v", err)
	}
}

func TestAgentValidate_PushNeedsAddr(t *testing.T) {
	a := AgentConfig{SharedSecret: "x", PushOnBoot: true}
	if err := a.Validate(); err == nil {
		t.Error("expected error when push_on_boot has no collector_addr")
	}
}

func TestParseDuration_Default(t *testing.T) {
	m := &MonitorConfig{}
	d, err := m.ParsePingInterval()
	if err != nil {
		t.Fatalf("parse interval: %v", err)
	}
	if d != 20*time.Second {
		t.Errorf("Default ping interval: got %v, want 20s", d)
	}

	m.PingInterval = "bogus"
	if _, err := m.ParsePingInterval(); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestParseTargets(t *testing.T) {
	s := &ScanConfig{Targets: map[string]int{"100": 400, " 101 ": 20}}
	got, err := s.ParseTargets()
	if err != nil {
		t.Fatalf("parse targets: %v", err)
	}
	if got[100] != 400 || got[101] != 20 || len(got) != 2 {
		t.Errorf("targets: %v", got)
	}

	s.Targets = map[string]int{"lab": 5}
	if _, err := s.ParseTargets(); err == nil {
		t.Error("expected error for non-numeric segment")
	}
	s.Targets = map[string]int{"300": 5}
	if _, err := s.ParseTargets(); err == nil {
		t.Error("expected error for out-of-range segment")
	}
}

func TestAgentValidate_NetworkRange(t *testing.T) {
	a := AgentConfig{SharedSecret: "x", NetworkRange: "10.100.0.0/16"}
	if err := a.Validate(); err != nil {
		t.Errorf("valid range rejected: %v", err)
	}
	a.NetworkRange = "10.100.0.0"
	if err := a.Validate(); err == nil {
		t.Error("expected error for range without prefix length")
	}
}
