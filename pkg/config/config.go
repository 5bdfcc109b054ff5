// Package config provides TOML configuration loading for laninv.
//
// Values come from, in increasing priority: built-in defaults, the TOML file,
// a .env file in the working directory, and LANINV_* environment variables
// (LANINV_COLLECTOR_SHARED_SECRET overrides collector.shared_secret).
package config

import (
	"fmt"
	"net/netip"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Placeholder written into generated config files.
const placeholderSecret = "CHANGE_ME"

// Config is the top-level configuration structure.
type Config struct {
	General   GeneralConfig   `toml:"general" mapstructure:"general"`
	Collector CollectorConfig `toml:"collector" mapstructure:"collector"`
	Agent     AgentConfig     `toml:"agent" mapstructure:"agent"`
	Scan      ScanConfig      `toml:"scan" mapstructure:"scan"`
	Monitor   MonitorConfig   `toml:"monitor" mapstructure:"monitor"`
}

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	LogLevel string `toml:"log_level" mapstructure:"log_level"`
}

// CollectorConfig holds settings for the ingestion server and inventory store.
type CollectorConfig struct {
	Port                int    `toml:"port" mapstructure:"port"`
	SharedSecret        string `toml:"shared_secret" mapstructure:"shared_secret"`
	AllowedCIDRs        string `toml:"allowed_cidrs" mapstructure:"allowed_cidrs"`
	MaxConnectionsPerIP int    `toml:"max_connections_per_ip" mapstructure:"max_connections_per_ip"`
	MaxBufferSize       int    `toml:"max_buffer_size" mapstructure:"max_buffer_size"`
	ConnectionTimeout   string `toml:"connection_timeout" mapstructure:"connection_timeout"`
	MaxFieldLength      int    `toml:"max_field_length" mapstructure:"max_field_length"`
	MaxDiagSize         int    `toml:"max_diag_size" mapstructure:"max_diag_size"`
	DBPath              string `toml:"db_path" mapstructure:"db_path"`
	RPCSocket           string `toml:"rpc_socket" mapstructure:"rpc_socket"`
}

// AgentConfig holds settings for the endpoint agent daemon.
type AgentConfig struct {
	Port          int    `toml:"port" mapstructure:"port"`
	SharedSecret  string `toml:"shared_secret" mapstructure:"shared_secret"`
	CollectorAddr string `toml:"collector_addr" mapstructure:"collector_addr"`
	PushOnBoot    bool   `toml:"push_on_boot" mapstructure:"push_on_boot"`
	ReadTimeout   string `toml:"read_timeout" mapstructure:"read_timeout"`
	NetworkRange  string `toml:"network_range" mapstructure:"network_range"`
}

// ScanConfig holds settings for the block scanner.
type ScanConfig struct {
	SegmentStart        int            `toml:"segment_start" mapstructure:"segment_start"`
	SegmentEnd          int            `toml:"segment_end" mapstructure:"segment_end"`
	PerHostTimeout      string         `toml:"per_host_timeout" mapstructure:"per_host_timeout"`
	PerSubnetTimeout    string         `toml:"per_subnet_timeout" mapstructure:"per_subnet_timeout"`
	ProbeTimeout        string         `toml:"probe_timeout" mapstructure:"probe_timeout"`
	BroadcastProbe      bool           `toml:"broadcast_probe" mapstructure:"broadcast_probe"`
	DirectedBroadcast   bool           `toml:"directed_broadcast" mapstructure:"directed_broadcast"`
	ChunkSize           int            `toml:"chunk_size" mapstructure:"chunk_size"`
	Concurrency         int            `toml:"concurrency" mapstructure:"concurrency"`
	MaxParallelSegments int            `toml:"max_parallel_segments" mapstructure:"max_parallel_segments"`
	HighBlocks          int            `toml:"high_blocks" mapstructure:"high_blocks"`
	HighDensity         []int          `toml:"high_density" mapstructure:"high_density"`
	MidDensity          []int          `toml:"mid_density" mapstructure:"mid_density"`
	LowDensity          []int          `toml:"low_density" mapstructure:"low_density"`
	Targets             map[string]int `toml:"targets" mapstructure:"targets"`
	HistoryPath         string         `toml:"history_path" mapstructure:"history_path"`
	OutputDir           string         `toml:"output_dir" mapstructure:"output_dir"`
}

// MonitorConfig holds settings for the ping loop and the full refresh cycle.
type MonitorConfig struct {
	PingInterval     string `toml:"ping_interval" mapstructure:"ping_interval"`
	PingBatch        int    `toml:"ping_batch" mapstructure:"ping_batch"`
	QueryConcurrency int    `toml:"query_concurrency" mapstructure:"query_concurrency"`
	ConnectTimeout   string `toml:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout      string `toml:"read_timeout" mapstructure:"read_timeout"`
	QueryTimeout     string `toml:"query_timeout" mapstructure:"query_timeout"`
	RefreshInterval  string `toml:"refresh_interval" mapstructure:"refresh_interval"`
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		General: GeneralConfig{LogLevel: "info"},
		Collector: CollectorConfig{
			Port:                5255,
			SharedSecret:        placeholderSecret,
			AllowedCIDRs:        "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16",
			MaxConnectionsPerIP: 3,
			MaxBufferSize:       10 * 1024 * 1024,
			ConnectionTimeout:   "30s",
			MaxFieldLength:      1024,
			MaxDiagSize:         100 * 1024,
			DBPath:              "/var/lib/laninv/inventory.db",
			RPCSocket:           "/run/laninv/collector.sock",
		},
		Agent: AgentConfig{
			Port:         5256,
			SharedSecret: placeholderSecret,
			ReadTimeout:  "10s",
		},
		Scan: ScanConfig{
			SegmentStart:        100,
			SegmentEnd:          119,
			PerHostTimeout:      "1s",
			PerSubnetTimeout:    "8s",
			ProbeTimeout:        "1s",
			BroadcastProbe:      true,
			ChunkSize:           255,
			Concurrency:         300,
			MaxParallelSegments: 10,
			HighBlocks:          4,
			HistoryPath:         "/var/lib/laninv/history.db",
			OutputDir:           "/var/lib/laninv",
		},
		Monitor: MonitorConfig{
			PingInterval:     "20s",
			PingBatch:        25,
			QueryConcurrency: 16,
			ConnectTimeout:   "10s",
			ReadTimeout:      "15s",
			QueryTimeout:     "30s",
			RefreshInterval:  "0s",
		},
	}
}

// Load reads and parses a TOML config file, applying defaults for unset values
// and environment overrides.
func Load(path string) (*Config, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("LANINV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandPaths()
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("general.log_level", d.General.LogLevel)

	v.SetDefault("collector.port", d.Collector.Port)
	v.SetDefault("collector.shared_secret", "")
	v.SetDefault("collector.allowed_cidrs", d.Collector.AllowedCIDRs)
	v.SetDefault("collector.max_connections_per_ip", d.Collector.MaxConnectionsPerIP)
	v.SetDefault("collector.max_buffer_size", d.Collector.MaxBufferSize)
	v.SetDefault("collector.connection_timeout", d.Collector.ConnectionTimeout)
	v.SetDefault("collector.max_field_length", d.Collector.MaxFieldLength)
	v.SetDefault("collector.max_diag_size", d.Collector.MaxDiagSize)
	v.SetDefault("collector.db_path", d.Collector.DBPath)
	v.SetDefault("collector.rpc_socket", d.Collector.RPCSocket)

	v.SetDefault("agent.port", d.Agent.Port)
	v.SetDefault("agent.shared_secret", "")
	v.SetDefault("agent.collector_addr", d.Agent.CollectorAddr)
	v.SetDefault("agent.push_on_boot", d.Agent.PushOnBoot)
	v.SetDefault("agent.read_timeout", d.Agent.ReadTimeout)
	v.SetDefault("agent.network_range", d.Agent.NetworkRange)

	v.SetDefault("scan.segment_start", d.Scan.SegmentStart)
	v.SetDefault("scan.segment_end", d.Scan.SegmentEnd)
	v.SetDefault("scan.per_host_timeout", d.Scan.PerHostTimeout)
	v.SetDefault("scan.per_subnet_timeout", d.Scan.PerSubnetTimeout)
	v.SetDefault("scan.probe_timeout", d.Scan.ProbeTimeout)
	v.SetDefault("scan.broadcast_probe", d.Scan.BroadcastProbe)
	v.SetDefault("scan.directed_broadcast", d.Scan.DirectedBroadcast)
	v.SetDefault("scan.chunk_size", d.Scan.ChunkSize)
	v.SetDefault("scan.concurrency", d.Scan.Concurrency)
	v.SetDefault("scan.max_parallel_segments", d.Scan.MaxParallelSegments)
	v.SetDefault("scan.high_blocks", d.Scan.HighBlocks)
	v.SetDefault("scan.history_path", d.Scan.HistoryPath)
	v.SetDefault("scan.output_dir", d.Scan.OutputDir)

	v.SetDefault("monitor.ping_interval", d.Monitor.PingInterval)
	v.SetDefault("monitor.ping_batch", d.Monitor.PingBatch)
	v.SetDefault("monitor.query_concurrency", d.Monitor.QueryConcurrency)
	v.SetDefault("monitor.connect_timeout", d.Monitor.ConnectTimeout)
	v.SetDefault("monitor.read_timeout", d.Monitor.ReadTimeout)
	v.SetDefault("monitor.query_timeout", d.Monitor.QueryTimeout)
	v.SetDefault("monitor.refresh_interval", d.Monitor.RefreshInterval)
}

func (cfg *Config) expandPaths() {
	cfg.Collector.DBPath = ExpandPath(cfg.Collector.DBPath)
	cfg.Scan.HistoryPath = ExpandPath(cfg.Scan.HistoryPath)
	cfg.Scan.OutputDir = ExpandPath(cfg.Scan.OutputDir)
}

// ExpandPath expands tilde (~) to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return usr.HomeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(usr.HomeDir, path[2:])
	}
	return path
}

// Validate checks the collector settings needed to start the ingestion server.
func (c *CollectorConfig) Validate() error {
	if err := checkSecret(c.SharedSecret); err != nil {
		return fmt.Errorf("collector: %w", err)
	}
	if _, err := c.AllowList(); err != nil {
		return fmt.Errorf("collector: %w", err)
	}
	if c.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("collector: max_connections_per_ip must be positive")
	}
	if c.MaxBufferSize <= 0 {
		return fmt.Errorf("collector: max_buffer_size must be positive")
	}
	return nil
}

// Validate checks the agent settings.
func (a *AgentConfig) Validate() error {
	if err := checkSecret(a.SharedSecret); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if a.PushOnBoot && a.CollectorAddr == "" {
		return fmt.Errorf("agent: collector_addr must be set when push_on_boot is enabled")
	}
	if a.NetworkRange != "" {
		if _, err := netip.ParsePrefix(a.NetworkRange); err != nil {
			return fmt.Errorf("agent: parsing network_range: %w", err)
		}
	}
	return nil
}

func checkSecret(s string) error {
	if s == "" || s == placeholderSecret {
		return fmt.Errorf("shared_secret must be set in config (not '%s')", placeholderSecret)
	}
	return nil
}

// AllowList parses the comma-separated allowed_cidrs list. Only RFC1918 and
// loopback prefixes are accepted.
func (c *CollectorConfig) AllowList() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range strings.Split(c.AllowedCIDRs, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing allowed cidr %q: %w", raw, err)
		}
		p = p.Masked()
		if !p.Addr().Is4() || !(p.Addr().IsPrivate() || p.Addr().IsLoopback()) {
			return nil, fmt.Errorf("allowed cidr %s is not a private IPv4 range", p)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("allowed_cidrs is empty")
	}
	return out, nil
}

// ParseConnectionTimeout parses the idle timeout of an ingestion connection.
func (c *CollectorConfig) ParseConnectionTimeout() (time.Duration, error) {
	return parseDuration(c.ConnectionTimeout, 30*time.Second)
}

// ParseReadTimeout parses how long the agent waits for a command line.
func (a *AgentConfig) ParseReadTimeout() (time.Duration, error) {
	return parseDuration(a.ReadTimeout, 10*time.Second)
}

// Segments returns the configured second octets, inclusive.
func (s *ScanConfig) Segments() []int {
	var out []int
	for seg := s.SegmentStart; seg <= s.SegmentEnd; seg++ {
		if seg < 0 || seg > 255 {
			continue
		}
		out = append(out, seg)
	}
	return out
}

// CSVPath is the discovered-hosts hand-off file inside OutputDir.
func (s *ScanConfig) CSVPath() string {
	return filepath.Join(s.OutputDir, "discovered_hosts.csv")
}

// ParseTargets converts the targets table ("100" = 400) into expected
// live-host counts keyed by segment.
func (s *ScanConfig) ParseTargets() (map[int]int, error) {
	out := make(map[int]int, len(s.Targets))
	for k, v := range s.Targets {
		seg, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || seg < 0 || seg > 255 {
			return nil, fmt.Errorf("scan: target key %q is not a segment", k)
		}
		if v < 0 {
			return nil, fmt.Errorf("scan: target for segment %d is negative", seg)
		}
		out[seg] = v
	}
	return out, nil
}

// ParsePerHostTimeout parses the single-ping timeout.
func (s *ScanConfig) ParsePerHostTimeout() (time.Duration, error) {
	return parseDuration(s.PerHostTimeout, time.Second)
}

// ParsePerSubnetTimeout parses the wall-clock budget of one block sweep.
func (s *ScanConfig) ParsePerSubnetTimeout() (time.Duration, error) {
	return parseDuration(s.PerSubnetTimeout, 8*time.Second)
}

// ParseProbeTimeout parses how long SSDP/mDNS replies are awaited.
func (s *ScanConfig) ParseProbeTimeout() (time.Duration, error) {
	return parseDuration(s.ProbeTimeout, time.Second)
}

// ParsePingInterval parses the status ping loop period.
func (m *MonitorConfig) ParsePingInterval() (time.Duration, error) {
	return parseDuration(m.PingInterval, 20*time.Second)
}

// ParseConnectTimeout parses the agent dial timeout.
func (m *MonitorConfig) ParseConnectTimeout() (time.Duration, error) {
	return parseDuration(m.ConnectTimeout, 10*time.Second)
}

// ParseReadTimeout parses the per-chunk read timeout of an agent pull.
func (m *MonitorConfig) ParseReadTimeout() (time.Duration, error) {
	return parseDuration(m.ReadTimeout, 15*time.Second)
}

// ParseQueryTimeout parses the total budget of one agent pull.
func (m *MonitorConfig) ParseQueryTimeout() (time.Duration, error) {
	return parseDuration(m.QueryTimeout, 30*time.Second)
}

// ParseRefreshInterval parses the automatic full refresh period. Zero means
// refreshes only run when requested.
func (m *MonitorConfig) ParseRefreshInterval() (time.Duration, error) {
	return parseDuration(m.RefreshInterval, 0)
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
