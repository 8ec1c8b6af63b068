package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "CELLGUARD_CONFIG"
	DefaultConfigPath = "/etc/cellguard/cellguard.yaml"
)

const (
	DefaultProbeDelay     = 5 * time.Second
	DefaultMaxProbeDelay  = 10 * DefaultProbeDelay
	DefaultStallThreshold = 1200 * time.Second
	DefaultInboxSize      = 64
	DefaultCheckTimeout   = 3 * time.Second
	DefaultDNSQuery       = "connectivitycheck.gstatic.com."
	DefaultRatInterval    = 5 * time.Second
	DefaultHandoverRate   = 6
	DefaultHandoverBurst  = 2
	DefaultQueueCapacity  = 1024
	DefaultServerAddr     = "127.0.0.1:9310"
	DefaultRedisChannel   = "cellguard.events"
)

var DefaultDNSResolvers = []string{"8.8.8.8:53"}

type Config struct {
	Radios  []int         `yaml:"radios"`
	Monitor MonitorConfig `yaml:"monitor"`
	Probes  ProbeConfig   `yaml:"probes"`
	Rat     RatConfig     `yaml:"rat"`
	Queue   QueueConfig   `yaml:"queue"`
	Journal JournalConfig `yaml:"journal"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

type MonitorConfig struct {
	DefaultProbeDelay time.Duration `yaml:"default_probe_delay"`
	MaxProbeDelay     time.Duration `yaml:"max_probe_delay"`
	StallThreshold    time.Duration `yaml:"stall_threshold"`
	InboxSize         int           `yaml:"inbox_size"`
}

type ProbeConfig struct {
	DNSResolvers   []string      `yaml:"dns_resolvers"`
	DNSQuery       string        `yaml:"dns_query"`
	CheckTimeout   time.Duration `yaml:"check_timeout"`
	ICMPPrivileged bool          `yaml:"icmp_privileged"`
}

type RatConfig struct {
	Interval           time.Duration `yaml:"interval"`
	EnabledOnStart     bool          `yaml:"enabled_on_start"`
	HandoverRatePerMin int           `yaml:"handover_rate_per_min"`
	HandoverBurst      int           `yaml:"handover_burst"`
}

type QueueConfig struct {
	MemItemsCap int `yaml:"mem_items_cap"`
}

type JournalConfig struct {
	PostgresDSN  string `yaml:"postgres_dsn"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr"`
	AdminToken string `yaml:"admin_token"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config %q: %w", path, err)
	}

	return cfg, nil
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if len(c.Radios) == 0 {
		c.Radios = []int{0}
	}
	if c.Monitor.DefaultProbeDelay <= 0 {
		c.Monitor.DefaultProbeDelay = DefaultProbeDelay
	}
	if c.Monitor.MaxProbeDelay <= 0 {
		c.Monitor.MaxProbeDelay = 10 * c.Monitor.DefaultProbeDelay
	}
	if c.Monitor.StallThreshold <= 0 {
		c.Monitor.StallThreshold = DefaultStallThreshold
	}
	if c.Monitor.InboxSize <= 0 {
		c.Monitor.InboxSize = DefaultInboxSize
	}
	if len(c.Probes.DNSResolvers) == 0 {
		c.Probes.DNSResolvers = append([]string(nil), DefaultDNSResolvers...)
	}
	if c.Probes.DNSQuery == "" {
		c.Probes.DNSQuery = DefaultDNSQuery
	}
	if c.Probes.CheckTimeout <= 0 {
		c.Probes.CheckTimeout = DefaultCheckTimeout
	}
	if c.Rat.Interval <= 0 {
		c.Rat.Interval = DefaultRatInterval
	}
	if c.Rat.HandoverRatePerMin <= 0 {
		c.Rat.HandoverRatePerMin = DefaultHandoverRate
	}
	if c.Rat.HandoverBurst <= 0 {
		c.Rat.HandoverBurst = DefaultHandoverBurst
	}
	if c.Queue.MemItemsCap <= 0 {
		c.Queue.MemItemsCap = DefaultQueueCapacity
	}
	if c.Journal.RedisChannel == "" {
		c.Journal.RedisChannel = DefaultRedisChannel
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c Config) Validate() error {
	if c.Monitor.MaxProbeDelay < c.Monitor.DefaultProbeDelay {
		return fmt.Errorf("monitor.max_probe_delay %s is below default_probe_delay %s", c.Monitor.MaxProbeDelay, c.Monitor.DefaultProbeDelay)
	}
	seen := make(map[int]struct{}, len(c.Radios))
	for _, id := range c.Radios {
		if id < 0 {
			return fmt.Errorf("radio id %d must not be negative", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("radio id %d listed twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
