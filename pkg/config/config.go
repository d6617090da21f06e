// Package config loads and validates the registry configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/flowreg/pkg/domain"
)

// Config is the single structure covering every tunable of the
// registry.
type Config struct {
	// Shards is the number of independently locked matcher partitions.
	// Rounded up to a power of two.
	Shards int `yaml:"shards" json:"shards"`

	Transport TransportConfig `yaml:"transport" json:"transport"`
	Matcher   MatcherConfig   `yaml:"matcher" json:"matcher"`
	Bloom     BloomConfig     `yaml:"bloom" json:"bloom"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Directory DirectoryConfig `yaml:"directory" json:"directory"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// TransportConfig covers the local channel endpoint.
type TransportConfig struct {
	// ChannelDir holds every component's socket endpoint.
	ChannelDir string `yaml:"channel_dir" json:"channel_dir"`

	// Self names the registry's own endpoint inside ChannelDir.
	Self string `yaml:"self" json:"self"`

	MaxConnections int `yaml:"max_connections" json:"max_connections"`
	Workers        int `yaml:"workers" json:"workers"`
	TimeoutMS      int `yaml:"timeout_ms" json:"timeout_ms"`
	MaxPayloadKB   int `yaml:"max_payload_kb" json:"max_payload_kb"`
}

// MatcherConfig covers the exact-match table.
type MatcherConfig struct {
	InitialCapacity int     `yaml:"initial_capacity" json:"initial_capacity"`
	MaxEntries      int     `yaml:"max_entries" json:"max_entries"`
	LoadFactor      float64 `yaml:"load_factor" json:"load_factor"`

	// HashAlgorithm is "xxhash" (default) or "blake2b" for
	// attacker-influenced keys.
	HashAlgorithm string `yaml:"hash_algorithm" json:"hash_algorithm"`
}

// BloomConfig covers the negative-lookup filter bank.
type BloomConfig struct {
	FalsePositiveRate float64 `yaml:"false_positive_rate" json:"false_positive_rate"`
	ExpectedEntries   int     `yaml:"expected_entries" json:"expected_entries"`
	HashCount         int     `yaml:"hash_count" json:"hash_count"`
	Generations       int     `yaml:"generations" json:"generations"`
}

// CacheConfig covers the lookup cache.
type CacheConfig struct {
	MaxEntries     int    `yaml:"max_entries" json:"max_entries"`
	MemoryBudgetKB int    `yaml:"memory_budget_kb" json:"memory_budget_kb"`
	Policy         string `yaml:"policy" json:"policy"` // lru | lfu | fifo | random
	TTLSeconds     int    `yaml:"ttl_seconds" json:"ttl_seconds"`
	SweepSeconds   int    `yaml:"sweep_seconds" json:"sweep_seconds"`
}

// DirectoryConfig covers component discovery and health tracking.
type DirectoryConfig struct {
	DiscoverySeconds        int      `yaml:"discovery_seconds" json:"discovery_seconds"`
	HeartbeatSeconds        int      `yaml:"heartbeat_seconds" json:"heartbeat_seconds"`
	HeartbeatTimeoutSeconds int      `yaml:"heartbeat_timeout_seconds" json:"heartbeat_timeout_seconds"`
	Bootstrap               []string `yaml:"bootstrap" json:"bootstrap"`
}

// LoggingConfig covers the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"` // debug | info | warn | error
	Development bool   `yaml:"development" json:"development"`
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a file, determining the format by
// extension and falling back to YAML then JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))

	cfg := &Config{}
	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
		if err != nil {
			err = json.Unmarshal(data, cfg)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Shards <= 0 {
		c.Shards = 16
	}

	if c.Transport.ChannelDir == "" {
		c.Transport.ChannelDir = "/var/run/flowreg"
	}
	if c.Transport.Self == "" {
		c.Transport.Self = domain.ComponentOrchestration.String()
	}
	if c.Transport.MaxConnections <= 0 {
		c.Transport.MaxConnections = 128
	}
	if c.Transport.Workers <= 0 {
		c.Transport.Workers = 8
	}
	if c.Transport.TimeoutMS <= 0 {
		c.Transport.TimeoutMS = 5000
	}
	if c.Transport.MaxPayloadKB <= 0 {
		c.Transport.MaxPayloadKB = 64
	}

	if c.Matcher.InitialCapacity <= 0 {
		c.Matcher.InitialCapacity = 1 << 16
	}
	if c.Matcher.LoadFactor <= 0 {
		c.Matcher.LoadFactor = 0.9
	}
	if c.Matcher.HashAlgorithm == "" {
		c.Matcher.HashAlgorithm = "xxhash"
	}

	if c.Bloom.FalsePositiveRate <= 0 {
		c.Bloom.FalsePositiveRate = 0.01
	}
	if c.Bloom.ExpectedEntries <= 0 {
		c.Bloom.ExpectedEntries = 100000
	}
	if c.Bloom.Generations <= 0 {
		c.Bloom.Generations = 4
	}

	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.Policy == "" {
		c.Cache.Policy = "lru"
	}

	if c.Directory.DiscoverySeconds <= 0 {
		c.Directory.DiscoverySeconds = 10
	}
	if c.Directory.HeartbeatSeconds <= 0 {
		c.Directory.HeartbeatSeconds = 5
	}
	if c.Directory.HeartbeatTimeoutSeconds <= 0 {
		c.Directory.HeartbeatTimeoutSeconds = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if _, err := domain.ParseComponentID(c.Transport.Self); err != nil {
		return fmt.Errorf("transport.self: %w", err)
	}
	switch c.Matcher.HashAlgorithm {
	case "xxhash", "blake2b":
	default:
		return fmt.Errorf("matcher.hash_algorithm: unknown algorithm %q", c.Matcher.HashAlgorithm)
	}
	if c.Matcher.LoadFactor >= 1 {
		return fmt.Errorf("matcher.load_factor: must be below 1.0, got %v", c.Matcher.LoadFactor)
	}
	if c.Bloom.FalsePositiveRate >= 1 {
		return fmt.Errorf("bloom.false_positive_rate: must be below 1.0, got %v", c.Bloom.FalsePositiveRate)
	}
	switch c.Cache.Policy {
	case "lru", "lfu", "fifo", "random":
	default:
		return fmt.Errorf("cache.policy: unknown policy %q", c.Cache.Policy)
	}
	for _, name := range c.Directory.Bootstrap {
		if _, err := domain.ParseComponentID(name); err != nil {
			return fmt.Errorf("directory.bootstrap: %w", err)
		}
	}
	return nil
}

// SelfID returns the parsed registry identity. Call after Validate.
func (c *Config) SelfID() domain.ComponentID {
	id, _ := domain.ParseComponentID(c.Transport.Self)
	return id
}

// BootstrapIDs returns the parsed bootstrap component set.
func (c *Config) BootstrapIDs() []domain.ComponentID {
	out := make([]domain.ComponentID, 0, len(c.Directory.Bootstrap))
	for _, name := range c.Directory.Bootstrap {
		if id, err := domain.ParseComponentID(name); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// MessageTimeout returns the transport timeout as a duration.
func (c *Config) MessageTimeout() time.Duration {
	return time.Duration(c.Transport.TimeoutMS) * time.Millisecond
}
