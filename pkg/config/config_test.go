package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/flowreg/pkg/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 16, cfg.Shards)
	assert.Equal(t, "/var/run/flowreg", cfg.Transport.ChannelDir)
	assert.Equal(t, "orchestration", cfg.Transport.Self)
	assert.Equal(t, domain.ComponentOrchestration, cfg.SelfID())
	assert.Equal(t, 0.9, cfg.Matcher.LoadFactor)
	assert.Equal(t, "xxhash", cfg.Matcher.HashAlgorithm)
	assert.Equal(t, 0.01, cfg.Bloom.FalsePositiveRate)
	assert.Equal(t, "lru", cfg.Cache.Policy)
	assert.Equal(t, 5*time.Second, cfg.MessageTimeout())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "flowreg.yaml", `
shards: 8
transport:
  channel_dir: /tmp/flowreg-test
  self: networking
  timeout_ms: 250
matcher:
  hash_algorithm: blake2b
  load_factor: 0.75
cache:
  policy: lfu
  max_entries: 500
directory:
  bootstrap: [transport, consensus]
logging:
  level: debug
  development: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Shards)
	assert.Equal(t, "/tmp/flowreg-test", cfg.Transport.ChannelDir)
	assert.Equal(t, domain.ComponentNetworking, cfg.SelfID())
	assert.Equal(t, 250*time.Millisecond, cfg.MessageTimeout())
	assert.Equal(t, "blake2b", cfg.Matcher.HashAlgorithm)
	assert.Equal(t, 0.75, cfg.Matcher.LoadFactor)
	assert.Equal(t, "lfu", cfg.Cache.Policy)
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t,
		[]domain.ComponentID{domain.ComponentTransport, domain.ComponentConsensus},
		cfg.BootstrapIDs())
	assert.True(t, cfg.Logging.Development)

	// Unset fields still receive defaults.
	assert.Equal(t, 128, cfg.Transport.MaxConnections)
	assert.Equal(t, 0.01, cfg.Bloom.FalsePositiveRate)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "flowreg.json", `{
  "shards": 4,
  "transport": {"self": "security"},
  "cache": {"policy": "random"}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Shards)
	assert.Equal(t, domain.ComponentSecurity, cfg.SelfID())
	assert.Equal(t, "random", cfg.Cache.Policy)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad self", func(c *Config) { c.Transport.Self = "mystery" }},
		{"bad hash", func(c *Config) { c.Matcher.HashAlgorithm = "md5" }},
		{"load factor 1.0", func(c *Config) { c.Matcher.LoadFactor = 1.0 }},
		{"fp rate 1.0", func(c *Config) { c.Bloom.FalsePositiveRate = 1.0 }},
		{"bad policy", func(c *Config) { c.Cache.Policy = "mru" }},
		{"bad bootstrap", func(c *Config) { c.Directory.Bootstrap = []string{"nobody"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
