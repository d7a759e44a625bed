package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.yaml")
	yml := `
env: test
limits:
  max_conns_per_user: 4
  max_conns_per_session: 2
  presence_grace: 2s
rate:
  max: 10
  window: 5s
  throttle_at: 3
  close_at: 9
bus:
  enabled: true
  servers: ["nats://a:4222"]
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("CHAT_RATE_CLOSE_AT", "12")
	t.Setenv("CHAT_NATS_URLS", "nats://b:4222, nats://c:4222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EnvTest, cfg.Env)
	assert.Equal(t, 4, cfg.Limits.MaxConnsPerUser)
	assert.Equal(t, 2*time.Second, cfg.Limits.PresenceGrace)
	assert.Equal(t, 5*time.Second, cfg.Rate.Window)
	assert.Equal(t, 12, cfg.Rate.CloseAt)
	assert.Equal(t, []string{"nats://b:4222", "nats://c:4222"}, cfg.Bus.Servers)
	// untouched defaults survive
	assert.Equal(t, DefaultMaxQueueDepth, cfg.Backpressure.MaxQueueDepth)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"session cap above user cap": func(c *Config) { c.Limits.MaxConnsPerSession = c.Limits.MaxConnsPerUser + 1 },
		"close not above throttle":   func(c *Config) { c.Rate.CloseAt = c.Rate.ThrottleAt },
		"bad warn ratio":             func(c *Config) { c.Rate.WarnRatio = 1.5 },
		"prod without secret":        func(c *Config) { c.Env = EnvProduction },
		"unknown env":                func(c *Config) { c.Env = "staging" },
		"zero queue depth":           func(c *Config) { c.Backpressure.MaxQueueDepth = 0 },
		"prod without bus": func(c *Config) {
			c.Env = EnvProduction
			c.Auth.Secret = "s"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidateProduction(t *testing.T) {
	c := Default()
	c.Env = EnvProduction
	c.Auth.Secret = "s"
	c.Bus.Enabled = true
	assert.NoError(t, c.Validate())
}

func TestApplyEnvBadNumber(t *testing.T) {
	t.Setenv("CHAT_RATE_MAX", "lots")
	assert.Error(t, ApplyEnv(Default()))
}
