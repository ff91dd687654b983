package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Config{
		Tunnels: []TunnelConfig{
			{Name: "alpha", Interface: "l2tpeth0", Remote: "203.0.113.7:7001"},
		},
	}
	ApplyDefaults(&cfg)
	return cfg
}

func TestLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tunwatch.yaml")

	cfg := validConfig()
	cfg.Watchdog.PollInterval = 10 * time.Second
	cfg.Tunnels[0].ForwardedPorts = []int{8080, 8443}
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, loaded.Watchdog.PollInterval)
	assert.Equal(t, []int{8080, 8443}, loaded.Tunnels[0].ForwardedPorts)
	assert.Equal(t, DefaultBackoffCap, loaded.Watchdog.BackoffCap)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"no tunnels", func(c *Config) { c.Tunnels = nil }, false},
		{"negative poll interval", func(c *Config) { c.Watchdog.PollInterval = -time.Second }, false},
		{"cap below base", func(c *Config) { c.Watchdog.BackoffCap = c.Watchdog.BackoffBase / 2 }, false},
		{"negative failure threshold", func(c *Config) { c.Thresholds.ConsecutiveFailures = -1 }, false},
		{"reuse ratio above one", func(c *Config) { c.Pool.ReuseRatio = 1.5 }, false},
		{"duplicate tunnel", func(c *Config) { c.Tunnels = append(c.Tunnels, c.Tunnels[0]) }, false},
		{"tunnel without interface", func(c *Config) { c.Tunnels[0].Interface = "" }, false},
		{"tunnel without remote", func(c *Config) { c.Tunnels[0].Remote = "" }, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			err := Validate(cfg)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	ApplyDefaults(&cfg)
	assert.Equal(t, DefaultPollInterval, cfg.Watchdog.PollInterval)
	assert.Equal(t, DefaultSuppressionWindow, cfg.Alerts.SuppressionWindow)
	assert.Equal(t, DefaultPoolSize, cfg.Pool.Size)
	assert.InDelta(t, DefaultReuseRatio, cfg.Pool.ReuseRatio, 1e-9)
	assert.Equal(t, "info", cfg.Logging.Level)
}
