package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := LoadWithEnv("", noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rackd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
in_memory: true
sweep_interval: 1m
activation:
  min_delay: 100ms
  max_delay: 2s
  period_unit: 1m
`), 0o600))

	env := map[string]string{
		"RACKD_HTTP_ADDR":          ":9100",
		"RACKD_ACTIVATION_WORKERS": "8",
	}
	cfg, err := LoadWithEnv(path, func(k string) string { return env[k] })
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.HTTPAddr)
	assert.True(t, cfg.InMemory)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Activation.MinDelay)
	assert.Equal(t, 2*time.Second, cfg.Activation.MaxDelay)
	assert.Equal(t, time.Minute, cfg.Activation.PeriodUnit)
	assert.Equal(t, 8, cfg.Activation.Workers)
	// untouched keys keep their defaults
	assert.Equal(t, ":50051", cfg.GRPCAddr)
	assert.Equal(t, 1, cfg.Activation.DefaultMonths)
}

func TestBadEnvValue(t *testing.T) {
	_, err := LoadWithEnv("", func(k string) string {
		if k == "RACKD_SWEEP_INTERVAL" {
			return "soon"
		}
		return ""
	})
	assert.ErrorContains(t, err, "RACKD_SWEEP_INTERVAL")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Activation.MinDelay = 5 * time.Second
	cfg.Activation.MaxDelay = time.Second
	cfg.Activation.Workers = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_delay")
	assert.Contains(t, err.Error(), "workers")
}

func TestMissingFile(t *testing.T) {
	_, err := LoadWithEnv(filepath.Join(t.TempDir(), "nope.yaml"), noEnv)
	assert.Error(t, err)
}
