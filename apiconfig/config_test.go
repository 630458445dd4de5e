package apiconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	assert.NoError(t, Validate(Defaults()))
}

func TestValidateCatchesBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero public port", func(c *Config) { c.Api.PublicServerPort = 0 }},
		{"port out of range", func(c *Config) { c.Api.AdminServerPort = 70000 }},
		{"zero max units", func(c *Config) { c.Scheduler.MaxUnitsPerNode = 0 }},
		{"zero replica factor", func(c *Config) { c.Scheduler.ReplicaFactor = 0 }},
		{"zero quorum size", func(c *Config) { c.Verification.QuorumSize = 0 }},
		{"quorum exceeds replicas", func(c *Config) { c.Verification.QuorumSize = c.Scheduler.ReplicaFactor + 1 }},
		{"sample fraction over 1", func(c *Config) { c.Verification.SampleFraction = 1.5 }},
		{"negative sample fraction", func(c *Config) { c.Verification.SampleFraction = -0.1 }},
		{"zero window length", func(c *Config) { c.Scoring.WindowLengthSec = 0 }},
		{"zero payload limit", func(c *Config) { c.Validation.MaxPayloadBytes = 0 }},
		{"zero missed beats", func(c *Config) { c.Registry.MissedBeatsProbation = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestValidateReportsAllProblemsAtOnce(t *testing.T) {
	cfg := Defaults()
	cfg.Api.PublicServerPort = 0
	cfg.Scheduler.ReplicaFactor = 0

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public_server_port")
	assert.Contains(t, err.Error(), "replica_factor")
}

func TestDurationHelpers(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 300*time.Second, cfg.Scheduler.UnitDeadline())
	assert.Equal(t, 10*time.Second, cfg.Scheduler.SweepInterval())
	assert.Equal(t, 600*time.Second, cfg.Scoring.WindowLength())
	assert.Equal(t, 60*time.Second, cfg.Scoring.SealGrace())
	assert.Equal(t, 3*time.Second, cfg.Verification.RetryBackoff())
	assert.Equal(t, 2*time.Second, cfg.Publisher.InitialBackoff())
	assert.Equal(t, 120*time.Second, cfg.Publisher.MaxBackoff())
	assert.Equal(t, 10*time.Second, cfg.Registry.HeartbeatInterval())
}

func TestLoadConfigManagerFromYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
scheduler:
  replica_factor: 5
verification:
  quorum_size: 4
scoring:
  window_length_seconds: 120
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv(configPathEnv, path)

	manager, err := LoadConfigManager()
	require.NoError(t, err)

	cfg := manager.GetConfig()
	assert.Equal(t, 5, cfg.Scheduler.ReplicaFactor)
	assert.Equal(t, 4, cfg.Verification.QuorumSize)
	assert.Equal(t, 120, cfg.Scoring.WindowLengthSec)

	// Untouched sections keep their defaults.
	assert.Equal(t, 9100, cfg.Api.PublicServerPort)
	assert.Equal(t, 300, cfg.Scheduler.UnitDeadlineSec)
}

func TestLoadConfigManagerEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  replica_factor: 5\n"), 0o600))
	t.Setenv(configPathEnv, path)
	t.Setenv("ORCH_SCHEDULER_REPLICA_FACTOR", "7")

	manager, err := LoadConfigManager()
	require.NoError(t, err)
	assert.Equal(t, 7, manager.GetSchedulerConfig().ReplicaFactor)
}

func TestLoadConfigManagerRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  replica_factor: 0\n"), 0o600))
	t.Setenv(configPathEnv, path)

	_, err := LoadConfigManager()
	assert.Error(t, err)
}
