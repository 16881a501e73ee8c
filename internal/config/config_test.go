package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults_AreValid(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	// An explicit path that does not exist is an error; callers pass ""
	// to accept defaults.
	require.Error(t, err)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 1000*time.Millisecond, cfg.Poll.BaseInterval)
	assert.Equal(t, 3, cfg.Heartbeat.MaxGracePeriods)
}

func TestLoad_PartialFileInheritsDefaults(t *testing.T) {
	path := writeConfig(t, `
poll:
  base_interval: 2s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Poll.BaseInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Poll.MinPollInterval)
	assert.Equal(t, 60*time.Second, cfg.Heartbeat.GracePeriodDuration)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
poll:
  base_interval: 2s
  typo_interval: 5s
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding config")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
execution:
  max_concurrent_executions: 0
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution.max_concurrent_executions")
}

func TestLoad_ActivityMultiplierOverride(t *testing.T) {
	path := writeConfig(t, `
heartbeat:
  activity_multipliers:
    research: 25
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Heartbeat.ActivityMultipliers["research"])
}

func TestValidate_NamesOffendingKey(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantKey string
	}{
		{
			name:    "log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantKey: "log.level",
		},
		{
			name:    "poll base interval",
			mutate:  func(c *Config) { c.Poll.BaseInterval = 0 },
			wantKey: "poll.base_interval",
		},
		{
			name:    "max interval below base",
			mutate:  func(c *Config) { c.Poll.MaxInterval = 500 * time.Millisecond },
			wantKey: "poll.max_interval",
		},
		{
			name:    "negative grace periods",
			mutate:  func(c *Config) { c.Heartbeat.MaxGracePeriods = -1 },
			wantKey: "heartbeat.max_grace_periods",
		},
		{
			name: "zero activity multiplier",
			mutate: func(c *Config) {
				c.Heartbeat.ActivityMultipliers = map[string]int{"idle": 0}
			},
			wantKey: "heartbeat.activity_multipliers.idle",
		},
		{
			name:    "sample rate out of range",
			mutate:  func(c *Config) { c.Tracing.SampleRate = 1.5 },
			wantKey: "tracing.sample_rate",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
				c.Tracing.OTLPEndpoint = ""
			},
			wantKey: "tracing.otlp_endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantKey)
		})
	}
}

func TestDefaultConfigTemplate_ParsesAndValidates(t *testing.T) {
	path := writeConfig(t, DefaultConfigTemplate())
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}
