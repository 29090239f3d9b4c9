package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  env: dev
dispatch:
  tick_seconds: 5
matching:
  max_providers: 5
  travel_speed_kmh: 30
radius:
  ladder_km: [15, 25, 40]
order:
  decline_debounce: 2s
storage:
  backend: memory
metrics:
  prometheus_enabled: true
  prometheus_port: 9100
telemetry:
  enabled: true
  topic: fm/telemetry/location
notify:
  mqtt:
    broker: tcp://localhost:1883
sentry:
  environment: staging
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Logging.Env)
	assert.Equal(t, 5, cfg.Dispatch.TickSeconds)
	assert.Equal(t, 5, cfg.Matching.MaxProviders)
	assert.Equal(t, 2*time.Second, cfg.Order.DeclineDebounce)
	assert.True(t, cfg.Metrics.PrometheusEnabled)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "fm/telemetry/location", cfg.Telemetry.Topic)
	assert.Equal(t, "staging", cfg.Sentry.Environment)

	ladder, err := cfg.Radius.Ladder()
	require.NoError(t, err)
	assert.InDelta(t, 15, ladder.First(), 0.001)
	assert.InDelta(t, 40, ladder.Max(), 0.001)
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"storage": {"backend": "postgres", "postgres": {"dsn": "postgres://localhost/dispatch"}},
		"server": {"addr": ":9090"}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `{}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Logging.Env)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, ":8080", cfg.Server.Addr)

	ladder, err := cfg.Radius.Ladder()
	require.NoError(t, err)
	assert.Len(t, ladder, 3)
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad ladder", "radius:\n  ladder_km: [25, 15]\n"},
		{"postgres without dsn", "storage:\n  backend: postgres\n"},
		{"unknown backend", "storage:\n  backend: cassandra\n"},
		{"push without endpoint", "notify:\n  push_enabled: true\n"},
		{"redis without addr", "redis:\n  enabled: true\n"},
		{"kpi without path", "metrics:\n  kpi_enabled: true\n"},
		{"telemetry without broker", "telemetry:\n  enabled: true\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tc.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeConfig(t, "config.toml", "")
	_, err := Load(path)
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "config.yaml", "dispatch:\n  tick_seconds: 5\n")
	t.Setenv("FM_DISPATCH__TICK_SECONDS", "30")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Dispatch.TickSeconds)
}
