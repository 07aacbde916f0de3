package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratequeue/internal/config"
	"ratequeue/internal/ratelimit"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ratequeue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "ratequeue.db", cfg.DBPath)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, time.Second, cfg.ResetInterval)
	assert.Equal(t, []ratelimit.Rule{config.DefaultRule}, cfg.Rules)
	assert.Empty(t, cfg.Schedules)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("ADDR", ":9090")
	t.Setenv("RESET_INTERVAL", "250ms")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.ResetInterval)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())

	t.Setenv("WORKERS", "many")
	_, err = config.Load("")
	assert.ErrorIs(t, err, config.ErrParsingConfig)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
rules:
  - window: 5s
    limit: 10
  - window: 1m
    limit: 100
schedules:
  - name: ping
    cron: "*/5 * * * *"
    type: http
    payload:
      method: GET
      url: http://localhost:8080/health
  - name: off
    cron: "@hourly"
    type: shell
    enabled: false
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, []ratelimit.Rule{
		{Window: 5 * time.Second, Limit: 10},
		{Window: time.Minute, Limit: 100},
	}, cfg.Rules)

	require.Len(t, cfg.Schedules, 2)
	ping := cfg.Schedules[0]
	assert.Equal(t, "ping", ping.Name)
	assert.Equal(t, "*/5 * * * *", ping.CronExpr)
	assert.True(t, ping.Enabled)
	assert.JSONEq(t, `{"method":"GET","url":"http://localhost:8080/health"}`, string(ping.Payload))
	assert.False(t, cfg.Schedules[1].Enabled)
	assert.Nil(t, cfg.Schedules[1].Payload)
}

func TestLoadFileFromEnvironment(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeFile(t, "rules:\n  - window: 2s\n    limit: 3\n"))

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, []ratelimit.Rule{{Window: 2 * time.Second, Limit: 3}}, cfg.Rules)
}

func TestLoadFileErrors(t *testing.T) {
	cases := map[string]string{
		"unknown field": "rulez: []\n",
		"invalid rule":  "rules:\n  - window: 0s\n    limit: 1\n",
		"bad yaml":      "rules: [\n",
		"bad cron":      "schedules:\n  - name: nightly\n    cron: \"61 * * * *\"\n    type: shell\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, body))
			assert.ErrorIs(t, err, config.ErrInvalidFile)
		})
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, config.ErrInvalidFile)
}
