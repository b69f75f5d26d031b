package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sample = `
server:
  port: "9090"
  allowedOrigins: ["http://localhost:3000"]
log:
  level: debug
redis:
  addr: ${QUIZ_TEST_REDIS}
  ttl: 5m
exams:
  seedFile: config/exams.yaml
hub:
  codeTTL: 2h
  presenterTimeout: 30s
  serverTicks: true
nats:
  url: nats://localhost:4222
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("QUIZ_TEST_REDIS", "redis:6379")
	t.Setenv("PORT", "")

	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)

	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, "config/exams.yaml", cfg.Exams.SeedFile)
	require.True(t, cfg.Hub.ServerTicks)
	require.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	require.Equal(t, 30*time.Second, TTLDuration(cfg.Hub.PresenterTimeout, time.Minute))
}

func TestLoadPortOverride(t *testing.T) {
	t.Setenv("PORT", "7000")

	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.Server.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestTTLDuration(t *testing.T) {
	require.Equal(t, time.Minute, TTLDuration("", time.Minute))
	require.Equal(t, time.Minute, TTLDuration("soon", time.Minute))
	require.Equal(t, 90*time.Second, TTLDuration("1m30s", time.Minute))
}
