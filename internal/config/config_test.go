package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chaintrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(viper.New(), "", nil)
	require.NoError(t, err)

	assert.Empty(t, cfg.ConfigFile)
	assert.Equal(t, BackendBolt, cfg.Backend)
	assert.Equal(t, "chaintrace.db", cfg.BoltPath)
	assert.Equal(t, 10, cfg.MaxAppendRetries)
	assert.Equal(t, 5*time.Minute, cfg.Audit.Interval)
	assert.Equal(t, 50.0, cfg.Audit.DevicesPerSecond)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_file(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: badger
badger:
  dir: /var/lib/chaintrace
ledger:
  max_append_retries: 3
audit:
  interval: 30s
webhooks:
  urls:
    - https://noc.example.com/hooks/chaintrace
  secret: s3cret
log:
  level: debug
  development: true
`)

	cfg, err := Load(viper.New(), path, nil)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, BackendBadger, cfg.Backend)
	assert.Equal(t, "/var/lib/chaintrace", cfg.BadgerDir)
	assert.Equal(t, 3, cfg.MaxAppendRetries)
	assert.Equal(t, 30*time.Second, cfg.Audit.Interval)
	assert.Equal(t, []string{"https://noc.example.com/hooks/chaintrace"}, cfg.Webhooks.URLs)
	assert.Equal(t, "s3cret", cfg.Webhooks.Secret)
	assert.True(t, cfg.Log.Development)
}

func TestLoad_envOverridesFile(t *testing.T) {
	path := writeConfig(t, "store:\n  backend: badger\n")
	t.Setenv("STORE_BACKEND", "memory")

	cfg, err := Load(viper.New(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend)
}

func TestLoad_flagOverridesFile(t *testing.T) {
	path := writeConfig(t, "store:\n  backend: badger\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("backend", "", "")
	require.NoError(t, fs.Parse([]string{"--backend", "postgres"}))

	cfg, err := Load(viper.New(), path, fs)
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Backend)
}

func TestLoad_missingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{Backend: BackendMemory, Audit: AuditConfig{Interval: time.Minute}}
	require.NoError(t, base.Validate())

	bad := base
	bad.Backend = "sqlite"
	assert.ErrorContains(t, bad.Validate(), "unknown store backend")

	bad = base
	bad.MaxAppendRetries = -1
	assert.Error(t, bad.Validate())

	bad = base
	bad.Audit.Interval = 0
	assert.Error(t, bad.Validate())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestLoad_doesNotValidateBackend(t *testing.T) {
	path := writeConfig(t, "store:\n  backend: sqlite\n")

	cfg, err := Load(viper.New(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Backend)
	assert.ErrorContains(t, cfg.Validate(), "unknown store backend")
}
