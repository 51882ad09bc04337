package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 25*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, 200, cfg.Bus.HistorySize)
	assert.Equal(t, "sandbox", cfg.Payment.Provider)
	assert.Equal(t, 3*time.Hour, cfg.Session.Lifetime)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  driver: postgres
  dsn: postgres://localhost/floor
bus:
  history_size: 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("TABLESIDE_BUS_HISTORY_SIZE", "75")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/floor", cfg.Database.DSN)
	assert.Equal(t, 75, cfg.Bus.HistorySize)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("TABLESIDE_DATABASE_DRIVER", "oracle")

	_, err := Load("")
	assert.ErrorContains(t, err, "unsupported database driver")
}
