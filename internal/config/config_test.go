package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("NEURA_DATABASE_URL", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, "http://mlflow-server:8080", cfg.TrackingURI)
	assert.Equal(t, "strict", cfg.MirrorMode)
	assert.Equal(t, 5*time.Second, cfg.TrackingTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://fallback")
	t.Setenv("NEURA_DATABASE_URL", "postgres://primary")
	t.Setenv("NEURA_MIRROR_MODE", "outbox")
	t.Setenv("NEURA_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("NEURA_RELAY_INTERVAL", "250ms")
	t.Setenv("NEURA_LEGACY_CREATE_MAPPING", "true")
	t.Setenv("MLFLOW_TRACKING_URI", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://primary", cfg.DatabaseURL)
	assert.Equal(t, "outbox", cfg.MirrorMode)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 250*time.Millisecond, cfg.RelayInterval)
	assert.True(t, cfg.LegacyCreateMapping)
	assert.Empty(t, cfg.TrackingURI, "explicitly empty tracking uri selects the recorder")
}

func TestLoadYAMLOverlayThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neura.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
mirror_mode: best_effort
tracking_timeout: 2s
cors_origins: ["https://ui.example.com"]
archive_bucket: jobs
`), 0o600))
	t.Setenv("NEURA_CONFIG_FILE", path)
	t.Setenv("NEURA_ADDR", ":9100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, "best_effort", cfg.MirrorMode)
	assert.Equal(t, 2*time.Second, cfg.TrackingTimeout)
	assert.Equal(t, []string{"https://ui.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, "jobs", cfg.ArchiveBucket)
	assert.Equal(t, 20, cfg.RelayBatch)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("NEURA_MIRROR_MODE", "eventually")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("NEURA_MIRROR_MODE", "strict")
	t.Setenv("NEURA_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	assert.Error(t, err)
}
