package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 500*time.Millisecond, cfg.Tick())
	assert.Equal(t, 256, cfg.Engine.ClaimLimit)
	assert.Equal(t, uint64(256), cfg.Replay.WindowWidth)
	assert.Equal(t, 1, cfg.Engine.Instances)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.True(t, cfg.Chain.Mock)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
engine:
  tick_ms: 1000
  workers: 8
store:
  backend: postgres
  dsn: postgres://localhost/machpay
chain:
  endpoint: http://chain:8899
  mock: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, time.Second, cfg.Tick())
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, "http://chain:8899", cfg.Chain.Endpoint)
	assert.False(t, cfg.Chain.Mock)

	// Untouched sections keep their defaults.
	assert.Equal(t, 256, cfg.Engine.ClaimLimit)
	assert.Equal(t, 32, cfg.Batch.MaxInstructions)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [oops"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
