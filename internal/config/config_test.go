package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shmbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
path: /tmp/my-bus
item_size: 4MB
num_items: 64
logging:
  level: debug
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/my-bus", cfg.Path)
	assert.Equal(t, 4*datasize.MB, cfg.ItemSize)
	assert.Equal(t, uint64(64), cfg.NumItems)
	assert.Equal(t, zapcore.DebugLevel, cfg.Logging.Level)
}

func TestValidateRejectsMissingPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroItemSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ItemSize = 0
	assert.Error(t, cfg.Validate())
}
