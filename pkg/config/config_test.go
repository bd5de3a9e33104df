package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, Validate(&cfg))

	assert.Equal(t, "memfs-server", cfg.Root.FsPort)
	assert.Equal(t, 40, cfg.VFS.MaxSymlinkExpansions)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), *cfg)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "helium.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: DEBUG
  format: json
vfs:
  max_symlink_expansions: 20
root:
  fs_port: other-fs
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 20, cfg.VFS.MaxSymlinkExpansions)
	assert.Equal(t, "other-fs", cfg.Root.FsPort)
	// Untouched fields keep their defaults.
	assert.Equal(t, Defaults().API.Listen, cfg.API.Listen)
}

func TestValidationRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.VFS.MaxSymlinkExpansions = 0
	assert.Error(t, Validate(&cfg))

	cfg = Defaults()
	cfg.Root.FsPort = ""
	assert.Error(t, Validate(&cfg))

	cfg = Defaults()
	cfg.ShutdownTimeout = 0
	assert.Error(t, Validate(&cfg))
}
