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

	path := filepath.Join(t.TempDir(), "cadence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("defaults without a config file", func(t *testing.T) {
		t.Parallel()

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, filepath.Join("cadence", "extensions"), cfg.InstallDir)
		assert.Equal(t, filepath.Join("cadence", "artifacts"), cfg.ArtifactDir)
		assert.Equal(t, filepath.Join("cadence", "cadence.db"), cfg.DatabasePath)
		assert.Equal(t, filepath.Join("cadence", "trust.toml"), cfg.TrustPolicyPath)
		assert.Equal(t, filepath.Join("cadence", "sideload"), cfg.SideloadDir)
		assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
		assert.Equal(t, 10*time.Second, cfg.CallTimeout)
		assert.Equal(t, 2*time.Second, cfg.UnloadTimeout)
		assert.Equal(t, 6*time.Hour, cfg.UpdateCheckInterval)
		assert.True(t, cfg.AllowNetwork)
		assert.Equal(t, int64(64<<20), cfg.MaxPackageBytes)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Empty(t, cfg.Repositories)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		t.Parallel()

		path := writeConfig(t, `
install_dir: /srv/cadence/ext
call_timeout: 250ms
update_check_interval: 0
allow_network: false
repositories:
  - https://repo.example/manifest.json
  - https://mirror.example/manifest.json
log_level: debug
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "/srv/cadence/ext", cfg.InstallDir)
		assert.Equal(t, 250*time.Millisecond, cfg.CallTimeout)
		assert.Zero(t, cfg.UpdateCheckInterval)
		assert.False(t, cfg.AllowNetwork)
		assert.Equal(t, []string{
			"https://repo.example/manifest.json",
			"https://mirror.example/manifest.json",
		}, cfg.Repositories)
		assert.Equal(t, "debug", cfg.LogLevel)

		// untouched keys keep their defaults
		assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	})

	t.Run("derived paths follow data_dir", func(t *testing.T) {
		t.Parallel()

		path := writeConfig(t, "data_dir: /var/lib/cadence\n")
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "/var/lib/cadence/extensions", cfg.InstallDir)
		assert.Equal(t, "/var/lib/cadence/artifacts", cfg.ArtifactDir)
		assert.Equal(t, "/var/lib/cadence/cadence.db", cfg.DatabasePath)
		assert.Equal(t, "/var/lib/cadence/sideload", cfg.SideloadDir)
	})

	t.Run("explicit path must exist", func(t *testing.T) {
		t.Parallel()

		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed file", func(t *testing.T) {
		t.Parallel()

		path := writeConfig(t, "install_dir: [not\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("negative timeout rejected", func(t *testing.T) {
		t.Parallel()

		path := writeConfig(t, "call_timeout: -1s\n")
		_, err := Load(path)
		assert.ErrorContains(t, err, "call_timeout")
	})
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CADENCE_LOG_LEVEL", "debug")
	t.Setenv("CADENCE_DATA_DIR", "/tmp/cadence-env")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/cadence-env", cfg.DataDir)
	assert.Equal(t, "/tmp/cadence-env/extensions", cfg.InstallDir)
}
