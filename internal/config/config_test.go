package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxParallelJobs)
	assert.Equal(t, 1800, cfg.SessionTimeoutSec)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "runs"), cfg.RunsDir)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("max_parallel_jobs: 5\nlog_level: debug\n"), 0o600))

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxParallelJobs)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"max_parallel_jobs": 3}`), 0o600))

	t.Setenv("SKILL_RUNNER_MAX_PARALLEL", "7")
	t.Setenv("SKILL_RUNNER_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("LANDLOCK_ENABLED", "true")
	t.Setenv("SKILL_RUNNER_CODEX_CLIENT_ID", "client-x")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxParallelJobs)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.DataDir)
	assert.True(t, cfg.LandlockEnabled)
	assert.Equal(t, "client-x", cfg.OAuthOverrides["codex"].ClientID)
}

func TestValidateRejectsBadLogFormat(t *testing.T) {
	cfg := &Config{LogFormat: "xml"}
	assert.Error(t, cfg.Validate())
}

func TestSaveAtomic(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	require.NoError(t, Save(p, &Config{LogFormat: "json"}))

	_, err := os.Stat(p + ".tmp")
	assert.True(t, os.IsNotExist(err))

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
}
