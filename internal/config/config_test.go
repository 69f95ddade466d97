package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "medlearn", cfg.Name)
	assert.False(t, cfg.IsProduction())
	assert.False(t, cfg.ApprovalRequired(), "single-admin default; two-person mode is opt-in")
	assert.Len(t, cfg.Revision.FSRSWeights, 19)
	assert.Equal(t, len(cfg.Mastery.BucketDays), len(cfg.Mastery.BucketWeights))
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Session.MaxQuestions, cfg.Session.MaxQuestions)
}

func TestLoadOverridesAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
session:
  min_questions: 5
  max_questions: 50
elo:
  recenter_trigger: 0.5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 50, cfg.Session.MaxQuestions)
	assert.InDelta(t, 0.5, cfg.Elo.RecenterTrigger, 1e-9)
	assert.NotZero(t, cfg.Bandit.Alpha0, "untouched sections keep their defaults")

	t.Run("invalid config is rejected", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte(`
mastery:
  bucket_days: [7, 30]
  bucket_weights: [1.0]
`), 0o644))
		_, err := Load(bad)
		assert.Error(t, err)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEDLEARN_DB", "/tmp/env-override.db")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env-override.db", cfg.Database.Path)
}

func TestRuntimeCacheTTLClamp(t *testing.T) {
	cfg := Default()
	cfg.Runtime.CacheTTL = "2m"
	assert.Equal(t, 10*time.Second, cfg.RuntimeCacheTTL(), "policy caps the staleness window")

	cfg.Runtime.CacheTTL = "3s"
	assert.Equal(t, 3*time.Second, cfg.RuntimeCacheTTL())

	cfg.Runtime.CacheTTL = "bogus"
	assert.Equal(t, 5*time.Second, cfg.RuntimeCacheTTL(), "unparseable TTL falls back to the default")
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  max_questions: 40\n"), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	w.debounce = 0 // no editors involved here

	reloaded := make(chan *Config, 1)
	w.Subscribe(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("session:\n  max_questions: 60\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 60, cfg.Session.MaxQuestions)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never delivered the reloaded config")
	}

	t.Run("broken write keeps the old config", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("session: [not a map\n"), 0o644))
		select {
		case cfg := <-reloaded:
			t.Fatalf("invalid config must not be delivered, got %+v", cfg.Session)
		case <-time.After(1 * time.Second):
		}
	})
}
