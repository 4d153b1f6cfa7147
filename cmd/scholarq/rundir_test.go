package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/scholarq/internal/checkpoint"
	"github.com/nadmax/scholarq/internal/config"
	"github.com/nadmax/scholarq/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRun_Fresh(t *testing.T) {
	cfg := config.Default()
	cfg.LogDir = t.TempDir()
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	rd, err := resolveRun(cfg, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.LogDir, "run_20240301_093000"), rd.dir)
	assert.Equal(t, rd.dir, rd.location)
	assert.Empty(t, rd.resumeFrom)
	assert.DirExists(t, rd.dir)
}

func TestResolveRun_ContinueWithoutRuns(t *testing.T) {
	cfg := config.Default()
	cfg.LogDir = filepath.Join(t.TempDir(), "missing")
	cfg.Continue = true

	_, err := resolveRun(cfg, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to continue")
}

func TestResolveRun_ContinueWithoutProgress(t *testing.T) {
	cfg := config.Default()
	cfg.LogDir = t.TempDir()
	cfg.Continue = true
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.LogDir, "run_20240301_093000"), 0o755))

	_, err := resolveRun(cfg, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), checkpoint.DefaultKey)
}

func TestResolveRun_ContinueLatest(t *testing.T) {
	cfg := config.Default()
	cfg.LogDir = t.TempDir()
	cfg.Continue = true
	dir := filepath.Join(cfg.LogDir, "run_20240301_093000")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, checkpoint.DefaultKey), []byte("{}"), 0o644))

	rd, err := resolveRun(cfg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, dir, rd.dir)
	assert.Equal(t, dir, rd.resumeFrom)
}

func TestResolveRun_ContinueRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := config.Default()
	cfg.LogDir = t.TempDir()
	cfg.RedisAddr = mr.Addr()
	cfg.Continue = true
	dir := filepath.Join(cfg.LogDir, "run_20240301_093000")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	_, err = resolveRun(cfg, time.Now())
	require.Error(t, err)

	location := storage.RedisLocation(mr.Addr(), "run_20240301_093000")
	store, err := storage.Open(location)
	require.NoError(t, err)
	require.NoError(t, store.WriteSnapshot(context.Background(), checkpoint.DefaultKey, []byte("{}")))
	require.NoError(t, store.Close())

	rd, err := resolveRun(cfg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, location, rd.resumeFrom)
	assert.True(t, strings.HasPrefix(rd.location, "redis://"))
}

func TestConfigPath(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"-workers", "3"}, ""},
		{[]string{"-config", "a.yaml"}, "a.yaml"},
		{[]string{"--config=b.yaml", "-continue"}, "b.yaml"},
		{[]string{"-continue", "--config", "c.yaml"}, "c.yaml"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, configPath(tt.args), tt.args)
	}
}
