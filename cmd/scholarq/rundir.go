package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nadmax/scholarq/internal/checkpoint"
	"github.com/nadmax/scholarq/internal/config"
	"github.com/nadmax/scholarq/internal/storage"
)

// runDir is where a run keeps its log file and, unless Redis is configured,
// its snapshots.
type runDir struct {
	dir        string
	location   string
	resumeFrom string
}

// resolveRun picks a fresh run_* directory, or with -continue the explicit
// -log-dir or the most recent run_* under the log base. Continuing fails when
// the previous run left no progress snapshot.
func resolveRun(cfg *config.Config, now time.Time) (runDir, error) {
	if !cfg.Continue {
		dir := filepath.Join(cfg.LogDir, storage.NewRunName(now))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return runDir{}, fmt.Errorf("create run directory: %w", err)
		}
		return runDir{dir: dir, location: locationFor(cfg, dir)}, nil
	}

	dir := cfg.RunDir
	if dir == "" {
		latest, err := storage.LatestRunDir(cfg.LogDir)
		if err != nil {
			return runDir{}, fmt.Errorf("nothing to continue: %w", err)
		}
		dir = latest
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return runDir{}, fmt.Errorf("nothing to continue: run directory %s not found", dir)
	}

	location := locationFor(cfg, dir)
	if err := requireProgress(location); err != nil {
		return runDir{}, err
	}
	return runDir{dir: dir, location: location, resumeFrom: location}, nil
}

// locationFor keys a Redis run by its directory name so -continue finds it.
func locationFor(cfg *config.Config, dir string) string {
	if cfg.RedisAddr != "" {
		return storage.RedisLocation(cfg.RedisAddr, filepath.Base(dir))
	}
	return dir
}

func requireProgress(location string) error {
	store, err := storage.Open(location)
	if err != nil {
		return fmt.Errorf("open %s: %w", location, err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := store.ReadSnapshot(ctx, checkpoint.DefaultKey); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("nothing to continue: no %s in %s", checkpoint.DefaultKey, location)
		}
		return fmt.Errorf("read progress: %w", err)
	}
	return nil
}
