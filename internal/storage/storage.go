// Package storage provides the durable key-value snapshots shared by the
// checkpoint store and the usage ledger. A location is either a directory on
// disk or a redis:// URL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var ErrNotFound = errors.New("storage: snapshot not found")

type SnapshotStore interface {
	WriteSnapshot(ctx context.Context, key string, data []byte) error
	// ReadSnapshot returns ErrNotFound when key has never been written.
	ReadSnapshot(ctx context.Context, key string) ([]byte, error)
	Location() string
	Close() error
}

const redisScheme = "redis://"

// Open resolves a location to a store. redis://host:port/prefix selects Redis,
// anything else is treated as a directory.
func Open(location string) (SnapshotStore, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.New("storage: location is required")
	}
	if strings.HasPrefix(location, redisScheme) {
		addr, prefix := splitRedisLocation(location)
		return NewRedisStore(addr, prefix)
	}

	return NewFileStore(location)
}

func splitRedisLocation(location string) (addr, prefix string) {
	rest := strings.TrimPrefix(location, redisScheme)
	addr, prefix, _ = strings.Cut(rest, "/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "scholarq"
	}
	return addr, prefix
}

// RedisLocation builds the location string Open understands for a Redis run.
func RedisLocation(addr, prefix string) string {
	return redisScheme + addr + "/" + prefix
}

const runDirPrefix = "run_"

// NewRunName names a fresh session directory after its start time.
func NewRunName(now time.Time) string {
	return runDirPrefix + now.Format("20060102_150405")
}

// LatestRunDir returns the most recently modified run_* directory under base.
func LatestRunDir(base string) (string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no run directories under %s: %w", base, ErrNotFound)
		}
		return "", err
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var runs []candidate
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), runDirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, candidate{path: filepath.Join(base, e.Name()), modTime: info.ModTime()})
	}
	if len(runs) == 0 {
		return "", fmt.Errorf("no run directories under %s: %w", base, ErrNotFound)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].modTime.Equal(runs[j].modTime) {
			return runs[i].path > runs[j].path
		}
		return runs[i].modTime.After(runs[j].modTime)
	})
	return runs[0].path, nil
}
