// Package cache holds the durable state that makes repeat runs cheap:
// remote file timestamps and hashes, and the upload-state ledger. All
// of it is loaded once at stage entry and rewritten once at stage exit;
// corruption is treated as a cache miss, never an error.
package cache

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/gamesync/fastdl/internal/utils"
)

const (
	timestampCacheFile = ".remote_timestamps.json"
	hashCacheFile      = ".remote_md5s.json"
)

// RemoteCache persists the last observed remote state: per-path
// modification times and content hashes. Losing it is safe but
// wasteful; the next run re-treats every file as changed.
type RemoteCache struct {
	dir string
}

func NewRemoteCache(dir string) *RemoteCache {
	return &RemoteCache{dir: dir}
}

func (c *RemoteCache) timestampPath() string {
	return filepath.Join(c.dir, timestampCacheFile)
}

func (c *RemoteCache) hashPath() string {
	return filepath.Join(c.dir, hashCacheFile)
}

// Exists reports whether a previous run persisted any timestamp state.
func (c *RemoteCache) Exists() bool {
	return utils.FileExists(c.timestampPath())
}

// LoadTimestamps returns the cached path→mtime map, empty on any read
// or parse failure.
func (c *RemoteCache) LoadTimestamps() map[string]float64 {
	return loadJSONMap[float64](c.timestampPath())
}

// LoadHashes returns the cached path→md5 map, empty on any read or
// parse failure.
func (c *RemoteCache) LoadHashes() map[string]string {
	return loadJSONMap[string](c.hashPath())
}

// Persist overwrites both cache files. Callers must invoke it after
// every successful diff+hash cycle; skipping it only costs extra work
// next run.
func (c *RemoteCache) Persist(timestamps map[string]float64, hashes map[string]string) error {
	if err := saveJSONMap(c.timestampPath(), timestamps); err != nil {
		return err
	}
	return saveJSONMap(c.hashPath(), hashes)
}

func loadJSONMap[V any](path string) map[string]V {
	out := make(map[string]V)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Debug("cache read failed", "path", path, "error", err)
		}
		return out
	}

	if err := json.Unmarshal(data, &out); err != nil {
		// Corrupt cache counts as empty, the next scan regenerates it.
		slog.Warn("discarding corrupt cache file", "path", path, "error", err)
		return make(map[string]V)
	}
	return out
}

func saveJSONMap[V any](path string, m map[string]V) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, data, 0o644)
}
