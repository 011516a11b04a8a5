// Package remote detects changes on the game server, builds archives
// there, and transfers them down, using the persisted remote cache to
// keep repeat runs close to free.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gamesync/fastdl/internal/assets"
	"github.com/gamesync/fastdl/internal/cache"
	"github.com/gamesync/fastdl/internal/sshx"
)

const (
	existsTimeout = 30 * time.Second
	listTimeout   = 300 * time.Second
	hashTimeout   = 300 * time.Second
	hashBatchSize = 50 // md5sum invocations per remote command, bounded by command-line length
)

// Detector diffs the current remote listing against the persisted
// cache to produce a minimal changed-file set.
type Detector struct {
	runner   sshx.Runner
	basePath string
	cache    *cache.RemoteCache
}

func NewDetector(runner sshx.Runner, basePath string, c *cache.RemoteCache) *Detector {
	return &Detector{
		runner:   runner,
		basePath: strings.TrimRight(basePath, "/"),
		cache:    c,
	}
}

// ListFingerprints walks every allowed folder on the remote side and
// returns path→mtime (epoch seconds). Folders that don't exist are
// skipped with a warning.
func (d *Detector) ListFingerprints(ctx context.Context) (map[string]float64, error) {
	timestamps := make(map[string]float64)

	for _, folder := range assets.AllowedFolders {
		folderPath := fmt.Sprintf("%s/%s", d.basePath, folder)

		exit, _, _, err := d.runner.Run(ctx,
			fmt.Sprintf("test -d '%s'", folderPath), existsTimeout)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", folderPath, err)
		}
		if exit != 0 {
			slog.Warn("remote folder missing, skipping", "folder", folder)
			continue
		}

		findCmd := fmt.Sprintf(
			"cd '%s' && find '%s' -type f -printf '%%p\\t%%T@\\n' 2>/dev/null",
			d.basePath, folder)
		exit, stdout, stderr, err := d.runner.Run(ctx, findCmd, listTimeout)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", folder, err)
		}
		if exit != 0 {
			slog.Warn("remote listing failed", "folder", folder, "stderr", stderr)
			continue
		}

		for _, line := range strings.Split(stdout, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			path, tsStr, ok := strings.Cut(line, "\t")
			if !ok {
				continue
			}
			ts, err := strconv.ParseFloat(strings.TrimSpace(tsStr), 64)
			if err != nil {
				slog.Debug("invalid remote timestamp", "path", path, "value", tsStr)
				continue
			}
			timestamps[path] = ts
		}
	}

	slog.Info("listed remote files", "count", len(timestamps))
	return timestamps, nil
}

// Diff compares the current listing against the cached timestamps.
// A path is changed when it is new or its mtime moved forward. Paths
// present only in the cache are deleted remotely; they are returned
// separately and pruned at the next persist, never included in the
// changed set.
func (d *Detector) Diff(current map[string]float64) (changed mapset.Set[string], deleted []string) {
	cached := d.cache.LoadTimestamps()
	changed = mapset.NewSet[string]()

	for path, mtime := range current {
		prev, ok := cached[path]
		if !ok || mtime > prev {
			changed.Add(path)
		}
	}

	for path := range cached {
		if _, ok := current[path]; !ok {
			deleted = append(deleted, path)
		}
	}

	slog.Info("remote diff",
		"changed", changed.Cardinality(),
		"deleted", len(deleted),
		"total", len(current))
	return changed, deleted
}

// FetchHashes computes content hashes remotely for the changed subset
// only, batched to respect command-length limits, and merges the
// result into the cached hash map. Entries for paths absent from
// current are pruned. A file whose hash could not be obtained is left
// out of the merged map, so it stays in the changed set next run.
func (d *Detector) FetchHashes(ctx context.Context, changed mapset.Set[string], current map[string]float64) (map[string]string, error) {
	hashes := d.cache.LoadHashes()

	if changed != nil && changed.Cardinality() > 0 {
		paths := changed.ToSlice()
		slog.Info("hashing changed remote files", "count", len(paths))

		for start := 0; start < len(paths); start += hashBatchSize {
			end := min(start+hashBatchSize, len(paths))
			batch := paths[start:end]

			quoted := make([]string, len(batch))
			for i, p := range batch {
				quoted[i] = "'" + strings.ReplaceAll(p, "'", `'"'"'`) + "'"
			}
			cmd := fmt.Sprintf(
				"cd '%s' && for f in %s; do [ -f \"$f\" ] && md5sum \"$f\" 2>/dev/null || echo \"ERROR: $f\"; done",
				d.basePath, strings.Join(quoted, " "))

			exit, stdout, stderr, err := d.runner.Run(ctx, cmd, hashTimeout)
			if err != nil {
				return nil, fmt.Errorf("remote md5 batch: %w", err)
			}
			if exit != 0 {
				slog.Warn("remote md5 batch failed", "stderr", stderr)
				continue
			}

			for _, line := range strings.Split(stdout, "\n") {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, "ERROR:") {
					continue
				}
				fields := strings.SplitN(line, " ", 2)
				if len(fields) != 2 {
					continue
				}
				sum := strings.ToLower(fields[0])
				path := strings.TrimPrefix(strings.TrimSpace(fields[1]), "*")
				if !isHex32(sum) {
					slog.Debug("invalid remote md5", "path", path, "value", sum)
					continue
				}
				hashes[path] = sum
			}
		}
	}

	// Prune hashes for files gone from the current universe.
	pruned := 0
	for path := range hashes {
		if _, ok := current[path]; !ok {
			delete(hashes, path)
			pruned++
		}
	}
	if pruned > 0 {
		slog.Debug("pruned stale remote hashes", "count", pruned)
	}

	return hashes, nil
}

// ShouldUpdate decides whether the remote archive must be rebuilt.
// needsUpdate is false only when the cache exists and nothing changed;
// any probe error fails open toward doing more work, never toward
// silently skipping it.
func (d *Detector) ShouldUpdate(ctx context.Context) (needsUpdate bool, changed mapset.Set[string], current map[string]float64) {
	current, err := d.ListFingerprints(ctx)
	if err != nil {
		slog.Warn("remote change check failed, assuming update needed", "error", err)
		return true, nil, nil
	}
	if len(current) == 0 {
		slog.Warn("no remote files found")
		return true, nil, current
	}

	if !d.cache.Exists() {
		slog.Info("no remote cache yet, full update needed")
		return true, nil, current
	}

	changedSet, _ := d.Diff(current)
	if changedSet.Cardinality() == 0 {
		slog.Info("no remote changes since last run")
		return false, mapset.NewSet[string](), current
	}
	return true, changedSet, current
}

// Persist writes both cache files; called after every successful
// diff+hash cycle.
func (d *Detector) Persist(timestamps map[string]float64, hashes map[string]string) error {
	return d.cache.Persist(timestamps, hashes)
}

// KnownFileCount returns the size of the previously persisted universe,
// used by the transfer strategy selector.
func (d *Detector) KnownFileCount() int {
	return len(d.cache.LoadHashes())
}

func isHex32(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
