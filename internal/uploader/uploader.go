// Package uploader pushes the output tree to the FastDL bucket,
// skipping objects the ledger or the remote sidecars prove current.
package uploader

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gamesync/fastdl/internal/cache"
	"github.com/gamesync/fastdl/internal/hashutil"
	"github.com/gamesync/fastdl/internal/store"
)

// RemotePrefix is prepended to every object key; game clients request
// assets under cstrike/.
const RemotePrefix = "cstrike/"

// Store is the object-store surface the uploader needs.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	UploadLarge(ctx context.Context, key string, body io.Reader) error
	GetString(ctx context.Context, key string) (string, error)
	List(ctx context.Context, prefix string) (map[string]int64, error)
	Delete(ctx context.Context, key string) error
}

// Result aggregates an upload run.
type Result struct {
	Uploaded int
	Skipped  int
	Failed   int
	Bytes    int64
}

type candidate struct {
	localPath string
	key       string
	basename  string
	size      int64
	mtime     float64
}

// Uploader drives the probe→enumerate→filter→transfer→persist cycle.
type Uploader struct {
	store     Store
	outputDir string
	ledger    *cache.UploadLedger
	workers   int

	mu        sync.Mutex
	largeOnly bool // endpoint rejects single-shot checksums
	result    Result
}

func New(s Store, outputDir, cacheDir string, workers int) *Uploader {
	return &Uploader{
		store:     s,
		outputDir: outputDir,
		ledger:    cache.LoadLedger(cacheDir),
		workers:   workers,
	}
}

// Probe uploads and deletes a marker object to verify write access and
// detect endpoints needing the multipart workaround. A probe failure
// is fatal: nothing else would succeed either.
func (u *Uploader) Probe(ctx context.Context) error {
	key := RemotePrefix + ".fastdl_probe_" + uuid.NewString()
	body := strings.NewReader("fastdl probe")

	err := u.store.Put(ctx, key, body, int64(body.Len()))
	if store.IsChecksumMismatch(err) {
		slog.Warn("endpoint rejects single-shot checksums, using multipart for all uploads")
		u.largeOnly = true
		body = strings.NewReader("fastdl probe")
		err = u.store.UploadLarge(ctx, key, body)
	}
	if err != nil {
		return fmt.Errorf("upload probe: %w", err)
	}

	if err := u.store.Delete(ctx, key); err != nil {
		slog.Warn("probe cleanup failed", "key", key, "error", err)
	}
	return nil
}

// Upload syncs the output tree into the bucket and persists the
// ledger. Individual transfer failures are counted, not fatal.
func (u *Uploader) Upload(ctx context.Context) (*Result, error) {
	if err := u.Probe(ctx); err != nil {
		return nil, err
	}

	candidates, err := u.enumerate()
	if err != nil {
		return nil, err
	}
	slog.Info("upload candidates", "count", len(candidates))

	pending := u.filter(ctx, candidates)
	if len(pending) == 0 {
		slog.Info("everything already uploaded")
		return u.finish()
	}

	// Largest first so the slowest transfers start immediately.
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].size > pending[j].size
	})

	slog.Info("uploading", "files", len(pending), "workers", u.workers)
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(u.workers)
	for _, c := range pending {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			u.transfer(ctx, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Persist what completed before the cancellation.
		if perr := u.ledger.Persist(); perr != nil {
			slog.Warn("ledger persist failed", "error", perr)
		}
		return nil, err
	}

	slog.Info("upload complete",
		"uploaded", u.result.Uploaded,
		"skipped", u.result.Skipped,
		"failed", u.result.Failed,
		"transferred", humanize.Bytes(uint64(u.result.Bytes)),
		"took", time.Since(start).Round(time.Millisecond))
	return u.finish()
}

func (u *Uploader) finish() (*Result, error) {
	if err := u.ledger.Persist(); err != nil {
		return nil, fmt.Errorf("persist upload ledger: %w", err)
	}
	r := u.result
	return &r, nil
}

// enumerate walks the output tree and maps every data file to its
// object key. Sidecars travel with their data file, and the cache
// dotfiles never leave the machine.
func (u *Uploader) enumerate() ([]candidate, error) {
	var candidates []candidate

	err := filepath.WalkDir(u.outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || hashutil.IsSidecarPath(name) {
			return nil
		}

		rel, err := filepath.Rel(u.outputDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		candidates = append(candidates, candidate{
			localPath: path,
			key:       RemotePrefix + filepath.ToSlash(rel),
			basename:  name,
			size:      info.Size(),
			mtime:     hashutil.EpochSeconds(info),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate output tree: %w", err)
	}
	return candidates, nil
}

// filter drops candidates that are provably current. Tier one is the
// local ledger; tier two compares the local sidecar against the
// remote one. Any doubt keeps the candidate in the upload set.
func (u *Uploader) filter(ctx context.Context, candidates []candidate) []candidate {
	remote, err := u.store.List(ctx, RemotePrefix)
	if err != nil {
		slog.Warn("remote listing failed, uploading without it", "error", err)
		remote = nil
	}

	var pending []candidate
	for _, c := range candidates {
		if u.ledger.Matches(c.basename, c.mtime, c.size) {
			u.result.Skipped++
			continue
		}

		if remote != nil {
			if size, ok := remote[c.key]; ok && size == c.size && u.remoteSidecarMatches(ctx, c) {
				u.result.Skipped++
				u.recordLedger(c)
				continue
			}
		}
		pending = append(pending, c)
	}
	return pending
}

// remoteSidecarMatches compares the local sidecar hash with the one
// stored next to the remote object. Missing or malformed sidecars on
// either side count as a mismatch.
func (u *Uploader) remoteSidecarMatches(ctx context.Context, c candidate) bool {
	localHash, ok := hashutil.ReadSidecar(c.localPath)
	if !ok {
		return false
	}

	content, err := u.store.GetString(ctx, c.key+hashutil.SidecarExt)
	if err != nil {
		if !store.IsNotFound(err) {
			slog.Debug("remote sidecar fetch failed", "key", c.key, "error", err)
		}
		return false
	}
	remoteHash, ok := hashutil.ParseSidecarContent(content)
	return ok && remoteHash == localHash
}

func (u *Uploader) transfer(ctx context.Context, c candidate) {
	f, err := os.Open(c.localPath)
	if err != nil {
		slog.Error("open for upload failed", "path", c.localPath, "error", err)
		u.fail()
		return
	}
	defer f.Close()

	u.mu.Lock()
	largeOnly := u.largeOnly
	u.mu.Unlock()

	if largeOnly || c.size > store.MultipartThreshold {
		err = u.store.UploadLarge(ctx, c.key, f)
	} else {
		err = u.store.Put(ctx, c.key, f, c.size)
		if store.IsChecksumMismatch(err) {
			u.mu.Lock()
			u.largeOnly = true
			u.mu.Unlock()
			if _, serr := f.Seek(0, 0); serr == nil {
				err = u.store.UploadLarge(ctx, c.key, f)
			}
		}
	}
	if err != nil {
		slog.Error("upload failed", "key", c.key, "error", err)
		u.fail()
		return
	}

	u.uploadSidecar(ctx, c)
	u.recordLedger(c)

	u.mu.Lock()
	u.result.Uploaded++
	u.result.Bytes += c.size
	u.mu.Unlock()
	slog.Debug("uploaded", "key", c.key, "size", humanize.Bytes(uint64(c.size)))
}

// uploadSidecar pushes the .md5 companion, unless the remote copy is
// already identical. Clients can live without it, so failure only
// logs.
func (u *Uploader) uploadSidecar(ctx context.Context, c candidate) {
	sidecarPath := hashutil.SidecarPath(c.localPath)
	content, err := os.ReadFile(sidecarPath)
	if err != nil {
		slog.Warn("sidecar missing at upload time", "path", sidecarPath)
		return
	}

	key := c.key + hashutil.SidecarExt
	if remote, err := u.store.GetString(ctx, key); err == nil && remote == string(content) {
		return
	}

	u.mu.Lock()
	largeOnly := u.largeOnly
	u.mu.Unlock()

	if largeOnly {
		err = u.store.UploadLarge(ctx, key, strings.NewReader(string(content)))
	} else {
		err = u.store.Put(ctx, key, strings.NewReader(string(content)), int64(len(content)))
	}
	if err != nil {
		slog.Warn("sidecar upload failed", "key", c.key, "error", err)
	}
}

func (u *Uploader) recordLedger(c candidate) {
	hash, _ := hashutil.ReadSidecar(c.localPath)
	u.ledger.Record(c.basename, cache.LedgerEntry{
		ModTime:  c.mtime,
		Size:     c.size,
		MD5:      hash,
		Uploaded: true,
	})
}

func (u *Uploader) fail() {
	u.mu.Lock()
	u.result.Failed++
	u.mu.Unlock()
}

// QuickCheck reports how many output files the ledger already proves
// uploaded, without touching the network.
func (u *Uploader) QuickCheck() (current, total int, err error) {
	candidates, err := u.enumerate()
	if err != nil {
		return 0, 0, err
	}
	for _, c := range candidates {
		if u.ledger.Matches(c.basename, c.mtime, c.size) {
			current++
		}
	}
	return current, len(candidates), nil
}
