// Package fetch acquires the working archive from one of the three
// sources: a pre-built local zip, an HTTP URL, or a remote build on
// the game server.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gamesync/fastdl/internal/cache"
	"github.com/gamesync/fastdl/internal/config"
	"github.com/gamesync/fastdl/internal/remote"
	"github.com/gamesync/fastdl/internal/sshx"
	"github.com/gamesync/fastdl/internal/utils"
)

// FreshnessWindow bounds how old a previously fetched archive may be
// before it is rebuilt. Within the window repeat runs reuse the cached
// archive without touching the source at all.
const FreshnessWindow = 30 * time.Minute

// Result describes the acquired archive. RemoteHashes is populated in
// remote-build mode only; other sources learn content hashes during
// processing instead.
type Result struct {
	ArchivePath  string
	RemoteHashes map[string]string
	Reused       bool
}

// Fetcher resolves the configured source into a local archive path.
type Fetcher struct {
	cfg  *config.Config
	pool *sshx.Pool
}

func New(cfg *config.Config, pool *sshx.Pool) *Fetcher {
	return &Fetcher{cfg: cfg, pool: pool}
}

// cachedArchivePath is where url and remote modes keep the fetched
// archive between runs.
func (f *Fetcher) cachedArchivePath() string {
	return filepath.Join(f.cfg.CacheDir, remote.ArchiveName)
}

// Fetch acquires the archive per the configured source mode.
func (f *Fetcher) Fetch(ctx context.Context) (*Result, error) {
	switch f.cfg.Mode() {
	case config.SourceLocal:
		return f.fromLocal()
	case config.SourceURL:
		return f.fromURL(ctx)
	case config.SourceRemote:
		return f.fromRemote(ctx)
	}
	return nil, fmt.Errorf("no archive source configured")
}

func (f *Fetcher) fromLocal() (*Result, error) {
	if !utils.FileExists(f.cfg.ZipPath) {
		return nil, fmt.Errorf("archive not found: %s", f.cfg.ZipPath)
	}
	slog.Info("using local archive", "path", f.cfg.ZipPath)
	return &Result{ArchivePath: f.cfg.ZipPath}, nil
}

func (f *Fetcher) fromURL(ctx context.Context) (*Result, error) {
	dest := f.cachedArchivePath()
	if IsFresh(dest, FreshnessWindow) {
		slog.Info("reusing recently downloaded archive", "path", dest)
		return &Result{ArchivePath: dest, Reused: true}, nil
	}

	if err := utils.EnsureParent(dest); err != nil {
		return nil, err
	}
	if err := DownloadArchive(ctx, f.cfg.ZipURL, dest); err != nil {
		return nil, err
	}
	return &Result{ArchivePath: dest}, nil
}

func (f *Fetcher) fromRemote(ctx context.Context) (*Result, error) {
	dest := f.cachedArchivePath()
	rcache := cache.NewRemoteCache(f.cfg.CacheDir)

	if IsFresh(dest, FreshnessWindow) {
		slog.Info("reusing recently built archive", "path", dest)
		return &Result{
			ArchivePath:  dest,
			RemoteHashes: rcache.LoadHashes(),
			Reused:       true,
		}, nil
	}

	r := f.cfg.Remote
	conn, err := f.pool.Get(r.Host, r.User, sshx.Opts{
		Port:     r.Port,
		KeyFile:  r.KeyFile,
		Password: r.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", r.Host, err)
	}

	detector := remote.NewDetector(conn, r.Path, rcache)
	needsUpdate, changed, current := detector.ShouldUpdate(ctx)

	if !needsUpdate && utils.FileExists(dest) {
		slog.Info("remote unchanged, reusing cached archive", "path", dest)
		return &Result{
			ArchivePath:  dest,
			RemoteHashes: rcache.LoadHashes(),
			Reused:       true,
		}, nil
	}

	syncer := remote.NewSyncer(conn, conn, remote.RsyncOpts{
		User:     r.User,
		Host:     r.Host,
		Port:     r.Port,
		KeyFile:  r.KeyFile,
		BasePath: r.Path,
	})
	if err := syncer.AcquireArchive(ctx, changed, detector.KnownFileCount(), dest); err != nil {
		return nil, err
	}

	hashes, err := detector.FetchHashes(ctx, changed, current)
	if err != nil {
		slog.Warn("remote hashing failed, continuing without fresh hashes", "error", err)
		hashes = rcache.LoadHashes()
	}
	if current != nil {
		if err := detector.Persist(current, hashes); err != nil {
			slog.Warn("persisting remote cache failed", "error", err)
		}
	}

	return &Result{ArchivePath: dest, RemoteHashes: hashes}, nil
}

// IsFresh reports whether path exists and was modified within window.
func IsFresh(path string, window time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < window
}
