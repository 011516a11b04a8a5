package remote

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"

	"github.com/gamesync/fastdl/internal/assets"
	"github.com/gamesync/fastdl/internal/sshx"
	"github.com/gamesync/fastdl/internal/utils"
)

// Strategy names a way of getting changed remote files into a local
// archive.
type Strategy int

const (
	// StrategyRsync pulls changed files with rsync and zips them locally.
	StrategyRsync Strategy = iota
	// StrategyIncremental builds a remote zip of only the changed files.
	StrategyIncremental
	// StrategyFull builds a remote zip of all asset folders.
	StrategyFull
)

const (
	// rsyncChangedLimit caps the change-set size worth pulling file by
	// file; beyond it a remote archive amortizes better.
	rsyncChangedLimit = 1000
	// incrementalFraction is the share of the known universe below which
	// an incremental remote zip beats a full rebuild.
	incrementalFraction = 0.5
)

func (s Strategy) String() string {
	switch s {
	case StrategyRsync:
		return "rsync"
	case StrategyIncremental:
		return "incremental-zip"
	case StrategyFull:
		return "full-zip"
	}
	return "unknown"
}

// ChooseStrategy picks a transfer strategy from the change-set size,
// the previously known file count, and local rsync availability.
func ChooseStrategy(changedCount, knownCount int, rsyncOK bool) Strategy {
	if rsyncOK && changedCount > 0 && changedCount < rsyncChangedLimit {
		return StrategyRsync
	}
	if knownCount > 0 && float64(changedCount) < float64(knownCount)*incrementalFraction {
		return StrategyIncremental
	}
	return StrategyFull
}

// Downloader pulls a remote file down to a local path.
type Downloader interface {
	Download(ctx context.Context, remotePath, localPath string, progress sshx.ProgressFunc) error
}

// Syncer acquires a local archive of remote changes, falling back from
// cheaper strategies to a full rebuild when they fail.
type Syncer struct {
	builder    *ZipBuilder
	downloader Downloader
	rsyncOpts  RsyncOpts
	rsyncOK    bool
}

func NewSyncer(runner sshx.Runner, downloader Downloader, opts RsyncOpts) *Syncer {
	return &Syncer{
		builder:    NewZipBuilder(runner, opts.BasePath),
		downloader: downloader,
		rsyncOpts:  opts,
		rsyncOK:    RsyncAvailable(),
	}
}

// AcquireArchive materializes the changed remote files as a local zip
// at destZip. A nil change set means the listing could not be trusted,
// so everything must be rebuilt. A failed rsync falls through to a
// remote archive build; a failed incremental build falls through to a
// full one.
func (s *Syncer) AcquireArchive(ctx context.Context, changed mapset.Set[string], knownCount int, destZip string) error {
	if changed == nil {
		slog.Info("change set unknown, building full archive", "known", knownCount)
		return s.viaFull(ctx, destZip)
	}
	changedCount := changed.Cardinality()

	strategy := ChooseStrategy(changedCount, knownCount, s.rsyncOK)
	slog.Info("transfer strategy selected",
		"strategy", strategy.String(),
		"changed", changedCount,
		"known", knownCount)

	if strategy == StrategyRsync {
		err := s.viaRsync(ctx, changed, destZip)
		if err == nil {
			return nil
		}
		slog.Warn("rsync transfer failed, falling back to remote archive", "error", err)
		strategy = StrategyIncremental
		if knownCount == 0 || float64(changedCount) >= float64(knownCount)*incrementalFraction {
			strategy = StrategyFull
		}
	}

	if strategy == StrategyIncremental {
		err := s.viaIncremental(ctx, changed, destZip)
		if err == nil {
			return nil
		}
		slog.Warn("incremental archive failed, falling back to full archive", "error", err)
	}

	return s.viaFull(ctx, destZip)
}

func (s *Syncer) viaRsync(ctx context.Context, changed mapset.Set[string], destZip string) error {
	staging, err := os.MkdirTemp("", "fastdl-rsync-")
	if err != nil {
		return fmt.Errorf("create rsync staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := RsyncChanged(ctx, s.rsyncOpts, changed, staging); err != nil {
		return err
	}
	return buildLocalZip(staging, destZip)
}

func (s *Syncer) viaIncremental(ctx context.Context, changed mapset.Set[string], destZip string) error {
	if err := s.builder.BuildIncremental(ctx, changed); err != nil {
		return err
	}
	return s.download(ctx, destZip)
}

func (s *Syncer) viaFull(ctx context.Context, destZip string) error {
	folders, err := s.builder.ExistingFolders(ctx, assets.AllowedFolders)
	if err != nil {
		return err
	}
	if len(folders) == 0 {
		return fmt.Errorf("no asset folders found under %s", s.rsyncOpts.BasePath)
	}
	if err := s.builder.BuildFull(ctx, folders); err != nil {
		return err
	}
	return s.download(ctx, destZip)
}

func (s *Syncer) download(ctx context.Context, destZip string) error {
	remotePath := s.builder.ArchivePath()
	slog.Info("downloading remote archive", "path", remotePath)

	start := time.Now()
	var lastPct int64 = -1
	err := s.downloader.Download(ctx, remotePath, destZip, func(transferred, total int64) {
		if total <= 0 {
			return
		}
		pct := transferred * 100 / total
		if pct/10 > lastPct/10 {
			lastPct = pct
			slog.Info("download progress",
				"percent", pct,
				"transferred", humanize.Bytes(uint64(transferred)),
				"total", humanize.Bytes(uint64(total)))
		}
	})
	if err != nil {
		return fmt.Errorf("download archive: %w", err)
	}

	if info, statErr := os.Stat(destZip); statErr == nil {
		slog.Info("archive downloaded",
			"size", humanize.Bytes(uint64(info.Size())),
			"took", time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// buildLocalZip packs the staging tree into destZip with forward-slash
// entry names, matching what a remote zip build would produce.
func buildLocalZip(stagingDir, destZip string) error {
	if err := utils.EnsureParent(destZip); err != nil {
		return err
	}
	out, err := os.Create(destZip)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	err = filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("pack staged files: %w", err)
	}
	return zw.Close()
}
