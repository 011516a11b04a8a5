// Package run wires the pipeline stages together: fetch, extract,
// process, upload.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gamesync/fastdl/internal/config"
	"github.com/gamesync/fastdl/internal/fetch"
	"github.com/gamesync/fastdl/internal/hashutil"
	"github.com/gamesync/fastdl/internal/processor"
	"github.com/gamesync/fastdl/internal/sshx"
	"github.com/gamesync/fastdl/internal/store"
	"github.com/gamesync/fastdl/internal/uploader"
	"github.com/gamesync/fastdl/internal/utils"
)

// Run executes one pipeline pass. The configuration must already be
// validated.
func Run(ctx context.Context, cfg *config.Config) error {
	start := time.Now()

	if err := utils.EnsureDir(cfg.OutputDir); err != nil {
		return fmt.Errorf("prepare output dir: %w", err)
	}
	if err := utils.EnsureDir(cfg.CacheDir); err != nil {
		return fmt.Errorf("prepare cache dir: %w", err)
	}

	failed := 0
	if !cfg.UploadOnly {
		n, err := produce(ctx, cfg)
		if err != nil {
			return err
		}
		failed += n
	} else {
		slog.Info("upload-only mode, skipping fetch and processing")
	}

	failed += Validate(cfg.OutputDir).Errors

	if cfg.SkipUpload {
		slog.Info("upload skipped", "output", cfg.OutputDir)
	} else {
		n, err := upload(ctx, cfg)
		if err != nil {
			return err
		}
		failed += n
	}

	slog.Info("run finished", "took", time.Since(start).Round(time.Second))
	// Per-file casualties are reported, not fatal; a partially synced
	// tree is still worth serving.
	if failed > 0 {
		slog.Warn("run completed with file failures", "failed", failed)
	}
	return nil
}

// Validate runs a sidecar maintenance pass over the output tree.
func Validate(outputDir string) hashutil.ValidateResult {
	slog.Info("validating sidecars", "dir", outputDir)
	result := hashutil.ValidateTree(outputDir)
	slog.Info("validation complete",
		"validated", result.Validated,
		"fixed", result.Fixed,
		"errors", result.Errors)
	return result
}

// produce acquires the archive and materializes the output tree. It
// returns the per-file failure count; only stage-level errors are
// fatal.
func produce(ctx context.Context, cfg *config.Config) (int, error) {
	pool := sshx.NewPool()
	defer pool.CloseAll()

	fetched, err := fetch.New(cfg, pool).Fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch archive: %w", err)
	}

	workDir, err := os.MkdirTemp("", "fastdl-extract-")
	if err != nil {
		return 0, fmt.Errorf("create work dir: %w", err)
	}
	if cfg.KeepTemp {
		slog.Info("keeping extraction dir", "path", workDir)
	} else {
		defer os.RemoveAll(workDir)
	}

	assetRoot, err := fetch.Extract(fetched.ArchivePath, workDir)
	if err != nil {
		return 0, fmt.Errorf("extract archive: %w", err)
	}

	p := processor.New(cfg.OutputDir, cfg.CompressionLevel, cfg.Workers)
	result, err := p.Process(ctx, assetRoot, fetched.RemoteHashes)
	if err != nil {
		return 0, fmt.Errorf("process assets: %w", err)
	}
	if result.Failed > 0 {
		slog.Warn("some files failed to process", "failed", result.Failed)
	}
	return result.Failed, nil
}

func upload(ctx context.Context, cfg *config.Config) (int, error) {
	client, err := store.New(ctx, store.Config{
		Bucket:    cfg.Bucket,
		Endpoint:  cfg.EndpointURL,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
	})
	if err != nil {
		return 0, err
	}

	u := uploader.New(client, cfg.OutputDir, cfg.CacheDir, cfg.UploadWorkers)

	if current, total, err := u.QuickCheck(); err == nil && total > 0 && current == total {
		slog.Info("all files already uploaded", "files", total)
		return 0, nil
	}

	if err := client.Ping(ctx); err != nil {
		return 0, err
	}

	result, err := u.Upload(ctx)
	if err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}
	if result.Failed > 0 {
		slog.Warn("some uploads failed", "failed", result.Failed)
	}
	return result.Failed, nil
}
