package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gamesync/fastdl/internal/sshx"
)

// ArchiveName is the fixed name of the archive built on the remote
// side before download.
const ArchiveName = "fastdl_remote_archive.zip"

const (
	rmTimeout       = 30 * time.Second
	zipBatchTimeout = 600 * time.Second
	fullZipTimeout  = 1200 * time.Second
	zipBatchSize    = 100 // paths per zip(1) invocation, bounded by command-line length
)

// ZipBuilder creates archives on the remote host via shell commands.
type ZipBuilder struct {
	runner   sshx.Runner
	basePath string
}

func NewZipBuilder(runner sshx.Runner, basePath string) *ZipBuilder {
	return &ZipBuilder{
		runner:   runner,
		basePath: strings.TrimRight(basePath, "/"),
	}
}

// ArchivePath returns the absolute remote path of the built archive.
func (b *ZipBuilder) ArchivePath() string {
	return b.basePath + "/" + ArchiveName
}

func (b *ZipBuilder) removeExisting(ctx context.Context) error {
	_, _, _, err := b.runner.Run(ctx,
		fmt.Sprintf("rm -f '%s'", b.ArchivePath()), rmTimeout)
	return err
}

// BuildIncremental creates an archive containing only the changed
// files, appending in batches to stay under command-length limits.
func (b *ZipBuilder) BuildIncremental(ctx context.Context, changed mapset.Set[string]) error {
	if changed == nil || changed.Cardinality() == 0 {
		slog.Info("no changed files, skipping archive build")
		return nil
	}

	slog.Info("building incremental remote archive", "files", changed.Cardinality())
	if err := b.removeExisting(ctx); err != nil {
		return fmt.Errorf("remove stale archive: %w", err)
	}

	paths := changed.ToSlice()
	for start := 0; start < len(paths); start += zipBatchSize {
		end := min(start+zipBatchSize, len(paths))

		quoted := make([]string, 0, end-start)
		for _, p := range paths[start:end] {
			quoted = append(quoted, "'"+strings.ReplaceAll(p, "'", `'"'"'`)+"'")
		}

		// First batch creates the archive, later batches update it.
		flag := ""
		if start > 0 {
			flag = "-u "
		}
		cmd := fmt.Sprintf("cd '%s' && zip %s'%s' %s",
			b.basePath, flag, ArchiveName, strings.Join(quoted, " "))

		exit, _, stderr, err := b.runner.Run(ctx, cmd, zipBatchTimeout)
		if err != nil {
			return fmt.Errorf("incremental zip batch: %w", err)
		}
		if exit != 0 {
			return fmt.Errorf("incremental zip batch failed: %s", strings.TrimSpace(stderr))
		}
		slog.Debug("archive batch added",
			"batch", start/zipBatchSize+1,
			"total", (len(paths)+zipBatchSize-1)/zipBatchSize)
	}

	slog.Info("incremental remote archive built")
	return nil
}

// BuildFull creates an archive of the given folders from scratch.
func (b *ZipBuilder) BuildFull(ctx context.Context, folders []string) error {
	slog.Info("building full remote archive", "folders", strings.Join(folders, ","))
	if err := b.removeExisting(ctx); err != nil {
		return fmt.Errorf("remove stale archive: %w", err)
	}

	quoted := make([]string, len(folders))
	for i, f := range folders {
		quoted[i] = "'" + f + "'"
	}
	cmd := fmt.Sprintf("cd '%s' && zip -r '%s' %s",
		b.basePath, ArchiveName, strings.Join(quoted, " "))

	exit, _, stderr, err := b.runner.Run(ctx, cmd, fullZipTimeout)
	if err != nil {
		return fmt.Errorf("full zip: %w", err)
	}
	if exit != 0 {
		return fmt.Errorf("full zip failed: %s", strings.TrimSpace(stderr))
	}

	slog.Info("full remote archive built")
	return nil
}

// ExistingFolders probes which allowed folders actually exist remotely.
func (b *ZipBuilder) ExistingFolders(ctx context.Context, folders []string) ([]string, error) {
	var found []string
	for _, folder := range folders {
		exit, _, _, err := b.runner.Run(ctx,
			fmt.Sprintf("test -d '%s/%s'", b.basePath, folder), existsTimeout)
		if err != nil {
			return nil, fmt.Errorf("probe folder %s: %w", folder, err)
		}
		if exit == 0 {
			found = append(found, folder)
		} else {
			slog.Warn("remote folder missing", "folder", folder)
		}
	}
	return found, nil
}
