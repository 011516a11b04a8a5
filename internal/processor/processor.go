// Package processor turns the extracted asset tree into the output
// tree: compressible formats are bzip2-compressed, everything else is
// copied byte for byte, and every output gets a content-hash sidecar.
package processor

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dsnet/compress/bzip2"
	"golang.org/x/sync/errgroup"

	"github.com/gamesync/fastdl/internal/assets"
	"github.com/gamesync/fastdl/internal/detect"
	"github.com/gamesync/fastdl/internal/hashutil"
	"github.com/gamesync/fastdl/internal/utils"
)

const defaultWorkers = 4

// Result aggregates the outcome of a processing run. Failed counts
// files whose processing errored; they are logged and skipped, never
// fatal to the run.
type Result struct {
	Processed  int
	Compressed int
	Copied     int
	Skipped    int
	Excluded   int
	Failed     int

	mu      sync.Mutex
	Outputs []string // slash-separated paths relative to the output dir
}

func (r *Result) record(output string, counter *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*counter++
	if output != "" {
		r.Outputs = append(r.Outputs, output)
	}
}

// Processor walks the allowed folders under an asset root and
// materializes the output tree.
type Processor struct {
	outputDir string
	level     int
	workers   int
	hasher    *hashutil.Hasher
}

func New(outputDir string, compressionLevel, workers int) *Processor {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Processor{
		outputDir: outputDir,
		level:     compressionLevel,
		workers:   workers,
		hasher:    hashutil.NewHasher(),
	}
}

type job struct {
	sourcePath string
	relPath    string // slash-separated, relative to the asset root
}

// Process handles every file in the allowed folders under assetRoot.
// remoteHashes, when present, lets unchanged files skip even when
// local mtimes are unreliable.
func (p *Processor) Process(ctx context.Context, assetRoot string, remoteHashes map[string]string) (*Result, error) {
	result := &Result{}
	excludes := LoadExcludeList(assetRoot)

	jobs, err := p.enumerate(assetRoot, excludes, result)
	if err != nil {
		return nil, err
	}
	slog.Info("processing assets",
		"files", len(jobs),
		"excluded", result.Excluded,
		"workers", p.workers)
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, j := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.handle(j, remoteHashes, result)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Info("processing complete",
		"compressed", result.Compressed,
		"copied", result.Copied,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"took", time.Since(start).Round(time.Millisecond))
	return result, nil
}

func (p *Processor) enumerate(assetRoot string, excludes *ExcludeList, result *Result) ([]job, error) {
	var jobs []job
	for _, folder := range assets.AllowedFolders {
		folderPath := filepath.Join(assetRoot, folder)
		if !utils.DirExists(folderPath) {
			continue
		}

		err := filepath.WalkDir(folderPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(assetRoot, path)
			if err != nil {
				return err
			}
			relPath := filepath.ToSlash(rel)
			if hashutil.IsSidecarPath(relPath) {
				return nil
			}
			if excludes.Match(relPath) {
				slog.Debug("excluded", "path", relPath)
				result.Excluded++
				return nil
			}
			jobs = append(jobs, job{sourcePath: path, relPath: relPath})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", folder, err)
		}
	}
	return jobs, nil
}

// handle processes one file. Errors are logged and counted; the run
// continues with the remaining files.
func (p *Processor) handle(j job, remoteHashes map[string]string, result *Result) {
	outRel := j.relPath
	compress := assets.ShouldCompress(j.sourcePath)
	if compress {
		outRel += ".bz2"
	}
	outPath := filepath.Join(p.outputDir, filepath.FromSlash(outRel))
	remoteHash := remoteHashes[j.relPath]

	if !detect.NeedsProcessing(j.sourcePath, outPath, remoteHash) {
		if err := p.ensureSidecar(j.sourcePath, outPath, remoteHash); err != nil {
			slog.Warn("sidecar repair failed", "path", outRel, "error", err)
		}
		result.record(outRel, &result.Skipped)
		return
	}

	hash, err := p.hasher.FileMD5(j.sourcePath)
	if err != nil {
		slog.Error("hashing failed", "path", j.relPath, "error", err)
		result.record("", &result.Failed)
		return
	}

	if compress {
		err = p.compressFile(j.sourcePath, outPath)
	} else {
		err = utils.CopyFile(j.sourcePath, outPath)
	}
	if err != nil {
		slog.Error("processing failed", "path", j.relPath, "error", err)
		result.record("", &result.Failed)
		return
	}

	if err := hashutil.WriteSidecar(outPath, hash); err != nil {
		slog.Error("sidecar write failed", "path", outRel, "error", err)
		result.record("", &result.Failed)
		return
	}

	if compress {
		result.record(outRel, &result.Compressed)
	} else {
		result.record(outRel, &result.Copied)
	}
	result.mu.Lock()
	result.Processed++
	result.mu.Unlock()
}

func (p *Processor) ensureSidecar(sourcePath, outPath, remoteHash string) error {
	hash := remoteHash
	if hash == "" {
		var err error
		if hash, err = p.hasher.FileMD5(sourcePath); err != nil {
			return err
		}
	}
	return hashutil.EnsureSidecar(outPath, hash)
}

func (p *Processor) compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := utils.EnsureParent(dst); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	bw, err := bzip2.NewWriter(out, &bzip2.WriterConfig{Level: p.level})
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := io.Copy(bw, in); err != nil {
		bw.Close()
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err := bw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
