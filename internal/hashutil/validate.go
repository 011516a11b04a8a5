package hashutil

import (
	"crypto/md5"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
)

// ValidateResult aggregates the outcome of a sidecar maintenance pass.
type ValidateResult struct {
	Validated int
	Fixed     int
	Errors    int
}

// contentMD5 hashes the logical content of dataPath: for a .bz2
// artifact that is the decompressed stream, for anything else the raw
// bytes. Sidecars always record the pre-compression hash.
func contentMD5(dataPath string) (string, error) {
	file, err := os.Open(dataPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var src io.Reader = file
	if strings.HasSuffix(dataPath, ".bz2") {
		bz, err := bzip2.NewReader(file, nil)
		if err != nil {
			return "", err
		}
		defer bz.Close()
		src = bz
	}

	hash := md5.New()
	if _, err := io.Copy(hash, src); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// ValidateTree walks dir, checking every non-sidecar file for a correct
// sidecar. Missing sidecars are created, wrong ones rewritten. Per-file
// failures are logged and counted, never fatal.
func ValidateTree(dir string) ValidateResult {
	var res ValidateResult

	slog.Info("validating sidecar checksums", "dir", dir)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			res.Errors++
			slog.Error("walk failed", "path", path, "error", walkErr)
			return nil
		}
		if d.IsDir() || IsSidecarPath(path) {
			return nil
		}

		actual, err := contentMD5(path)
		if err != nil {
			res.Errors++
			slog.Error("hash failed", "path", path, "error", err)
			return nil
		}

		recorded, ok := ReadSidecar(path)
		if ok && recorded == actual {
			res.Validated++
			return nil
		}

		if err := WriteSidecar(path, actual); err != nil {
			res.Errors++
			slog.Error("sidecar rewrite failed", "path", path, "error", err)
			return nil
		}
		if ok {
			slog.Warn("fixed incorrect sidecar", "path", SidecarPath(path))
		} else {
			slog.Info("created missing sidecar", "path", SidecarPath(path))
		}
		res.Fixed++
		return nil
	})
	if err != nil {
		res.Errors++
		slog.Error("sidecar validation aborted", "dir", dir, "error", err)
	}

	slog.Info("sidecar validation complete",
		"validated", res.Validated,
		"fixed", res.Fixed,
		"errors", res.Errors)
	return res
}
