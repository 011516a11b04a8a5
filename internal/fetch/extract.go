package fetch

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gamesync/fastdl/internal/assets"
	"github.com/gamesync/fastdl/internal/utils"
)

// Extract unpacks archivePath into destDir and returns the asset root:
// the directory under which the allowed game folders live. Archives
// may nest them under a cstrike/ directory, under an arbitrary
// top-level directory, or carry them at the root.
func Extract(archivePath, destDir string) (string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer r.Close()

	slog.Info("extracting archive", "path", archivePath, "entries", len(r.File))
	start := time.Now()

	for _, f := range r.File {
		if err := extractEntry(f, destDir); err != nil {
			return "", err
		}
	}
	slog.Info("archive extracted", "took", time.Since(start).Round(time.Millisecond))

	root, err := findAssetRoot(destDir)
	if err != nil {
		return "", err
	}
	slog.Debug("asset root resolved", "root", root)
	return root, nil
}

func extractEntry(f *zip.File, destDir string) error {
	name := filepath.FromSlash(f.Name)
	if filepath.IsAbs(name) || strings.Contains(name, "..") {
		return fmt.Errorf("unsafe archive entry: %s", f.Name)
	}
	target := filepath.Join(destDir, name)

	if f.FileInfo().IsDir() {
		return utils.EnsureDir(target)
	}
	if err := utils.EnsureParent(target); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("read archive entry %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return dst.Close()
}

// findAssetRoot locates the directory holding the allowed folders:
// an explicit cstrike/ directory wins, then the extraction root
// itself, then any top-level directory containing an allowed folder.
func findAssetRoot(destDir string) (string, error) {
	cstrike := filepath.Join(destDir, "cstrike")
	if utils.DirExists(cstrike) {
		return cstrike, nil
	}
	if hasAllowedFolder(destDir) {
		return destDir, nil
	}

	entries, err := os.ReadDir(destDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(destDir, e.Name())
		if hasAllowedFolder(sub) {
			return sub, nil
		}
	}
	return "", fmt.Errorf("no game asset folders (%s) found in archive",
		strings.Join(assets.AllowedFolders, ", "))
}

func hasAllowedFolder(dir string) bool {
	for _, folder := range assets.AllowedFolders {
		if utils.DirExists(filepath.Join(dir, folder)) {
			return true
		}
	}
	return false
}
