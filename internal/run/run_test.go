package run

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamesync/fastdl/internal/config"
	"github.com/gamesync/fastdl/internal/hashutil"
)

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestRunSurvivesFileFailures(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "assets.zip")
	writeZip(t, archive, map[string]string{
		"maps/de_harbor.bsp": "bsp bytes",
		"materials/wall.vtf": "vtf bytes",
	})

	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	// A regular file squatting on the materials subdir makes every
	// file under it fail to process.
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "materials"), []byte("in the way"), 0o644))

	cfg := &config.Config{
		ZipPath:          archive,
		OutputDir:        outDir,
		CacheDir:         filepath.Join(dir, "cache"),
		SkipUpload:       true,
		Workers:          2,
		CompressionLevel: 9,
	}

	require.NoError(t, Run(context.Background(), cfg), "file failures must not fail the run")

	// The healthy file still made it through.
	assert.FileExists(t, filepath.Join(outDir, "maps", "de_harbor.bsp.bz2"))
	assert.FileExists(t, filepath.Join(outDir, "maps", "de_harbor.bsp.md5"))
}

func TestRunRepairsSidecars(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "materials"), 0o755))

	dataPath := filepath.Join(outDir, "materials", "wall.vtf")
	require.NoError(t, os.WriteFile(dataPath, []byte("vtf bytes"), 0o644))
	require.NoError(t, hashutil.WriteSidecar(dataPath, "00000000000000000000000000000000"))

	cfg := &config.Config{
		OutputDir:  outDir,
		CacheDir:   filepath.Join(dir, "cache"),
		UploadOnly: true,
		SkipUpload: true,
	}
	require.NoError(t, Run(context.Background(), cfg))

	want, err := hashutil.FileMD5(dataPath)
	require.NoError(t, err)
	got, ok := hashutil.ReadSidecar(dataPath)
	require.True(t, ok)
	assert.Equal(t, want, got)
}
