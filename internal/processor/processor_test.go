package processor

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamesync/fastdl/internal/hashutil"
)

func writeAsset(t *testing.T, root, rel string, content []byte) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func decompress(t *testing.T, path string) []byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := bzip2.NewReader(f, nil)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestProcessRoutesByExtension(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	bspContent := bytes.Repeat([]byte("VBSP"), 256)
	writeAsset(t, root, "maps/de_dust2.bsp", bspContent)
	writeAsset(t, root, "materials/wall.vtf", []byte("texture"))
	writeAsset(t, root, "sound/hit.wav", []byte("RIFF"))

	p := New(out, 9, 2)
	result, err := p.Process(context.Background(), root, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 2, result.Compressed)
	assert.Equal(t, 1, result.Copied)
	assert.Equal(t, 0, result.Failed)
	assert.ElementsMatch(t, []string{
		"maps/de_dust2.bsp.bz2",
		"materials/wall.vtf",
		"sound/hit.wav.bz2",
	}, result.Outputs)

	// Compressed artifact round-trips to the original bytes.
	bspOut := filepath.Join(out, "maps", "de_dust2.bsp.bz2")
	assert.Equal(t, bspContent, decompress(t, bspOut))

	// Copies stay byte-identical.
	copied, err := os.ReadFile(filepath.Join(out, "materials", "wall.vtf"))
	require.NoError(t, err)
	assert.Equal(t, []byte("texture"), copied)

	// Every output carries a sidecar with the uncompressed hash.
	hash, ok := hashutil.ReadSidecar(bspOut)
	require.True(t, ok)
	assert.Equal(t, hashutil.SumMD5(bspContent), hash)
}

func TestProcessSkipsUnchanged(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	writeAsset(t, root, "materials/wall.vtf", []byte("texture"))

	p := New(out, 9, 1)
	first, err := p.Process(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Copied)

	second, err := p.Process(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Copied)
	assert.Equal(t, 1, second.Skipped)
	// Skipped paths still make the output list for upload accounting.
	assert.Equal(t, []string{"materials/wall.vtf"}, second.Outputs)
}

func TestProcessExclusions(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	writeAsset(t, root, "maps/de_dust2.bsp", []byte("keep"))
	writeAsset(t, root, "maps/de_test_wip.bsp", []byte("drop"))
	writeAsset(t, root, "sound/admin/secret.wav", []byte("drop"))
	require.NoError(t, os.WriteFile(filepath.Join(root, "fastdl_exclude.txt"),
		[]byte("# work in progress\n*_wip.bsp\nadmin/\n"), 0o644))

	p := New(out, 9, 1)
	result, err := p.Process(context.Background(), root, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 2, result.Excluded)
	assert.Equal(t, []string{"maps/de_dust2.bsp.bz2"}, result.Outputs)
}

func TestProcessPartialFailure(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d"} {
		writeAsset(t, root, "materials/"+name+".vtf", []byte(name))
	}
	// Dangling symlinks fail at hash time without stopping the run.
	require.NoError(t, os.Symlink(
		filepath.Join(root, "gone1"), filepath.Join(root, "materials", "x.vtf")))
	require.NoError(t, os.Symlink(
		filepath.Join(root, "gone2"), filepath.Join(root, "materials", "y.vtf")))

	p := New(out, 9, 2)
	result, err := p.Process(context.Background(), root, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, 2, result.Failed)
	assert.Len(t, result.Outputs, 4)
}

func TestExcludeListMatching(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".fastdlignore"),
		[]byte("*.tmp\nmaps/de_secret*\nbackup\n"), 0o644))

	list := LoadExcludeList(dir)

	assert.True(t, list.Match("sound/old.tmp"))
	assert.True(t, list.Match("maps/de_secret_v2.bsp"))
	assert.True(t, list.Match("models/backup/old.mdl"))
	assert.False(t, list.Match("maps/de_dust2.bsp"))
}
