package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamesync/fastdl/internal/hashutil"
)

type fakeStore struct {
	mu            sync.Mutex
	objects       map[string][]byte
	puts          int
	large         int
	gets          int
	lists         int
	rejectPut     bool // endpoint fails every single-shot upload
	failPutsAfter int  // >0: puts beyond this many fail
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

var errChecksum = errors.New("operation error S3: PutObject, api error XAmzContentSHA256Mismatch: header does not match")

func (f *fakeStore) Put(_ context.Context, key string, body io.Reader, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.rejectPut {
		return errChecksum
	}
	if f.failPutsAfter != 0 && f.puts > f.failPutsAfter {
		return errors.New("connection reset by peer")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeStore) UploadLarge(_ context.Context, key string, body io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.large++
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeStore) GetString(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	data, ok := f.objects[key]
	if !ok {
		return "", errors.New("NoSuchKey")
	}
	return string(data), nil
}

func (f *fakeStore) List(_ context.Context, prefix string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	out := make(map[string]int64)
	for k, v := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out[k] = int64(len(v))
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func writeOutput(t *testing.T, dir, rel string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	require.NoError(t, hashutil.WriteSidecar(path, hashutil.SumMD5(content)))
	return path
}

func TestUploadPushesDataAndSidecars(t *testing.T) {
	out := t.TempDir()
	cacheDir := t.TempDir()
	content := []byte("compressed map data")
	writeOutput(t, out, "maps/de_dust2.bsp.bz2", content)

	s := newFakeStore()
	u := New(s, out, cacheDir, 2)
	result, err := u.Upload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Uploaded)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, content, s.objects["cstrike/maps/de_dust2.bsp.bz2"])

	sidecar, ok := s.objects["cstrike/maps/de_dust2.bsp.bz2.md5"]
	require.True(t, ok)
	hash, ok := hashutil.ParseSidecarContent(string(sidecar))
	require.True(t, ok)
	assert.Equal(t, hashutil.SumMD5(content), hash)

	// Probe object was cleaned up.
	for key := range s.objects {
		assert.NotContains(t, key, ".fastdl_probe_")
	}
}

func TestUploadSkipsViaLedgerWithoutRemoteCalls(t *testing.T) {
	out := t.TempDir()
	cacheDir := t.TempDir()
	writeOutput(t, out, "maps/de_dust2.bsp.bz2", []byte("data"))

	s := newFakeStore()
	u := New(s, out, cacheDir, 2)
	_, err := u.Upload(context.Background())
	require.NoError(t, err)
	putsAfterFirst := s.puts
	getsAfterFirst := s.gets

	// Second run with a fresh uploader sharing the persisted ledger.
	u2 := New(s, out, cacheDir, 2)
	result, err := u2.Upload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Uploaded)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, getsAfterFirst, s.gets, "ledger hit must not fetch remote sidecars")
	// Only the probe touches Put on the second run.
	assert.Equal(t, putsAfterFirst+1, s.puts)
}

func TestUploadReuploadsOnSizeChange(t *testing.T) {
	out := t.TempDir()
	cacheDir := t.TempDir()
	path := writeOutput(t, out, "sound/hit.wav.bz2", []byte("v1"))

	s := newFakeStore()
	_, err := New(s, out, cacheDir, 1).Upload(context.Background())
	require.NoError(t, err)

	grown := []byte("v2 with more bytes")
	require.NoError(t, os.WriteFile(path, grown, 0o644))
	require.NoError(t, hashutil.WriteSidecar(path, hashutil.SumMD5(grown)))

	result, err := New(s, out, cacheDir, 1).Upload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Uploaded)
	assert.Equal(t, grown, s.objects["cstrike/sound/hit.wav.bz2"])
}

func TestUploadSkipsViaRemoteSidecarAndBackfillsLedger(t *testing.T) {
	out := t.TempDir()
	cacheDir := t.TempDir()
	content := []byte("already there")
	writeOutput(t, out, "models/player.mdl", content)

	s := newFakeStore()
	// Remote already holds the object and a matching sidecar, but the
	// local ledger knows nothing about it.
	s.objects["cstrike/models/player.mdl"] = content
	s.objects["cstrike/models/player.mdl.md5"] = []byte(
		fmt.Sprintf("%s *player.mdl\n", hashutil.SumMD5(content)))

	u := New(s, out, cacheDir, 1)
	result, err := u.Upload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Uploaded)
	assert.Equal(t, 1, result.Skipped)

	// Next run skips through the ledger alone.
	u2 := New(s, out, cacheDir, 1)
	current, total, err := u2.QuickCheck()
	require.NoError(t, err)
	assert.Equal(t, 1, current)
	assert.Equal(t, 1, total)
}

func TestUploadChecksumQuirkFallsBackToMultipart(t *testing.T) {
	out := t.TempDir()
	cacheDir := t.TempDir()
	content := bytes.Repeat([]byte("x"), 512)
	writeOutput(t, out, "maps/de_nuke.bsp.bz2", content)

	s := newFakeStore()
	s.rejectPut = true

	u := New(s, out, cacheDir, 1)
	result, err := u.Upload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Uploaded)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, content, s.objects["cstrike/maps/de_nuke.bsp.bz2"])
	assert.Contains(t, s.objects, "cstrike/maps/de_nuke.bsp.bz2.md5")
	assert.GreaterOrEqual(t, s.large, 2, "probe and data both take the multipart path")
}

func TestSidecarNotReuploadedWhenRemoteMatches(t *testing.T) {
	out := t.TempDir()
	cacheDir := t.TempDir()
	path := writeOutput(t, out, "sound/hit.wav.bz2", []byte("wav data"))

	sidecar, err := os.ReadFile(hashutil.SidecarPath(path))
	require.NoError(t, err)

	s := newFakeStore()
	// A previous run got the sidecar up but lost the data file.
	s.objects["cstrike/sound/hit.wav.bz2.md5"] = sidecar

	result, err := New(s, out, cacheDir, 1).Upload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Uploaded)
	// Probe plus the data file; the current sidecar stays put.
	assert.Equal(t, 2, s.puts)
	assert.Equal(t, sidecar, s.objects["cstrike/sound/hit.wav.bz2.md5"])
}

func TestUploadCountsFailuresWithoutAborting(t *testing.T) {
	out := t.TempDir()
	cacheDir := t.TempDir()
	writeOutput(t, out, "maps/a.bsp.bz2", []byte("aaaa"))
	writeOutput(t, out, "maps/b.bsp.bz2", []byte("bb"))

	s := newFakeStore()
	// The probe put succeeds, every later put fails.
	s.failPutsAfter = 1

	u := New(s, out, cacheDir, 1)
	result, err := u.Upload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Uploaded)
	assert.Equal(t, 2, result.Failed)
}

func TestProbeFailureIsFatal(t *testing.T) {
	out := t.TempDir()
	cacheDir := t.TempDir()
	writeOutput(t, out, "maps/a.bsp.bz2", []byte("a"))

	s := newFakeStore()
	s.failPutsAfter = -1 // every put fails

	u := New(s, out, cacheDir, 1)
	_, err := u.Upload(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "upload probe")
}
