package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamesync/fastdl/internal/sshx"
)

func TestChooseStrategy(t *testing.T) {
	tests := []struct {
		name    string
		changed int
		known   int
		rsyncOK bool
		want    Strategy
	}{
		{"small change set with rsync", 10, 5000, true, StrategyRsync},
		{"small change set without rsync", 10, 5000, false, StrategyIncremental},
		{"change set at rsync limit", rsyncChangedLimit, 5000, true, StrategyIncremental},
		{"under half the universe", 1500, 5000, false, StrategyIncremental},
		{"half the universe changed", 2500, 5000, true, StrategyFull},
		{"first run, nothing known", 0, 0, true, StrategyFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChooseStrategy(tt.changed, tt.known, tt.rsyncOK))
		})
	}
}

type fakeDownloader struct {
	downloads []string
	payload   string
}

func (f *fakeDownloader) Download(_ context.Context, remotePath, localPath string, _ sshx.ProgressFunc) error {
	f.downloads = append(f.downloads, remotePath)
	return os.WriteFile(localPath, []byte(f.payload), 0o644)
}

func TestAcquireArchiveUnknownChangeSet(t *testing.T) {
	runner := &fakeRunner{}
	runner.on("test -d '/home/css/cstrike/maps'", 0, "")
	runner.on("test -d '/home/css/cstrike/materials'", 1, "")
	runner.on("test -d '/home/css/cstrike/models'", 1, "")
	runner.on("test -d '/home/css/cstrike/sound'", 0, "")

	dl := &fakeDownloader{payload: "fresh archive"}
	s := &Syncer{
		builder:    NewZipBuilder(runner, "/home/css/cstrike"),
		downloader: dl,
		rsyncOK:    true,
	}

	dest := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, s.AcquireArchive(context.Background(), nil, 5000, dest))

	// An unknown change set must rebuild the archive, not reuse
	// whatever a previous run left on the server.
	var full bool
	for _, cmd := range runner.commands {
		assert.NotContains(t, cmd, "zip -u")
		if strings.Contains(cmd, "zip -r") {
			full = true
		}
	}
	assert.True(t, full, "expected a full archive build")

	require.Len(t, dl.downloads, 1)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "fresh archive", string(data))
}

func TestBuildIncrementalBatches(t *testing.T) {
	runner := &fakeRunner{}
	b := NewZipBuilder(runner, "/home/css/cstrike")

	changed := mapset.NewSet[string]()
	for i := 0; i < zipBatchSize+5; i++ {
		changed.Add(fmt.Sprintf("maps/map_%03d.bsp", i))
	}
	require.NoError(t, b.BuildIncremental(context.Background(), changed))

	var create, update int
	for _, cmd := range runner.commands {
		switch {
		case strings.Contains(cmd, "zip -u "):
			update++
		case strings.Contains(cmd, "zip '"):
			create++
		}
	}
	assert.Equal(t, 1, create)
	assert.Equal(t, 1, update)

	// Stale archive is removed before the first batch.
	assert.Contains(t, runner.commands[0], "rm -f")
}

func TestBuildIncrementalEmptySet(t *testing.T) {
	runner := &fakeRunner{}
	b := NewZipBuilder(runner, "/home/css/cstrike")

	require.NoError(t, b.BuildIncremental(context.Background(), mapset.NewSet[string]()))
	assert.Empty(t, runner.commands)
}

func TestBuildFull(t *testing.T) {
	runner := &fakeRunner{}
	b := NewZipBuilder(runner, "/home/css/cstrike")

	require.NoError(t, b.BuildFull(context.Background(), []string{"maps", "sound"}))

	var zipCmd string
	for _, cmd := range runner.commands {
		if strings.Contains(cmd, "zip -r") {
			zipCmd = cmd
			break
		}
	}
	require.NotEmpty(t, zipCmd)
	assert.Contains(t, zipCmd, "'maps' 'sound'")
	assert.Contains(t, zipCmd, ArchiveName)
}
