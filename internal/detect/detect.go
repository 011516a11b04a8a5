// Package detect decides whether a local source file must be
// (re)processed into the output tree.
package detect

import (
	"log/slog"
	"os"

	"github.com/gamesync/fastdl/internal/hashutil"
)

// NeedsProcessing reports whether sourcePath must be (re)processed into
// outputPath.
//
// The output is considered current when it exists and is at least as
// new as the source. When remoteHash is supplied the output's sidecar
// must additionally record that hash; a missing or unreadable sidecar
// then forces reprocessing. Without a remote hash, mtime freshness
// alone is trusted — a deliberate optimistic-skip policy that clock
// skew or mtime-preserving copies can defeat.
func NeedsProcessing(sourcePath, outputPath, remoteHash string) bool {
	outInfo, err := os.Stat(outputPath)
	if err != nil {
		return true
	}

	srcInfo, err := os.Stat(sourcePath)
	if err != nil {
		// Can't stat the source; process and let the stage surface the error.
		return true
	}

	if outInfo.ModTime().Before(srcInfo.ModTime()) {
		return true
	}

	if remoteHash == "" {
		slog.Debug("output up to date", "path", outputPath)
		return false
	}

	recorded, ok := hashutil.ReadSidecar(outputPath)
	if !ok {
		return true
	}
	if recorded != remoteHash {
		slog.Debug("sidecar differs from remote hash", "path", outputPath)
		return true
	}
	return false
}
