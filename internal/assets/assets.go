// Package assets defines the fixed vocabulary of the game-asset tree:
// which top-level folders are synced and which file types are worth
// compressing.
package assets

import (
	"path/filepath"
	"strings"
)

// AllowedFolders are the only top-level directories eligible for
// processing and upload.
var AllowedFolders = []string{"maps", "materials", "models", "sound"}

// compressExtensions are the file types served bzip2-compressed.
// MP3 is deliberately absent: already compressed, minimal benefit.
var compressExtensions = map[string]struct{}{
	".bsp": {}, // maps
	".nav": {}, // navigation meshes
	".ain": {}, // AI nodes
	".wav": {}, // audio
	".ogg": {}, // audio
}

// ShouldCompress reports whether a file's extension marks it for bzip2
// compression.
func ShouldCompress(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := compressExtensions[ext]
	return ok
}

// IsAllowedFolder reports whether name is one of the synced top-level
// folders.
func IsAllowedFolder(name string) bool {
	for _, f := range AllowedFolders {
		if f == name {
			return true
		}
	}
	return false
}
