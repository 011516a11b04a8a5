package hashutil

import (
	"os"
)

// EpochSeconds converts a file mtime to the float epoch-seconds form
// used throughout the persisted caches.
func EpochSeconds(info os.FileInfo) float64 {
	t := info.ModTime()
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
