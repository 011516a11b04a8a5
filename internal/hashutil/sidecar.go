package hashutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gamesync/fastdl/internal/utils"
)

// SidecarExt is the extension of sidecar checksum files.
const SidecarExt = ".md5"

// SidecarPath returns the sidecar path for a data file.
func SidecarPath(dataPath string) string {
	return dataPath + SidecarExt
}

// IsSidecarPath reports whether path names a sidecar checksum file.
func IsSidecarPath(path string) bool {
	return strings.HasSuffix(path, SidecarExt)
}

// IsHexMD5 reports whether s is a 32-character lowercase-compatible hex
// MD5 digest.
func IsHexMD5(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// WriteSidecar writes the sidecar checksum file for dataPath. The
// recorded name is the basename of dataPath stripped of any trailing
// .bz2, so a compressed artifact still carries the hash and name of its
// original content. The write is atomic (temp file + rename) and
// overwrites any existing sidecar.
func WriteSidecar(dataPath, hash string) error {
	hash = strings.ToLower(hash)
	if !IsHexMD5(hash) {
		return fmt.Errorf("invalid md5 %q for %s", hash, dataPath)
	}

	name := strings.TrimSuffix(filepath.Base(dataPath), ".bz2")
	line := fmt.Sprintf("%s *%s\n", hash, name)
	return utils.WriteFileAtomic(SidecarPath(dataPath), []byte(line), 0o644)
}

// ReadSidecar parses the sidecar for dataPath and returns the recorded
// hash. It tolerates CRLF/LF variance and stray whitespace, accepts the
// `hash *name`, `hash  name` and bare-hash forms, and returns ok=false
// on any missing or malformed content rather than an error; the caller
// regenerates the sidecar in that case.
func ReadSidecar(dataPath string) (string, bool) {
	data, err := os.ReadFile(SidecarPath(dataPath))
	if err != nil {
		return "", false
	}
	return ParseSidecarContent(string(data))
}

// ParseSidecarContent extracts a validated hash from raw sidecar bytes.
func ParseSidecarContent(content string) (string, bool) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return "", false
	}

	hash := strings.ToLower(fields[0])
	if !IsHexMD5(hash) {
		return "", false
	}
	return hash, true
}

// VerifySidecar recomputes the hash of originalPath and compares it
// against the sidecar of dataPath. A mismatch is reported, not
// repaired; the caller decides whether to regenerate.
//
// originalPath and dataPath differ only for compressed artifacts, where
// the sidecar accompanies the .bz2 file but records the hash of the
// uncompressed content.
func VerifySidecar(originalPath, dataPath string) (bool, error) {
	recorded, ok := ReadSidecar(dataPath)
	if !ok {
		return false, nil
	}

	actual, err := FileMD5(originalPath)
	if err != nil {
		return false, err
	}
	return recorded == actual, nil
}

// EnsureSidecar guarantees a correct sidecar exists for dataPath,
// recording originalHash. An existing sidecar that already records the
// hash is left untouched.
func EnsureSidecar(dataPath, originalHash string) error {
	originalHash = strings.ToLower(originalHash)
	if recorded, ok := ReadSidecar(dataPath); ok && recorded == originalHash {
		return nil
	}
	return WriteSidecar(dataPath, originalHash)
}
