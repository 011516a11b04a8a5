// Package hashutil computes content checksums and manages the sidecar
// checksum files that travel with every processed artifact.
package hashutil

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FileMD5 calculates the MD5 hash of a file and returns it as a
// lowercase hex string.
func FileMD5(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// SumMD5 returns the lowercase hex MD5 of an in-memory buffer.
func SumMD5(data []byte) string {
	return fmt.Sprintf("%x", md5.Sum(data))
}

// Hasher memoizes file hashes keyed by path, size and mtime so that a
// file checked by both the processing and upload stages is only read
// once per run.
type Hasher struct {
	memo *lru.Cache[string, string]
}

const defaultMemoSize = 8192

func NewHasher() *Hasher {
	memo, _ := lru.New[string, string](defaultMemoSize)
	return &Hasher{memo: memo}
}

func (h *Hasher) memoKey(path string, size int64, mtimeNano int64) string {
	return fmt.Sprintf("%s|%d|%d", path, size, mtimeNano)
}

// FileMD5 returns the MD5 of the file at path, serving repeat lookups
// for an unchanged file from the in-process cache.
func (h *Hasher) FileMD5(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	key := h.memoKey(path, info.Size(), info.ModTime().UnixNano())
	if sum, ok := h.memo.Get(key); ok {
		return sum, nil
	}

	sum, err := FileMD5(path)
	if err != nil {
		return "", err
	}
	h.memo.Add(key, sum)
	return sum, nil
}
