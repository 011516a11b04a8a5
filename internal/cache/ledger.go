package cache

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/gamesync/fastdl/internal/utils"
)

// LedgerFile is the on-disk name of the upload-state ledger. The upload
// stage must exclude it from enumeration.
const LedgerFile = ".upload_state.json"

// LedgerEntry is the persisted claim that the object-store copy of a
// file matched MD5 as of ModTime/Size. Any local change invalidates the
// entry; callers detect that via mtime/size mismatch.
type LedgerEntry struct {
	ModTime  float64 `json:"mtime"`
	Size     int64   `json:"size"`
	MD5      string  `json:"md5"`
	Uploaded bool    `json:"uploaded"`
}

// UploadLedger tracks confirmed uploads across runs. Entries are keyed
// by basename, a collision risk across folders carrying same-named
// files inherited from the original cache layout and kept for
// compatibility with existing state files.
// Safe for concurrent use; upload workers record entries in parallel.
type UploadLedger struct {
	mu      sync.Mutex
	dir     string
	entries map[string]LedgerEntry
}

// LoadLedger reads the ledger under dir, starting empty on any read or
// parse failure.
func LoadLedger(dir string) *UploadLedger {
	l := &UploadLedger{
		dir:     dir,
		entries: make(map[string]LedgerEntry),
	}

	data, err := os.ReadFile(l.path())
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Debug("ledger read failed", "path", l.path(), "error", err)
		}
		return l
	}

	if err := json.Unmarshal(data, &l.entries); err != nil {
		slog.Warn("discarding corrupt upload ledger", "path", l.path(), "error", err)
		l.entries = make(map[string]LedgerEntry)
	}
	return l
}

func (l *UploadLedger) path() string {
	return filepath.Join(l.dir, LedgerFile)
}

// Get returns the entry for a file's basename.
func (l *UploadLedger) Get(basename string) (LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[basename]
	return e, ok
}

// Record stores a confirmed upload for a file's basename.
func (l *UploadLedger) Record(basename string, e LedgerEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[basename] = e
}

// Len returns the number of ledger entries.
func (l *UploadLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Matches reports whether the ledger marks the file uploaded with the
// exact local mtime and size. A match is the claim that no upload work
// is needed, made without any remote call.
func (l *UploadLedger) Matches(basename string, mtime float64, size int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[basename]
	return ok && e.Uploaded && e.ModTime == mtime && e.Size == size && e.MD5 != ""
}

// Persist rewrites the ledger file. Called once at the end of the
// upload stage regardless of partial failures, so whatever succeeded
// still benefits future runs.
func (l *UploadLedger) Persist() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(l.path(), data, 0o644)
}
