package processor

import (
	"bufio"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// excludeFileNames are probed in order at the asset root; every file
// found contributes patterns.
var excludeFileNames = []string{"fastdl_exclude.txt", ".fastdlignore", "exclude.txt"}

// ExcludeList filters asset paths against user-supplied patterns.
// A pattern containing glob metacharacters matches with doublestar
// against the slash-separated relative path (and its basename); a
// plain pattern matches as a substring.
type ExcludeList struct {
	globs   []string
	substrs []string
}

// LoadExcludeList reads every exclusion file present under root.
// Blank lines and #-comments are skipped.
func LoadExcludeList(root string) *ExcludeList {
	list := &ExcludeList{}
	for _, name := range excludeFileNames {
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			continue
		}

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			list.add(line)
		}
		f.Close()
		slog.Info("loaded exclusion patterns", "file", name)
	}

	if n := len(list.globs) + len(list.substrs); n > 0 {
		slog.Info("exclusion patterns active", "count", n)
	}
	return list
}

func (l *ExcludeList) add(pattern string) {
	pattern = filepath.ToSlash(pattern)
	if strings.ContainsAny(pattern, "*?[{") {
		if !doublestar.ValidatePattern(pattern) {
			slog.Warn("invalid exclusion pattern, ignoring", "pattern", pattern)
			return
		}
		l.globs = append(l.globs, pattern)
		return
	}
	l.substrs = append(l.substrs, pattern)
}

// Match reports whether the slash-separated relative path is excluded.
func (l *ExcludeList) Match(relPath string) bool {
	for _, s := range l.substrs {
		if strings.Contains(relPath, s) {
			return true
		}
	}
	base := path.Base(relPath)
	for _, g := range l.globs {
		if ok, _ := doublestar.Match(g, relPath); ok {
			return true
		}
		if ok, _ := doublestar.Match(g, base); ok {
			return true
		}
	}
	return false
}
