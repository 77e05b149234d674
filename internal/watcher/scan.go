package watcher

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// scannedFile is one file found on disk.
type scannedFile struct {
	AbsPath string
	Mtime   float64 // Unix seconds
}

// scanDir walks one watch dir collecting every file whose extension is a
// recognised source extension, applying ignore patterns. The watch dir root
// is canonicalised through symlinks once, at scan time.
func scanDir(root string, extensions []string, ignore []string) ([]scannedFile, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, err
	}

	extSet := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		extSet[strings.ToLower(ext)] = true
	}

	var out []scannedFile
	err = filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}

		rel, rerr := filepath.Rel(resolved, path)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if ignored(rel, ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !extSet[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		out = append(out, scannedFile{
			AbsPath: path,
			Mtime:   float64(info.ModTime().UnixNano()) / 1e9,
		})
		return nil
	})
	if err != nil {
		slog.Warn("scan walk failed", slog.String("root", root), slog.String("error", err.Error()))
	}
	return out, nil
}

// ignored applies doublestar patterns against the watch-dir-relative path.
func ignored(rel string, patterns []string) bool {
	base := filepath.Base(rel)
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}
