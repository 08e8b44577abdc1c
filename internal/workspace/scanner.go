package workspace

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/dshills/pixindex/internal/store"
)

// SupportedExtensions are the image file extensions eligible for cataloging.
var SupportedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".gif":  true,
	".webp": true,
}

// IsSupportedImage reports whether the path has a supported image extension.
func IsSupportedImage(path string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// ScanRecord enumerates candidate image paths for an explicit record,
// honoring recursion and include/exclude glob patterns. A file record yields
// at most its own path. Results are absolute paths in walk order.
func ScanRecord(record *store.Record) ([]string, error) {
	if !record.IsDirectory {
		if IsSupportedImage(record.Path) && matchesPatterns(record, filepath.Base(record.Path)) {
			return []string{record.Path}, nil
		}
		return nil, nil
	}

	var paths []string
	err := filepath.WalkDir(record.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !record.IsRecursive && path != record.Path {
				return filepath.SkipDir
			}
			// Skip hidden directories
			if strings.HasPrefix(d.Name(), ".") && path != record.Path {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsSupportedImage(path) {
			return nil
		}
		if !matchesPatterns(record, d.Name()) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	return paths, err
}

// matchesPatterns applies the record's include/exclude globs to a base name.
// An empty include list admits everything; exclude wins over include.
func matchesPatterns(record *store.Record, name string) bool {
	for _, pattern := range record.ExcludePatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return false
		}
	}
	if len(record.IncludePatterns) == 0 {
		return true
	}
	for _, pattern := range record.IncludePatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
