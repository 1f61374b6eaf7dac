package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultAcquisitionExts lists the source container extensions the
// registered backends understand.
var DefaultAcquisitionExts = []string{".czi", ".ims", ".h5"}

// IsAcquisitionFile reports whether path has one of exts (case-insensitive).
// A nil exts uses DefaultAcquisitionExts.
func IsAcquisitionFile(path string, exts []string) bool {
	if exts == nil {
		exts = DefaultAcquisitionExts
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// ListAcquisitions returns acquisition files directly under dir, sorted.
func ListAcquisitions(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsAcquisitionFile(e.Name(), exts) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// StemName returns the file name of path without directory or extension.
func StemName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
