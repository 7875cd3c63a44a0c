package utils

import (
	"os"
	"sort"
	"strings"
)

// FilesWithExt returns the names of regular files in dir carrying the given
// extension, sorted lexicographically.
func FilesWithExt(dir string, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		files = append(files, entry.Name())
	}

	sort.Strings(files)
	return files, nil
}
