package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// VersionedPath returns path if nothing exists there yet, otherwise the first
// free "base_N.ext" sibling counting up from 1.
func VersionedPath(path string) string {
	if !exists(path) {
		return path
	}
	dir, file := filepath.Split(path)
	base, ext := file, ""
	if i := strings.LastIndex(file, "."); i > 0 {
		base, ext = file[:i], file[i:]
	}
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, n, ext))
		if !exists(candidate) {
			return candidate
		}
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
