package tools

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/agentdev/ads/internal/common/errkind"
)

// resolvePath resolves rel against baseDir and verifies the result stays
// under at least one allowed directory after symlink resolution. Absolute
// inputs are allowed as long as they land inside an allowed dir.
func resolvePath(baseDir, rel string, allowedDirs []string) (string, error) {
	if rel == "" {
		return "", errkind.Input("empty path")
	}

	abs := rel
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(baseDir, rel)
	}
	abs = filepath.Clean(abs)

	real := realpathNearest(abs)

	for _, dir := range allowedDirs {
		allowedReal := realpathNearest(filepath.Clean(dir))
		if contains(allowedReal, real) {
			return abs, nil
		}
	}
	return "", errkind.Input("path not in allowlist: %s", rel)
}

// realpathNearest resolves symlinks for the deepest existing ancestor of
// path, then reattaches the non-existing suffix. New files need the guard
// before they exist.
func realpathNearest(path string) string {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

func contains(dir, path string) bool {
	if dir == path {
		return true
	}
	sep := string(os.PathSeparator)
	if !strings.HasSuffix(dir, sep) {
		dir += sep
	}
	return strings.HasPrefix(path, dir)
}
