// Package security guards the files the tools write.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideAllowedDirs is returned when a path resolves outside every
// allowed directory.
var ErrOutsideAllowedDirs = errors.New("security: path outside allowed directories")

// canonical resolves symlinks in the longest existing prefix of an absolute
// path, so a link in a parent directory cannot redirect a file that does not
// exist yet.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rest := ""
	dir := abs
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

// Within reports whether path resolves inside dir.
func Within(path, dir string) (bool, error) {
	p, err := canonical(path)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", path, err)
	}
	d, err := canonical(dir)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", dir, err)
	}
	rel, err := filepath.Rel(d, p)
	if err != nil {
		return false, nil
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}

// ValidateOutputPath returns the cleaned path when it lies within one of dirs.
// With no dirs the working directory and the temp directory are allowed.
func ValidateOutputPath(path string, dirs ...string) (string, error) {
	if len(dirs) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("working directory: %w", err)
		}
		dirs = []string{cwd, os.TempDir()}
	}
	for _, d := range dirs {
		ok, err := Within(path, d)
		if err != nil {
			return "", err
		}
		if ok {
			return filepath.Clean(path), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrOutsideAllowedDirs, path)
}

const maxFilenameLen = 128

// SanitizeFilename maps s onto [A-Za-z0-9._-], folding runs of anything else
// into one underscore. An empty result becomes "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	prevSub := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		keep := r < 128 && (r == '.' || r == '_' || r == '-' ||
			('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9'))
		if keep {
			b.WriteRune(r)
			prevSub = false
		} else if !prevSub {
			b.WriteByte('_')
			prevSub = true
		}
	}
	if out := strings.Trim(b.String(), "._"); out != "" {
		return out
	}
	return "unknown"
}
