// Package security guards the files the calibration tools write: reports
// and databases may only land inside directories the operator controls.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// canonical resolves path to an absolute path with symlinks evaluated. For a
// path that does not exist yet, the nearest existing ancestor is resolved
// and the remainder appended, so a new file under a symlinked directory is
// judged by where it will really be written.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, err := filepath.Rel(dir, abs)
			if err != nil {
				return "", err
			}
			return filepath.Join(resolved, rel), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// WithinDirectory reports an error unless path resolves to a location inside
// dir.
func WithinDirectory(path, dir string) error {
	target, err := canonical(path)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return fmt.Errorf("failed to resolve directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(root, target)
	if err != nil {
		return fmt.Errorf("path is outside %s: %w", dir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s escapes %s", path, dir)
	}
	return nil
}

// ValidateOutputPath accepts paths inside the working directory or the
// system temp directory.
func ValidateOutputPath(path string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	allowed := []string{cwd, os.TempDir()}
	for _, dir := range allowed {
		if WithinDirectory(path, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("output path %s must be within one of %v", path, allowed)
}

// SanitizeFilename turns a run label or ID into a file name stem: anything
// other than ASCII letters, digits, dot or dash collapses into a single
// underscore, and the result is capped at 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "run"
	}
	return out
}
