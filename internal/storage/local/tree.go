// Package local implements the on-disk snapshot tree served by a static file server.
package local

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the snapshot tree.
type Config struct {
	// BaseDir is the root directory where snapshot files are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Tree reads and writes files below a fixed root.
type Tree struct {
	baseDir string
}

// New creates the root when missing and verifies it is writable.
func New(cfg Config) (*Tree, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o755); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Tree{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Root returns the cleaned base directory.
func (t *Tree) Root() string {
	return t.baseDir
}

// Path maps a slash-separated name below the root to an absolute path, rejecting traversal.
func (t *Tree) Path(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Clean(filepath.Join(t.baseDir, filepath.FromSlash(name)))
	if !strings.HasPrefix(full, t.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// Exists reports whether name is present.
func (t *Tree) Exists(name string) (bool, error) {
	full, err := t.Path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	return true, nil
}

// Read returns the content of name.
func (t *Tree) Read(name string) ([]byte, error) {
	full, err := t.Path(name)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- full is confined to the snapshot root by Path.
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// WriteIfMissing stores data under name unless a file already exists there. The file appears atomically
// so readers never observe a partial snapshot.
func (t *Tree) WriteIfMissing(name string, data []byte) (bool, error) {
	full, err := t.Path(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return false, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return false, fmt.Errorf("close temp file: %w", err)
	}
	// #nosec G302 -- snapshots are served by a static file server.
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return false, fmt.Errorf("chmod snapshot: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return false, fmt.Errorf("rename snapshot: %w", err)
	}
	return true, nil
}

// Remove deletes name, ignoring a file that is already gone, then removes parent directories while they
// are empty, stopping at the root.
func (t *Tree) Remove(name string) error {
	full, err := t.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	for dir := filepath.Dir(full); dir != t.baseDir && strings.HasPrefix(dir, t.baseDir); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			// not empty, or already removed by a concurrent release
			break
		}
	}
	return nil
}
