// Package fileutil provides file helpers for secret material: owner-only
// directories and atomic writes that never leave a partially written file
// behind.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// MkdirPrivate creates a directory path readable only by the owner.
func MkdirPrivate(path string) error {
	return os.MkdirAll(path, 0700)
}

// WriteFileAtomic writes data to a temporary file in the same directory
// and renames it over path, so a crash mid-write never yields a torn
// file. The file is created with the given permissions before any data
// is written.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op on the success path; on failure the temp file is removed.
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
