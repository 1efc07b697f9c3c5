package reload

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ModTime returns the modification time of the marker at path. A missing or
// unreadable marker reports false and is never stale.
func ModTime(path string) (time.Time, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return fi.ModTime(), true
}

// Touch creates the marker at path, with any missing parent directories,
// and sets its modification time to now.
func Touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close marker: %w", err)
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		return fmt.Errorf("touch marker: %w", err)
	}
	return nil
}
