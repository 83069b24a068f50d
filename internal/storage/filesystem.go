package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

func CopyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := destFile.ReadFrom(srcFile); err != nil {
		_ = destFile.Close()
		return err
	}

	if err := destFile.Sync(); err != nil {
		_ = destFile.Close()
		return err
	}

	return destFile.Close()
}

// MoveFile renames srcPath onto destPath. When both paths live on different
// filesystems the contents are copied and the source removed instead.
func MoveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	if err := CopyFile(srcPath, destPath); err != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("cross-device copy: %w", err)
	}

	// Best-effort cleanup of the source file; ignore ENOENT in case it was
	// already moved or removed.
	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// RemoveEmptyDirs removes empty directories beneath root whose modification
// time is before cutoff. Root itself is kept. Directories are visited with an
// explicit stack so deep trees never grow the call stack. A directory that
// gains an entry concurrently is left alone, since removing a non-empty
// directory fails.
func RemoveEmptyDirs(root string, cutoff time.Time) (int, error) {
	var (
		stack = []string{root}
		dirs  []string
	)

	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if dir != root {
			dirs = append(dirs, dir)
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}

		for _, entry := range entries {
			if entry.IsDir() {
				stack = append(stack, filepath.Join(dir, entry.Name()))
			}
		}
	}

	// Children were appended after their parents, so walking backwards
	// visits every directory after its contents.
	removed := 0
	for i := len(dirs) - 1; i >= 0; i-- {
		info, err := os.Stat(dirs[i])
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err != nil {
			if os.IsNotExist(err) || errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST) {
				continue
			}
			return removed, err
		}
		removed++
	}

	return removed, nil
}
