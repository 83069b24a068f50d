package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	DefaultLockTimeout  = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

var errLockHeld = errors.New("lock held by another writer")

// FileLock is an exclusive advisory lock on a lock file. The lock file is
// removed when the lock is released.
type FileLock struct {
	path string
	file *os.File
}

// AcquireLock takes an exclusive flock on path, creating the file if needed.
// While the lock is held elsewhere it polls every poll interval until timeout
// elapses or ctx is done. A lock file whose modification time is older than
// timeout is treated as abandoned and removed before the next attempt.
func AcquireLock(ctx context.Context, path string, timeout time.Duration, poll time.Duration) (*FileLock, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		lock, err := tryLock(path)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, errLockHeld) {
			return nil, err
		}

		if reclaimed, err := reclaimStaleLock(path, timeout); err != nil {
			slog.Warn("Unable to reclaim stale lock", "path", path, "err", err)
		} else if reclaimed {
			slog.Warn("Reclaimed stale lock", "path", path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func tryLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errLockHeld
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	// The file may have been unlinked by a reclaimer between open and
	// flock, in which case we hold a lock nobody else can see.
	held, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat lock file: %w", err)
	}
	current, err := os.Stat(path)
	if err != nil || !os.SameFile(held, current) {
		_ = f.Close()
		return nil, errLockHeld
	}

	return &FileLock{path: path, file: f}, nil
}

func reclaimStaleLock(path string, maxAge time.Duration) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if time.Since(info.ModTime()) <= maxAge {
		return false, nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

// LockHeld reports whether some process currently holds the flock on path.
func LockHeld(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errors.Is(err, unix.EWOULDBLOCK)
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}

// Touch refreshes the lock file's modification time so long writes are not
// mistaken for abandoned ones.
func (l *FileLock) Touch() {
	now := time.Now()
	_ = os.Chtimes(l.path, now, now)
}

// Release removes the lock file and drops the lock.
func (l *FileLock) Release() error {
	// Unlink first so a waiter never acquires the stale inode.
	removeErr := os.Remove(l.path)
	if os.IsNotExist(removeErr) {
		removeErr = nil
	}

	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()

	return errors.Join(removeErr, unlockErr, closeErr)
}
