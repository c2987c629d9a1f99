//go:build linux

package filelock

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

type fileLock struct {
	file *os.File
}

// acquire opens (or creates) path and takes a blocking exclusive flock on it.
// The kernel drops the lock if the holder dies, so an orphaned lock file is
// harmless.
func acquire(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &fileLock{file: f}, nil
}

func (l *fileLock) release() {
	if l == nil || l.file == nil {
		return
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		slog.Debug("flock unlock failed", "path", l.file.Name(), "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Debug("lock file close failed", "path", l.file.Name(), "error", err)
	}
	l.file = nil
}
