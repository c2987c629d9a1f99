// Package filelock serializes access to a file across goroutines and processes.
package filelock

import (
	"context"
	"fmt"
	"sync"
)

// Lock is a two-level exclusive lock: an in-process mutex in front of an
// advisory flock on Path. The mutex keeps goroutines of one process from
// contending on the same descriptor.
type Lock struct {
	Path string

	mu sync.Mutex
}

// New returns a lock guarding path.
func New(path string) *Lock {
	return &Lock{Path: path}
}

// Acquire blocks until both levels are held and returns the release function.
// The release function is safe to call more than once.
func (l *Lock) Acquire() (func(), error) {
	if l.Path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}

	l.mu.Lock()
	fl, err := acquire(l.Path)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			fl.release()
			l.mu.Unlock()
		})
	}, nil
}

// With runs fn while holding the lock. ctx is checked before acquiring only;
// critical sections are expected to be short and free of I/O beyond the
// guarded file.
func (l *Lock) With(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release, err := l.Acquire()
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
