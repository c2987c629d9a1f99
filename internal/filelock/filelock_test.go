package filelock

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesGoroutines(t *testing.T) {
	t.Parallel()

	lock := New(filepath.Join(t.TempDir(), "index.lock"))

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lock.With(context.Background(), func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	lock := New(filepath.Join(t.TempDir(), "index.lock"))
	release, err := lock.Acquire()
	require.NoError(t, err)
	release()
	release()

	release, err = lock.Acquire()
	require.NoError(t, err)
	release()
}

func TestWithHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	lock := New(filepath.Join(t.TempDir(), "index.lock"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := lock.With(ctx, func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestEmptyPathRejected(t *testing.T) {
	t.Parallel()

	_, err := New("").Acquire()
	require.Error(t, err)
}
