package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kdomanski/iso9660"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kiln/internal/faults"
)

type countingFetcher struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	// during runs inside Fetch, after the delay.
	during func()
}

func (f *countingFetcher) Fetch(ctx context.Context, source, dst string) error {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dst, []byte("payload from "+source), 0o644)
}

type recordingUploader struct {
	mu   sync.Mutex
	reqs []UploadRequest
}

func (u *recordingUploader) Upload(_ context.Context, req UploadRequest) (Locations, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reqs = append(u.reqs, req)
	locs := Locations{RemoteImage: fmt.Sprintf("img-%d", len(u.reqs))}
	if req.WantVolume {
		locs.RemoteVolume = fmt.Sprintf("vol-%d", len(u.reqs))
	}
	return locs, nil
}

func (u *recordingUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.reqs)
}

func newTestCache(t *testing.T, root string, f Fetcher, u Uploader) *ObjectCache {
	t.Helper()
	ix, err := OpenIndex(filepath.Join(root, "_cache_index"))
	require.NoError(t, err)
	return &ObjectCache{
		Root:           root,
		Index:          ix,
		Fetcher:        f,
		Uploader:       u,
		PollInterval:   time.Millisecond,
		PendingCeiling: time.Minute,
		LeaseTTL:       time.Minute,
		UseVolumes:     true,
	}
}

func TestRetrieveConcurrentCallersShareOneFetch(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fetcher := &countingFetcher{delay: 50 * time.Millisecond}
	uploader := &recordingUploader{}

	// Two handles on the same index stand in for two processes: they share
	// the flock but not the in-process mutex.
	caches := []*ObjectCache{
		newTestCache(t, root, fetcher, uploader),
		newTestCache(t, root, fetcher, uploader),
	}

	const callers = 50
	key := Key{"fedora38-x86_64", "install-iso"}
	results := make([]Locations, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = caches[i%2].Retrieve(context.Background(), key, "http://mirror/fedora.iso", false)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, results[0], results[i], "caller %d", i)
	}
	assert.EqualValues(t, 1, fetcher.calls.Load())
	assert.Equal(t, 1, uploader.count())
	assert.Equal(t, Locations{RemoteImage: "img-1", RemoteVolume: "vol-1"}, results[0])
}

func TestRetrieveHitDoesNoIO(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fetcher := &countingFetcher{}
	uploader := &recordingUploader{}
	c := newTestCache(t, root, fetcher, uploader)
	ctx := context.Background()
	key := Key{"fedora38-x86_64", "install-iso"}

	first, err := c.Retrieve(ctx, key, "http://mirror/fedora.iso", true)
	require.NoError(t, err)

	before, err := os.ReadFile(c.Index.Path)
	require.NoError(t, err)
	info, err := os.Stat(c.Index.Path)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := c.Retrieve(ctx, key, "http://elsewhere/other.iso", false)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	assert.EqualValues(t, 1, fetcher.calls.Load())
	assert.Equal(t, 1, uploader.count())

	after, err := os.ReadFile(c.Index.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	infoAfter, err := os.Stat(c.Index.Path)
	require.NoError(t, err)
	assert.True(t, os.SameFile(info, infoAfter), "index was rewritten on a hit")
}

func TestRetrieveClearsPendingOnFailure(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	boom := errors.New("mirror reset the connection")
	fetcher := &countingFetcher{err: boom}
	c := newTestCache(t, root, fetcher, &recordingUploader{})
	ctx := context.Background()
	key := Key{"debian12-x86_64", "tree-kernel"}

	_, err := c.Retrieve(ctx, key, "http://deb/linux", false)
	require.ErrorIs(t, err, boom)

	doc, err := c.Index.Snapshot(ctx)
	require.NoError(t, err)
	_, ok := doc.Get(key)
	assert.False(t, ok, "pending entry survived a failed retrieval")
	require.NoError(t, c.Index.View(ctx, func(st *State) error {
		_, ok := st.Lease(key)
		assert.False(t, ok)
		return nil
	}))
	parts, err := filepath.Glob(filepath.Join(root, "*.part"))
	require.NoError(t, err)
	assert.Empty(t, parts)

	// The next caller starts over.
	fetcher.err = nil
	_, err = c.Retrieve(ctx, key, "http://deb/linux", false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, fetcher.calls.Load())
}

func TestRetrievePendingCeilingIsTimeout(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, t.TempDir(), &countingFetcher{}, nil)
	c.PendingCeiling = 20 * time.Millisecond
	ctx := context.Background()
	key := Key{"rhel9-x86_64", "install-iso"}

	require.NoError(t, c.Index.Update(ctx, func(st *State) error {
		st.Set(key, PendingEntry)
		st.SetLease(key, Lease{Owner: "other:1", Generation: 1, ExpiresAt: time.Now().Add(time.Hour)})
		return nil
	}))

	_, err := c.Retrieve(ctx, key, "file:///nowhere", false)
	require.Error(t, err)
	assert.True(t, faults.IsTimeout(err))
}

func TestRetrieveWaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, t.TempDir(), &countingFetcher{}, nil)
	key := Key{"rhel9-x86_64", "install-iso"}
	require.NoError(t, c.Index.Update(context.Background(), func(st *State) error {
		st.Set(key, PendingEntry)
		st.SetLease(key, Lease{Owner: "other:1", Generation: 1, ExpiresAt: time.Now().Add(time.Hour)})
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Retrieve(ctx, key, "file:///nowhere", false)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, faults.IsTimeout(err))
}

func TestRetrieveReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	fetcher := &countingFetcher{}
	c := newTestCache(t, t.TempDir(), fetcher, &recordingUploader{})
	ctx := context.Background()
	key := Key{"fedora38-x86_64", "install-iso"}

	// A holder that crashed long ago.
	require.NoError(t, c.Index.Update(ctx, func(st *State) error {
		st.Set(key, PendingEntry)
		st.SetLease(key, Lease{Owner: "dead:42", Generation: 3, ExpiresAt: time.Now().Add(-time.Minute)})
		return nil
	}))

	locs, err := c.Retrieve(ctx, key, "http://mirror/fedora.iso", false)
	require.NoError(t, err)
	assert.Equal(t, "img-1", locs.RemoteImage)
	assert.EqualValues(t, 1, fetcher.calls.Load())

	doc, err := c.Index.Snapshot(ctx)
	require.NoError(t, err)
	e, ok := doc.Get(key)
	require.True(t, ok)
	assert.False(t, e.Pending)
}

func TestRetrieveSupersededHolderSkipsFinalWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	key := Key{"fedora38-x86_64", "install-iso"}
	fetcher := &countingFetcher{}
	c := newTestCache(t, t.TempDir(), fetcher, &recordingUploader{})

	fetcher.during = func() {
		// Another process decides our lease expired and takes over.
		_ = c.Index.Update(ctx, func(st *State) error {
			l, _ := st.Lease(key)
			st.SetLease(key, Lease{Owner: "other:7", Generation: l.Generation + 1, ExpiresAt: time.Now().Add(time.Hour)})
			return nil
		})
	}

	locs, err := c.Retrieve(ctx, key, "http://mirror/fedora.iso", false)
	require.NoError(t, err)
	assert.Equal(t, "img-1", locs.RemoteImage)

	doc, err := c.Index.Snapshot(ctx)
	require.NoError(t, err)
	e, ok := doc.Get(key)
	require.True(t, ok)
	assert.True(t, e.Pending, "superseded holder overwrote the new holder's entry")
}

func TestRetrieveTrustsExistingLocalFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fetcher := &countingFetcher{}
	c := newTestCache(t, root, fetcher, nil)
	key := Key{"fedora38-x86_64", "install-iso"}
	require.NoError(t, os.WriteFile(c.LocalPath(key), []byte("seeded"), 0o644))

	locs, err := c.Retrieve(context.Background(), key, "http://mirror/fedora.iso", true)
	require.NoError(t, err)
	assert.Equal(t, c.LocalPath(key), locs.Local)
	assert.Zero(t, fetcher.calls.Load())
}

func TestRetrieveRemovesLocalCopyUnlessWanted(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, t.TempDir(), &countingFetcher{}, &recordingUploader{})
	key := Key{"ubuntu2204-x86_64", "install-iso"}

	locs, err := c.Retrieve(context.Background(), key, "http://mirror/ubuntu.iso", false)
	require.NoError(t, err)
	assert.Empty(t, locs.Local)
	_, err = os.Stat(c.LocalPath(key))
	assert.True(t, os.IsNotExist(err))
}

func TestRetrieveHitFetchesMissingLocalCopy(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fetcher := &countingFetcher{}
	uploader := &recordingUploader{}
	c := newTestCache(t, root, fetcher, uploader)
	ctx := context.Background()
	key := Key{"fedora38-x86_64", "install-iso"}

	// Another build recorded the entry without keeping the file.
	first, err := c.Retrieve(ctx, key, "http://mirror/fedora.iso", false)
	require.NoError(t, err)
	require.Empty(t, first.Local)

	locs, err := c.Retrieve(ctx, key, "http://mirror/fedora.iso", true)
	require.NoError(t, err)
	assert.Equal(t, c.LocalPath(key), locs.Local)
	assert.Equal(t, first.RemoteImage, locs.RemoteImage)
	assert.Equal(t, first.RemoteVolume, locs.RemoteVolume)
	content, err := os.ReadFile(locs.Local)
	require.NoError(t, err)
	assert.Equal(t, "payload from http://mirror/fedora.iso", string(content))
	assert.EqualValues(t, 2, fetcher.calls.Load())
	assert.Equal(t, 1, uploader.count(), "a local refetch never uploads again")

	doc, err := c.Index.Snapshot(ctx)
	require.NoError(t, err)
	entry, ok := doc.Get(key)
	require.True(t, ok)
	assert.Equal(t, locs, entry.Locations)

	// The recorded copy now satisfies later callers.
	again, err := c.Retrieve(ctx, key, "http://mirror/fedora.iso", true)
	require.NoError(t, err)
	assert.Equal(t, locs, again)
	assert.EqualValues(t, 2, fetcher.calls.Load())
}

func TestRetrieveHitReplacesVanishedLocalCopy(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, t.TempDir(), &countingFetcher{}, &recordingUploader{})
	ctx := context.Background()
	key := Key{"debian12-x86_64", "tree-kernel"}

	first, err := c.Retrieve(ctx, key, "http://deb/linux", true)
	require.NoError(t, err)
	require.NoError(t, os.Remove(first.Local))

	locs, err := c.Retrieve(ctx, key, "http://deb/linux", true)
	require.NoError(t, err)
	assert.Equal(t, first, locs)
	assert.FileExists(t, locs.Local)
}

func TestRetrieveHitLocalFetchFailure(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fetcher := &countingFetcher{}
	c := newTestCache(t, root, fetcher, &recordingUploader{})
	ctx := context.Background()
	key := Key{"ubuntu2204-x86_64", "install-iso"}

	_, err := c.Retrieve(ctx, key, "http://mirror/ubuntu.iso", false)
	require.NoError(t, err)

	boom := errors.New("mirror offline")
	fetcher.err = boom
	_, err = c.Retrieve(ctx, key, "http://mirror/ubuntu.iso", true)
	require.ErrorIs(t, err, boom)

	doc, err := c.Index.Snapshot(ctx)
	require.NoError(t, err)
	entry, ok := doc.Get(key)
	require.True(t, ok, "a failed local copy keeps the remote entry")
	assert.Empty(t, entry.Locations.Local)
	parts, err := filepath.Glob(filepath.Join(root, "*.part"))
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func writeTestISO(t *testing.T, path string, files map[string]string) {
	t.Helper()
	w, err := iso9660.NewWriter()
	require.NoError(t, err)
	defer w.Cleanup()
	for name, content := range files {
		require.NoError(t, w.AddFile(strings.NewReader(content), name))
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, w.WriteTo(f, "FEDORA"))
}

func TestRetrieveExtractsManifestFromISO(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "fedora.iso")
	writeTestISO(t, src, map[string]string{
		"images/pxeboot/vmlinuz":    "kernel bits",
		"images/pxeboot/initrd.img": "initrd bits",
	})

	uploader := &recordingUploader{}
	c := newTestCache(t, t.TempDir(), FileFetcher{}, uploader)
	key := Key{"fedora38-x86_64", "install-iso"}

	_, err := c.RetrieveWith(context.Background(), key, src, Options{
		WantLocal: true,
		Manifest: map[string]string{
			"install-iso-kernel": "/images/pxeboot/vmlinuz",
			"install-iso-initrd": "/images/pxeboot/initrd.img",
		},
	})
	require.NoError(t, err)

	kernel, err := os.ReadFile(c.LocalPath(Key{"fedora38-x86_64", "install-iso-kernel"}))
	require.NoError(t, err)
	assert.Equal(t, "kernel bits", string(kernel))

	byObject := map[string]UploadRequest{}
	for _, req := range uploader.reqs {
		byObject[req.Key.Object] = req
	}
	require.Len(t, byObject, 3)
	assert.Equal(t, "aki", byObject["install-iso-kernel"].DiskFormat)
	assert.False(t, byObject["install-iso-kernel"].WantVolume)
	assert.Equal(t, "ari", byObject["install-iso-initrd"].DiskFormat)
	assert.False(t, byObject["install-iso-initrd"].WantVolume)
	assert.Equal(t, "iso", byObject["install-iso"].DiskFormat)
	assert.True(t, byObject["install-iso"].WantVolume)
}

func TestEvict(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, t.TempDir(), &countingFetcher{}, nil)
	ctx := context.Background()
	key := Key{"fedora38-x86_64", "install-iso"}

	_, err := c.Retrieve(ctx, key, "http://mirror/fedora.iso", true)
	require.NoError(t, err)

	found, err := c.Evict(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	_, err = os.Stat(c.LocalPath(key))
	assert.True(t, os.IsNotExist(err))

	found, err = c.Evict(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRetrieveRejectsIncompleteKey(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, t.TempDir(), &countingFetcher{}, nil)
	_, err := c.Retrieve(context.Background(), Key{Object: "install-iso"}, "x", false)
	assert.True(t, faults.IsValidation(err))
}
