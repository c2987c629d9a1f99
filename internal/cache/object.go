// Package cache shares install media between concurrent builds.
//
// Every artifact is fetched and uploaded at most once per host: the first
// caller marks its key pending in the index and does the work, everyone else
// waits for the concrete entry. A pending entry is backed by a lease that the
// holder keeps renewing, so a crashed holder is eventually replaced.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/logging"
)

// Fetcher downloads source into the file at dst.
type Fetcher interface {
	Fetch(ctx context.Context, source, dst string) error
}

// UploadRequest describes one artifact to publish remotely.
type UploadRequest struct {
	Key             Key
	Path            string
	DiskFormat      string
	ContainerFormat string
	WantVolume      bool
}

// Uploader publishes a local artifact and returns its remote locations.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) (Locations, error)
}

// Options tune a single retrieval.
type Options struct {
	// WantLocal keeps the downloaded file in the cache root after upload.
	WantLocal bool
	// Manifest maps object names to paths inside the ISO that should be
	// extracted and cached under their own keys, e.g.
	// "install-iso-kernel" -> "/images/pxeboot/vmlinuz".
	Manifest map[string]string
	// DiskFormat and ContainerFormat override the formats derived from the
	// object name.
	DiskFormat      string
	ContainerFormat string
	// NoVolume suppresses the volume even when volumes are enabled.
	NoVolume bool
}

// ObjectCache coordinates retrievals through a shared Index.
type ObjectCache struct {
	Root     string
	Index    *Index
	Fetcher  Fetcher
	Uploader Uploader

	PollInterval   time.Duration
	PendingCeiling time.Duration
	LeaseTTL       time.Duration
	UseVolumes     bool

	// Owner names this process in leases; defaults to host:pid.
	Owner  string
	Logger *slog.Logger

	now func() time.Time
}

func (c *ObjectCache) logger() *slog.Logger {
	return logging.Component(logging.Ensure(c.Logger), "cache")
}

func (c *ObjectCache) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *ObjectCache) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 10 * time.Second
}

func (c *ObjectCache) pendingCeiling() time.Duration {
	if c.PendingCeiling > 0 {
		return c.PendingCeiling
	}
	return time.Hour
}

func (c *ObjectCache) leaseTTL() time.Duration {
	if c.LeaseTTL > 0 {
		return c.LeaseTTL
	}
	return 5 * time.Minute
}

func (c *ObjectCache) owner() string {
	if c.Owner != "" {
		return c.Owner
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// LocalPath is where key's artifact lives inside the cache root.
func (c *ObjectCache) LocalPath(key Key) string {
	return filepath.Join(c.Root, key.FileName())
}

// Retrieve returns the locations of key, fetching source and publishing it
// when no other caller has done so yet.
func (c *ObjectCache) Retrieve(ctx context.Context, key Key, source string, wantLocal bool) (Locations, error) {
	return c.RetrieveWith(ctx, key, source, Options{WantLocal: wantLocal})
}

type claimOutcome int

const (
	outcomeWait claimOutcome = iota
	outcomeHit
	outcomeClaimed
)

// RetrieveWith is Retrieve with full options.
func (c *ObjectCache) RetrieveWith(ctx context.Context, key Key, source string, opts Options) (Locations, error) {
	if key.OSVersionArch == "" || key.Object == "" {
		return Locations{}, faults.Validationf("cache key %q is incomplete", key.String())
	}
	logger := c.logger().With("key", key.String())

	start := c.clock()
	var orphanSince time.Time
	for {
		var (
			outcome claimOutcome
			hit     Locations
			lease   Lease
		)
		err := c.Index.Update(ctx, func(st *State) error {
			now := c.clock()
			entry, ok := st.Get(key)
			switch {
			case ok && !entry.Pending:
				outcome, hit = outcomeHit, entry.Locations
				return nil
			case !ok:
				lease = Lease{Owner: c.owner(), Generation: 1, ExpiresAt: now.Add(c.leaseTTL())}
				st.Set(key, PendingEntry)
				st.SetLease(key, lease)
				outcome = outcomeClaimed
				return nil
			}

			held, hasLease := st.Lease(key)
			if !hasLease {
				// Pending without a lease: give the writer one TTL from the
				// moment we first saw it.
				if orphanSince.IsZero() {
					orphanSince = now
				}
				held = Lease{ExpiresAt: orphanSince.Add(c.leaseTTL())}
			}
			if !held.Expired(now) {
				outcome = outcomeWait
				return nil
			}
			logger.Warn("reclaiming expired cache lease", "previous_owner", held.Owner, "generation", held.Generation)
			lease = Lease{Owner: c.owner(), Generation: held.Generation + 1, ExpiresAt: now.Add(c.leaseTTL())}
			st.SetLease(key, lease)
			outcome = outcomeClaimed
			return nil
		})
		if err != nil {
			return Locations{}, fmt.Errorf("cache %s: %w", key, err)
		}

		switch outcome {
		case outcomeHit:
			if opts.WantLocal {
				return c.ensureLocal(ctx, key, source, hit)
			}
			return hit, nil
		case outcomeClaimed:
			return c.hold(ctx, key, source, opts, lease)
		}

		waited := c.clock().Sub(start)
		if waited >= c.pendingCeiling() {
			return Locations{}, faults.WithContext(faults.Timeout("cache retrieval of "+key.String(), waited), "key", key.String())
		}
		logger.Debug("waiting for pending cache entry", "waited", waited.Round(time.Second))
		if err := sleep(ctx, c.pollInterval()); err != nil {
			return Locations{}, err
		}
	}
}

// hold does the work for a claimed key and records the result.
func (c *ObjectCache) hold(ctx context.Context, key Key, source string, opts Options, lease Lease) (Locations, error) {
	logger := c.logger().With("key", key.String(), "generation", lease.Generation)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat(hbCtx, key, lease.Generation)
	}()

	locs, err := c.materialize(ctx, key, source, opts)
	stopHeartbeat()
	wg.Wait()

	// The caller's context may be the reason we failed; bookkeeping must
	// still happen.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		if rerr := c.release(bg, key, lease.Generation); rerr != nil {
			logger.Error("failed to clear pending cache entry", "error", rerr)
			err = errors.Join(err, rerr)
		}
		return Locations{}, err
	}

	superseded := false
	werr := c.Index.Update(bg, func(st *State) error {
		if current, ok := st.Lease(key); !ok || current.Generation != lease.Generation {
			superseded = true
			return nil
		}
		st.Set(key, Entry{Locations: locs})
		st.DropLease(key)
		return nil
	})
	if werr != nil {
		return Locations{}, fmt.Errorf("record cache entry %s: %w", key, werr)
	}
	if superseded {
		logger.Warn("cache lease was reclaimed by another holder; not recording entry")
	} else {
		logger.Info("cached object", "local", locs.Local, "remote_image", locs.RemoteImage, "remote_volume", locs.RemoteVolume)
	}
	return locs, nil
}

func (c *ObjectCache) heartbeat(ctx context.Context, key Key, generation uint64) {
	every := c.leaseTTL() / 3
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := c.Index.Update(ctx, func(st *State) error {
			current, ok := st.Lease(key)
			if !ok || current.Generation != generation {
				return nil
			}
			current.ExpiresAt = c.clock().Add(c.leaseTTL())
			st.SetLease(key, current)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			c.logger().Warn("failed to renew cache lease", "key", key.String(), "error", err)
		}
	}
}

// release removes a pending entry we still own.
func (c *ObjectCache) release(ctx context.Context, key Key, generation uint64) error {
	return c.Index.Update(ctx, func(st *State) error {
		current, ok := st.Lease(key)
		if !ok || current.Generation != generation {
			return nil
		}
		if entry, ok := st.Get(key); ok && entry.Pending {
			st.Delete(key)
		} else {
			st.DropLease(key)
		}
		return nil
	})
}

func (c *ObjectCache) materialize(ctx context.Context, key Key, source string, opts Options) (Locations, error) {
	logger := c.logger().With("key", key.String())
	local := c.LocalPath(key)

	if _, err := os.Stat(local); err == nil {
		logger.Warn("trusting existing file in cache root", "path", local)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Locations{}, fmt.Errorf("stat %s: %w", local, err)
	} else if err := c.fetch(ctx, source, local); err != nil {
		return Locations{}, err
	}

	// Content extraction happens while the parent is pending; the members
	// are distinct keys so the nested retrievals never wait on us.
	names := make([]string, 0, len(opts.Manifest))
	for name := range opts.Manifest {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		member := Key{OSVersionArch: key.OSVersionArch, Object: name}
		if _, err := c.RetrieveWith(ctx, member, ISOMemberSource(local, opts.Manifest[name]), Options{WantLocal: true}); err != nil {
			return Locations{}, fmt.Errorf("extract %s from %s: %w", name, key, err)
		}
	}

	if c.Uploader == nil {
		return Locations{Local: local}, nil
	}

	diskFormat, containerFormat := formatsFor(key.Object)
	if opts.DiskFormat != "" {
		diskFormat = opts.DiskFormat
	}
	if opts.ContainerFormat != "" {
		containerFormat = opts.ContainerFormat
	}
	locs, err := c.Uploader.Upload(ctx, UploadRequest{
		Key:             key,
		Path:            local,
		DiskFormat:      diskFormat,
		ContainerFormat: containerFormat,
		WantVolume:      c.UseVolumes && !opts.NoVolume && volumeAllowed(key.Object),
	})
	if err != nil {
		return Locations{}, fmt.Errorf("upload %s: %w", key, err)
	}

	if opts.WantLocal {
		locs.Local = local
	} else {
		locs.Local = ""
		if err := os.Remove(local); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to remove uploaded file", "path", local, "error", err)
		}
	}
	return locs, nil
}

// fetch downloads source into local through a temporary file in the cache
// root, so a reader never sees a partial object under its final name.
func (c *ObjectCache) fetch(ctx context.Context, source, local string) error {
	fetcher := c.Fetcher
	if IsISOMemberSource(source) {
		fetcher = ISOExtractor{}
	}
	if fetcher == nil {
		return faults.Validationf("no fetcher configured for %s", source)
	}
	c.logger().Info("fetching object", "source", source, "path", local)
	if err := os.MkdirAll(c.Root, 0o755); err != nil {
		return fmt.Errorf("create cache root: %w", err)
	}
	tmp, err := os.CreateTemp(c.Root, filepath.Base(local)+".*.part")
	if err != nil {
		return fmt.Errorf("create partial file: %w", err)
	}
	part := tmp.Name()
	tmp.Close()
	if err := fetcher.Fetch(ctx, source, part); err != nil {
		os.Remove(part)
		return err
	}
	if err := os.Rename(part, local); err != nil {
		os.Remove(part)
		return fmt.Errorf("move fetched object into place: %w", err)
	}
	return nil
}

// ensureLocal gives a cache hit a local copy when the entry was recorded
// without one or its file has since gone. The remote locations are kept and
// the index learns the new path.
func (c *ObjectCache) ensureLocal(ctx context.Context, key Key, source string, hit Locations) (Locations, error) {
	if hit.Local != "" {
		if _, err := os.Stat(hit.Local); err == nil {
			return hit, nil
		}
	}
	local := c.LocalPath(key)
	if _, err := os.Stat(local); errors.Is(err, fs.ErrNotExist) {
		if err := c.fetch(ctx, source, local); err != nil {
			return Locations{}, fmt.Errorf("cache %s: local copy: %w", key, err)
		}
	} else if err != nil {
		return Locations{}, fmt.Errorf("stat %s: %w", local, err)
	}

	hit.Local = local
	err := c.Index.Update(context.WithoutCancel(ctx), func(st *State) error {
		entry, ok := st.Get(key)
		if !ok || entry.Pending || entry.Locations.Local == local {
			return nil
		}
		entry.Locations.Local = local
		st.Set(key, entry)
		return nil
	})
	if err != nil {
		return Locations{}, fmt.Errorf("record local copy of %s: %w", key, err)
	}
	return hit, nil
}

// Evict removes key from the index and its file from the cache root.
func (c *ObjectCache) Evict(ctx context.Context, key Key) (bool, error) {
	found := false
	err := c.Index.Update(ctx, func(st *State) error {
		if _, ok := st.Get(key); ok {
			found = true
			st.Delete(key)
		} else {
			st.DropLease(key)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("evict %s: %w", key, err)
	}
	local := c.LocalPath(key)
	if err := os.Remove(local); err == nil {
		found = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return found, fmt.Errorf("remove %s: %w", local, err)
	}
	if found {
		c.logger().Info("evicted cache entry", "key", key.String())
	}
	return found, nil
}

// formatsFor derives upload formats from the object name.
func formatsFor(object string) (disk, container string) {
	switch {
	case strings.HasSuffix(object, "-kernel"):
		return "aki", "aki"
	case strings.HasSuffix(object, "-initrd"), strings.HasSuffix(object, "-ramdisk"):
		return "ari", "ari"
	case strings.HasSuffix(object, "-iso"):
		return "iso", "bare"
	case strings.HasSuffix(object, "-qcow2"):
		return "qcow2", "bare"
	default:
		return "raw", "bare"
	}
}

// Kernels and ramdisks are only ever booted directly.
func volumeAllowed(object string) bool {
	d, _ := formatsFor(object)
	return d != "aki" && d != "ari"
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
