package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cochaviz/kiln/internal/filelock"
)

const pendingSentinel = "pending"

// Key identifies one cacheable artifact, e.g. {"fedora38-x86_64", "install-iso"}.
type Key struct {
	OSVersionArch string
	Object        string
}

func (k Key) String() string { return k.OSVersionArch + "/" + k.Object }

// FileName is the name of the artifact inside the cache root.
func (k Key) FileName() string { return k.OSVersionArch + "-" + k.Object }

// Locations records where a cached artifact lives. Empty fields are absent.
type Locations struct {
	Local        string `json:"local,omitempty"`
	RemoteImage  string `json:"remote-image,omitempty"`
	RemoteVolume string `json:"remote-volume,omitempty"`
}

// Entry is either the pending sentinel or a concrete set of locations.
type Entry struct {
	Pending   bool
	Locations Locations
}

// PendingEntry marks a retrieval in progress.
var PendingEntry = Entry{Pending: true}

func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Pending {
		return json.Marshal(pendingSentinel)
	}
	return json.Marshal(e.Locations)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != pendingSentinel {
			return fmt.Errorf("unknown cache entry marker %q", s)
		}
		*e = PendingEntry
		return nil
	}
	var locs Locations
	if err := json.Unmarshal(data, &locs); err != nil {
		return err
	}
	*e = Entry{Locations: locs}
	return nil
}

// Document is the whole index: os_version_arch -> object -> entry.
type Document map[string]map[string]Entry

// Get returns the entry for key.
func (d Document) Get(key Key) (Entry, bool) {
	objects, ok := d[key.OSVersionArch]
	if !ok {
		return Entry{}, false
	}
	e, ok := objects[key.Object]
	return e, ok
}

// Set stores e under key.
func (d Document) Set(key Key, e Entry) {
	objects, ok := d[key.OSVersionArch]
	if !ok {
		objects = make(map[string]Entry)
		d[key.OSVersionArch] = objects
	}
	objects[key.Object] = e
}

// Delete removes key, dropping the os group once it is empty.
func (d Document) Delete(key Key) {
	objects, ok := d[key.OSVersionArch]
	if !ok {
		return
	}
	delete(objects, key.Object)
	if len(objects) == 0 {
		delete(d, key.OSVersionArch)
	}
}

// DecodeDocument reads an index document. An empty stream is an empty index.
func DecodeDocument(r io.Reader) (Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	doc := make(Document)
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode cache index: %w", err)
	}
	return doc, nil
}

// Encode writes d with sorted keys, so equal documents encode identically.
func (d Document) Encode(w io.Writer) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Lease belongs to the holder of a pending entry.
type Lease struct {
	Owner      string    `json:"owner"`
	Generation uint64    `json:"generation"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease ran out at now.
func (l Lease) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// Leases is the sidecar document, keyed by Key.String().
type Leases map[string]Lease

// State is what an Update callback sees. Changes made through its methods
// are written back when the callback returns nil.
type State struct {
	entries Document
	leases  Leases
	dirty   bool
}

func (s *State) Get(key Key) (Entry, bool) { return s.entries.Get(key) }

func (s *State) Set(key Key, e Entry) {
	s.entries.Set(key, e)
	s.dirty = true
}

func (s *State) Delete(key Key) {
	s.entries.Delete(key)
	delete(s.leases, key.String())
	s.dirty = true
}

func (s *State) Lease(key Key) (Lease, bool) {
	l, ok := s.leases[key.String()]
	return l, ok
}

func (s *State) SetLease(key Key, l Lease) {
	s.leases[key.String()] = l
	s.dirty = true
}

func (s *State) DropLease(key Key) {
	if _, ok := s.leases[key.String()]; ok {
		delete(s.leases, key.String())
		s.dirty = true
	}
}

// Index is the on-disk cache index shared by every kiln process on a host.
type Index struct {
	Path string

	lock *filelock.Lock
}

// OpenIndex prepares the index at path. The files are created lazily.
func OpenIndex(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("cache index path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache index directory: %w", err)
	}
	// The document itself is replaced by rename on every write, so the
	// flock has to live on a file that is never renamed.
	return &Index{Path: path, lock: filelock.New(path + ".lock")}, nil
}

// LeasePath is the sidecar holding pending leases.
func (ix *Index) LeasePath() string { return ix.Path + ".leases" }

// View runs fn on a consistent copy of the index. Changes are discarded.
func (ix *Index) View(ctx context.Context, fn func(*State) error) error {
	return ix.lock.With(ctx, func() error {
		st, err := ix.load()
		if err != nil {
			return err
		}
		return fn(st)
	})
}

// Update runs fn under the lock and persists its changes when it returns nil.
// fn must not perform network or child-process I/O.
func (ix *Index) Update(ctx context.Context, fn func(*State) error) error {
	return ix.lock.With(ctx, func() error {
		st, err := ix.load()
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		if !st.dirty {
			return nil
		}
		if err := writeJSON(ix.LeasePath(), func(w io.Writer) error {
			return encodeLeases(w, st.leases)
		}); err != nil {
			return fmt.Errorf("write cache leases: %w", err)
		}
		if err := writeJSON(ix.Path, st.entries.Encode); err != nil {
			return fmt.Errorf("write cache index: %w", err)
		}
		return nil
	})
}

// Snapshot returns the current document for read-only listing.
func (ix *Index) Snapshot(ctx context.Context) (Document, error) {
	var doc Document
	err := ix.View(ctx, func(st *State) error {
		doc = st.entries
		return nil
	})
	return doc, err
}

func (ix *Index) load() (*State, error) {
	doc, err := readFile(ix.Path, DecodeDocument)
	if err != nil {
		return nil, err
	}
	leases, err := readFile(ix.LeasePath(), decodeLeases)
	if err != nil {
		return nil, err
	}
	return &State{entries: doc, leases: leases}, nil
}

func readFile[T any](path string, decode func(io.Reader) (T, error)) (T, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return decode(bytes.NewReader(nil))
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return decode(f)
}

func decodeLeases(r io.Reader) (Leases, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	leases := make(Leases)
	if len(bytes.TrimSpace(data)) == 0 {
		return leases, nil
	}
	if err := json.Unmarshal(data, &leases); err != nil {
		return nil, fmt.Errorf("decode cache leases: %w", err)
	}
	return leases, nil
}

func encodeLeases(w io.Writer, l Leases) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(l)
}

// writeJSON replaces path atomically: temp file, fsync, rename.
func writeJSON(path string, encode func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := encode(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
