package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleIndex = `{
  "fedora38-x86_64": {
    "install-iso": {
      "local": "/var/lib/kiln/cache/fedora38-x86_64-install-iso",
      "remote-image": "img-7",
      "remote-volume": "vol-9"
    },
    "install-iso-kernel": "pending"
  },
  "ubuntu2204-x86_64": {
    "tree-initrd": {
      "remote-image": "img-3"
    }
  }
}
`

func TestIndexRoundTrip(t *testing.T) {
	t.Parallel()

	doc, err := DecodeDocument(strings.NewReader(sampleIndex))
	require.NoError(t, err)

	e, ok := doc.Get(Key{"fedora38-x86_64", "install-iso-kernel"})
	require.True(t, ok)
	assert.True(t, e.Pending)

	e, ok = doc.Get(Key{"fedora38-x86_64", "install-iso"})
	require.True(t, ok)
	assert.Equal(t, Locations{
		Local:        "/var/lib/kiln/cache/fedora38-x86_64-install-iso",
		RemoteImage:  "img-7",
		RemoteVolume: "vol-9",
	}, e.Locations)

	var buf bytes.Buffer
	require.NoError(t, doc.Encode(&buf))
	assert.Equal(t, sampleIndex, buf.String())

	again, err := DecodeDocument(&buf)
	require.NoError(t, err)
	assert.Equal(t, doc, again)
}

func TestIndexRejectsUnknownMarker(t *testing.T) {
	t.Parallel()

	_, err := DecodeDocument(strings.NewReader(`{"a": {"b": "downloading"}}`))
	require.Error(t, err)
}

func TestIndexUpdatePersistsAtomically(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "_cache_index")
	ix, err := OpenIndex(path)
	require.NoError(t, err)

	key := Key{"debian12-x86_64", "tree-kernel"}
	require.NoError(t, ix.Update(context.Background(), func(st *State) error {
		st.Set(key, Entry{Locations: Locations{RemoteImage: "img-1"}})
		return nil
	}))

	// A second handle on the same path sees the write.
	other, err := OpenIndex(path)
	require.NoError(t, err)
	doc, err := other.Snapshot(context.Background())
	require.NoError(t, err)
	e, ok := doc.Get(key)
	require.True(t, ok)
	assert.Equal(t, "img-1", e.Locations.RemoteImage)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp-", "temp file left behind")
	}
}

func TestIndexUpdateWithoutChangesDoesNotWrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "_cache_index")
	ix, err := OpenIndex(path)
	require.NoError(t, err)

	require.NoError(t, ix.Update(context.Background(), func(*State) error { return nil }))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDocumentDeleteDropsEmptyGroup(t *testing.T) {
	t.Parallel()

	doc := make(Document)
	key := Key{"rhel9-x86_64", "install-iso"}
	doc.Set(key, PendingEntry)
	doc.Delete(key)
	assert.Empty(t, doc)
}

func TestStateDeleteDropsLease(t *testing.T) {
	t.Parallel()

	ix, err := OpenIndex(filepath.Join(t.TempDir(), "_cache_index"))
	require.NoError(t, err)
	key := Key{"fedora38-x86_64", "install-iso"}
	ctx := context.Background()

	require.NoError(t, ix.Update(ctx, func(st *State) error {
		st.Set(key, PendingEntry)
		st.SetLease(key, Lease{Owner: "h:1", Generation: 1, ExpiresAt: time.Now().Add(time.Minute)})
		return nil
	}))
	require.NoError(t, ix.Update(ctx, func(st *State) error {
		st.Delete(key)
		return nil
	}))
	require.NoError(t, ix.View(ctx, func(st *State) error {
		_, ok := st.Lease(key)
		assert.False(t, ok)
		return nil
	}))
}
