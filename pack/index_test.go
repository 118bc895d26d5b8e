package pack_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/odb/internal/testutil"
	"github.com/meigma/odb/object"
	"github.com/meigma/odb/pack"
)

func TestOpenIndexLookup(t *testing.T) {
	b := testutil.NewPackBuilder(object.SHA1)
	contents := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, c := range contents {
		b.AddFull(object.KindBlob, []byte(c))
	}
	_, idxPath := b.WriteFiles(t, t.TempDir())

	ix, err := pack.OpenIndex(idxPath, object.SHA1)
	require.NoError(t, err)
	defer ix.Close()

	assert.Equal(t, len(contents), ix.Count())
	for i := range contents {
		off, ok := ix.Lookup(b.Hash(i))
		require.True(t, ok, "missing %s", b.Hash(i))
		assert.Equal(t, b.Offset(i), off)
	}

	_, ok := ix.Lookup(testutil.RandomishHash(object.SHA1, "absent"))
	assert.False(t, ok)
}

func TestOpenIndexRejectsV1(t *testing.T) {
	// A v1 index has no magic; the first bytes are fanout data.
	path := filepath.Join(t.TempDir(), "pack-old.idx")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))
	_, err := pack.OpenIndex(path, object.SHA1)
	assert.ErrorIs(t, err, pack.ErrUnsupportedVersion)
}

func TestOpenIndexTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack-short.idx")
	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0x74, 0x4F, 0x63, 0, 0, 0, 2}, 0o644))
	_, err := pack.OpenIndex(path, object.SHA1)
	assert.ErrorIs(t, err, object.ErrCorrupt)
}

func TestIndexLargeOffsets(t *testing.T) {
	// Offsets past 2^31 escape into the 64-bit table. No pack this
	// size is needed: the index is self-contained.
	big := uint64(1)<<31 + 12345
	entries := []testutil.IdxEntry{
		{Hash: testutil.RandomishHash(object.SHA1, "small"), Offset: 42},
		{Hash: testutil.RandomishHash(object.SHA1, "large"), Offset: big},
	}
	data := testutil.BuildIdx(t, object.SHA1, entries, nil)
	path := filepath.Join(t.TempDir(), "pack-large.idx")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	ix, err := pack.OpenIndex(path, object.SHA1)
	require.NoError(t, err)
	defer ix.Close()

	off, ok := ix.Lookup(entries[0].Hash)
	require.True(t, ok)
	assert.Equal(t, uint64(42), off)

	off, ok = ix.Lookup(entries[1].Hash)
	require.True(t, ok)
	assert.Equal(t, big, off)
}

func TestIndexEntriesSorted(t *testing.T) {
	b := testutil.NewPackBuilder(object.SHA1)
	for _, c := range []string{"one", "two", "three", "four"} {
		b.AddFull(object.KindBlob, []byte(c))
	}
	_, idxPath := b.WriteFiles(t, t.TempDir())
	ix, err := pack.OpenIndex(idxPath, object.SHA1)
	require.NoError(t, err)
	defer ix.Close()

	var prev object.Hash
	n := 0
	for h, off := range ix.Entries() {
		if n > 0 {
			assert.Equal(t, -1, prev.Compare(h))
		}
		gotOff, ok := ix.Lookup(h)
		require.True(t, ok)
		assert.Equal(t, off, gotOff)
		prev = h
		n++
	}
	assert.Equal(t, 4, n)
}

func TestBuildIndexFromBarePack(t *testing.T) {
	b := testutil.NewPackBuilder(object.SHA1)
	base := []byte("base object content, fifty bytes of nothing much.")
	bi := b.AddFull(object.KindBlob, base)
	b.AddFull(object.KindTree, nil)

	target := append(append([]byte{}, base[:10]...), "12345"...)
	th := object.HashObject(object.SHA1, object.KindBlob, target)
	script := testutil.DeltaScript(uint64(len(base)), uint64(len(target)),
		testutil.DeltaCopy(0, 10), testutil.DeltaInsert([]byte("12345")))
	di := b.AddOfsDelta(bi, th, script)

	// Write only the pack; no sidecar.
	data := b.Bytes(t)
	path := filepath.Join(t.TempDir(), "pack-bare.pack")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	p, err := pack.Open(path, object.SHA1)
	require.NoError(t, err)
	defer p.Close()

	ix, err := pack.BuildIndex(p, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, ix.Count())

	// The delta entry's id is the hash of its reconstructed payload.
	off, ok := ix.Lookup(th)
	require.True(t, ok)
	assert.Equal(t, b.Offset(di), off)

	off, ok = ix.Lookup(b.Hash(bi))
	require.True(t, ok)
	assert.Equal(t, b.Offset(bi), off)
}

func TestBuildIndexUnresolvableBase(t *testing.T) {
	b := testutil.NewPackBuilder(object.SHA1)
	b.AddFull(object.KindBlob, []byte("anchor"))
	missing := testutil.RandomishHash(object.SHA1, "nowhere")
	b.AddRefDelta(missing, testutil.RandomishHash(object.SHA1, "target"),
		testutil.DeltaScript(1, 1, testutil.DeltaInsert([]byte("x"))))

	data := b.Bytes(t)
	path := filepath.Join(t.TempDir(), "pack-thin.pack")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	p, err := pack.Open(path, object.SHA1)
	require.NoError(t, err)
	defer p.Close()

	_, err = pack.BuildIndex(p, nil)
	assert.ErrorIs(t, err, object.ErrCorrupt)
}
