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

func TestMultiIndexNewestWins(t *testing.T) {
	dir := t.TempDir()

	// The same blob in two packs, stored at different offsets.
	shared := []byte("present in both packs")

	older := testutil.NewPackBuilder(object.SHA1)
	older.AddFull(object.KindBlob, []byte("padding so offsets differ"))
	oi := older.AddFull(object.KindBlob, shared)
	oPackPath, oIdxPath := older.WriteFiles(t, filepath.Join(dir, "a"))

	newer := testutil.NewPackBuilder(object.SHA1)
	ni := newer.AddFull(object.KindBlob, shared)
	nPackPath, nIdxPath := newer.WriteFiles(t, filepath.Join(dir, "b"))

	oPack, err := pack.Open(oPackPath, object.SHA1)
	require.NoError(t, err)
	defer oPack.Close()
	oIdx, err := pack.OpenIndex(oIdxPath, object.SHA1)
	require.NoError(t, err)
	defer oIdx.Close()
	nPack, err := pack.Open(nPackPath, object.SHA1)
	require.NoError(t, err)
	defer nPack.Close()
	nIdx, err := pack.OpenIndex(nIdxPath, object.SHA1)
	require.NoError(t, err)
	defer nIdx.Close()

	multi := &pack.MultiIndex{}
	multi.Add(oPack, oIdx)
	multi.Add(nPack, nIdx)
	require.Equal(t, 2, multi.Len())

	// Most recently added pack wins, consistently across calls.
	for i := 0; i < 3; i++ {
		file, _, off, ok := multi.Lookup(older.Hash(oi))
		require.True(t, ok)
		assert.Same(t, nPack, file)
		assert.Equal(t, newer.Offset(ni), off)
	}

	// Ids unique to the older pack still resolve there.
	file, _, _, ok := multi.Lookup(older.Hash(0))
	require.True(t, ok)
	assert.Same(t, oPack, file)

	_, _, _, ok = multi.Lookup(testutil.RandomishHash(object.SHA1, "absent"))
	assert.False(t, ok)
}

func TestOpenMidx(t *testing.T) {
	h1 := testutil.RandomishHash(object.SHA1, "midx-1")
	h2 := testutil.RandomishHash(object.SHA1, "midx-2")
	h3 := testutil.RandomishHash(object.SHA1, "midx-3")
	big := uint64(1)<<31 + 99

	data := testutil.BuildMidx(t, object.SHA1,
		[]string{"pack-aaaa.idx", "pack-bbbb.idx"},
		[]testutil.MidxEntry{
			{Hash: h1, PackID: 0, Offset: 12},
			{Hash: h2, PackID: 1, Offset: 4242},
			{Hash: h3, PackID: 1, Offset: big},
		})
	path := filepath.Join(t.TempDir(), "multi-pack-index")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	m, err := pack.OpenMidx(path, object.SHA1)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, []string{"pack-aaaa.idx", "pack-bbbb.idx"}, m.PackNames())
	assert.Equal(t, 3, m.Count())

	packID, off, ok := m.Lookup(h1)
	require.True(t, ok)
	assert.Equal(t, uint32(0), packID)
	assert.Equal(t, uint64(12), off)

	packID, off, ok = m.Lookup(h2)
	require.True(t, ok)
	assert.Equal(t, uint32(1), packID)
	assert.Equal(t, uint64(4242), off)

	// Large offsets go through the LOFF chunk.
	packID, off, ok = m.Lookup(h3)
	require.True(t, ok)
	assert.Equal(t, uint32(1), packID)
	assert.Equal(t, big, off)

	_, _, ok = m.Lookup(testutil.RandomishHash(object.SHA1, "absent"))
	assert.False(t, ok)
}

func TestLoadMidxMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "bad magic", data: make([]byte, 64), want: object.ErrCorrupt},
		{name: "bad version", data: append([]byte("MIDX\x02\x01\x00\x00\x00\x00\x00\x00"), make([]byte, 32)...), want: pack.ErrUnsupportedVersion},
		{name: "truncated", data: []byte("MIDX\x01\x01"), want: object.ErrCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pack.LoadMidx(tt.data, object.SHA1)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
