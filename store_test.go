package odb_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	odb "github.com/meigma/odb"
	"github.com/meigma/odb/internal/testutil"
	"github.com/meigma/odb/object"
	"github.com/meigma/odb/pack"
)

func newStore(t *testing.T, dir string, opts ...odb.Option) *odb.Store {
	t.Helper()
	s, err := odb.New(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutLooseThenFind(t *testing.T) {
	s := newStore(t, t.TempDir())

	payload := []byte("stored and immediately visible")
	h, err := s.PutLoose(object.KindBlob, payload)
	require.NoError(t, err)

	kind, got, err := s.Find(h)
	require.NoError(t, err)
	assert.Equal(t, object.KindBlob, kind)
	assert.Equal(t, payload, got)
	assert.True(t, s.Contains(h))
}

func TestFindNotFound(t *testing.T) {
	s := newStore(t, t.TempDir())
	h := testutil.RandomishHash(object.SHA1, "never stored")
	_, _, err := s.Find(h)
	assert.ErrorIs(t, err, odb.ErrNotFound)
	assert.False(t, s.Contains(h))
}

func TestFindFromPackWithDelta(t *testing.T) {
	// Pack with object A (full, 50 bytes) and object B (ofs-delta,
	// base=A, copy bytes 0-10 + insert 5 literal bytes): Find(B) must
	// return the 15-byte manual reconstruction.
	dir := t.TempDir()
	b := testutil.NewPackBuilder(object.SHA1)
	base := []byte("0123456789the rest of a fifty byte base payload...")
	require.Len(t, base, 50)
	bi := b.AddFull(object.KindBlob, base)

	want := []byte("0123456789ABCDE")
	th := object.HashObject(object.SHA1, object.KindBlob, want)
	script := testutil.DeltaScript(50, 15,
		testutil.DeltaCopy(0, 10), testutil.DeltaInsert([]byte("ABCDE")))
	b.AddOfsDelta(bi, th, script)
	b.WriteFiles(t, filepath.Join(dir, "pack"))

	s := newStore(t, dir)

	kind, got, err := s.Find(th)
	require.NoError(t, err)
	assert.Equal(t, object.KindBlob, kind)
	assert.Equal(t, want, got)

	kind, got, err = s.Find(b.Hash(bi))
	require.NoError(t, err)
	assert.Equal(t, object.KindBlob, kind)
	assert.Equal(t, base, got)
}

func TestFindObjectDecodes(t *testing.T) {
	s := newStore(t, t.TempDir())

	tree := &object.Tree{}
	treePayload, err := tree.Encode()
	require.NoError(t, err)
	treeHash, err := s.PutLoose(object.KindTree, treePayload)
	require.NoError(t, err)

	when := time.Unix(1700000000, 0).UTC()
	commit := &object.Commit{
		Tree:      treeHash,
		Author:    object.Signature{Name: "A", Email: "a@x", When: when},
		Committer: object.Signature{Name: "A", Email: "a@x", When: when},
		Message:   "initial\n",
	}
	payload, err := commit.Encode()
	require.NoError(t, err)
	h, err := s.PutLoose(object.KindCommit, payload)
	require.NoError(t, err)

	obj, err := s.FindObject(h)
	require.NoError(t, err)
	decoded, ok := obj.(*object.Commit)
	require.True(t, ok)
	assert.Equal(t, treeHash, decoded.Tree)
	assert.Equal(t, "initial\n", decoded.Message)
}

// packClaiming writes a pack whose index maps claimed to a full blob
// record holding payload, regardless of the payload's real id. Find
// does not re-hash by default, so which physical copy served a lookup
// is observable through the payload.
func packClaiming(t *testing.T, dir string, claimed object.Hash, payload []byte) string {
	t.Helper()
	b := testutil.NewPackBuilder(object.SHA1)
	i := b.AddFull(object.KindBlob, payload)
	data := b.Bytes(t)

	name := fmt.Sprintf("pack-claim-%x", claimed.Bytes()[:4])
	require.NoError(t, os.MkdirAll(dir, 0o755))
	packPath := filepath.Join(dir, name+"-"+fmt.Sprintf("%x", payload[:2])+".pack")
	require.NoError(t, os.WriteFile(packPath, data, 0o644))

	idx := testutil.BuildIdx(t, object.SHA1, []testutil.IdxEntry{
		{Hash: claimed, Offset: b.Offset(i)},
	}, b.Checksum())
	idxPath := packPath[:len(packPath)-len(".pack")] + ".idx"
	require.NoError(t, os.WriteFile(idxPath, idx, 0o644))
	return packPath
}

func TestLooseTakesPriorityOverPack(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, odb.WithCacheSize(0))

	loosePayload := []byte("the loose copy")
	h, err := s.PutLoose(object.KindBlob, loosePayload)
	require.NoError(t, err)

	// A pack claiming the same id but holding different bytes.
	packPath := packClaiming(t, filepath.Join(dir, "spare"), h, []byte("the packed copy"))
	require.NoError(t, s.RegisterPack(packPath))

	for i := 0; i < 3; i++ {
		_, got, err := s.Find(h)
		require.NoError(t, err)
		assert.Equal(t, loosePayload, got)
	}
}

func TestNewestPackWinsForDuplicates(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, odb.WithCacheSize(0))

	h := testutil.RandomishHash(object.SHA1, "duplicated id")
	older := packClaiming(t, filepath.Join(dir, "spare"), h, []byte("aa-old"))
	newer := packClaiming(t, filepath.Join(dir, "spare"), h, []byte("bb-new"))

	require.NoError(t, s.RegisterPack(older))
	require.NoError(t, s.RegisterPack(newer))

	for i := 0; i < 3; i++ {
		_, got, err := s.Find(h)
		require.NoError(t, err)
		assert.Equal(t, []byte("bb-new"), got, "most recently registered pack must win")
	}
}

func TestRegisterTruncatedPackFailsOthersSurvive(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)

	h, err := s.PutLoose(object.KindBlob, []byte("survivor"))
	require.NoError(t, err)

	b := testutil.NewPackBuilder(object.SHA1)
	b.AddFull(object.KindBlob, []byte("doomed"))
	data := b.Bytes(t)
	path := filepath.Join(dir, "spare", "pack-cut.pack")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data[:len(data)-20], 0o644))

	err = s.RegisterPack(path)
	assert.ErrorIs(t, err, odb.ErrCorrupt)

	// The failed registration leaves the rest of the store usable.
	_, got, err := s.Find(h)
	require.NoError(t, err)
	assert.Equal(t, []byte("survivor"), got)
}

func TestRefreshPicksUpNewPacks(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)

	b := testutil.NewPackBuilder(object.SHA1)
	i := b.AddFull(object.KindBlob, []byte("landed after open"))
	b.WriteFiles(t, filepath.Join(dir, "pack"))

	// Not visible before Refresh, visible after.
	_, _, err := s.Find(b.Hash(i))
	assert.ErrorIs(t, err, odb.ErrNotFound)

	require.NoError(t, s.Refresh())
	_, got, err := s.Find(b.Hash(i))
	require.NoError(t, err)
	assert.Equal(t, []byte("landed after open"), got)
}

func TestFindThroughMultiPackIndex(t *testing.T) {
	dir := t.TempDir()
	pdir := filepath.Join(dir, "pack")
	require.NoError(t, os.MkdirAll(pdir, 0o755))

	// The pack's name does not match the pack-*.pack scan, so it is
	// reachable only through the multi-pack index.
	b := testutil.NewPackBuilder(object.SHA1)
	i := b.AddFull(object.KindBlob, []byte("via midx"))
	require.NoError(t, os.WriteFile(filepath.Join(pdir, "archived-0001.pack"), b.Bytes(t), 0o644))

	midx := testutil.BuildMidx(t, object.SHA1,
		[]string{"archived-0001.pack"},
		[]testutil.MidxEntry{{Hash: b.Hash(i), PackID: 0, Offset: b.Offset(i)}})
	require.NoError(t, os.WriteFile(filepath.Join(pdir, "multi-pack-index"), midx, 0o644))

	s := newStore(t, dir)
	kind, got, err := s.Find(b.Hash(i))
	require.NoError(t, err)
	assert.Equal(t, object.KindBlob, kind)
	assert.Equal(t, []byte("via midx"), got)
}

func TestCacheServesRepeatLookups(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, odb.WithCacheSize(16))

	h, err := s.PutLoose(object.KindBlob, []byte("cached"))
	require.NoError(t, err)
	_, _, err = s.Find(h)
	require.NoError(t, err)

	// Remove the backing file; the cache must still serve the id.
	hx := h.String()
	require.NoError(t, os.Remove(filepath.Join(dir, hx[:2], hx[2:])))
	_, got, err := s.Find(h)
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), got)
}

func TestCacheObjectLimit(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, odb.WithCacheSize(16), odb.WithCacheObjectLimit(4))

	h, err := s.PutLoose(object.KindBlob, []byte("larger than the limit"))
	require.NoError(t, err)
	_, _, err = s.Find(h)
	require.NoError(t, err)

	// Too large to cache: deleting the file makes it unfindable.
	hx := h.String()
	require.NoError(t, os.Remove(filepath.Join(dir, hx[:2], hx[2:])))
	_, _, err = s.Find(h)
	assert.ErrorIs(t, err, odb.ErrNotFound)
}

func TestVerifyOnReadRejectsMismatch(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, odb.WithVerifyOnRead(true), odb.WithCacheSize(0))

	good, err := s.PutLoose(object.KindBlob, []byte("intact"))
	require.NoError(t, err)
	_, _, err = s.Find(good)
	require.NoError(t, err)

	// A pack claiming an id its payload does not hash to.
	lying := testutil.RandomishHash(object.SHA1, "claimed id")
	packPath := packClaiming(t, filepath.Join(dir, "spare"), lying, []byte("not that object"))
	require.NoError(t, s.RegisterPack(packPath))

	_, _, err = s.Find(lying)
	assert.ErrorIs(t, err, odb.ErrCorrupt)
}

func TestConcurrentFindsDuringRegistration(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)

	// Seed objects visible from the start.
	var hashes []object.Hash
	var payloads [][]byte
	for i := 0; i < 8; i++ {
		p := []byte(fmt.Sprintf("seed object %d", i))
		h, err := s.PutLoose(object.KindBlob, p)
		require.NoError(t, err)
		hashes = append(hashes, h)
		payloads = append(payloads, p)
	}

	// Packs to register while readers run.
	spare := filepath.Join(dir, "spare")
	var packPaths []string
	for i := 0; i < 6; i++ {
		b := testutil.NewPackBuilder(object.SHA1)
		b.AddFull(object.KindBlob, []byte(fmt.Sprintf("packed object %d", i)))
		p, _ := b.WriteFiles(t, filepath.Join(spare, fmt.Sprintf("p%d", i)))
		packPaths = append(packPaths, p)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				n := i % len(hashes)
				_, got, err := s.Find(hashes[n])
				// Every seeded object stays findable across every
				// snapshot swap.
				assert.NoError(t, err)
				assert.Equal(t, payloads[n], got)
			}
		}()
	}

	for _, p := range packPaths {
		require.NoError(t, s.RegisterPack(p))
		require.NoError(t, s.Refresh())
	}
	close(stop)
	wg.Wait()
}

func TestMaxDeltaDepthOption(t *testing.T) {
	dir := t.TempDir()

	b := testutil.NewPackBuilder(object.SHA1)
	payload := []byte("seed")
	prev := b.AddFull(object.KindBlob, payload)
	var tip object.Hash
	for i := 0; i < 4; i++ {
		next := append(append([]byte{}, payload...), byte('0'+i))
		script := testutil.DeltaScript(uint64(len(payload)), uint64(len(next)),
			testutil.DeltaCopy(0, uint64(len(payload))), testutil.DeltaInsert(next[len(payload):]))
		tip = object.HashObject(object.SHA1, object.KindBlob, next)
		prev = b.AddOfsDelta(prev, tip, script)
		payload = next
	}
	b.WriteFiles(t, filepath.Join(dir, "pack"))

	shallow := newStore(t, dir, odb.WithMaxDeltaDepth(2), odb.WithCacheSize(0))
	_, _, err := shallow.Find(tip)
	assert.ErrorIs(t, err, odb.ErrDeltaChainTooDeep)

	deep := newStore(t, dir, odb.WithMaxDeltaDepth(pack.DefaultMaxDepth), odb.WithCacheSize(0))
	_, got, err := deep.Find(tip)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLooseObjectsIteration(t *testing.T) {
	s := newStore(t, t.TempDir())
	want := map[object.Hash]bool{}
	for i := 0; i < 5; i++ {
		h, err := s.PutLoose(object.KindBlob, []byte(fmt.Sprintf("obj %d", i)))
		require.NoError(t, err)
		want[h] = true
	}
	got := map[object.Hash]bool{}
	for h, err := range s.LooseObjects() {
		require.NoError(t, err)
		got[h] = true
	}
	assert.Equal(t, want, got)
}
