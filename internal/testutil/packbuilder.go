package testutil

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/meigma/odb/object"
)

// Pack record type tags, mirrored here to keep testutil importable
// from the pack package's own tests.
const (
	typeOfsDelta = 6
	typeRefDelta = 7
)

type packEntry struct {
	typ      byte
	payload  []byte // inflated record payload (object bytes or delta script)
	baseIdx  int    // ofs-delta: index of the base entry
	baseHash object.Hash
	hash     object.Hash // target object id
}

// PackBuilder assembles a pack (and optional sidecar index) in memory.
// Entries are emitted in insertion order.
type PackBuilder struct {
	algo    object.Algorithm
	entries []packEntry

	packed   []byte
	offsets  []uint64
	crcs     []uint32
	checksum []byte
}

// NewPackBuilder returns an empty builder for the algorithm.
func NewPackBuilder(algo object.Algorithm) *PackBuilder {
	return &PackBuilder{algo: algo}
}

// AddFull appends a full object record and returns its entry index.
func (b *PackBuilder) AddFull(kind object.Kind, payload []byte) int {
	b.entries = append(b.entries, packEntry{
		typ:     byte(kind),
		payload: payload,
		hash:    object.HashObject(b.algo, kind, payload),
	})
	return len(b.entries) - 1
}

// AddOfsDelta appends an ofs-delta record whose base is a previously
// added entry. target is the id of the reconstructed object.
func (b *PackBuilder) AddOfsDelta(base int, target object.Hash, script []byte) int {
	b.entries = append(b.entries, packEntry{
		typ:     typeOfsDelta,
		payload: script,
		baseIdx: base,
		hash:    target,
	})
	return len(b.entries) - 1
}

// AddRefDelta appends a ref-delta record referencing its base by id.
func (b *PackBuilder) AddRefDelta(baseHash, target object.Hash, script []byte) int {
	b.entries = append(b.entries, packEntry{
		typ:      typeRefDelta,
		payload:  script,
		baseIdx:  -1,
		baseHash: baseHash,
		hash:     target,
	})
	return len(b.entries) - 1
}

// Bytes assembles the pack: header, records, trailing checksum.
func (b *PackBuilder) Bytes(tb testing.TB) []byte {
	tb.Helper()
	if b.packed != nil {
		return b.packed
	}
	var buf bytes.Buffer
	buf.WriteString("PACK")
	var w [4]byte
	binary.BigEndian.PutUint32(w[:], 2)
	buf.Write(w[:])
	binary.BigEndian.PutUint32(w[:], uint32(len(b.entries)))
	buf.Write(w[:])

	b.offsets = make([]uint64, len(b.entries))
	b.crcs = make([]uint32, len(b.entries))
	for i, e := range b.entries {
		offset := uint64(buf.Len())
		b.offsets[i] = offset
		var rec bytes.Buffer
		rec.Write(recordHeader(e.typ, uint64(len(e.payload))))
		switch e.typ {
		case typeOfsDelta:
			rec.Write(ofsDistance(offset - b.offsets[e.baseIdx]))
		case typeRefDelta:
			rec.Write(e.baseHash.Bytes())
		}
		rec.Write(Deflate(tb, e.payload))
		b.crcs[i] = crc32.ChecksumIEEE(rec.Bytes())
		buf.Write(rec.Bytes())
	}

	hs := b.algo.New()
	hs.Write(buf.Bytes())
	b.checksum = hs.Sum(nil)
	buf.Write(b.checksum)
	b.packed = buf.Bytes()
	return b.packed
}

// Offset returns the pack offset of entry i. Valid after Bytes.
func (b *PackBuilder) Offset(i int) uint64 { return b.offsets[i] }

// Hash returns the target object id of entry i.
func (b *PackBuilder) Hash(i int) object.Hash { return b.entries[i].hash }

// IdxBytes builds the sidecar idx v2 for the assembled pack.
func (b *PackBuilder) IdxBytes(tb testing.TB) []byte {
	tb.Helper()
	b.Bytes(tb)
	entries := make([]IdxEntry, len(b.entries))
	for i := range b.entries {
		entries[i] = IdxEntry{Hash: b.entries[i].hash, Offset: b.offsets[i], CRC: b.crcs[i]}
	}
	return BuildIdx(tb, b.algo, entries, b.checksum)
}

// WriteFiles writes the pack and its idx into dir using the
// conventional pack-<checksum> naming and returns both paths.
func (b *PackBuilder) WriteFiles(tb testing.TB, dir string) (packPath, idxPath string) {
	tb.Helper()
	data := b.Bytes(tb)
	name := "pack-" + hex.EncodeToString(b.checksum)
	packPath = filepath.Join(dir, name+".pack")
	idxPath = filepath.Join(dir, name+".idx")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("write pack: %v", err)
	}
	if err := os.WriteFile(packPath, data, 0o444); err != nil {
		tb.Fatalf("write pack: %v", err)
	}
	if err := os.WriteFile(idxPath, b.IdxBytes(tb), 0o444); err != nil {
		tb.Fatalf("write idx: %v", err)
	}
	return packPath, idxPath
}

// Checksum returns the pack's trailing checksum. Valid after Bytes.
func (b *PackBuilder) Checksum() []byte { return b.checksum }

// recordHeader encodes the size/type varint: type in bits 4-6 of the
// first byte, size spread over 4 + 7n bits with MSB continuation.
func recordHeader(typ byte, size uint64) []byte {
	b := typ<<4 | byte(size&0x0F)
	size >>= 4
	var out []byte
	for size != 0 {
		out = append(out, b|0x80)
		b = byte(size & 0x7F)
		size >>= 7
	}
	return append(out, b)
}

// ofsDistance encodes an ofs-delta base distance with the continuation
// bias the reader reverses.
func ofsDistance(rel uint64) []byte {
	buf := []byte{byte(rel & 0x7F)}
	rel >>= 7
	for rel > 0 {
		rel--
		buf = append(buf, 0x80|byte(rel&0x7F))
		rel >>= 7
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf
}

// IdxEntry is one row of a sidecar index under construction.
type IdxEntry struct {
	Hash   object.Hash
	Offset uint64
	CRC    uint32
}

// BuildIdx renders idx v2 bytes for the entries. Offsets at or above
// 2^31 go through the large-offset table.
func BuildIdx(tb testing.TB, algo object.Algorithm, entries []IdxEntry, packChecksum []byte) []byte {
	tb.Helper()
	sorted := make([]IdxEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Hash.Compare(sorted[j].Hash) < 0
	})

	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0x74, 0x4F, 0x63})
	writeU32(&buf, 2)

	var fan [256]uint32
	for _, e := range sorted {
		fan[e.Hash.Bytes()[0]]++
	}
	var cum uint32
	for i := range fan {
		cum += fan[i]
		writeU32(&buf, cum)
	}
	for _, e := range sorted {
		buf.Write(e.Hash.Bytes())
	}
	for _, e := range sorted {
		writeU32(&buf, e.CRC)
	}
	var large []uint64
	for _, e := range sorted {
		if e.Offset < 1<<31 {
			writeU32(&buf, uint32(e.Offset))
			continue
		}
		writeU32(&buf, 0x80000000|uint32(len(large)))
		large = append(large, e.Offset)
	}
	for _, off := range large {
		var w [8]byte
		binary.BigEndian.PutUint64(w[:], off)
		buf.Write(w[:])
	}
	if packChecksum == nil {
		packChecksum = make([]byte, algo.Size())
	}
	buf.Write(packChecksum)
	hs := algo.New()
	hs.Write(buf.Bytes())
	buf.Write(hs.Sum(nil))
	return buf.Bytes()
}

// MidxEntry is one row of a multi-pack index under construction.
type MidxEntry struct {
	Hash   object.Hash
	PackID uint32
	Offset uint64
}

// BuildMidx renders MIDX v1 bytes mapping ids to (pack, offset) pairs
// across the named packs.
func BuildMidx(tb testing.TB, algo object.Algorithm, packNames []string, entries []MidxEntry) []byte {
	tb.Helper()
	sorted := make([]MidxEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Hash.Compare(sorted[j].Hash) < 0
	})

	var pnam bytes.Buffer
	for _, name := range packNames {
		pnam.WriteString(name)
		pnam.WriteByte(0)
	}
	var oidf bytes.Buffer
	var fan [256]uint32
	for _, e := range sorted {
		fan[e.Hash.Bytes()[0]]++
	}
	var cum uint32
	for i := range fan {
		cum += fan[i]
		writeU32(&oidf, cum)
	}
	var oidl bytes.Buffer
	for _, e := range sorted {
		oidl.Write(e.Hash.Bytes())
	}
	var ooff, loff bytes.Buffer
	for _, e := range sorted {
		writeU32(&ooff, e.PackID)
		if e.Offset < 1<<31 {
			writeU32(&ooff, uint32(e.Offset))
			continue
		}
		writeU32(&ooff, 0x80000000|uint32(loff.Len()/8))
		var w [8]byte
		binary.BigEndian.PutUint64(w[:], e.Offset)
		loff.Write(w[:])
	}

	type chunk struct {
		id   uint32
		data []byte
	}
	chunks := []chunk{
		{0x504E414D, pnam.Bytes()},
		{0x4F494446, oidf.Bytes()},
		{0x4F49444C, oidl.Bytes()},
		{0x4F4F4646, ooff.Bytes()},
	}
	if loff.Len() > 0 {
		chunks = append(chunks, chunk{0x4C4F4646, loff.Bytes()})
	}

	var buf bytes.Buffer
	buf.WriteString("MIDX")
	oidVer := byte(1)
	if algo == object.SHA256 {
		oidVer = 2
	}
	buf.Write([]byte{1, oidVer, byte(len(chunks)), 0})
	writeU32(&buf, uint32(len(packNames)))

	offset := uint64(12 + (len(chunks)+1)*12)
	for _, c := range chunks {
		writeU32(&buf, c.id)
		var w [8]byte
		binary.BigEndian.PutUint64(w[:], offset)
		buf.Write(w[:])
		offset += uint64(len(c.data))
	}
	writeU32(&buf, 0)
	var w [8]byte
	binary.BigEndian.PutUint64(w[:], offset)
	buf.Write(w[:])
	for _, c := range chunks {
		buf.Write(c.data)
	}
	hs := algo.New()
	hs.Write(buf.Bytes())
	buf.Write(hs.Sum(nil))
	return buf.Bytes()
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var w [4]byte
	binary.BigEndian.PutUint32(w[:], v)
	buf.Write(w[:])
}

// MustParseHash parses a hex id or fails the test.
func MustParseHash(tb testing.TB, s string) object.Hash {
	tb.Helper()
	h, err := object.ParseHash(s)
	if err != nil {
		tb.Fatalf("parse hash %q: %v", s, err)
	}
	return h
}

// RandomishHash derives a deterministic id from a seed string, for
// tests that need distinct ids without real objects.
func RandomishHash(algo object.Algorithm, seed string) object.Hash {
	hs := algo.New()
	hs.Write([]byte(seed))
	h, err := object.NewHash(algo, hs.Sum(nil))
	if err != nil {
		panic(fmt.Sprintf("testutil: %v", err))
	}
	return h
}
