package pack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"

	"github.com/meigma/odb/object"
)

// idx v2 prelude: magic "\377tOc" + version.
var idxMagic = []byte{0xFF, 0x74, 0x4F, 0x63}

const (
	idxHeaderSize = 8
	fanoutEntries = 256
	fanoutSize    = fanoutEntries * 4
)

// Index maps object ids to byte offsets within one pack. Lookups are a
// fanout-bounded binary search over the sorted id table: O(log n) with
// no allocation on the hit path.
//
// An Index is immutable once constructed and safe for concurrent use.
type Index struct {
	algo  object.Algorithm
	count int

	// hashes holds count ids concatenated in sorted order. For an
	// index parsed from disk this aliases the mapped file.
	hashes []byte

	fanout  [fanoutEntries]uint32
	offsets []uint64
	crcs    []uint32 // nil when built from a bare pack

	f    *os.File
	mmap mmap.MMap
}

// OpenIndex memory-maps and parses the .idx file at path.
func OpenIndex(path string, algo object.Algorithm) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("idx open: %w", err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("idx open %s: %w", path, err)
	}
	ix, err := LoadIndex(data, algo)
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("idx %s: %w", path, err)
	}
	ix.f = f
	ix.mmap = data
	return ix, nil
}

// LoadIndex parses idx v2 bytes. The returned Index aliases data, which
// must stay valid for the Index's lifetime.
//
// Layout: magic, version, 256-entry cumulative fanout, sorted ids,
// per-object CRC32s, 31-bit offsets with an MSB escape into a 64-bit
// large-offset table, then the pack checksum and the index's own
// checksum.
func LoadIndex(data []byte, algo object.Algorithm) (*Index, error) {
	idLen := algo.Size()
	if len(data) < idxHeaderSize+fanoutSize+2*idLen {
		return nil, fmt.Errorf("truncated index: %w", object.ErrCorrupt)
	}
	if !bytes.Equal(data[:4], idxMagic) {
		// A v1 index has no magic; its first bytes are fanout data.
		return nil, fmt.Errorf("index version 1: %w", ErrUnsupportedVersion)
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != 2 {
		return nil, fmt.Errorf("index version %d: %w", v, ErrUnsupportedVersion)
	}

	ix := &Index{algo: algo}
	for i := range fanoutEntries {
		ix.fanout[i] = binary.BigEndian.Uint32(data[idxHeaderSize+4*i:])
	}
	ix.count = int(ix.fanout[fanoutEntries-1])
	for i := 1; i < fanoutEntries; i++ {
		if ix.fanout[i] < ix.fanout[i-1] {
			return nil, fmt.Errorf("fanout not monotonic: %w", object.ErrCorrupt)
		}
	}

	hashStart := idxHeaderSize + fanoutSize
	crcStart := hashStart + ix.count*idLen
	offStart := crcStart + ix.count*4
	largeStart := offStart + ix.count*4
	if len(data) < largeStart+2*idLen {
		return nil, fmt.Errorf("truncated index tables: %w", object.ErrCorrupt)
	}
	ix.hashes = data[hashStart:crcStart]

	ix.crcs = make([]uint32, ix.count)
	for i := range ix.count {
		ix.crcs[i] = binary.BigEndian.Uint32(data[crcStart+4*i:])
	}

	largeCount := (len(data) - largeStart - 2*idLen) / 8
	ix.offsets = make([]uint64, ix.count)
	for i := range ix.count {
		raw := binary.BigEndian.Uint32(data[offStart+4*i:])
		if raw&0x80000000 == 0 {
			ix.offsets[i] = uint64(raw)
			continue
		}
		li := int(raw &^ 0x80000000)
		if li >= largeCount {
			return nil, fmt.Errorf("large offset %d out of range: %w", li, object.ErrCorrupt)
		}
		ix.offsets[i] = binary.BigEndian.Uint64(data[largeStart+8*li:])
	}
	return ix, nil
}

// Close releases the mapped file, if any.
func (ix *Index) Close() error {
	var err error
	if ix.mmap != nil {
		err = ix.mmap.Unmap()
		ix.mmap = nil
	}
	if ix.f != nil {
		if cerr := ix.f.Close(); err == nil {
			err = cerr
		}
		ix.f = nil
	}
	return err
}

// Count returns the number of indexed objects.
func (ix *Index) Count() int { return ix.count }

// Lookup returns the pack offset for an id.
func (ix *Index) Lookup(h object.Hash) (uint64, bool) {
	i, ok := ix.find(h)
	if !ok {
		return 0, false
	}
	return ix.offsets[i], true
}

// CRC returns the stored CRC32 of the raw record bytes for an id, when
// the index carries a CRC table.
func (ix *Index) CRC(h object.Hash) (uint32, bool) {
	i, ok := ix.find(h)
	if !ok || ix.crcs == nil {
		return 0, false
	}
	return ix.crcs[i], true
}

// find binary-searches the sorted id table, bounded by the fanout entry
// for the id's first byte.
func (ix *Index) find(h object.Hash) (int, bool) {
	if h.Algorithm() != ix.algo {
		return 0, false
	}
	want := h.Bytes()
	idLen := ix.algo.Size()
	b0 := want[0]
	lo := 0
	if b0 > 0 {
		lo = int(ix.fanout[b0-1])
	}
	hi := int(ix.fanout[b0]) - 1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		cmp := bytes.Compare(want, ix.hashes[mid*idLen:(mid+1)*idLen])
		switch {
		case cmp == 0:
			return mid, true
		case cmp < 0:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return 0, false
}

// HashAt returns the i-th id in sorted order.
func (ix *Index) HashAt(i int) object.Hash {
	idLen := ix.algo.Size()
	h, _ := object.NewHash(ix.algo, ix.hashes[i*idLen:(i+1)*idLen])
	return h
}

// Entries iterates (id, offset) pairs in sorted id order.
func (ix *Index) Entries() iter.Seq2[object.Hash, uint64] {
	return func(yield func(object.Hash, uint64) bool) {
		for i := range ix.count {
			if !yield(ix.HashAt(i), ix.offsets[i]) {
				return
			}
		}
	}
}

// IndexEntry is one (id, offset, crc) triple used when building an
// index in memory.
type IndexEntry struct {
	Hash   object.Hash
	Offset uint64
	CRC    uint32
}

// NewIndex builds an in-memory Index from entries. Entries need not be
// sorted.
func NewIndex(algo object.Algorithm, entries []IndexEntry) *Index {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Hash.Compare(entries[j].Hash) < 0
	})
	idLen := algo.Size()
	ix := &Index{
		algo:    algo,
		count:   len(entries),
		hashes:  make([]byte, len(entries)*idLen),
		offsets: make([]uint64, len(entries)),
		crcs:    make([]uint32, len(entries)),
	}
	var fan [fanoutEntries]uint32
	for i, e := range entries {
		copy(ix.hashes[i*idLen:], e.Hash.Bytes())
		ix.offsets[i] = e.Offset
		ix.crcs[i] = e.CRC
		fan[e.Hash.Bytes()[0]]++
	}
	var cum uint32
	for i := range fanoutEntries {
		cum += fan[i]
		ix.fanout[i] = cum
	}
	return ix
}
