package pack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/meigma/odb/object"
)

// MultiIndex aggregates lookups across several packs without consulting
// each index separately at the call site.
//
// Priority among duplicates is deterministic: the most recently added
// pack wins, mirroring the convention that newer data supersedes older.
// Add is not safe to call concurrently with Lookup; the coordinator
// builds a MultiIndex per backend snapshot and never mutates a
// published one.
type MultiIndex struct {
	members []multiMember
}

type multiMember struct {
	file  *File
	index *Index
}

// Add registers a pack and its index. Later additions take priority.
func (m *MultiIndex) Add(file *File, index *Index) {
	m.members = append(m.members, multiMember{file: file, index: index})
}

// Len returns the number of registered packs.
func (m *MultiIndex) Len() int { return len(m.members) }

// Lookup finds the id in any registered pack, newest registration
// first, and returns the owning pack with the record offset.
func (m *MultiIndex) Lookup(h object.Hash) (*File, *Index, uint64, bool) {
	for i := len(m.members) - 1; i >= 0; i-- {
		if off, ok := m.members[i].index.Lookup(h); ok {
			return m.members[i].file, m.members[i].index, off, true
		}
	}
	return nil, nil, 0, false
}

// On-disk multi-pack index (MIDX version 1).
var midxMagic = []byte("MIDX")

const (
	midxHeaderSize = 12

	chunkPackNames    = 0x504E414D // "PNAM"
	chunkOIDFanout    = 0x4F494446 // "OIDF"
	chunkOIDLookup    = 0x4F49444C // "OIDL"
	chunkObjectOffset = 0x4F4F4646 // "OOFF"
	chunkLargeOffset  = 0x4C4F4646 // "LOFF"
)

// Midx is a parsed on-disk multi-pack index. It maps ids to (pack
// number, offset) pairs across every pack named in its pack table; the
// caller opens the packs themselves.
//
// A Midx is immutable and safe for concurrent use.
type Midx struct {
	algo      object.Algorithm
	packNames []string
	count     int

	hashes []byte
	fanout [fanoutEntries]uint32
	packID []uint32
	offset []uint64

	f    *os.File
	mmap mmap.MMap
}

// OpenMidx memory-maps and parses the multi-pack index at path.
func OpenMidx(path string, algo object.Algorithm) (*Midx, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("midx open: %w", err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("midx open %s: %w", path, err)
	}
	m, err := LoadMidx(data, algo)
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("midx %s: %w", path, err)
	}
	m.f = f
	m.mmap = data
	return m, nil
}

// LoadMidx parses MIDX bytes. The returned Midx aliases data.
func LoadMidx(data []byte, algo object.Algorithm) (*Midx, error) {
	if len(data) < midxHeaderSize+algo.Size() {
		return nil, fmt.Errorf("truncated multi-pack index: %w", object.ErrCorrupt)
	}
	if !bytes.Equal(data[:4], midxMagic) {
		return nil, fmt.Errorf("bad multi-pack index magic: %w", object.ErrCorrupt)
	}
	if v := data[4]; v != 1 {
		return nil, fmt.Errorf("multi-pack index version %d: %w", v, ErrUnsupportedVersion)
	}
	wantOID := byte(1)
	if algo == object.SHA256 {
		wantOID = 2
	}
	if data[5] != wantOID {
		return nil, fmt.Errorf("multi-pack index hash version %d for %s: %w", data[5], algo, object.ErrCorrupt)
	}
	chunkCount := int(data[6])
	packCount := int(binary.BigEndian.Uint32(data[8:12]))

	// Chunk table: chunkCount entries plus a zero-id terminator giving
	// the end offset of the final chunk.
	tableEnd := midxHeaderSize + (chunkCount+1)*12
	if len(data) < tableEnd {
		return nil, fmt.Errorf("truncated chunk table: %w", object.ErrCorrupt)
	}
	chunks := make(map[uint32][]byte, chunkCount)
	for i := 0; i < chunkCount; i++ {
		entry := data[midxHeaderSize+i*12:]
		id := binary.BigEndian.Uint32(entry)
		start := binary.BigEndian.Uint64(entry[4:])
		end := binary.BigEndian.Uint64(data[midxHeaderSize+(i+1)*12+4:])
		if start > end || end > uint64(len(data)) {
			return nil, fmt.Errorf("chunk %08x spans %d..%d: %w", id, start, end, object.ErrCorrupt)
		}
		chunks[id] = data[start:end]
	}

	m := &Midx{algo: algo}

	pnam, ok := chunks[chunkPackNames]
	if !ok {
		return nil, fmt.Errorf("missing pack-name chunk: %w", object.ErrCorrupt)
	}
	for len(pnam) > 0 {
		nul := bytes.IndexByte(pnam, 0)
		if nul < 0 {
			return nil, fmt.Errorf("unterminated pack name: %w", object.ErrCorrupt)
		}
		if nul > 0 {
			m.packNames = append(m.packNames, string(pnam[:nul]))
		}
		pnam = pnam[nul+1:]
	}
	if len(m.packNames) != packCount {
		return nil, fmt.Errorf("pack table has %d names, header says %d: %w", len(m.packNames), packCount, object.ErrCorrupt)
	}

	oidf, ok := chunks[chunkOIDFanout]
	if !ok || len(oidf) < fanoutSize {
		return nil, fmt.Errorf("missing oid fanout chunk: %w", object.ErrCorrupt)
	}
	for i := range fanoutEntries {
		m.fanout[i] = binary.BigEndian.Uint32(oidf[4*i:])
	}
	m.count = int(m.fanout[fanoutEntries-1])

	oidl, ok := chunks[chunkOIDLookup]
	if !ok || len(oidl) < m.count*algo.Size() {
		return nil, fmt.Errorf("missing oid lookup chunk: %w", object.ErrCorrupt)
	}
	m.hashes = oidl[:m.count*algo.Size()]

	ooff, ok := chunks[chunkObjectOffset]
	if !ok || len(ooff) < m.count*8 {
		return nil, fmt.Errorf("missing object offset chunk: %w", object.ErrCorrupt)
	}
	loff := chunks[chunkLargeOffset]
	m.packID = make([]uint32, m.count)
	m.offset = make([]uint64, m.count)
	for i := range m.count {
		m.packID[i] = binary.BigEndian.Uint32(ooff[8*i:])
		if int(m.packID[i]) >= packCount {
			return nil, fmt.Errorf("object %d in pack %d of %d: %w", i, m.packID[i], packCount, object.ErrCorrupt)
		}
		raw := binary.BigEndian.Uint32(ooff[8*i+4:])
		if raw&0x80000000 == 0 {
			m.offset[i] = uint64(raw)
			continue
		}
		li := int(raw &^ 0x80000000)
		if loff == nil || li*8+8 > len(loff) {
			return nil, fmt.Errorf("large offset %d out of range: %w", li, object.ErrCorrupt)
		}
		m.offset[i] = binary.BigEndian.Uint64(loff[li*8:])
	}
	return m, nil
}

// Close releases the mapped file, if any.
func (m *Midx) Close() error {
	var err error
	if m.mmap != nil {
		err = m.mmap.Unmap()
		m.mmap = nil
	}
	if m.f != nil {
		if cerr := m.f.Close(); err == nil {
			err = cerr
		}
		m.f = nil
	}
	return err
}

// PackNames returns the pack table in index order; Lookup's pack number
// indexes into it. Names are as written by the producer, typically the
// sidecar index file names.
func (m *Midx) PackNames() []string { return m.packNames }

// Count returns the number of indexed objects.
func (m *Midx) Count() int { return m.count }

// Lookup returns the pack number and record offset for an id.
func (m *Midx) Lookup(h object.Hash) (uint32, uint64, bool) {
	if h.Algorithm() != m.algo {
		return 0, 0, false
	}
	want := h.Bytes()
	idLen := m.algo.Size()
	b0 := want[0]
	lo := 0
	if b0 > 0 {
		lo = int(m.fanout[b0-1])
	}
	hi := int(m.fanout[b0]) - 1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		cmp := bytes.Compare(want, m.hashes[mid*idLen:(mid+1)*idLen])
		switch {
		case cmp == 0:
			return m.packID[mid], m.offset[mid], true
		case cmp < 0:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return 0, 0, false
}
