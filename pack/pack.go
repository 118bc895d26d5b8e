// Package pack reads the packed object format: the pack container
// itself, its sidecar and multi-pack indexes, and delta-chain
// resolution back to full objects.
package pack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/zlib"

	"github.com/meigma/odb/object"
)

// Sentinel errors specific to packed storage.
var (
	// ErrUnsupportedVersion is returned for pack, index, or multi-pack
	// index versions this package does not read.
	ErrUnsupportedVersion = errors.New("pack: unsupported version")

	// ErrDeltaChainTooDeep is returned when a delta chain exceeds the
	// configured depth bound.
	ErrDeltaChainTooDeep = errors.New("pack: delta chain too deep")

	// ErrCyclicDelta is returned when a delta chain revisits an offset
	// within a single resolution.
	ErrCyclicDelta = errors.New("pack: cyclic delta")
)

// headerSize is the fixed pack prelude: "PACK" + version + object count.
const headerSize = 12

var packMagic = []byte("PACK")

// RecordType tags a pack record: a full object kind or a delta mode.
type RecordType uint8

const (
	TypeCommit   RecordType = 1
	TypeTree     RecordType = 2
	TypeBlob     RecordType = 3
	TypeTag      RecordType = 4
	TypeOfsDelta RecordType = 6
	TypeRefDelta RecordType = 7
)

// IsDelta reports whether the record stores a delta rather than a full
// object payload.
func (t RecordType) IsDelta() bool {
	return t == TypeOfsDelta || t == TypeRefDelta
}

// ObjectKind maps a full-object record type to its object kind.
func (t RecordType) ObjectKind() (object.Kind, bool) {
	if t >= TypeCommit && t <= TypeTag {
		return object.Kind(t), true
	}
	return 0, false
}

func (t RecordType) String() string {
	switch t {
	case TypeOfsDelta:
		return "ofs-delta"
	case TypeRefDelta:
		return "ref-delta"
	default:
		if k, ok := t.ObjectKind(); ok {
			return k.String()
		}
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Record is one record header: everything known about an object without
// inflating its payload. Callers that only need the header never pay
// decompression cost.
type Record struct {
	// Offset is the record's position in the pack, the key the index
	// maps ids to.
	Offset uint64

	// Type tags the payload: full object or delta.
	Type RecordType

	// Size is the declared inflated payload size. For deltas this is
	// the delta script size, not the reconstructed object size.
	Size uint64

	// BaseOffset is the absolute offset of the base record when Type
	// is TypeOfsDelta.
	BaseOffset uint64

	// BaseHash is the base object id when Type is TypeRefDelta.
	BaseHash object.Hash

	// DataOffset is where the record's zlib stream begins.
	DataOffset uint64
}

// File is an open pack. The backing file is memory-mapped for the
// File's lifetime: reads are offset-addressed with no shared cursor, so
// any number of goroutines may read concurrently.
type File struct {
	path string
	f    *os.File
	data mmap.MMap
	algo object.Algorithm

	count uint32
}

// Open memory-maps the pack at path and validates its prelude. It fails
// with ErrUnsupportedVersion for pack versions other than 2 and with
// object.ErrCorrupt when the file is too short to hold its own header
// and trailing checksum.
func Open(path string, algo object.Algorithm) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pack open: %w", err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pack open %s: %w", path, err)
	}
	p := &File{path: path, f: f, data: data, algo: algo}
	if err := p.parseHeader(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *File) parseHeader() error {
	if len(p.data) < headerSize+p.algo.Size() {
		return fmt.Errorf("pack %s: truncated: %w", p.path, object.ErrCorrupt)
	}
	if !bytes.Equal(p.data[:4], packMagic) {
		return fmt.Errorf("pack %s: bad magic: %w", p.path, object.ErrCorrupt)
	}
	if v := binary.BigEndian.Uint32(p.data[4:8]); v != 2 {
		return fmt.Errorf("pack %s: version %d: %w", p.path, v, ErrUnsupportedVersion)
	}
	p.count = binary.BigEndian.Uint32(p.data[8:12])
	return nil
}

// Close unmaps and closes the backing file. Not safe to call while
// reads are in flight.
func (p *File) Close() error {
	var err error
	if p.data != nil {
		err = p.data.Unmap()
		p.data = nil
	}
	if p.f != nil {
		if cerr := p.f.Close(); err == nil {
			err = cerr
		}
		p.f = nil
	}
	return err
}

// Path returns the pack's file path.
func (p *File) Path() string { return p.path }

// Count returns the object count declared in the header.
func (p *File) Count() uint32 { return p.count }

// Size returns the pack's total byte size.
func (p *File) Size() int64 { return int64(len(p.data)) }

// Checksum returns the trailing whole-file checksum.
func (p *File) Checksum() []byte {
	return p.data[len(p.data)-p.algo.Size():]
}

// Verify recomputes the trailing checksum over every preceding byte and
// compares it with the stored trailer.
func (p *File) Verify() error {
	hs := p.algo.New()
	hs.Write(p.data[:len(p.data)-p.algo.Size()])
	if !bytes.Equal(hs.Sum(nil), p.Checksum()) {
		return fmt.Errorf("pack %s: checksum mismatch: %w", p.path, object.ErrCorrupt)
	}
	return nil
}

// dataEnd is the first byte past the last record (start of the trailer).
func (p *File) dataEnd() uint64 {
	return uint64(len(p.data) - p.algo.Size())
}

// RecordAt decodes the record header at offset without touching the
// payload.
func (p *File) RecordAt(offset uint64) (Record, error) {
	if offset < headerSize || offset >= p.dataEnd() {
		return Record{}, fmt.Errorf("pack %s: offset %d out of range: %w", p.path, offset, object.ErrCorrupt)
	}
	rec := Record{Offset: offset}
	i := offset

	// Size/type header: bits 4-6 of the first byte are the type, bits
	// 0-3 the size low bits, and while the MSB is set each following
	// byte contributes 7 more size bits.
	c := p.data[i]
	i++
	rec.Type = RecordType(c >> 4 & 0x7)
	rec.Size = uint64(c & 0xF)
	for shift := uint(4); c&0x80 != 0; shift += 7 {
		if i >= p.dataEnd() {
			return Record{}, fmt.Errorf("pack %s: truncated record header at %d: %w", p.path, offset, object.ErrCorrupt)
		}
		c = p.data[i]
		i++
		rec.Size |= uint64(c&0x7F) << shift
	}

	switch rec.Type {
	case TypeCommit, TypeTree, TypeBlob, TypeTag:
		// Full object, nothing more to decode.
	case TypeOfsDelta:
		rel, n, err := p.readOfsDistance(i)
		if err != nil {
			return Record{}, err
		}
		i += n
		if rel == 0 || rel > offset || offset-rel < headerSize {
			return Record{}, fmt.Errorf("pack %s: ofs-delta base distance %d at offset %d: %w", p.path, rel, offset, object.ErrCorrupt)
		}
		rec.BaseOffset = offset - rel
	case TypeRefDelta:
		idLen := uint64(p.algo.Size())
		if i+idLen > p.dataEnd() {
			return Record{}, fmt.Errorf("pack %s: truncated ref-delta base at %d: %w", p.path, offset, object.ErrCorrupt)
		}
		h, err := object.NewHash(p.algo, p.data[i:i+idLen])
		if err != nil {
			return Record{}, err
		}
		rec.BaseHash = h
		i += idLen
	default:
		return Record{}, fmt.Errorf("pack %s: record type %d at offset %d: %w", p.path, rec.Type, offset, object.ErrCorrupt)
	}
	rec.DataOffset = i
	return rec, nil
}

// readOfsDistance decodes the ofs-delta base distance: 7 bits per byte,
// MSB continuation, with a +1 bias per continuation so that distances
// have a unique encoding.
func (p *File) readOfsDistance(i uint64) (uint64, uint64, error) {
	start := i
	if i >= p.dataEnd() {
		return 0, 0, fmt.Errorf("pack %s: truncated ofs-delta distance: %w", p.path, object.ErrCorrupt)
	}
	c := p.data[i]
	i++
	rel := uint64(c & 0x7F)
	for c&0x80 != 0 {
		if i >= p.dataEnd() {
			return 0, 0, fmt.Errorf("pack %s: truncated ofs-delta distance: %w", p.path, object.ErrCorrupt)
		}
		c = p.data[i]
		i++
		rel = (rel+1)<<7 | uint64(c&0x7F)
	}
	return rel, i - start, nil
}

// Inflate reads and inflates the record's payload, validating the
// declared size.
func (p *File) Inflate(rec Record) ([]byte, error) {
	payload, _, err := p.inflateAt(rec.DataOffset, rec.Size)
	if err != nil {
		return nil, fmt.Errorf("pack %s: record at %d: %w", p.path, rec.Offset, err)
	}
	return payload, nil
}

// inflateAt inflates the zlib stream starting at off and returns the
// payload plus the compressed length consumed, which is how sequential
// iteration finds the next record.
func (p *File) inflateAt(off, declared uint64) ([]byte, uint64, error) {
	if off >= p.dataEnd() {
		return nil, 0, fmt.Errorf("payload offset out of range: %w", object.ErrCorrupt)
	}
	// bytes.Reader implements io.ByteReader, so the inflater consumes
	// exactly the stream and the reader position marks its end.
	br := bytes.NewReader(p.data[off:p.dataEnd()])
	zr, err := zlib.NewReader(br)
	if err != nil {
		return nil, 0, fmt.Errorf("bad zlib stream: %w", object.ErrCorrupt)
	}
	defer zr.Close()
	payload := make([]byte, 0, declared)
	buf := bytes.NewBuffer(payload)
	if _, err := io.Copy(buf, zr); err != nil {
		return nil, 0, fmt.Errorf("inflate: %w", object.ErrCorrupt)
	}
	if uint64(buf.Len()) != declared {
		return nil, 0, fmt.Errorf("declared size %d, inflated %d: %w", declared, buf.Len(), object.ErrCorrupt)
	}
	consumed := uint64(br.Size()) - uint64(br.Len())
	return buf.Bytes(), consumed, nil
}

// Scan iterates every record in offset order, inflating payloads only
// far enough to locate record boundaries. Offsets are strictly
// increasing. Used for verification and index construction.
func (p *File) Scan() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		offset := uint64(headerSize)
		for n := uint32(0); n < p.count; n++ {
			rec, err := p.RecordAt(offset)
			if err != nil {
				yield(Record{}, err)
				return
			}
			_, consumed, err := p.inflateAt(rec.DataOffset, rec.Size)
			if err != nil {
				yield(Record{}, fmt.Errorf("pack %s: record at %d: %w", p.path, rec.Offset, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
			offset = rec.DataOffset + consumed
		}
		if offset != p.dataEnd() {
			yield(Record{}, fmt.Errorf("pack %s: %d trailing bytes after last record: %w",
				p.path, p.dataEnd()-offset, object.ErrCorrupt))
		}
	}
}
