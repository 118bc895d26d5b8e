package pack

import (
	"fmt"

	"github.com/meigma/odb/object"
)

// DefaultMaxDepth bounds delta chains. Fifty applications is far beyond
// what any writer produces; deeper chains indicate corruption.
const DefaultMaxDepth = 50

// BaseFunc resolves a ref-delta base that lives outside the pack being
// resolved (loose, or in another pack). budget is the remaining delta
// depth for the whole chain; implementations that resolve through
// another pack must pass it along so cross-pack chains stay bounded.
type BaseFunc func(h object.Hash, budget int) (object.Kind, []byte, error)

// Resolver reconstructs full objects from pack records, walking delta
// chains with bounded depth and per-call cycle detection.
//
// A Resolver is immutable and safe for concurrent use; all per-call
// state lives on the stack of each Resolve invocation.
type Resolver struct {
	file     *File
	index    *Index   // optional: locates ref-delta bases in the same pack
	base     BaseFunc // optional: locates ref-delta bases elsewhere
	maxDepth int
}

// NewResolver builds a Resolver over file. index may be nil when the
// pack has no index (ref-delta bases then go through base); base may be
// nil for self-contained packs. maxDepth <= 0 selects DefaultMaxDepth.
func NewResolver(file *File, index *Index, base BaseFunc, maxDepth int) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{file: file, index: index, base: base, maxDepth: maxDepth}
}

// resolveState is scoped to one Resolve call. seen detects offset
// cycles; cache avoids re-inflating a base shared by several deltas in
// the same chain. Neither outlives the call — global caching is the
// coordinator's concern.
type resolveState struct {
	seen  map[uint64]struct{}
	cache map[uint64]resolvedObject
}

type resolvedObject struct {
	kind object.Kind
	data []byte
}

// Resolve reconstructs the full object stored at offset.
func (r *Resolver) Resolve(offset uint64) (object.Kind, []byte, error) {
	return r.ResolveBudget(offset, r.maxDepth)
}

// ResolveBudget is Resolve with an explicit remaining-depth budget,
// used when a chain re-enters this pack from another store.
func (r *Resolver) ResolveBudget(offset uint64, budget int) (object.Kind, []byte, error) {
	st := &resolveState{
		seen:  make(map[uint64]struct{}),
		cache: make(map[uint64]resolvedObject),
	}
	return r.resolve(offset, budget, st)
}

func (r *Resolver) resolve(offset uint64, budget int, st *resolveState) (object.Kind, []byte, error) {
	if obj, ok := st.cache[offset]; ok {
		return obj.kind, obj.data, nil
	}
	if _, ok := st.seen[offset]; ok {
		return 0, nil, fmt.Errorf("pack %s: offset %d revisited: %w", r.file.Path(), offset, ErrCyclicDelta)
	}
	st.seen[offset] = struct{}{}

	rec, err := r.file.RecordAt(offset)
	if err != nil {
		return 0, nil, err
	}

	if kind, ok := rec.Type.ObjectKind(); ok {
		data, err := r.file.Inflate(rec)
		if err != nil {
			return 0, nil, err
		}
		st.cache[offset] = resolvedObject{kind: kind, data: data}
		return kind, data, nil
	}

	if budget <= 0 {
		return 0, nil, fmt.Errorf("pack %s: offset %d: %w", r.file.Path(), offset, ErrDeltaChainTooDeep)
	}

	var (
		baseKind object.Kind
		baseData []byte
	)
	switch rec.Type {
	case TypeOfsDelta:
		baseKind, baseData, err = r.resolve(rec.BaseOffset, budget-1, st)
	case TypeRefDelta:
		if r.index != nil {
			if baseOff, ok := r.index.Lookup(rec.BaseHash); ok {
				baseKind, baseData, err = r.resolve(baseOff, budget-1, st)
				break
			}
		}
		if r.base == nil {
			return 0, nil, fmt.Errorf("pack %s: ref-delta base %s: %w", r.file.Path(), rec.BaseHash.Short(), object.ErrNotFound)
		}
		baseKind, baseData, err = r.base(rec.BaseHash, budget-1)
	default:
		return 0, nil, fmt.Errorf("pack %s: record type %d at %d: %w", r.file.Path(), rec.Type, offset, object.ErrCorrupt)
	}
	if err != nil {
		return 0, nil, err
	}

	script, err := r.file.Inflate(rec)
	if err != nil {
		return 0, nil, err
	}
	data, err := ApplyDelta(baseData, script)
	if err != nil {
		return 0, nil, fmt.Errorf("pack %s: offset %d: %w", r.file.Path(), offset, err)
	}
	st.cache[offset] = resolvedObject{kind: baseKind, data: data}
	return baseKind, data, nil
}

// ApplyDelta reconstructs a target payload from its base and a delta
// script. The script is two size varints (base size, target size)
// followed by copy and insert instructions:
//
//   - opcode with the high bit set copies a base range; bits 0-3 select
//     which offset bytes follow, bits 4-6 which size bytes, and a size
//     of zero means 0x10000.
//   - opcode 1..127 inserts that many literal bytes.
//   - opcode 0 is reserved and rejected.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	srcSize, n, err := deltaVarint(delta)
	if err != nil {
		return nil, err
	}
	delta = delta[n:]
	tgtSize, n, err := deltaVarint(delta)
	if err != nil {
		return nil, err
	}
	delta = delta[n:]
	if srcSize != uint64(len(base)) {
		return nil, fmt.Errorf("delta base size %d, have %d: %w", srcSize, len(base), object.ErrCorrupt)
	}

	out := make([]byte, 0, tgtSize)
	for len(delta) > 0 {
		op := delta[0]
		delta = delta[1:]
		switch {
		case op&0x80 != 0:
			var off, size uint64
			for bit := 0; bit < 4; bit++ {
				if op&(1<<bit) != 0 {
					if len(delta) == 0 {
						return nil, fmt.Errorf("truncated copy offset: %w", object.ErrCorrupt)
					}
					off |= uint64(delta[0]) << (8 * bit)
					delta = delta[1:]
				}
			}
			for bit := 0; bit < 3; bit++ {
				if op&(1<<(4+bit)) != 0 {
					if len(delta) == 0 {
						return nil, fmt.Errorf("truncated copy size: %w", object.ErrCorrupt)
					}
					size |= uint64(delta[0]) << (8 * bit)
					delta = delta[1:]
				}
			}
			if size == 0 {
				size = 0x10000
			}
			if off+size > uint64(len(base)) {
				return nil, fmt.Errorf("copy range %d+%d past base end %d: %w", off, size, len(base), object.ErrCorrupt)
			}
			out = append(out, base[off:off+size]...)
		case op > 0:
			if int(op) > len(delta) {
				return nil, fmt.Errorf("truncated insert of %d bytes: %w", op, object.ErrCorrupt)
			}
			out = append(out, delta[:op]...)
			delta = delta[op:]
		default:
			return nil, fmt.Errorf("reserved delta opcode 0: %w", object.ErrCorrupt)
		}
	}
	if uint64(len(out)) != tgtSize {
		return nil, fmt.Errorf("delta target size %d, produced %d: %w", tgtSize, len(out), object.ErrCorrupt)
	}
	return out, nil
}

// deltaVarint decodes the little-endian base-128 size prefix used by
// delta scripts.
func deltaVarint(b []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(b); i++ {
		v |= uint64(b[i]&0x7F) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("truncated delta size varint: %w", object.ErrCorrupt)
}
