package pack

import (
	"fmt"
	"hash/crc32"

	"github.com/meigma/odb/object"
)

// BuildIndex constructs an index for a pack that has no sidecar .idx.
//
// Record offsets come from a single forward pass over the headers. Ids
// still require reconstructing every object (a delta's id is the hash
// of its reconstructed payload), so delta records are resolved against
// the growing result set until a fixpoint; base may be nil unless the
// pack is thin (ref-delta bases stored elsewhere).
func BuildIndex(p *File, base BaseFunc) (*Index, error) {
	type pending struct {
		rec Record
		crc uint32
	}

	// Forward pass: record spans and per-record CRCs.
	var (
		records []pending
		prev    *pending
	)
	for rec, err := range p.Scan() {
		if err != nil {
			return nil, err
		}
		if prev != nil {
			prev.crc = crc32.ChecksumIEEE(p.data[prev.rec.Offset:rec.Offset])
		}
		records = append(records, pending{rec: rec})
		prev = &records[len(records)-1]
	}
	if prev != nil {
		prev.crc = crc32.ChecksumIEEE(p.data[prev.rec.Offset:p.dataEnd()])
	}

	resolved := make(map[uint64]resolvedObject, len(records))
	byHash := make(map[object.Hash]uint64, len(records))
	entries := make([]IndexEntry, 0, len(records))

	settle := func(off uint64, kind object.Kind, data []byte, crc uint32) {
		h := object.HashObject(p.algo, kind, data)
		resolved[off] = resolvedObject{kind: kind, data: data}
		byHash[h] = off
		entries = append(entries, IndexEntry{Hash: h, Offset: off, CRC: crc})
	}

	// Fixpoint: each pass settles every record whose base is already
	// available. A well-formed pack finishes in chain-depth passes.
	remaining := records
	for len(remaining) > 0 {
		var stuck []pending
		progress := false
		for _, pd := range remaining {
			rec := pd.rec
			if kind, ok := rec.Type.ObjectKind(); ok {
				data, err := p.Inflate(rec)
				if err != nil {
					return nil, err
				}
				settle(rec.Offset, kind, data, pd.crc)
				progress = true
				continue
			}

			var baseObj resolvedObject
			var ok bool
			switch rec.Type {
			case TypeOfsDelta:
				baseObj, ok = resolved[rec.BaseOffset]
			case TypeRefDelta:
				var baseOff uint64
				if baseOff, ok = byHash[rec.BaseHash]; ok {
					baseObj = resolved[baseOff]
				} else if base != nil {
					kind, data, err := base(rec.BaseHash, DefaultMaxDepth)
					if err == nil {
						baseObj = resolvedObject{kind: kind, data: data}
						ok = true
					}
				}
			}
			if !ok {
				stuck = append(stuck, pd)
				continue
			}

			script, err := p.Inflate(rec)
			if err != nil {
				return nil, err
			}
			data, err := ApplyDelta(baseObj.data, script)
			if err != nil {
				return nil, fmt.Errorf("pack %s: offset %d: %w", p.path, rec.Offset, err)
			}
			settle(rec.Offset, baseObj.kind, data, pd.crc)
			progress = true
		}
		if !progress {
			return nil, fmt.Errorf("pack %s: %d records with unresolvable bases: %w",
				p.path, len(stuck), object.ErrCorrupt)
		}
		remaining = stuck
	}
	return NewIndex(p.algo, entries), nil
}
