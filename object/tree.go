package object

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// TreeEntry is one directory entry: a mode, a name, and the id of the
// blob or subtree it points at.
type TreeEntry struct {
	Mode uint32 // octal file mode: 100644, 100755, 120000, 040000, 160000
	Name string
	Hash Hash
}

// IsTree reports whether the entry points at a subtree.
func (e TreeEntry) IsTree() bool { return e.Mode&0o170000 == 0o040000 }

// Tree is a sorted list of directory entries.
type Tree struct {
	Entries []TreeEntry
}

// Kind implements Object.
func (t *Tree) Kind() Kind { return KindTree }

// sortKey is the name used for ordering. Subtrees sort as if their name
// had a trailing slash, so a blob "foo" orders before "foo-" while a
// subtree "foo" orders after it.
func (e TreeEntry) sortKey() string {
	if e.IsTree() {
		return e.Name + "/"
	}
	return e.Name
}

// Sort orders the entries canonically in place.
func (t *Tree) Sort() {
	sort.Slice(t.Entries, func(i, j int) bool {
		return t.Entries[i].sortKey() < t.Entries[j].sortKey()
	})
}

// Encode implements Object. Each entry is "<mode octal> <name>\x00" followed
// by the raw id bytes. Entries must already be in canonical order; Encode
// fails rather than silently reordering, since the id is computed over
// these exact bytes.
func (t *Tree) Encode() ([]byte, error) {
	var buf bytes.Buffer
	prev := ""
	for i, e := range t.Entries {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: tree entry %d has empty name", ErrDecode, i)
		}
		if e.Hash.IsZero() {
			return nil, fmt.Errorf("%w: tree entry %q has zero id", ErrDecode, e.Name)
		}
		key := e.sortKey()
		if i > 0 && key <= prev {
			return nil, fmt.Errorf("%w: tree entries out of order at %q", ErrDecode, e.Name)
		}
		prev = key
		buf.WriteString(strconv.FormatUint(uint64(e.Mode), 8))
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.Hash.Bytes())
	}
	return buf.Bytes(), nil
}

// DecodeTree parses a canonical tree payload. Entry ids are raw bytes,
// so the algorithm determines how many to consume per entry.
func DecodeTree(algo Algorithm, payload []byte) (*Tree, error) {
	idLen := algo.Size()
	t := &Tree{}
	rest := payload
	for len(rest) > 0 {
		sp := bytes.IndexByte(rest, ' ')
		if sp <= 0 {
			return nil, fmt.Errorf("%w: tree entry missing mode", ErrDecode)
		}
		mode, err := strconv.ParseUint(string(rest[:sp]), 8, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad tree mode %q", ErrDecode, rest[:sp])
		}
		rest = rest[sp+1:]
		nul := bytes.IndexByte(rest, 0)
		if nul <= 0 {
			return nil, fmt.Errorf("%w: tree entry missing name", ErrDecode)
		}
		name := string(rest[:nul])
		rest = rest[nul+1:]
		if len(rest) < idLen {
			return nil, fmt.Errorf("%w: tree entry %q truncated id", ErrDecode, name)
		}
		h, err := NewHash(algo, rest[:idLen])
		if err != nil {
			return nil, err
		}
		rest = rest[idLen:]
		t.Entries = append(t.Entries, TreeEntry{Mode: uint32(mode), Name: name, Hash: h})
	}
	return t, nil
}
