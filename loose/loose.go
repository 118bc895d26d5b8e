// Package loose stores objects one file per id under a fan-out
// directory layout: <root>/<first 2 hex chars>/<remaining hex chars>.
// Each file is a single zlib stream of "<kind> <size>\x00<payload>".
package loose

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zlib"

	"github.com/meigma/odb/object"
)

// Store is a loose object store rooted at a single directory.
//
// Store is safe for concurrent use: reads touch only immutable files,
// and Put publishes via rename so readers never observe partial writes.
type Store struct {
	root string
	algo object.Algorithm
}

// New returns a Store over root. The directory does not need to exist
// yet; Put creates it on demand.
func New(root string, algo object.Algorithm) *Store {
	return &Store{root: root, algo: algo}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// path returns the fan-out location for an id.
func (s *Store) path(h object.Hash) string {
	hx := h.String()
	return filepath.Join(s.root, hx[:2], hx[2:])
}

// Contains reports whether the object exists, by stat alone.
func (s *Store) Contains(h object.Hash) bool {
	_, err := os.Stat(s.path(h))
	return err == nil
}

// Get reads and inflates the object. It returns object.ErrNotFound when
// no file exists for the id and object.ErrCorrupt when the file exists
// but its stream or header is malformed.
func (s *Store) Get(h object.Hash) (object.Kind, []byte, error) {
	f, err := os.Open(s.path(h))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil, fmt.Errorf("loose %s: %w", h.Short(), object.ErrNotFound)
		}
		return 0, nil, fmt.Errorf("loose %s: %w", h.Short(), err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return 0, nil, fmt.Errorf("loose %s: bad zlib stream: %w", h.Short(), object.ErrCorrupt)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return 0, nil, fmt.Errorf("loose %s: inflate: %w", h.Short(), object.ErrCorrupt)
	}
	kind, payload, err := SplitHeader(raw)
	if err != nil {
		return 0, nil, fmt.Errorf("loose %s: %w", h.Short(), err)
	}
	return kind, payload, nil
}

// Put writes the object if absent and returns its id. The id is
// computed over the canonical stream before anything touches disk, and
// the file is written to a temp name and renamed into place so a
// concurrent reader never sees a partial object.
func (s *Store) Put(kind object.Kind, payload []byte) (object.Hash, error) {
	if !kind.Valid() {
		return object.Hash{}, fmt.Errorf("loose put: invalid kind %d", int8(kind))
	}
	h := object.HashObject(s.algo, kind, payload)
	path := s.path(h)
	if _, err := os.Stat(path); err == nil {
		// Content-addressed: an existing file is byte-identical.
		return h, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return object.Hash{}, fmt.Errorf("loose put: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return object.Hash{}, fmt.Errorf("loose put: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := zlib.NewWriter(tmp)
	if _, err := zw.Write(Header(kind, len(payload))); err == nil {
		_, err = zw.Write(payload)
	}
	if err != nil {
		zw.Close()
		tmp.Close()
		return object.Hash{}, fmt.Errorf("loose put: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return object.Hash{}, fmt.Errorf("loose put: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return object.Hash{}, fmt.Errorf("loose put: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o444); err != nil {
		return object.Hash{}, fmt.Errorf("loose put: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return object.Hash{}, fmt.Errorf("loose put: %w", err)
	}
	return h, nil
}

// Objects iterates the ids of all stored objects via a directory walk.
// The sequence is finite and restartable; each range re-walks the
// directory. File names that do not form a valid id are skipped.
func (s *Store) Objects() iter.Seq2[object.Hash, error] {
	return func(yield func(object.Hash, error) bool) {
		dirs, err := os.ReadDir(s.root)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return
			}
			yield(object.Hash{}, fmt.Errorf("loose iter: %w", err))
			return
		}
		for _, d := range dirs {
			if !d.IsDir() || len(d.Name()) != 2 {
				continue
			}
			files, err := os.ReadDir(filepath.Join(s.root, d.Name()))
			if err != nil {
				if !yield(object.Hash{}, fmt.Errorf("loose iter: %w", err)) {
					return
				}
				continue
			}
			for _, f := range files {
				h, err := object.ParseHash(d.Name() + f.Name())
				if err != nil {
					continue
				}
				if h.Algorithm() != s.algo {
					continue
				}
				if !yield(h, nil) {
					return
				}
			}
		}
	}
}

// Header renders the storage header "<kind> <size>\x00".
func Header(kind object.Kind, size int) []byte {
	return []byte(kind.String() + " " + strconv.Itoa(size) + "\x00")
}

// SplitHeader parses an inflated loose stream into kind and payload,
// validating the declared size against the actual payload length.
func SplitHeader(raw []byte) (object.Kind, []byte, error) {
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return 0, nil, fmt.Errorf("missing header terminator: %w", object.ErrCorrupt)
	}
	sp := bytes.IndexByte(raw[:nul], ' ')
	if sp < 0 {
		return 0, nil, fmt.Errorf("missing kind separator: %w", object.ErrCorrupt)
	}
	kind, err := object.ParseKind(string(raw[:sp]))
	if err != nil {
		return 0, nil, fmt.Errorf("bad kind: %w", object.ErrCorrupt)
	}
	size, err := strconv.Atoi(string(raw[sp+1 : nul]))
	if err != nil || size < 0 {
		return 0, nil, fmt.Errorf("bad size: %w", object.ErrCorrupt)
	}
	payload := raw[nul+1:]
	if len(payload) != size {
		return 0, nil, fmt.Errorf("declared size %d, got %d bytes: %w", size, len(payload), object.ErrCorrupt)
	}
	return kind, payload, nil
}
