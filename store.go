package odb

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/odb/loose"
	"github.com/meigma/odb/object"
	"github.com/meigma/odb/pack"
)

const (
	// DefaultCacheSize is the default object cache bound, in entries.
	DefaultCacheSize = 256

	// DefaultCacheObjectLimit is the largest payload cached by default.
	DefaultCacheObjectLimit = 64 << 10
)

// packDir is the subdirectory holding packs and their indexes.
const packDir = "pack"

// midxName is the multi-pack index file name within packDir.
const midxName = "multi-pack-index"

// Store is the object database facade. Lookups consult, in order: the
// in-memory cache, the loose store, each registered pack newest-first,
// and finally the multi-pack index. The first backend holding the id
// wins, so the priority among duplicate ids is deterministic.
//
// Store is safe for concurrent use. The backend set is an immutable
// snapshot behind an atomic pointer: Refresh and RegisterPack build a
// new snapshot and swap it in, while lookups already in flight finish
// against the snapshot they captured at entry.
type Store struct {
	dir        string
	algo       object.Algorithm
	maxDepth   int
	verify     bool
	cacheSize  int
	cacheLimit int
	logger     *slog.Logger

	loose    *loose.Store
	backends atomic.Pointer[snapshot]
	cache    *lru.Cache[object.Hash, cachedObject]
	group    singleflight.Group

	// mu serializes snapshot construction (RegisterPack, Refresh,
	// Close). It is never held on the lookup path.
	mu        sync.Mutex
	packs     map[string]*packSource // every opened pack, keyed by clean path
	order     []string               // registration order, oldest first
	midx      *pack.Midx
	midxFiles []*pack.File
	closed    bool
}

// packSource pairs an open pack with its index. Opened once, shared by
// every snapshot that references it, closed only by Store.Close.
type packSource struct {
	path  string
	file  *pack.File
	index *pack.Index
}

// snapshot is one immutable view of the backend set.
type snapshot struct {
	packs *pack.MultiIndex
	midx  *midxBackend // nil when no multi-pack index exists
}

// midxBackend pairs a parsed multi-pack index with its opened packs,
// positionally matching the midx pack table.
type midxBackend struct {
	midx  *pack.Midx
	files []*pack.File
}

type cachedObject struct {
	kind object.Kind
	data []byte
}

// New opens the object database rooted at dir (a ".git/objects"-style
// directory): loose fan-out directories directly under it, packs under
// dir/pack. Packs present on disk are registered immediately; packs
// appearing later are picked up by Refresh or RegisterPack.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:        dir,
		algo:       object.SHA1,
		maxDepth:   pack.DefaultMaxDepth,
		cacheSize:  DefaultCacheSize,
		cacheLimit: DefaultCacheObjectLimit,
		packs:      make(map[string]*packSource),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	if !s.algo.Valid() {
		return nil, fmt.Errorf("odb: invalid hash algorithm %d", int(s.algo))
	}
	if s.maxDepth <= 0 {
		s.maxDepth = pack.DefaultMaxDepth
	}
	s.loose = loose.New(dir, s.algo)
	if s.cacheSize > 0 {
		c, err := lru.New[object.Hash, cachedObject](s.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("odb: cache: %w", err)
		}
		s.cache = c
	}
	s.backends.Store(&snapshot{packs: &pack.MultiIndex{}})
	if err := s.Refresh(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Close unmaps every pack and index and drops the cache. Not safe to
// call while lookups are in flight.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	for _, src := range s.packs {
		if cerr := src.file.Close(); err == nil {
			err = cerr
		}
		if cerr := src.index.Close(); err == nil {
			err = cerr
		}
	}
	for _, f := range s.midxFiles {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if s.midx != nil {
		if cerr := s.midx.Close(); err == nil {
			err = cerr
		}
	}
	if s.cache != nil {
		s.cache.Purge()
	}
	return err
}

// Find resolves an id to its kind and payload. It returns ErrNotFound
// when no backend holds the id and ErrCorrupt (or a delta error) when
// the stored bytes are damaged. Callers must not modify the returned
// payload; it may be shared with the cache.
//
// Concurrent Finds for the same id are collapsed into one resolution.
func (s *Store) Find(h object.Hash) (object.Kind, []byte, error) {
	if s.cache != nil {
		if obj, ok := s.cache.Get(h); ok {
			return obj.kind, obj.data, nil
		}
	}
	v, err, _ := s.group.Do(h.String(), func() (any, error) {
		snap := s.backends.Load()
		kind, data, err := s.findIn(snap, h, s.maxDepth)
		if err != nil {
			return nil, err
		}
		if s.verify {
			if got := object.HashObject(s.algo, kind, data); got != h {
				return nil, fmt.Errorf("odb: %s re-hashed to %s: %w", h.Short(), got.Short(), object.ErrCorrupt)
			}
		}
		// Insert only after full, validated reconstruction; the
		// expensive work above ran outside any cache lock.
		if s.cache != nil && len(data) <= s.cacheLimit {
			s.cache.Add(h, cachedObject{kind: kind, data: data})
		}
		return cachedObject{kind: kind, data: data}, nil
	})
	if err != nil {
		return 0, nil, err
	}
	obj := v.(cachedObject)
	return obj.kind, obj.data, nil
}

// FindObject resolves an id and decodes it into a typed object.
func (s *Store) FindObject(h object.Hash) (object.Object, error) {
	kind, data, err := s.Find(h)
	if err != nil {
		return nil, err
	}
	obj, err := object.Decode(s.algo, kind, data)
	if err != nil {
		return nil, fmt.Errorf("odb: %s: %w", h.Short(), err)
	}
	return obj, nil
}

// findIn runs one lookup against a fixed snapshot. budget is the
// remaining delta depth; ref-delta bases recurse through here with a
// decremented budget, so chains crossing packs stay bounded.
func (s *Store) findIn(snap *snapshot, h object.Hash, budget int) (object.Kind, []byte, error) {
	if s.cache != nil {
		if obj, ok := s.cache.Get(h); ok {
			return obj.kind, obj.data, nil
		}
	}

	// A damaged copy in one backend must not mask a good copy in
	// another; remember the failure and keep looking.
	var firstErr error

	kind, data, err := s.loose.Get(h)
	switch {
	case err == nil:
		return kind, data, nil
	case !errors.Is(err, object.ErrNotFound):
		s.log().Warn("loose object unreadable", "id", h.Short(), "error", err)
		firstErr = err
	}

	base := func(bh object.Hash, budget int) (object.Kind, []byte, error) {
		return s.findIn(snap, bh, budget)
	}

	if file, index, off, ok := snap.packs.Lookup(h); ok {
		r := pack.NewResolver(file, index, base, s.maxDepth)
		kind, data, err := r.ResolveBudget(off, budget)
		if err == nil {
			return kind, data, nil
		}
		s.log().Warn("packed object unreadable", "id", h.Short(), "pack", file.Path(), "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if snap.midx != nil {
		if packID, off, ok := snap.midx.midx.Lookup(h); ok {
			file := snap.midx.files[packID]
			r := pack.NewResolver(file, nil, base, s.maxDepth)
			kind, data, err := r.ResolveBudget(off, budget)
			if err == nil {
				return kind, data, nil
			}
			s.log().Warn("packed object unreadable", "id", h.Short(), "pack", file.Path(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return 0, nil, firstErr
	}
	return 0, nil, fmt.Errorf("odb: %s: %w", h.Short(), object.ErrNotFound)
}

// Contains reports whether any backend holds the id, without paying
// payload reconstruction cost.
func (s *Store) Contains(h object.Hash) bool {
	if s.cache != nil {
		if _, ok := s.cache.Get(h); ok {
			return true
		}
	}
	if s.loose.Contains(h) {
		return true
	}
	snap := s.backends.Load()
	if _, _, _, ok := snap.packs.Lookup(h); ok {
		return true
	}
	if snap.midx != nil {
		if _, _, ok := snap.midx.midx.Lookup(h); ok {
			return true
		}
	}
	return false
}

// PutLoose stores a payload as a loose object and returns its id. The
// object is immediately visible to Find.
func (s *Store) PutLoose(kind object.Kind, payload []byte) (object.Hash, error) {
	h, err := s.loose.Put(kind, payload)
	if err != nil {
		return object.Hash{}, fmt.Errorf("odb: %w", err)
	}
	return h, nil
}

// LooseObjects iterates the ids of all loose objects. The sequence is
// finite and restartable; packed objects are not included.
func (s *Store) LooseObjects() iter.Seq2[object.Hash, error] {
	return s.loose.Objects()
}

// RegisterPack opens, verifies, and publishes the pack at path (the
// ".pack" file). The pack's whole-file checksum is validated before the
// new snapshot is installed, so a reader never sees a half-written
// pack. When no sidecar ".idx" exists the index is built by scanning
// the pack. The new pack takes priority over previously registered ones.
func (s *Store) RegisterPack(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("odb: store closed")
	}
	if _, err := s.registerLocked(filepath.Clean(path)); err != nil {
		return err
	}
	s.publishLocked()
	return nil
}

// registerLocked opens and verifies one pack. Caller holds mu.
func (s *Store) registerLocked(path string) (*packSource, error) {
	if src, ok := s.packs[path]; ok {
		return src, nil
	}
	file, err := pack.Open(path, s.algo)
	if err != nil {
		return nil, fmt.Errorf("odb: register %s: %w", path, err)
	}
	if err := file.Verify(); err != nil {
		file.Close()
		return nil, fmt.Errorf("odb: register: %w", err)
	}

	var index *pack.Index
	idxPath := strings.TrimSuffix(path, ".pack") + ".idx"
	if _, statErr := os.Stat(idxPath); statErr == nil {
		index, err = pack.OpenIndex(idxPath, s.algo)
	} else {
		snap := s.backends.Load()
		index, err = pack.BuildIndex(file, func(bh object.Hash, budget int) (object.Kind, []byte, error) {
			return s.findIn(snap, bh, budget)
		})
	}
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("odb: register %s: %w", path, err)
	}

	src := &packSource{path: path, file: file, index: index}
	s.packs[path] = src
	s.order = append(s.order, path)
	s.log().Debug("pack registered", "path", path, "objects", file.Count())
	return src, nil
}

// publishLocked builds a fresh snapshot from the current registration
// order and swaps it in atomically. Caller holds mu.
func (s *Store) publishLocked() {
	multi := &pack.MultiIndex{}
	for _, path := range s.order {
		src := s.packs[path]
		multi.Add(src.file, src.index)
	}
	next := &snapshot{packs: multi}
	if prev := s.backends.Load(); prev != nil {
		next.midx = prev.midx
	}
	s.backends.Store(next)
}

// Refresh re-scans the directory for packs and the multi-pack index and
// publishes a snapshot including anything new. Already-open packs are
// reused; packs deleted from disk drop out of the new snapshot but stay
// mapped until Close, since in-flight readers may still hold the old
// snapshot. Loose objects need no refresh: the loose store reads the
// directory directly.
func (s *Store) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("odb: store closed")
	}

	pdir := filepath.Join(s.dir, packDir)
	paths, err := filepath.Glob(filepath.Join(pdir, "pack-*.pack"))
	if err != nil {
		return fmt.Errorf("odb: refresh: %w", err)
	}
	sort.Strings(paths)

	onDisk := make(map[string]bool, len(paths))
	for _, p := range paths {
		p = filepath.Clean(p)
		onDisk[p] = true
		if _, err := s.registerLocked(p); err != nil {
			// One unreadable pack must not block the rest.
			s.log().Warn("skipping pack", "path", p, "error", err)
		}
	}

	// Drop deleted packs from the registration order. Packs registered
	// explicitly, outside the scanned directory, stay as long as their
	// file exists. Dropped packs stay mapped until Close: in-flight
	// readers may still hold a snapshot that references them.
	kept := s.order[:0]
	for _, p := range s.order {
		if onDisk[p] {
			kept = append(kept, p)
			continue
		}
		if _, err := os.Stat(p); err == nil {
			kept = append(kept, p)
			continue
		}
		s.log().Debug("pack no longer on disk", "path", p)
	}
	s.order = kept

	midxBk, err := s.loadMidxLocked(pdir)
	if err != nil {
		s.log().Warn("skipping multi-pack index", "error", err)
	}

	multi := &pack.MultiIndex{}
	for _, path := range s.order {
		src := s.packs[path]
		multi.Add(src.file, src.index)
	}
	s.backends.Store(&snapshot{packs: multi, midx: midxBk})
	s.log().Debug("backend snapshot published", "packs", len(s.order), "midx", midxBk != nil)
	return nil
}

// loadMidxLocked parses dir's multi-pack index, if present, and opens
// the packs it names. Caller holds mu.
func (s *Store) loadMidxLocked(pdir string) (*midxBackend, error) {
	path := filepath.Join(pdir, midxName)
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	if s.midx != nil {
		// Already loaded; reuse the parsed midx and its open packs.
		return &midxBackend{midx: s.midx, files: s.midxFiles}, nil
	}
	m, err := pack.OpenMidx(path, s.algo)
	if err != nil {
		return nil, err
	}
	files := make([]*pack.File, len(m.PackNames()))
	for i, name := range m.PackNames() {
		packPath := filepath.Join(pdir, strings.TrimSuffix(name, ".idx")+".pack")
		if strings.HasSuffix(name, ".pack") {
			packPath = filepath.Join(pdir, name)
		}
		f, err := pack.Open(packPath, s.algo)
		if err != nil {
			for _, opened := range files[:i] {
				opened.Close()
			}
			m.Close()
			return nil, err
		}
		files[i] = f
	}
	s.midx = m
	s.midxFiles = files
	return &midxBackend{midx: m, files: files}, nil
}
