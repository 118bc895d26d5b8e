package odb

import (
	"log/slog"

	"github.com/meigma/odb/object"
)

// Option configures a Store.
type Option func(*Store)

// WithHashAlgorithm selects the object id algorithm. The default is
// SHA-1; a store reads only objects written under its own algorithm.
func WithHashAlgorithm(algo object.Algorithm) Option {
	return func(s *Store) {
		s.algo = algo
	}
}

// WithCacheSize bounds the in-memory object cache by entry count.
// Entry count rather than byte size keeps eviction simple; the size of
// individual entries is bounded by WithCacheObjectLimit instead. Zero
// disables caching.
func WithCacheSize(entries int) Option {
	return func(s *Store) {
		s.cacheSize = entries
	}
}

// WithCacheObjectLimit sets the largest payload, in bytes, that Find
// will insert into the cache. Larger objects are always re-read.
func WithCacheObjectLimit(limit int) Option {
	return func(s *Store) {
		s.cacheLimit = limit
	}
}

// WithMaxDeltaDepth bounds delta chains, including chains that cross
// packs through ref-delta bases. Values <= 0 select the default.
func WithMaxDeltaDepth(depth int) Option {
	return func(s *Store) {
		s.maxDepth = depth
	}
}

// WithVerifyOnRead re-hashes every object after reconstruction and
// fails the lookup with ErrCorrupt on mismatch. Off by default: the
// pack and loose layers already validate sizes and stream checksums,
// and a full re-hash on every read is measurable on hot paths.
func WithVerifyOnRead(enabled bool) Option {
	return func(s *Store) {
		s.verify = enabled
	}
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}
