package odb

import (
	"github.com/meigma/odb/object"
	"github.com/meigma/odb/pack"
)

// Errors re-exported from object.
var (
	// ErrNotFound is returned when no backend holds the requested id.
	// Expected during normal operation, not an integrity failure.
	ErrNotFound = object.ErrNotFound

	// ErrCorrupt is returned on data integrity violations: checksum
	// mismatch, malformed container, bad compressed stream.
	ErrCorrupt = object.ErrCorrupt

	// ErrDecode is returned when object bytes do not parse as their
	// declared kind.
	ErrDecode = object.ErrDecode
)

// Errors re-exported from pack.
var (
	// ErrUnsupportedVersion is returned for pack or index format
	// versions this module does not read.
	ErrUnsupportedVersion = pack.ErrUnsupportedVersion

	// ErrDeltaChainTooDeep is returned when a delta chain exceeds the
	// configured depth bound.
	ErrDeltaChainTooDeep = pack.ErrDeltaChainTooDeep

	// ErrCyclicDelta is returned when a delta chain revisits an offset
	// within a single resolution.
	ErrCyclicDelta = pack.ErrCyclicDelta
)
