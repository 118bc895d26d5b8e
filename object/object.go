// Package object defines git object ids and the four object kinds with
// their canonical byte encodings. Everything here is pure computation;
// storage lives in the loose and pack packages.
package object

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the storage packages.
var (
	// ErrNotFound is returned when no backend holds the requested object.
	ErrNotFound = errors.New("object: not found")

	// ErrCorrupt is returned on integrity violations: checksum mismatch,
	// malformed container, bad compressed stream.
	ErrCorrupt = errors.New("object: corrupt")

	// ErrDecode is returned when object bytes do not parse as their
	// declared kind.
	ErrDecode = errors.New("object: malformed encoding")
)

// Kind identifies an object kind. The numeric values are the type tags
// used by the pack record header.
type Kind int8

const (
	KindCommit Kind = 1
	KindTree   Kind = 2
	KindBlob   Kind = 3
	KindTag    Kind = 4
)

// String returns the canonical kind name as it appears in loose headers
// and tag "type" fields.
func (k Kind) String() string {
	switch k {
	case KindCommit:
		return "commit"
	case KindTree:
		return "tree"
	case KindBlob:
		return "blob"
	case KindTag:
		return "tag"
	}
	return fmt.Sprintf("kind(%d)", int8(k))
}

// Valid reports whether k is one of the four object kinds.
func (k Kind) Valid() bool {
	return k >= KindCommit && k <= KindTag
}

// ParseKind maps a canonical kind name to its Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "commit":
		return KindCommit, nil
	case "tree":
		return KindTree, nil
	case "blob":
		return KindBlob, nil
	case "tag":
		return KindTag, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrDecode, s)
}

// Object is one of Blob, Tree, Commit, or Tag. The set is closed: Decode
// switches exhaustively over Kind and callers can type-switch the result.
type Object interface {
	// Kind returns the object kind.
	Kind() Kind

	// Encode returns the canonical payload bytes (without the
	// "<kind> <size>\x00" storage header). Encoding is deterministic:
	// the same logical object always yields identical bytes, which is
	// what the object id is computed over.
	Encode() ([]byte, error)
}

var (
	_ Object = (*Blob)(nil)
	_ Object = (*Tree)(nil)
	_ Object = (*Commit)(nil)
	_ Object = (*Tag)(nil)
)

// Decode parses payload as the given kind. Tree entries embed raw ids,
// so the algorithm in use must be supplied.
func Decode(algo Algorithm, kind Kind, payload []byte) (Object, error) {
	switch kind {
	case KindBlob:
		return DecodeBlob(payload), nil
	case KindTree:
		return DecodeTree(algo, payload)
	case KindCommit:
		return DecodeCommit(payload)
	case KindTag:
		return DecodeTag(payload)
	}
	return nil, fmt.Errorf("%w: unknown kind %d", ErrDecode, int8(kind))
}

// HashOf encodes obj canonically and returns its id under algo.
func HashOf(algo Algorithm, obj Object) (Hash, error) {
	payload, err := obj.Encode()
	if err != nil {
		return Hash{}, err
	}
	return HashObject(algo, obj.Kind(), payload), nil
}
