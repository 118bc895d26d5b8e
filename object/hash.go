package object

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
)

// Algorithm identifies the hash function used for object ids.
type Algorithm int

const (
	// SHA1 produces 20-byte object ids. It is the default and the only
	// algorithm most existing repositories use.
	SHA1 Algorithm = iota + 1

	// SHA256 produces 32-byte object ids.
	SHA256
)

// maxHashSize is the largest id size any supported algorithm produces.
const maxHashSize = 32

// Size returns the id size in bytes.
func (a Algorithm) Size() int {
	switch a {
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	}
	panic(fmt.Sprintf("object: unknown algorithm %d", int(a)))
}

// New returns a fresh hash.Hash for the algorithm.
func (a Algorithm) New() hash.Hash {
	switch a {
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	}
	panic(fmt.Sprintf("object: unknown algorithm %d", int(a)))
}

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	}
	return fmt.Sprintf("algorithm(%d)", int(a))
}

// Valid reports whether a names a supported algorithm.
func (a Algorithm) Valid() bool {
	return a == SHA1 || a == SHA256
}

// Hash is an object id: the hash of an object's canonical encoding.
//
// The zero Hash is not a valid id. Hash is comparable and has a total
// order (byte-wise) via Compare, which index binary searches rely on.
type Hash struct {
	algo Algorithm
	b    [maxHashSize]byte
}

// NewHash builds a Hash from raw id bytes. The slice length must match
// the algorithm's size.
func NewHash(algo Algorithm, raw []byte) (Hash, error) {
	if !algo.Valid() {
		return Hash{}, fmt.Errorf("object: invalid algorithm %d", int(algo))
	}
	if len(raw) != algo.Size() {
		return Hash{}, fmt.Errorf("%w: id is %d bytes, %s needs %d", ErrDecode, len(raw), algo, algo.Size())
	}
	h := Hash{algo: algo}
	copy(h.b[:], raw)
	return h, nil
}

// ParseHash decodes a hex id string. The algorithm is inferred from the
// string length (40 hex chars for SHA-1, 64 for SHA-256).
func ParseHash(s string) (Hash, error) {
	var algo Algorithm
	switch len(s) {
	case 2 * sha1.Size:
		algo = SHA1
	case 2 * sha256.Size:
		algo = SHA256
	default:
		return Hash{}, fmt.Errorf("%w: bad id length %d", ErrDecode, len(s))
	}
	h := Hash{algo: algo}
	if _, err := hex.Decode(h.b[:algo.Size()], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("%w: bad id %q", ErrDecode, s)
	}
	return h, nil
}

// Algorithm returns the algorithm the id was computed with.
func (h Hash) Algorithm() Algorithm { return h.algo }

// Bytes returns the raw id bytes (algorithm-sized).
func (h Hash) Bytes() []byte { return h.b[:h.algo.Size()] }

// String gives the hex representation: a9d7100fe1a37926a0a9cb05992e6eb3cdcb4f0d.
func (h Hash) String() string { return hex.EncodeToString(h.b[:h.algo.Size()]) }

// Short gives the hex representation of the first 4 bytes: a9d7100f.
func (h Hash) Short() string { return hex.EncodeToString(h.b[:4]) }

// IsZero reports whether h is the zero value (no id set).
func (h Hash) IsZero() bool { return h.algo == 0 }

// Compare orders ids byte-wise: -1, 0, or 1.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h.Bytes(), other.Bytes())
}

// HashObject computes the object id: hash("<kind> <size>\x00" + payload).
func HashObject(algo Algorithm, kind Kind, payload []byte) Hash {
	hs := algo.New()
	hs.Write([]byte(kind.String()))
	hs.Write([]byte{' '})
	hs.Write([]byte(strconv.Itoa(len(payload))))
	hs.Write([]byte{0})
	hs.Write(payload)
	h := Hash{algo: algo}
	hs.Sum(h.b[:0])
	return h
}
