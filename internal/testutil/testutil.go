// Package testutil builds on-disk and in-memory object database
// fixtures for tests: loose files, packs, sidecar indexes, and
// multi-pack indexes.
package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"

	"github.com/meigma/odb/loose"
	"github.com/meigma/odb/object"
)

// Deflate compresses b as a single zlib stream.
func Deflate(tb testing.TB, b []byte) []byte {
	tb.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		tb.Fatalf("deflate: %v", err)
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("deflate: %v", err)
	}
	return buf.Bytes()
}

// WriteLoose stores a loose object under root's fan-out layout and
// returns its id.
func WriteLoose(tb testing.TB, root string, algo object.Algorithm, kind object.Kind, payload []byte) object.Hash {
	tb.Helper()
	h := object.HashObject(algo, kind, payload)
	hx := h.String()
	dir := filepath.Join(root, hx[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("write loose: %v", err)
	}
	raw := append(loose.Header(kind, len(payload)), payload...)
	if err := os.WriteFile(filepath.Join(dir, hx[2:]), Deflate(tb, raw), 0o444); err != nil {
		tb.Fatalf("write loose: %v", err)
	}
	return h
}

// DeltaOp is one instruction in a delta script.
type DeltaOp []byte

// DeltaCopy emits a copy-from-base instruction. A size of 0x10000 is
// encoded in the compact zero-size form.
func DeltaCopy(off, size uint64) DeltaOp {
	var op byte = 0x80
	var tail []byte
	for bit := 0; bit < 4; bit++ {
		if b := byte(off >> (8 * bit)); b != 0 {
			op |= 1 << bit
			tail = append(tail, b)
		}
	}
	if size != 0x10000 {
		for bit := 0; bit < 3; bit++ {
			if b := byte(size >> (8 * bit)); b != 0 {
				op |= 1 << (4 + bit)
				tail = append(tail, b)
			}
		}
	}
	return append([]byte{op}, tail...)
}

// DeltaInsert emits a literal-insert instruction. len(data) must be
// 1..127.
func DeltaInsert(data []byte) DeltaOp {
	return append([]byte{byte(len(data))}, data...)
}

// DeltaScript assembles a delta: the two size varints followed by ops.
func DeltaScript(srcSize, tgtSize uint64, ops ...DeltaOp) []byte {
	script := sizeVarint(srcSize)
	script = append(script, sizeVarint(tgtSize)...)
	for _, op := range ops {
		script = append(script, op...)
	}
	return script
}

// sizeVarint encodes the little-endian base-128 size prefix.
func sizeVarint(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}
