// Package fingerprint implements deterministic cache-key hashing of
// (input, config) pairs, per spec §4.1.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"math"
	"sort"

	"github.com/joeycumines/promptbridge/bridgeerr"
)

// Digest is an opaque 256-bit cache key.
type Digest [sha256.Size]byte

// String renders the digest as hex, suitable for use as an observability
// correlation id or a cache backing-store key.
func (d Digest) String() string {
	return fmt.Sprintf("%x", [sha256.Size]byte(d))
}

// Canonicalize produces a deterministic byte encoding of a value into w.
// Types implementing Canonicalize are used directly by Of; everything else
// falls back to the reflection-driven encoder in canon.go.
type Canonicalize interface {
	Canonicalize(w *Writer) error
}

// ConfigFingerprint is the subset of bridgeconfig.Config that participates
// in the fingerprint, avoiding an import cycle between fingerprint and
// bridgeconfig (bridgeconfig depends on this type, not the other way
// around).
type ConfigFingerprint struct {
	Provider    string
	Model       string
	Temperature float32
	MaxTokens   uint32
	Signature   string
}

// Of computes the fingerprint of (input, cfg). Two calls with canonically
// identical byte streams always produce equal digests (spec §4.1 invariant
// 1); canonically distinct streams are probabilistically unequal.
func Of(input any, cfg ConfigFingerprint) (Digest, error) {
	w := newWriter()

	w.writeString("cfg.provider", cfg.Provider)
	w.writeString("cfg.model", cfg.Model)
	w.writeFloat64("cfg.temperature", float64(cfg.Temperature))
	w.writeUint64("cfg.max_tokens", uint64(cfg.MaxTokens))
	w.writeString("cfg.signature", cfg.Signature)

	if err := canonicalizeValue(w, input); err != nil {
		return Digest{}, bridgeerr.Wrap(bridgeerr.KindEncoding, "fingerprint: input is not canonicalizable", err)
	}

	return sha256.Sum256(w.Bytes()), nil
}

// Writer accumulates a canonical byte stream. It is exported so that types
// implementing Canonicalize can be defined outside this package.
type Writer struct {
	buf []byte
}

func newWriter() *Writer { return &Writer{buf: make([]byte, 0, 256)} }

// Bytes returns the accumulated canonical byte stream.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) writeTag(tag byte) { w.buf = append(w.buf, tag) }

func (w *Writer) writeString(_ string, s string) {
	w.writeTag('s')
	w.writeLen(len(s))
	w.buf = append(w.buf, s...)
}

func (w *Writer) writeBytes(b []byte) {
	w.writeTag('b')
	w.writeLen(len(b))
	w.buf = append(w.buf, b...)
}

func (w *Writer) writeLen(n int) {
	var tmp [8]byte
	putUint64(tmp[:], uint64(n))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) writeUint64(_ string, v uint64) {
	w.writeTag('u')
	var tmp [8]byte
	putUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) writeInt64(v int64) {
	w.writeTag('i')
	var tmp [8]byte
	putUint64(tmp[:], uint64(v))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) writeBool(v bool) {
	w.writeTag('t')
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// writeFloat64 encodes v as its IEEE-754 bit pattern, normalizing any NaN
// payload to a single canonical representation per spec §4.1.
func (w *Writer) writeFloat64(_ string, v float64) {
	w.writeTag('f')
	bits := math.Float64bits(v)
	if math.IsNaN(v) {
		bits = 0x7ff8000000000000
	}
	var tmp [8]byte
	putUint64(tmp[:], bits)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) writeNil() { w.writeTag('n') }

func (w *Writer) beginSeq(n int) {
	w.writeTag('[')
	w.writeLen(n)
}

func (w *Writer) beginMap(n int) {
	w.writeTag('{')
	w.writeLen(n)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

// canonicalizeValue dispatches a value through Canonicalize when
// implemented, or reflection-driven encoding otherwise. See canon.go.
func canonicalizeValue(w *Writer, v any) error {
	if v == nil {
		w.writeNil()
		return nil
	}
	if c, ok := v.(Canonicalize); ok {
		return c.Canonicalize(w)
	}
	return reflectCanonicalize(w, v)
}

// sortedKeys is a small helper shared with canon.go for deterministic map
// iteration order (spec §4.1: "mappings sorted by key lexicographic
// order").
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
