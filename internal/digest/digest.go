// Package digest computes the content digests used for both version records
// and attachment identities: the first 256 bits of a SHA-512, hex-encoded to
// a fixed 64 characters.
package digest

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// Size is the number of SHA-512 bytes kept.
const Size = 32

// HexLen is the length of every digest string.
const HexLen = Size * 2

// chunkSize bounds memory use when digesting streams.
const chunkSize = 1 << 20 // 1 MiB

// Bytes returns the digest of b.
func Bytes(b []byte) string {
	sum := sha512.Sum512(b)
	return hex.EncodeToString(sum[:Size])
}

// Reader digests r in 1 MiB chunks and returns the digest together with the
// number of bytes consumed.
func Reader(r io.Reader) (string, int64, error) {
	h := sha512.New()
	n, err := io.CopyBuffer(h, r, make([]byte, chunkSize))
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)[:Size]), n, nil
}

// Document digests the canonical serialization of a structured value.
//
// The canonical form is encoding/json output with object keys in
// lexicographic order, UTF-8, no insignificant whitespace. Any value is first
// round-tripped through a generic decode so that struct field order never
// leaks into the digest: two logically equal documents always hash the same.
func Document(v any) (string, error) {
	c, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return Bytes(c), nil
}

// Canonical returns the canonical JSON bytes of v. This is the digest input
// contract: signers and verifiers must agree on it byte for byte.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("digest: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("digest: normalize: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("digest: remarshal: %w", err)
	}
	return out, nil
}

// Valid reports whether s looks like a digest this package produced.
func Valid(s string) bool {
	if len(s) != HexLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
