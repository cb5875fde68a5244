// Package newbase60 implements Tantek Çelik's NewBase60 encoding: a compact,
// URL-safe positional encoding of non-negative integers over a 60-symbol
// alphabet. The alphabet is ASCII-ordered, so encodings of equal length sort
// lexicographically in numeric order, which makes timestamp-derived post ids
// naturally chronological.
package newbase60

import "fmt"

// Alphabet omits I, O and l to avoid visual ambiguity.
const Alphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ_abcdefghijkmnopqrstuvwxyz"

const base = uint64(len(Alphabet))

var indexOf = func() [256]int8 {
	var tbl [256]int8
	for i := range tbl {
		tbl[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		tbl[Alphabet[i]] = int8(i)
	}
	return tbl
}()

// Encode returns the NewBase60 string for n. Zero encodes as "0".
func Encode(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [11]byte // 60^11 > 2^64
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = Alphabet[n%base]
		n /= base
	}
	return string(buf[i:])
}

// Decode parses a NewBase60 string back into an integer. It fails on empty
// input, characters outside the alphabet, and values that overflow uint64.
func Decode(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("newbase60: empty string")
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		d := indexOf[s[i]]
		if d < 0 {
			return 0, fmt.Errorf("newbase60: invalid character %q", s[i])
		}
		next := n*base + uint64(d)
		if next/base != n {
			return 0, fmt.Errorf("newbase60: value overflows uint64")
		}
		n = next
	}
	return n, nil
}

// IsValid reports whether s is a well-formed NewBase60 string.
func IsValid(s string) bool {
	_, err := Decode(s)
	return err == nil
}
