// Package bitpattern parses and renders the textual bit-string notation used
// to describe opcode and prefix patterns: a sequence of '0', '1', 'x', and
// 'X' characters, where 'x'/'X' denote don't-care bit positions.
//
// A parsed pattern compiles to a (mask, match) pair of 32-bit words in
// network byte order, aligned to the most-significant bit of the
// accumulator, plus the number of whole bytes the pattern occupies. This is
// the representation the radix tree (internal/radix) and the opcode tree
// (internal/optree) key their lookups on.
package bitpattern

import (
	"encoding/binary"
	"fmt"
)

// MaxBits is the widest bit-string this package will compile; opcode and
// prefix bitmasks describe at most the first 32 bits of an instruction.
const MaxBits = 32

// ParseError reports a malformed bit-string, always for the character at the
// given zero-based position.
type ParseError struct {
	Text string
	Pos  int
	Char byte
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bitpattern: invalid character %q at position %d in %q", e.Char, e.Pos, e.Text)
}

// Pattern is a compiled bit-string: mask and match are big-endian words
// covering the high-order NumBytes bytes of a 32-bit instruction prefetch;
// low-order bits beyond the pattern's length are always clear in both mask
// and match. Text is the original textual form, retained verbatim so report
// output (internal/oplist) can re-emit it exactly as written.
type Pattern struct {
	Mask     uint32
	Match    uint32
	NumBytes int
	Text     string
}

// Parse compiles text, a string over {'0','1','x','X'}, into a Pattern.
// Empty input is legal and yields the zero Pattern (mask=0, match=0,
// numBytes=0) — the catch-all "unknown" default that always matches.
//
// Characters are consumed most-significant-bit first: the first character
// of text sets bit 31 of the accumulator, the second bit 30, and so on.
// '0' and '1' always set the corresponding mask bit; '1' additionally sets
// the match bit. 'x'/'X' leave both bits clear (don't-care). Any other
// character is a ParseError.
func Parse(text string) (Pattern, error) {
	if len(text) > MaxBits {
		return Pattern{}, &ParseError{Text: text, Pos: MaxBits, Char: text[MaxBits]}
	}

	var mask, match uint32
	shift := uint(31)
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '0':
			mask |= 1 << shift
		case '1':
			mask |= 1 << shift
			match |= 1 << shift
		case 'x', 'X':
			// don't-care: neither bit set.
		default:
			return Pattern{}, &ParseError{Text: text, Pos: i, Char: c}
		}
		shift--
	}

	nbytes := (len(text) + 7) / 8
	return Pattern{Mask: mask, Match: match, NumBytes: nbytes, Text: text}, nil
}

// Render reconstructs the canonical bit-string text for (mask, match,
// nbits), using 'x' for any bit position where mask has a clear bit. nbits
// is the number of significant bit positions to render (NumBytes*8 would
// over-render trailing implicit don't-cares for patterns whose length isn't
// a whole-byte multiple, so callers that know the exact original length
// should pass it directly).
func Render(mask, match uint32, nbits int) string {
	if nbits <= 0 {
		return ""
	}
	if nbits > MaxBits {
		nbits = MaxBits
	}
	buf := make([]byte, nbits)
	shift := uint(31)
	for i := 0; i < nbits; i++ {
		bit := uint32(1) << shift
		switch {
		case mask&bit == 0:
			buf[i] = 'x'
		case match&bit != 0:
			buf[i] = '1'
		default:
			buf[i] = '0'
		}
		shift--
	}
	return string(buf)
}

// NetworkBytes returns v in the 4-byte big-endian form used as the
// significant payload of a radix-tree key (internal/radix.Key).
func NetworkBytes(v uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b
}
