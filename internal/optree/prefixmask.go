package optree

import "strings"

// PrefixMask is an opaque bitset of prefix ids, following the "legacy
// prefix mask encoding" design note: it keeps the original's
// set-of-prefix-ids semantics (each prefix contributes one bit, 1<<id)
// without exposing the raw integer to callers. Capped at 32 ids for
// on-wire compatibility with a single uint32.
type PrefixMask uint32

// Add returns a PrefixMask with id's bit set.
func (m PrefixMask) Add(id int) PrefixMask {
	return m | PrefixMask(1<<uint(id))
}

// Contains reports whether id's bit is set in m.
func (m PrefixMask) Contains(id int) bool {
	return m&PrefixMask(1<<uint(id)) != 0
}

// labelForID renders a zero-based prefix id as a base-26 spreadsheet-style
// label: 0->"A", 1->"B", ..., 25->"Z", 26->"AA", 27->"AB", ...
func labelForID(id int) string {
	var buf []byte
	id++ // switch to 1-based so the algorithm below terminates cleanly
	for id > 0 {
		id--
		buf = append([]byte{byte('A' + id%26)}, buf...)
		id /= 26
	}
	return string(buf)
}

// Render returns the comma-separated, ascending-id-order list of base-26
// labels for every id present in m, using names to map id->display label
// (names[i] is the label for prefix id i, following declaration order).
// An empty mask renders as the empty string (the no-prefix case).
func (m PrefixMask) Render(names []string) string {
	var parts []string
	for id := 0; id < len(names); id++ {
		if m.Contains(id) {
			parts = append(parts, names[id])
		}
	}
	return strings.Join(parts, ",")
}
