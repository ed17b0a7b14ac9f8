// Package region implements the traced process's memory-region list: an
// MRU-ordered sequence of address-space segments, each classified by type
// and writability, with a per-region read-through byte cache for
// read-only segments.
//
// Grounded directly in original_source/dyntrace/dyntrace/region.c: the
// replace-or-extend update policy, the MRU reorder on lookup hit, and the
// cache-refill window-recentering formula in Read are all ports of that
// file's region_update()/region_lookup()/region_read().
package region

import (
	"container/list"
	"fmt"
)

// Type classifies the kind of memory an address-space region holds. The
// ordering matters: IsText relies on the first four values preceding
// NontextUnknown.
type Type int

const (
	Unknown Type = iota
	TextUnknown
	TextProgram
	TextLibrary
	NontextUnknown
	Data
	Stack

	numTypes = int(Stack) + 1
)

// NumTypes is the number of distinct region types, used to size the
// tracer context's region_type_seen flag array.
const NumTypes = numTypes

// IsText reports whether t is one of the first four region types:
// Unknown, unknown-but-executable, program text, or shared-library text.
func IsText(t Type) bool {
	return t < NontextUnknown
}

// Name returns the report-schema name for t, as used in the XML report's
// <region type="..."> attribute.
func (t Type) Name() string {
	switch t {
	case Unknown:
		return "unknown"
	case TextUnknown:
		return "text"
	case TextProgram:
		return "text:program"
	case TextLibrary:
		return "text:library"
	case NontextUnknown:
		return "non-text"
	case Data:
		return "data"
	case Stack:
		return "stack"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Buffer cache sizing, ported verbatim from REGION_BUFFER_MINSIZE and
// REGION_BUFFER_MAXSIZE in region.c.
const (
	bufferMinSize = 32
	bufferMaxSize = 1024 * 1024
)

// Region is a single contiguous address-space segment.
type Region struct {
	Start, End uint64
	Type       Type
	Readonly   bool

	buffer  []byte
	bufAddr uint64
	bufLen  int
}

func (r *Region) contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Reader is the minimal capability RegionList.Read needs on cache miss:
// a pass-through read of the traced process's memory. internal/target
// satisfies this with Target.Read. Expressing it as a narrow interface
// rather than a back-reference to a *target.Target avoids a dependency
// cycle between internal/region and internal/target.
type Reader interface {
	Read(addr uint64, dest []byte) (int, error)
}

// List is the MRU-ordered sequence of regions for one target process.
// The zero value is ready to use.
type List struct {
	l *list.List // of *Region, head = most recently used
}

// New returns an empty region list.
func New() *List {
	return &List{l: list.New()}
}

// Find performs a linear scan for the region containing addr, without
// disturbing MRU order. It returns nil if no region contains addr.
func (rl *List) Find(addr uint64) *Region {
	for e := rl.l.Front(); e != nil; e = e.Next() {
		r := e.Value.(*Region)
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

// Lookup is Find plus the MRU reorder: on a hit that isn't already at the
// head, the region is moved to the front of the list. Traced code
// exhibits strong spatial locality, so most consecutive lookups hit the
// region already at the head.
func (rl *List) Lookup(addr uint64) *Region {
	for e := rl.l.Front(); e != nil; e = e.Next() {
		r := e.Value.(*Region)
		if r.contains(addr) {
			if e != rl.l.Front() {
				rl.l.MoveToFront(e)
			}
			return r
		}
	}
	return nil
}

// Update inserts or extends a region, implementing the replace-or-extend
// policy from §3/§4.4: an existing region with the same start is bumped
// in place (end extended) when it is an exact-prefix extension (same
// type, same readonly, and the existing end does not exceed the new
// end); otherwise every existing region overlapping [start,end) is
// removed and a fresh region is inserted at the head.
//
// If the inserted region is read-only, a cache buffer is allocated sized
// bufferMaxSize for text regions and bufferMinSize otherwise, clamped to
// the region's length. Allocation never actually fails in this Go port
// (make never returns an error for sane sizes), so the
// ResourceExhaustion/degrade-to-uncached path described in spec is
// exercised only by the explicit zero-length guard below.
func (rl *List) Update(start, end uint64, typ Type, readonly bool) {
	if end <= start {
		// Degenerate region (e.g. map service unavailable → [0, -1)
		// wrapped, or a zero-length mapping). Treat length 0 specially:
		// callers pass start=0,end=^uint64(0) for the "whole address
		// space, unknown" fallback; that is a valid infinite region, not
		// degenerate, so only reject genuinely empty or inverted ranges.
		if end != 0 || start != 0 {
			return
		}
	}

	for e := rl.l.Front(); e != nil; {
		next := e.Next()
		r := e.Value.(*Region)
		if r.Start == start {
			if r.End <= end && r.Type == typ && r.Readonly == readonly {
				r.End = end
				r.resizeBuffer()
				if e != rl.l.Front() {
					rl.l.MoveToFront(e)
				}
				return
			}
			rl.l.Remove(e)
		} else if overlaps(r.Start, r.End, start, end) {
			rl.l.Remove(e)
		}
		e = next
	}

	r := &Region{Start: start, End: end, Type: typ, Readonly: readonly}
	r.resizeBuffer()
	rl.l.PushFront(r)
}

func overlaps(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart < bEnd && bStart < aEnd
}

func (r *Region) resizeBuffer() {
	if !r.Readonly {
		r.buffer = nil
		r.bufLen = 0
		return
	}

	size := bufferMinSize
	if IsText(r.Type) {
		size = bufferMaxSize
	}
	length := r.End - r.Start
	if uint64(size) > length {
		size = int(length)
	}
	if size <= 0 {
		r.Readonly = false
		r.buffer = nil
		return
	}
	r.buffer = make([]byte, size)
	r.bufLen = 0
}

// Read fills dest from the region's contents starting at addr, using the
// read-through cache for read-only regions and falling back to rd for
// writable regions or on cache refill. It returns the number of bytes
// copied into dest, which may be less than len(dest) if the region ends
// first.
//
// Precondition: addr+len(dest) <= region.End. Callers that violate this
// get a short read rather than a panic, since the hot trace loop should
// never assert in production builds.
func (r *Region) Read(rd Reader, addr uint64, dest []byte) (int, error) {
	want := len(dest)
	if uint64(want) > r.End-addr {
		want = int(r.End - addr)
		dest = dest[:want]
	}
	if want == 0 {
		return 0, nil
	}

	if !r.Readonly {
		return rd.Read(addr, dest)
	}

	if r.bufLen > 0 && addr >= r.bufAddr && addr+uint64(want) <= r.bufAddr+uint64(r.bufLen) {
		off := addr - r.bufAddr
		copy(dest, r.buffer[off:off+uint64(want)])
		return want, nil
	}

	if err := r.refill(rd, addr, want); err != nil {
		return 0, err
	}
	off := addr - r.bufAddr
	n := copy(dest, r.buffer[off:off+uint64(want)])
	return n, nil
}

// refill recenters the cache window around addr following region.c's
// region_read() formula: start the window at region.start, unless that
// would place the window entirely before addr+len (in which case pin the
// window's end to region.end), unless addr itself lands before the
// window start (in which case center addr bufsize/2 bytes into the
// window).
func (r *Region) refill(rd Reader, addr uint64, want int) error {
	bufsize := uint64(len(r.buffer))
	start := r.Start
	if start+bufsize < addr+uint64(want) {
		start = r.End - bufsize
	}
	if start > addr {
		half := bufsize / 2
		if uint64(want) > half {
			half = uint64(want)
		}
		if addr >= half {
			start = addr - half
		} else {
			start = 0
		}
		if start < r.Start {
			start = r.Start
		}
	}

	length := bufsize
	if start+length > r.End {
		length = r.End - start
	}
	n, err := rd.Read(start, r.buffer[:length])
	if err != nil {
		return err
	}
	r.bufAddr = start
	r.bufLen = n
	if uint64(n) < uint64(want)+(addr-start) {
		return fmt.Errorf("region: short read refilling cache at %#x: got %d bytes, need %d", addr, n, want)
	}
	return nil
}

// Len returns the number of regions currently tracked, for tests and
// diagnostics.
func (rl *List) Len() int {
	return rl.l.Len()
}

// Walk invokes visit for every region, in MRU order (head first).
func (rl *List) Walk(visit func(*Region)) {
	for e := rl.l.Front(); e != nil; e = e.Next() {
		visit(e.Value.(*Region))
	}
}
