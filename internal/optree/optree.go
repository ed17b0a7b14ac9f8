// Package optree is the opcode identification engine: it owns the
// RadixTree (internal/radix), holds Prefix and Opcode entries compiled
// from bitpattern definitions (internal/bitpattern, internal/oplist),
// implements the prefix-then-opcode walk described in spec for the trace
// loop's per-step update, and emits the XML report.
package optree

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dyntrace/dyntrace/internal/bitpattern"
	"github.com/dyntrace/dyntrace/internal/diag"
	"github.com/dyntrace/dyntrace/internal/oplist"
	"github.com/dyntrace/dyntrace/internal/radix"
	"github.com/dyntrace/dyntrace/internal/region"
)

// maxPrefixes caps the number of distinct prefixes at 32, matching the
// single-word PrefixMask's capacity.
const maxPrefixes = 32

// Counter is one (region-type, prefix-mask) accumulator hung off an
// Opcode. Counters are allocated on first use (see counterFor); none is
// pre-allocated, so the first observation of each (region type, prefix
// mask) pair allocates one.
type Counter struct {
	PrefixMask  PrefixMask
	N           uint64
	CyclesTotal uint64
	CyclesMin   uint32
	CyclesMax   uint32
	hasCycles   bool
}

func (c *Counter) bump(cycles uint32) {
	c.N++
	c.CyclesTotal += uint64(cycles)
	if !c.hasCycles {
		c.CyclesMin = cycles
		c.CyclesMax = cycles
		c.hasCycles = true
		return
	}
	if cycles < c.CyclesMin {
		c.CyclesMin = cycles
	}
	if cycles > c.CyclesMax {
		c.CyclesMax = cycles
	}
}

// Prefix is a consumed-greedily bit pattern that contributes one bit to
// the running prefix mask of an instruction.
type Prefix struct {
	ID      int
	Flag    PrefixMask
	Pattern bitpattern.Pattern
	Detail  string
}

// Opcode is a terminal bit pattern; counters are hung off it, one slice
// per region type, indexed by region.Type.
type Opcode struct {
	Mnemonic string
	Detail   string
	Pattern  bitpattern.Pattern
	counters [region.NumTypes][]*Counter
}

func (op *Opcode) counterFor(t region.Type, mask PrefixMask) *Counter {
	for _, c := range op.counters[t] {
		if c.PrefixMask == mask {
			return c
		}
	}
	c := &Counter{PrefixMask: mask}
	op.counters[t] = append(op.counters[t], c)
	return c
}

// entry is the tagged-union tree payload: exactly one of prefix/opcode is
// non-nil.
type entry struct {
	prefix *Prefix
	opcode *Opcode
}

func (e *entry) isPrefix() bool { return e.prefix != nil }

// OpTree is one tracer's opcode identification engine: one RadixTree, the
// ordered prefix table, the seen-region-type bitmap, and the
// deduplication state for "unknown opcode" diagnostics.
type OpTree struct {
	tree     *radix.Tree[*entry]
	prefixes []*Prefix
	opcodes  []*Opcode
	catchall *Opcode
	seen     [region.NumTypes]bool
	printZero bool

	lastUnknownPC    uint64
	lastUnknownValid bool

	diag *diag.Logger
}

// New creates an OpTree with the mandatory catch-all "unknown" opcode
// already inserted (mask=0, match=0), satisfying the RadixTree contract
// that a lookup with no other match always succeeds.
func New(d *diag.Logger, printZero bool) *OpTree {
	t := &OpTree{
		tree:      radix.New[*entry](0),
		printZero: printZero,
		diag:      d,
	}
	t.catchall = &Opcode{Mnemonic: "unknown", Pattern: bitpattern.Pattern{}}
	t.opcodes = append(t.opcodes, t.catchall)
	_ = t.tree.Insert(0, 0, &entry{opcode: t.catchall})
	return t
}

// Load reads a bitpattern-definition file and merges its prefixes and
// opcodes into the tree. Duplicate definitions are dropped with a
// warning (diag.DuplicateKeyError); a 33rd distinct prefix is fatal
// (diag.TooManyPrefixesError, returned as an error; cmd/dyntrace exits
// with its ExitCode).
func (t *OpTree) Load(path string) error {
	defs, err := oplist.Load(path, nil)
	if err != nil {
		return err
	}
	return t.LoadDefinitions(defs)
}

// LoadDefinitions compiles and inserts every prefix and op in defs.
func (t *OpTree) LoadDefinitions(defs *oplist.Definitions) error {
	for _, pd := range defs.Prefixes {
		if err := t.addPrefix(pd); err != nil {
			return err
		}
	}
	for _, od := range defs.Ops {
		t.addOpcode(od)
	}
	return nil
}

func (t *OpTree) addPrefix(pd oplist.PrefixDef) error {
	if len(t.prefixes) >= maxPrefixes {
		return &diag.TooManyPrefixesError{Count: len(t.prefixes) + 1}
	}
	pat, err := bitpattern.Parse(pd.Bitmask)
	if err != nil {
		return &diag.ParseError{File: pd.File, Line: pd.Line, Msg: err.Error()}
	}

	id := len(t.prefixes)
	p := &Prefix{ID: id, Flag: PrefixMask(1 << uint(id)), Pattern: pat, Detail: pd.Detail}
	e := &entry{prefix: p}
	if err := t.tree.Insert(pat.Mask, pat.Match, e); err != nil {
		if t.diag != nil {
			t.diag.Warnf(nil, "%v", &diag.DuplicateKeyError{Bitmask: pd.Bitmask})
		}
		return nil
	}
	t.prefixes = append(t.prefixes, p)
	return nil
}

func (t *OpTree) addOpcode(od oplist.OpDef) {
	pat, err := bitpattern.Parse(od.Bitmask)
	if err != nil {
		if t.diag != nil {
			t.diag.Warnf(err, "%s:%d: invalid bitmask %q for op %q: %m", od.File, od.Line, od.Bitmask, od.Mnemonic)
		}
		return
	}

	op := &Opcode{Mnemonic: od.Mnemonic, Detail: od.Detail, Pattern: pat}
	e := &entry{opcode: op}
	if err := t.tree.Insert(pat.Mask, pat.Match, e); err != nil {
		if t.diag != nil {
			t.diag.Warnf(nil, "%v", &diag.DuplicateKeyError{Bitmask: od.Bitmask})
		}
		return
	}
	t.opcodes = append(t.opcodes, op)
}

// Reader is the minimal memory-access capability Update needs from the
// region layer: a read-through read over the given region, falling back
// to the target on cache miss. internal/region.Region.Read satisfies
// this shape directly; Update takes the region and the raw target reader
// separately because the cache lives on the Region, not the tree.
type Reader = region.Reader

// Update performs one trace-loop step's worth of opcode identification:
// read up to 4 bytes at pc through reg (caching via reg.Read), walk the
// tree consuming Prefix entries and accumulating their flags into a
// PrefixMask, and bump the Counter for the terminal Opcode matched.
//
// cycles is the hardware-cycle delta measured for this step (0 if no
// cycle source is available). It returns an error only for propagating
// fatal read failures (DebugControlError); everything else described in
// spec.md §4.3 step 6 (the first-seen-at-this-pc diagnostic) is absorbed
// internally as a warning.
func (t *OpTree) Update(reg *region.Region, rd Reader, pc uint64, cycles uint32) error {
	t.seen[reg.Type] = true

	p := pc
	var mask PrefixMask
	for i := 0; i < maxPrefixes+1; i++ {
		var buf [4]byte
		if _, err := reg.Read(rd, p, buf[:]); err != nil {
			return fmt.Errorf("optree: update at pc %#x: %w", p, err)
		}
		key := binary.BigEndian.Uint32(buf[:])

		e, ok := t.tree.Lookup(key)
		if !ok {
			// Unreachable: the catch-all (mask=0) always matches.
			e = &entry{opcode: t.catchall}
		}

		if e.isPrefix() {
			mask = mask.Add(e.prefix.ID)
			p += uint64(e.prefix.Pattern.NumBytes)
			continue
		}

		op := e.opcode
		c := op.counterFor(reg.Type, mask)
		c.bump(cycles)

		if op == t.catchall {
			t.warnUnknown(pc)
		}
		return nil
	}

	return fmt.Errorf("optree: prefix chain at pc %#x exceeded %d hops without reaching an opcode", pc, maxPrefixes)
}

func (t *OpTree) warnUnknown(pc uint64) {
	if t.lastUnknownValid && t.lastUnknownPC == pc {
		return
	}
	t.lastUnknownPC = pc
	t.lastUnknownValid = true
	if t.diag != nil {
		t.diag.Warnf(nil, "unknown opcode at pc %#010x", pc)
	}
}

// Output writes the current counters as the XML report, through w, via
// internal/oplist.Encode.
func (t *OpTree) Output(w io.Writer) error {
	return oplist.Encode(w, t.buildReport())
}

func (t *OpTree) buildReport() oplist.Report {
	names := make([]string, len(t.prefixes))
	for i, p := range t.prefixes {
		names[i] = labelForID(p.ID)
	}

	rpt := oplist.Report{}
	for i, p := range t.prefixes {
		rpt.Prefixes = append(rpt.Prefixes, oplist.ReportPrefix{
			ID:      names[i],
			Bitmask: p.Pattern.Text,
			Detail:  p.Detail,
		})
	}

	for rt := region.Type(0); int(rt) < region.NumTypes; rt++ {
		if !t.seen[rt] {
			continue
		}
		reportRegion := oplist.ReportRegion{Type: rt.Name()}
		for _, op := range t.opcodes {
			counts := op.counters[rt]
			if len(counts) == 0 {
				continue
			}
			rop := oplist.ReportOp{
				Bitmask:  op.Pattern.Text,
				Mnemonic: op.Mnemonic,
				Detail:   op.Detail,
			}
			any := false
			for _, c := range counts {
				if c.N == 0 && !t.printZero {
					continue
				}
				rc := oplist.ReportCount{
					Prefixes: c.PrefixMask.Render(names),
					N:        c.N,
				}
				if c.CyclesTotal != 0 {
					rc.Cycles = c.CyclesTotal
					rc.Min = c.CyclesMin
					rc.Max = c.CyclesMax
				}
				rop.Counts = append(rop.Counts, rc)
				any = true
			}
			if any {
				reportRegion.Ops = append(reportRegion.Ops, rop)
			}
		}
		if len(reportRegion.Ops) > 0 {
			rpt.Regions = append(rpt.Regions, reportRegion)
		}
	}
	return rpt
}
