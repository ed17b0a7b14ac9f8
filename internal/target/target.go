// Package target implements the traced-process abstraction: a state
// machine wrapping the debug-control service (internal/ptrace), the map
// service (internal/procmap), the region list (internal/region), and an
// optional hardware cycle-counter source, driving the per-step queries
// the trace loop depends on.
//
// Grounded in original_source/dyntrace/dyntrace/target_freebsd.c's
// target_init/target_new/target_execvp/target_attach/target_wait/
// target_step/target_region_refresh/freebsd_map_parseline, concretized
// for Linux: kqueue's EVFILT_PROC/NOTE_EXEC becomes
// ptrace.State.ExecOccurred (PTRACE_O_TRACEEXEC), and
// procfs_freebsd.c's /proc/<pid>/map line format becomes
// internal/procmap's /proc/<pid>/maps parser.
package target

import (
	"fmt"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dyntrace/dyntrace/internal/diag"
	"github.com/dyntrace/dyntrace/internal/procmap"
	"github.com/dyntrace/dyntrace/internal/ptrace"
	"github.com/dyntrace/dyntrace/internal/region"
)

// Status is the target lifecycle state from spec: Running while a step
// is in flight, Stopped between steps, Terminated once the traced
// process has exited or been killed by a signal.
type Status int

const (
	Stopped Status = iota
	Running
	Terminated
)

// CycleSource samples a monotonically-increasing hardware or
// software counter; Sample returns the delta since the previous call.
// The zero value of any CycleSource implementation must be safe to call
// Sample on immediately (the first call's delta is always 0, since there
// is no previous sample to measure against).
type CycleSource interface {
	Sample() uint32
}

// timeCycleSource is the Non-goal-adjacent fallback described in spec: no
// portable Go PMC binding exists in the reference material, so cycles
// are approximated as elapsed nanoseconds since the previous step,
// clamped to fit a uint32. This is wall-clock time, not a CPU cycle
// count, so its absolute values are not comparable across machines —
// but its presence exercises the full min/max/total counter machinery
// the report schema defines.
type timeCycleSource struct {
	last time.Time
}

func (c *timeCycleSource) Sample() uint32 {
	now := time.Now()
	if c.last.IsZero() {
		c.last = now
		return 0
	}
	delta := now.Sub(c.last)
	c.last = now
	ns := delta.Nanoseconds()
	if ns < 0 {
		return 0
	}
	if ns > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ns)
}

// Target is one traced process: its debug-control handle, its region
// list, its process name, and its cycle source.
type Target struct {
	pts     *ptrace.State
	regions *region.List
	name    string
	spawned bool // true if execvp'd (kill on detach); false if attached (resume on detach)
	status  Status

	cycles CycleSource

	diag *diag.Logger

	mapWarned   bool
	cycleWarned bool
}

// Execvp spawns path with argv under the debug-control service. The
// child begins stopped before its first instruction; the returned Target
// has a freshly built region list and process name = basename(path).
func Execvp(path string, argv []string, d *diag.Logger) (*Target, error) {
	pts, err := ptrace.Fork(path, argv)
	if err != nil {
		return nil, &diag.DebugControlError{Op: "execvp", Err: err}
	}
	t := newTarget(pts, filepath.Base(path), true, d)
	t.refreshRegions()
	return t, nil
}

// Attach attaches to an existing process. The region list and process
// name are resolved best-effort via the map service, falling back to the
// pid rendered as a string.
func Attach(pid int, d *diag.Logger) (*Target, error) {
	pts, err := ptrace.Attach(pid)
	if err != nil {
		return nil, &diag.DebugControlError{Op: "attach", Pid: pid, Err: err}
	}
	t := newTarget(pts, procmap.ProcessName(pid), false, d)
	t.refreshRegions()
	return t, nil
}

func newTarget(pts *ptrace.State, name string, spawned bool, d *diag.Logger) *Target {
	return &Target{
		pts:     pts,
		regions: region.New(),
		name:    name,
		spawned: spawned,
		status:  Stopped,
		cycles:  &timeCycleSource{},
		diag:    d,
	}
}

// Name returns the traced process's resolved name.
func (t *Target) Name() string { return t.name }

// Pid returns the traced process's process id.
func (t *Target) Pid() int { return t.pts.Pid }

// Status returns the target's current lifecycle state.
func (t *Target) Status() Status { return t.status }

// Step advances the traced process by one instruction. It does not block
// beyond the step; call Wait to observe its completion.
func (t *Target) Step() error {
	if t.status == Terminated {
		return fmt.Errorf("target: step called on terminated target %d", t.Pid())
	}
	t.status = Running
	if err := t.pts.Step(); err != nil {
		return &diag.DebugControlError{Op: "step", Pid: t.Pid(), Err: err}
	}
	return nil
}

// Wait blocks on the next stop event. It returns false once the target
// has terminated (exited or been killed by a signal); the caller should
// stop driving the trace loop in that case. On an execve notification,
// the region list is rebuilt from scratch before returning.
func (t *Target) Wait() bool {
	if !t.pts.Wait() {
		t.status = Terminated
		return false
	}
	t.status = Stopped

	if t.pts.ExecOccurred() {
		t.regions = region.New()
		t.refreshRegions()
	}
	return true
}

// Read is a pass-through to the debug-control read primitive, and
// satisfies region.Reader so Region.Read can fall back to it on cache
// miss.
func (t *Target) Read(addr uint64, dest []byte) (int, error) {
	n, err := t.pts.Read(addr, dest)
	if err != nil {
		return n, &diag.DebugControlError{Op: "read", Pid: t.Pid(), Err: err}
	}
	return n, nil
}

// GetPC returns the architecture program counter.
func (t *Target) GetPC() (uint64, error) {
	regs, err := t.pts.GetRegs()
	if err != nil {
		return 0, &diag.DebugControlError{Op: "getregs", Pid: t.Pid(), Err: err}
	}
	return ptrace.PC(regs), nil
}

// GetCycles returns the cycle-source delta since the previous call; 0 if
// no cycle source is available (warned once, per spec's
// CycleSourceUnavailable non-fatal degradation).
func (t *Target) GetCycles() uint32 {
	if t.cycles == nil {
		if !t.cycleWarned {
			t.cycleWarned = true
			if t.diag != nil {
				t.diag.Warnf(nil, "%v", &diag.CycleSourceUnavailableError{})
			}
		}
		return 0
	}
	return t.cycles.Sample()
}

// GetRegion returns the region containing addr, refreshing the region
// list once on a miss (spec: "on miss, refresh the region list from the
// map service and retry once; second miss is fatal").
func (t *Target) GetRegion(addr uint64) (*region.Region, error) {
	if r := t.regions.Lookup(addr); r != nil {
		return r, nil
	}

	if t.diag != nil {
		t.diag.Debugf("refreshing region list; addr = %#08x", addr)
	}
	t.refreshRegions()

	if r := t.regions.Lookup(addr); r != nil {
		return r, nil
	}
	return nil, fmt.Errorf("target: no region covers address %#08x after refresh (invariant violation)", addr)
}

// LastWaitStatus reports how the target's most recent Wait concluded,
// valid once Wait has returned false: whether it exited cleanly (and
// with what code) or was killed by a signal.
func (t *Target) LastWaitStatus() (exited bool, exitCode int, signaled bool, sig syscall.Signal) {
	return t.pts.LastWaitStatus()
}

// Detach releases the target. A spawned child is killed so it does not
// outlive the tracer; an attached process is resumed to continue running
// as it was before tracing began.
func (t *Target) Detach() error {
	if t.status == Terminated {
		return nil
	}
	if t.spawned {
		t.pts.Signal(9) // SIGKILL
	}
	if err := t.pts.Detach(); err != nil {
		return &diag.DebugControlError{Op: "detach", Pid: t.Pid(), Err: err}
	}
	t.status = Terminated
	return nil
}

// refreshRegions re-reads the map service and feeds every executable
// mapping through region_list.Update, classifying each line per spec's
// region-refresh rules. If the map service is unavailable, the region
// list degrades to a single unknown region covering the whole address
// space (warned once).
func (t *Target) refreshRegions() {
	mappings, err := procmap.ReadMaps(t.Pid())
	if err != nil {
		if !t.mapWarned {
			t.mapWarned = true
			if t.diag != nil {
				t.diag.Warnf(nil, "%v", &diag.MapServiceUnavailableError{Err: err})
			}
		}
		t.regions.Update(0, ^uint64(0), region.Unknown, false)
		return
	}

	stackTop, haveStackTop := procmap.StackTop(t.Pid())

	for _, m := range mappings {
		if !m.Executable() {
			continue
		}

		typ := region.NontextUnknown
		switch {
		case m.IsFileBacked() && m.LineNum == 0:
			typ = region.TextProgram
		case m.IsFileBacked() && m.Perms == "r-xp":
			typ = region.TextLibrary
		case haveStackTop && m.End == stackTop:
			typ = region.Stack
		}

		t.regions.Update(m.Start, m.End, typ, !m.Writable())
	}
}
