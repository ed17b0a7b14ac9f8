// Package ptrace wraps the Linux ptrace(2) debug-control primitives:
// attach, fork-and-trace, single-step, continue, register access, and
// memory read/write. It is the Linux concretization of the debug-control
// service the target state machine (internal/target) is built against.
//
// Values and call shapes follow <sys/ptrace.h> request numbers as
// exposed by the standard library's syscall package on linux/amd64.
// Like the rest of this module's syscall-facing code, this package calls
// the stdlib syscall.Ptrace* wrappers directly rather than
// golang.org/x/sys/unix, matching the convention already established for
// raw Linux syscalls elsewhere in this tree.
//
//go:build linux

package ptrace

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
)

// Status is the traced process's lifecycle state, mirroring the
// ATTACHED/DETACHED/TERMINATED enum from the original tool's
// ptrace_state struct.
type Status int

const (
	Attached Status = iota
	Detached
	Terminated
)

// State is a handle for one traced process. The zero value is not
// usable; construct with Fork or Attach.
//
// ptrace(2) is a per-thread facility on Linux: every call affecting a
// given tracee must come from the same OS thread that attached to it.
// Fork and Attach call runtime.LockOSThread on the calling goroutine, so
// all later operations on a given State must come from that same
// goroutine, matching the single-threaded cooperative scheduling model
// the whole trace loop is built on.
type State struct {
	Pid    int
	status Status
	signum syscall.Signal
	lastWS syscall.WaitStatus

	lastTrapCause int
}

// ptraceEventExec is PTRACE_EVENT_EXEC from <linux/ptrace.h>. Never change.
const ptraceEventExec = 4

// ptraceOTraceExec is PTRACE_O_TRACEEXEC from <linux/ptrace.h>. Never change.
const ptraceOTraceExec = 0x10

// SetTraceExec arranges for a later execve(2) by the traced process to
// report as a distinct PTRACE_EVENT_EXEC stop (detectable via
// ExecOccurred) rather than an ordinary SIGTRAP, so the region list can
// be rebuilt from scratch exactly once per image change.
func (s *State) SetTraceExec() error {
	if err := syscall.PtraceSetOptions(s.Pid, ptraceOTraceExec); err != nil {
		return fmt.Errorf("ptrace: PTRACE_SETOPTIONS(%d, TRACEEXEC): %w", s.Pid, err)
	}
	return nil
}

// ExecOccurred reports whether the most recent Wait stopped the process
// due to it calling execve(2), per the PTRACE_O_TRACEEXEC option set by
// SetTraceExec.
func (s *State) ExecOccurred() bool {
	return s.lastTrapCause == ptraceEventExec
}

// Fork spawns path with argv under ptrace, following the
// PTRACE_TRACEME-then-exec idiom: the child calls PtraceTraceme then
// execs, which raises a SIGTRAP stop on the first instruction of the new
// image; the parent waits for that stop before returning.
//
// Unlike the original's raw fork(2)+PT_TRACE_ME, this uses os/exec with
// SysProcAttr.Ptrace, which performs the equivalent PTRACE_TRACEME call
// in the forked child before exec — the standard Go idiom for tracing a
// spawned child, since raw fork(2) is unsafe in a process with multiple
// OS threads (the Go runtime always has more than one).
func Fork(path string, argv []string) (*State, error) {
	runtime.LockOSThread()

	cmd := exec.Command(path, argv...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ptrace: fork/exec %s: %w", path, err)
	}

	st := &State{Pid: cmd.Process.Pid, status: Attached}
	if !st.Wait() {
		return nil, fmt.Errorf("ptrace: child %d did not stop after exec", st.Pid)
	}
	if err := st.SetTraceExec(); err != nil {
		return nil, err
	}
	return st, nil
}

// Attach attaches to an already-running process for tracing.
func Attach(pid int) (*State, error) {
	runtime.LockOSThread()

	if err := syscall.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("ptrace: attach to %d: %w", pid, err)
	}

	st := &State{Pid: pid, status: Attached}
	if !st.Wait() {
		return nil, fmt.Errorf("ptrace: pid %d did not stop after attach", pid)
	}
	if err := st.SetTraceExec(); err != nil {
		return nil, err
	}
	return st, nil
}

// Detach stops tracing, letting the process resume normally. Detaching
// from a spawned child that is still running will generally cause it to
// continue executing independently; callers that want a spawned child to
// die with the tracer must kill it explicitly before calling Detach.
func (s *State) Detach() error {
	if s.status != Attached {
		return fmt.Errorf("ptrace: detach called in state %d, want Attached", s.status)
	}
	_, _, errno := syscall.Syscall6(syscall.SYS_PTRACE, syscall.PTRACE_DETACH, uintptr(s.Pid), 0, uintptr(s.signum), 0, 0)
	s.status = Detached
	s.signum = 0
	if errno != 0 {
		return fmt.Errorf("ptrace: detach from %d: %w", s.Pid, errno)
	}
	return nil
}

// Step single-steps the traced process by one instruction, re-delivering
// any pending signal recorded by a prior Wait.
func (s *State) Step() error {
	if s.status != Attached {
		return fmt.Errorf("ptrace: step called in state %d, want Attached", s.status)
	}
	if err := syscall.PtraceSingleStep(s.Pid); err != nil {
		return fmt.Errorf("ptrace: PTRACE_SINGLESTEP(%d): %w", s.Pid, err)
	}
	return nil
}

// Continue resumes the traced process until it receives a signal or a
// breakpoint trap.
func (s *State) Continue() error {
	if s.status != Attached {
		return fmt.Errorf("ptrace: continue called in state %d, want Attached", s.status)
	}
	sig := int(s.signum)
	if err := syscall.PtraceCont(s.Pid, sig); err != nil {
		return fmt.Errorf("ptrace: PTRACE_CONT(%d): %w", s.Pid, err)
	}
	return nil
}

// Wait blocks until the traced process stops or terminates, retrying
// transparently on EINTR as spec requires. It records any non-SIGTRAP
// stop signal so the next Step/Continue/Detach re-delivers it, exactly as
// the original ptrace_wait() does. It returns true if the process
// stopped (still traceable) and false if it exited or was killed by a
// signal.
func (s *State) Wait() bool {
	var ws syscall.WaitStatus
	for {
		_, err := syscall.Wait4(s.Pid, &ws, 0, nil)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			s.status = Terminated
			return false
		}
		break
	}
	s.lastWS = ws

	switch {
	case ws.Stopped():
		s.signum = ws.StopSignal()
		s.lastTrapCause = 0
		if s.signum == syscall.SIGTRAP {
			s.signum = 0
			s.lastTrapCause = ws.TrapCause()
		}
		return true
	case ws.Exited():
		s.status = Terminated
		return false
	case ws.Signaled():
		s.status = Terminated
		return false
	default:
		return true
	}
}

// LastWaitStatus reports how the process terminated, from the status
// recorded by the most recent Wait; valid only after Wait has returned
// false.
func (s *State) LastWaitStatus() (exited bool, exitCode int, signaled bool, sig syscall.Signal) {
	ws := s.lastWS
	return ws.Exited(), ws.ExitStatus(), ws.Signaled(), ws.Signal()
}

// Signal arranges for signum to be delivered to the traced process the
// next time it resumes via Step, Continue, or Detach. SIGTRAP is
// suppressed since it is the tracer's own stop notification, not a
// signal meant for the tracee.
func (s *State) Signal(signum syscall.Signal) {
	if signum != syscall.SIGTRAP {
		s.signum = signum
	}
}

// Regs is the subset of CPU register state the trace loop needs: the
// program counter. syscall.PtraceRegs carries the full register file;
// GetRegs/SetRegs expose it directly for callers (internal/target) that
// need more than PC.
type Regs = syscall.PtraceRegs

// GetRegs reads the traced process's register file.
func (s *State) GetRegs() (Regs, error) {
	var regs Regs
	if err := syscall.PtraceGetRegs(s.Pid, &regs); err != nil {
		return Regs{}, fmt.Errorf("ptrace: PTRACE_GETREGS(%d): %w", s.Pid, err)
	}
	return regs, nil
}

// SetRegs writes the traced process's register file.
func (s *State) SetRegs(regs Regs) error {
	if err := syscall.PtraceSetRegs(s.Pid, &regs); err != nil {
		return fmt.Errorf("ptrace: PTRACE_SETREGS(%d): %w", s.Pid, err)
	}
	return nil
}

// PC returns the architecture program counter from regs.
func PC(regs Regs) uint64 {
	return regs.PC()
}

// Read copies up to len(dest) bytes from the traced process's virtual
// memory at addr into dest, returning the number of bytes actually read.
func (s *State) Read(addr uint64, dest []byte) (int, error) {
	n, err := syscall.PtracePeekData(s.Pid, uintptr(addr), dest)
	if err != nil {
		return 0, fmt.Errorf("ptrace: PTRACE_PEEKDATA(%d, %#x, %d): %w", s.Pid, addr, len(dest), err)
	}
	return n, nil
}

// Write copies src into the traced process's virtual memory at addr.
func (s *State) Write(addr uint64, src []byte) error {
	n, err := syscall.PtracePokeData(s.Pid, uintptr(addr), src)
	if err != nil {
		return fmt.Errorf("ptrace: PTRACE_POKEDATA(%d, %#x, %d): %w", s.Pid, addr, len(src), err)
	}
	if n != len(src) {
		return fmt.Errorf("ptrace: PTRACE_POKEDATA(%d, %#x): short write %d/%d", s.Pid, addr, n, len(src))
	}
	return nil
}

// GetStatus returns the traced process's current lifecycle state.
func (s *State) GetStatus() Status {
	return s.status
}
