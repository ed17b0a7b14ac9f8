// Package tracer drives the trace loop: step the target one instruction
// at a time, classify the faulted region, feed the opcode tree, and
// periodically (or on exit) emit a checkpoint snapshot. It also owns the
// Snapshot domain type shared by the optional shipping path
// (internal/queue, internal/export, internal/server/...).
//
// Context packages up what the original tool kept as process-wide
// globals (the opcode tree, the target, the termination/checkpoint
// flags) into one struct threaded explicitly through Run, per the
// "global singletons → explicit context" design note: nothing in this
// package is itself a package-level variable except the two signal
// flags, which are atomic and safe for a signal handler to touch.
package tracer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dyntrace/dyntrace/internal/diag"
	"github.com/dyntrace/dyntrace/internal/optree"
	"github.com/dyntrace/dyntrace/internal/target"
)

// Reason identifies why a Snapshot was produced.
type Reason string

const (
	ReasonCheckpoint Reason = "checkpoint"
	ReasonTerminate  Reason = "terminate"
)

// terminate and checkpoint are the only package-level mutable state in
// the module: lock-free single-writer flags set by a signal handler
// (cmd/dyntrace) and polled once per step by Run.
var (
	terminate  atomic.Bool
	checkpoint atomic.Bool
)

// RequestTermination asks the running trace loop to stop after its
// current step and write a final report. Safe to call from a signal
// handler.
func RequestTermination() { terminate.Store(true) }

// RequestCheckpoint asks the running trace loop to emit an intermediate
// snapshot after its current step, without stopping. Safe to call from a
// signal handler.
func RequestCheckpoint() { checkpoint.Store(true) }

// Snapshot is one checkpoint or final report, the unit the optional
// shipping path (internal/queue → internal/export →
// internal/server/grpc → internal/server/storage) moves around. ReportXML
// is the same document Options.Output would otherwise receive.
type Snapshot struct {
	RunID      string
	TargetPID  int
	TargetName string
	Taken      time.Time
	Sequence   int64
	Reason     Reason
	ReportXML  []byte
	SHA256     string
}

// Reporter is the injected sink a trace run delivers Snapshots to. In
// production this is internal/export.Client; tests and the
// local-report-only CLI path use a no-op.
type Reporter interface {
	Report(ctx context.Context, snap Snapshot) error
}

// NopReporter discards every snapshot; used when no shipping endpoint is
// configured.
type NopReporter struct{}

func (NopReporter) Report(context.Context, Snapshot) error { return nil }

// Options configures one trace run.
type Options struct {
	RunID          string
	CheckpointEvery time.Duration // 0 disables periodic checkpoints
	PrintZero      bool
	Reporter       Reporter
}

// Context is the process-wide state for one trace run: the opcode tree
// and the target being stepped.
type Context struct {
	Tree   *optree.OpTree
	Target *target.Target
	Diag   *diag.Logger

	opts Options
	seq  int64
}

// New constructs a trace context ready for Run.
func New(tree *optree.OpTree, tgt *target.Target, d *diag.Logger, opts Options) *Context {
	if opts.Reporter == nil {
		opts.Reporter = NopReporter{}
	}
	return &Context{Tree: tree, Target: tgt, Diag: d, opts: opts}
}

// Run drives the single-threaded step/classify/count loop until the
// target terminates or RequestTermination is observed. It returns the
// terminal condition as a *diag.TargetExitedError or
// *diag.TargetSignaledError (both non-fatal, logged as informational by
// the caller) or a genuine error on an unrecoverable debug-control
// failure.
func (c *Context) Run(ctx context.Context) error {
	lastCheckpoint := time.Now()

	for {
		if terminate.Load() {
			c.Diag.Debugf("termination requested, detaching")
			return c.finish(ctx, true)
		}

		pc, err := c.Target.GetPC()
		if err != nil {
			return err
		}
		reg, err := c.Target.GetRegion(pc)
		if err != nil {
			return err
		}

		cycles := c.Target.GetCycles()
		if err := c.Tree.Update(reg, c.Target, pc, cycles); err != nil {
			c.Diag.Warnf(err, "optree update failed at pc %#08x: %m", pc)
		}

		if err := c.Target.Step(); err != nil {
			return err
		}
		if !c.Target.Wait() {
			return c.terminalError()
		}

		due := checkpoint.Swap(false)
		if !due && c.opts.CheckpointEvery > 0 {
			due = time.Since(lastCheckpoint) >= c.opts.CheckpointEvery
		}
		if due {
			lastCheckpoint = time.Now()
			if err := c.emit(ctx, false); err != nil {
				c.Diag.Warnf(err, "checkpoint snapshot failed: %m")
			}
		}
	}
}

// finish emits the final snapshot and detaches the target.
func (c *Context) finish(ctx context.Context, detach bool) error {
	err := c.emit(ctx, true)
	if detach {
		if derr := c.Target.Detach(); derr != nil {
			return derr
		}
	}
	return err
}

func (c *Context) emit(ctx context.Context, final bool) error {
	var buf bytes.Buffer
	if err := c.Tree.Output(&buf); err != nil {
		return fmt.Errorf("tracer: render report: %w", err)
	}

	c.seq++
	reason := ReasonCheckpoint
	if final {
		reason = ReasonTerminate
	}
	sum := sha256.Sum256(buf.Bytes())
	snap := Snapshot{
		RunID:      c.opts.RunID,
		TargetPID:  c.Target.Pid(),
		TargetName: c.Target.Name(),
		Taken:      time.Now(),
		Sequence:   c.seq,
		Reason:     reason,
		ReportXML:  buf.Bytes(),
		SHA256:     hex.EncodeToString(sum[:]),
	}
	return c.opts.Reporter.Report(ctx, snap)
}

// terminalError reports how the target actually ended, as one of the
// two clean-termination conditions in the diagnostic taxonomy.
func (c *Context) terminalError() error {
	if err := c.finish(context.Background(), false); err != nil {
		c.Diag.Warnf(err, "final snapshot failed: %m")
	}

	pid := c.Target.Pid()
	exited, exitCode, signaled, sig := c.Target.LastWaitStatus()
	switch {
	case signaled:
		return &diag.TargetSignaledError{Pid: pid, Signal: int(sig)}
	case exited:
		return &diag.TargetExitedError{Pid: pid, ExitCode: exitCode}
	default:
		return fmt.Errorf("tracer: target %d terminated with unknown wait status", pid)
	}
}
