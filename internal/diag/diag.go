// Package diag implements the tracer's diagnostic output: a single
// formatter through which every warning and fatal message passes, plus
// the error taxonomy the driver loop and its collaborators use to decide
// whether a failure is fatal, absorbed-with-a-warning, or a clean
// termination.
//
// Every diagnostic is one line, expands a literal "%m" token to the
// current errno's string at the moment the message is produced, and gets
// a trailing newline if the caller didn't already supply one. Structured
// operational logging goes through log/slog as usual; this package only
// covers the narrow one-line errno-aware diagnostics that the original
// tool's warn()/fatal() contract requires.
package diag

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Logger is the destination for diagnostics. It wraps an *slog.Logger so
// callers that already configured structured logging get consistent
// output, while Warnf/Fatalf still honor the %m-expansion and
// trailing-newline rules the format demands.
type Logger struct {
	slog *slog.Logger
	verbose bool
}

// New creates a Logger backed by base. verbose controls whether Debugf
// output is emitted at all (mirroring the original tool's -v switch).
func New(base *slog.Logger, verbose bool) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{slog: base, verbose: verbose}
}

// expandErrno replaces every literal "%m" substring in format with err's
// message, or "Unknown error" if err is nil. This is independent of
// fmt's own verb handling — "%m" is not a Go fmt verb, so the format
// string is pre-processed before being handed to fmt.Sprintf.
func expandErrno(format string, err error) string {
	msg := "Unknown error"
	if err != nil {
		msg = err.Error()
	}
	return strings.ReplaceAll(format, "%m", msg)
}

func finish(line string) string {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	return line
}

// Warnf emits a non-fatal diagnostic to stderr. If err is non-nil and the
// format string contains "%m", it is expanded to err's message before the
// remaining args are applied with fmt.Sprintf.
func (l *Logger) Warnf(err error, format string, args ...any) {
	expanded := expandErrno(format, err)
	line := fmt.Sprintf(expanded, args...)
	fmt.Fprint(os.Stderr, finish(line))
	if l != nil && l.slog != nil {
		l.slog.Warn(strings.TrimSuffix(line, "\n"))
	}
}

// Debugf emits a diagnostic only when the Logger was constructed with
// verbose=true; otherwise it is a no-op, matching the original tool's
// "-v" gate on its debug() macro.
func (l *Logger) Debugf(format string, args ...any) {
	if l == nil || !l.verbose {
		return
	}
	line := fmt.Sprintf(format, args...)
	fmt.Fprint(os.Stderr, finish(line))
	if l.slog != nil {
		l.slog.Debug(strings.TrimSuffix(line, "\n"))
	}
}

// Fatalf emits a diagnostic and terminates the process with the given
// sysexits(3)-style exit code. It never returns.
func (l *Logger) Fatalf(code int, err error, format string, args ...any) {
	expanded := expandErrno(format, err)
	line := fmt.Sprintf(expanded, args...)
	fmt.Fprint(os.Stderr, finish(line))
	if l != nil && l.slog != nil {
		l.slog.Error(strings.TrimSuffix(line, "\n"))
	}
	os.Exit(code)
}

// Exit codes follow BSD sysexits(3), as the original tool's fatal() call
// sites specify explicitly (EX_USAGE, EX_OSERR, EX_DATAERR, ...).
const (
	ExitOK          = 0
	ExitUsage       = 64 // EX_USAGE
	ExitDataErr     = 65 // EX_DATAERR
	ExitNoInput     = 66 // EX_NOINPUT
	ExitSoftware    = 70 // EX_SOFTWARE
	ExitOSErr       = 71 // EX_OSERR
	ExitCantCreate  = 73 // EX_CANTCREAT
	ExitUnavailable = 69 // EX_UNAVAILABLE
)

// TaxonomyError is the common interface satisfied by every error type in
// the diagnostic taxonomy; ExitCode reports the sysexits(3) code a fatal
// instance of the error should terminate with, or ExitOK for errors that
// are never fatal on their own.
type TaxonomyError interface {
	error
	ExitCode() int
}

// UsageError reports a malformed command line.
type UsageError struct{ Msg string }

func (e *UsageError) Error() string  { return e.Msg }
func (e *UsageError) ExitCode() int  { return ExitUsage }

// ParseError reports a malformed bitmask or a missing required attribute
// while loading an opcode-definition file, with file/line context.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}
func (e *ParseError) ExitCode() int { return ExitDataErr }

// TooManyPrefixesError reports prefix-index overflow (more than 32
// distinct <prefix> entries) at load time.
type TooManyPrefixesError struct{ Count int }

func (e *TooManyPrefixesError) Error() string {
	return fmt.Sprintf("too many prefixes defined (%d), maximum is 32", e.Count)
}
func (e *TooManyPrefixesError) ExitCode() int { return ExitSoftware }

// DuplicateKeyError reports a duplicate opcode/prefix definition; this is
// always a warning, never fatal, so ExitCode returns ExitOK.
type DuplicateKeyError struct {
	Bitmask string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate definition for bitmask %q, keeping the first", e.Bitmask)
}
func (e *DuplicateKeyError) ExitCode() int { return ExitOK }

// DebugControlError wraps any failure from the attach/step/read/getregs
// debug-control primitives; always fatal.
type DebugControlError struct {
	Op  string
	Pid int
	Err error
}

func (e *DebugControlError) Error() string {
	return fmt.Sprintf("%s(pid %d): %v", e.Op, e.Pid, e.Err)
}
func (e *DebugControlError) Unwrap() error { return e.Err }
func (e *DebugControlError) ExitCode() int  { return ExitOSErr }

// MapServiceUnavailableError reports that the map service could not be
// read; non-fatal, degrades to a single unknown region.
type MapServiceUnavailableError struct{ Err error }

func (e *MapServiceUnavailableError) Error() string {
	return fmt.Sprintf("map service unavailable, degrading to unknown region: %v", e.Err)
}
func (e *MapServiceUnavailableError) Unwrap() error { return e.Err }
func (e *MapServiceUnavailableError) ExitCode() int { return ExitOK }

// CycleSourceUnavailableError reports that no hardware cycle counter is
// available; non-fatal, get_cycles degrades to always returning 0.
type CycleSourceUnavailableError struct{ Err error }

func (e *CycleSourceUnavailableError) Error() string {
	return fmt.Sprintf("cycle source unavailable, cycle counts will read 0: %v", e.Err)
}
func (e *CycleSourceUnavailableError) Unwrap() error { return e.Err }
func (e *CycleSourceUnavailableError) ExitCode() int { return ExitOK }

// ResourceExhaustionError reports an allocation failure. Fatal, except
// when Degraded is true (the region cache buffer allocation failed and
// the region fell back to uncached pass-through reads).
type ResourceExhaustionError struct {
	What     string
	Degraded bool
}

func (e *ResourceExhaustionError) Error() string {
	if e.Degraded {
		return fmt.Sprintf("failed to allocate %s, degrading to uncached reads", e.What)
	}
	return fmt.Sprintf("failed to allocate %s", e.What)
}
func (e *ResourceExhaustionError) ExitCode() int {
	if e.Degraded {
		return ExitOK
	}
	return ExitOSErr
}

// TargetExitedError and TargetSignaledError report clean termination of
// the trace loop; they are not failures and callers should treat them as
// a normal end-of-trace signal rather than log them as errors.
type TargetExitedError struct {
	Pid      int
	ExitCode int
}

func (e *TargetExitedError) Error() string {
	return fmt.Sprintf("pid %d exited with status %d", e.Pid, e.ExitCode)
}

type TargetSignaledError struct {
	Pid    int
	Signal int
}

func (e *TargetSignaledError) Error() string {
	return fmt.Sprintf("pid %d terminated by signal %d", e.Pid, e.Signal)
}
