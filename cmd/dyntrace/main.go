// Command dyntrace is the tracer binary. It single-steps a target
// process, classifies each instruction by memory region, counts opcodes
// against a loaded oplist, and writes a checkpoint/final XML report —
// optionally also shipping every snapshot to a collector over gRPC.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/dyntrace/dyntrace/internal/audit"
	"github.com/dyntrace/dyntrace/internal/config"
	"github.com/dyntrace/dyntrace/internal/diag"
	"github.com/dyntrace/dyntrace/internal/export"
	"github.com/dyntrace/dyntrace/internal/oplist"
	"github.com/dyntrace/dyntrace/internal/optree"
	"github.com/dyntrace/dyntrace/internal/queue"
	"github.com/dyntrace/dyntrace/internal/target"
	"github.com/dyntrace/dyntrace/internal/tracer"
)

func main() {
	fs := flag.NewFlagSet("dyntrace", flag.ExitOnError)
	opts, err := config.ParseOptions(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "dyntrace: %v\n", err)
		os.Exit(diag.ExitUsage)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	d := diag.New(logger, opts.Verbose)

	os.Exit(run(opts, d, logger))
}

// run performs the whole trace lifecycle and returns a sysexits(3) exit
// code. Kept separate from main so that os.Exit is the only exit point.
func run(opts *config.Options, d *diag.Logger, logger *slog.Logger) int {
	tree := optree.New(d, opts.PrintZero)
	if len(opts.OpcodeFiles) == 0 {
		if p := oplist.DefaultPath(); p != "" {
			opts.OpcodeFiles = []string{p}
		} else if err := tree.LoadDefinitions(mustDefaultDefinitions(d)); err != nil {
			d.Fatalf(diag.ExitDataErr, err, "failed to load built-in oplist: %m")
		}
	}
	for _, f := range opts.OpcodeFiles {
		if err := tree.Load(f); err != nil {
			if te, ok := err.(diag.TaxonomyError); ok {
				d.Warnf(err, "failed to load opcode file %s: %m", f)
				return te.ExitCode()
			}
			d.Fatalf(diag.ExitNoInput, err, "failed to load opcode file %s: %m", f)
		}
	}

	var tgt *target.Target
	var err error
	if opts.PID != 0 {
		tgt, err = target.Attach(opts.PID, d)
	} else {
		tgt, err = target.Execvp(opts.Command, append([]string{opts.Command}, opts.Args...), d)
	}
	if err != nil {
		d.Fatalf(diag.ExitOSErr, err, "failed to start target: %m")
	}

	runID := uuid.NewString()
	outputPath := opts.OutputPath
	if outputPath == "" {
		outputPath = tgt.Name() + ".trace"
	}

	auditLogger, err := audit.Open(runID + ".audit.jsonl")
	if err != nil {
		d.Warnf(err, "failed to open audit log, continuing without one: %m")
	}
	if auditLogger != nil {
		defer auditLogger.Close()
		appendAuditEvent(auditLogger, d, runID, audit.RunStarted{
			Kind: audit.KindRunStarted, Pid: tgt.Pid(), Name: tgt.Name(), Spawned: opts.PID == 0,
		})
	}

	reporters := []tracer.Reporter{&localFileReporter{path: outputPath}}
	if auditLogger != nil {
		reporters = append(reporters, &auditReporter{log: auditLogger, diag: d})
	}

	if opts.ExportConfigPath != "" {
		exportClient, exportQueue, setupErr := setupExport(opts.ExportConfigPath, logger)
		if setupErr != nil {
			d.Warnf(setupErr, "export disabled: %m")
		} else {
			defer exportQueue.Close()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			exportClient.Start(ctx)
			defer exportClient.Stop()
			reporters = append(reporters, &queuedExportReporter{queue: exportQueue, client: exportClient, diag: d})
		}
	}

	traceCtx := tracer.New(tree, tgt, d, tracer.Options{
		RunID:           runID,
		CheckpointEvery: opts.CheckpointEvery,
		PrintZero:       opts.PrintZero,
		Reporter:        &multiReporter{reporters: reporters},
	})

	installSignalHandlers(d)

	runErr := traceCtx.Run(context.Background())

	if auditLogger != nil {
		appendAuditEvent(auditLogger, d, runID, audit.RunEnded{Kind: audit.KindRunEnded, Pid: tgt.Pid()})
	}

	switch e := runErr.(type) {
	case nil:
		return diag.ExitOK
	case *diag.TargetExitedError:
		if auditLogger != nil {
			appendAuditEvent(auditLogger, d, runID, audit.TargetExited{Kind: audit.KindTargetExited, Pid: e.Pid, ExitCode: e.ExitCode})
		}
		d.Debugf("target %d exited with status %d", e.Pid, e.ExitCode)
		return diag.ExitOK
	case *diag.TargetSignaledError:
		if auditLogger != nil {
			appendAuditEvent(auditLogger, d, runID, audit.TargetSignaled{Kind: audit.KindTargetSignal, Pid: e.Pid, Signal: e.Signal})
		}
		d.Debugf("target %d terminated by signal %d", e.Pid, e.Signal)
		return diag.ExitOK
	case diag.TaxonomyError:
		d.Warnf(runErr, "trace loop terminated: %m")
		return e.ExitCode()
	default:
		d.Warnf(runErr, "trace loop terminated: %m")
		return diag.ExitSoftware
	}
}

func mustDefaultDefinitions(d *diag.Logger) *oplist.Definitions {
	defs, err := oplist.Decode(bytes.NewReader(oplist.DefaultOplistXML()), "<built-in>", nil)
	if err != nil {
		d.Fatalf(diag.ExitSoftware, err, "failed to decode built-in oplist: %m")
	}
	return defs
}

func appendAuditEvent(l *audit.Logger, d *diag.Logger, runID string, v any) {
	payload, err := audit.Marshal(v)
	if err != nil {
		d.Warnf(err, "failed to marshal audit event: %m")
		return
	}
	if _, err := l.Append(runID, payload); err != nil {
		d.Warnf(err, "failed to append audit event: %m")
	}
}

func setupExport(path string, logger *slog.Logger) (*export.Client, *queue.SQLiteQueue, error) {
	cfg, err := config.LoadExportConfig(path)
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.New(cfg.QueuePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open export queue %s: %w", cfg.QueuePath, err)
	}
	client := export.New(export.ClientConfig{
		Addr:       cfg.Addr,
		CertPath:   cfg.TLS.CertPath,
		KeyPath:    cfg.TLS.KeyPath,
		CAPath:     cfg.TLS.CAPath,
		ServerName: cfg.ServerName,
		Insecure:   cfg.Insecure,
	}, q, logger)
	return client, q, nil
}

// localFileReporter writes the final snapshot's report to a fixed path,
// overwriting any checkpoint written before it. Intermediate checkpoints
// are also written so that the last-known report is always on disk even
// if the process is killed before a clean exit.
type localFileReporter struct {
	path string
}

func (r *localFileReporter) Report(_ context.Context, snap tracer.Snapshot) error {
	return os.WriteFile(r.path, snap.ReportXML, 0o644)
}

// auditReporter records each snapshot's metadata in the tamper-evident
// audit log, independent of the report file it describes.
type auditReporter struct {
	log  *audit.Logger
	diag *diag.Logger
}

func (r *auditReporter) Report(_ context.Context, snap tracer.Snapshot) error {
	appendAuditEvent(r.log, r.diag, snap.RunID, audit.SnapshotTaken{
		Kind: audit.KindSnapshotTaken, Pid: snap.TargetPID, Seq: snap.Sequence, ReportBytes: len(snap.ReportXML),
	})
	return nil
}

// queuedExportReporter persists every snapshot to the local SQLite queue
// before attempting a live delivery, so a checkpoint is never lost if
// the collector is briefly unreachable: export.Client.Report documents
// that the caller must enqueue first since a failed live send is
// recovered later via the queue drain on reconnect.
type queuedExportReporter struct {
	queue  *queue.SQLiteQueue
	client *export.Client
	diag   *diag.Logger
}

func (r *queuedExportReporter) Report(ctx context.Context, snap tracer.Snapshot) error {
	if err := r.queue.Enqueue(ctx, snap); err != nil {
		return fmt.Errorf("export: enqueue snapshot: %w", err)
	}
	if err := r.client.Report(ctx, snap); err != nil {
		r.diag.Debugf("live export deferred to queue drain: %v", err)
	}
	return nil
}

// multiReporter fans a snapshot out to every configured Reporter, moving
// on to the next sink even if one fails.
type multiReporter struct {
	reporters []tracer.Reporter
}

func (m *multiReporter) Report(ctx context.Context, snap tracer.Snapshot) error {
	var firstErr error
	for _, r := range m.reporters {
		if err := r.Report(ctx, snap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// installSignalHandlers wires HUP/INT/QUIT/TERM to RequestTermination and
// ALRM/USR1 to RequestCheckpoint (SIGINFO is not handled), and installs an explicit no-op
// handler for CHLD: the default-ignore disposition would otherwise
// prevent the tracer from observing its target's stop events.
func installSignalHandlers(d *diag.Logger) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	checkpointCh := make(chan os.Signal, 1)
	signal.Notify(checkpointCh, syscall.SIGALRM, syscall.SIGUSR1)

	childCh := make(chan os.Signal, 1)
	signal.Notify(childCh, syscall.SIGCHLD)

	go func() {
		for range termCh {
			d.Debugf("termination signal received")
			tracer.RequestTermination()
		}
	}()
	go func() {
		for range checkpointCh {
			d.Debugf("checkpoint signal received")
			tracer.RequestCheckpoint()
		}
	}()
	go func() {
		for range childCh {
			// No-op: presence of this handler keeps SIGCHLD from being
			// ignored by default, which is required for the debug-control
			// service to observe target stop events.
		}
	}()
}
