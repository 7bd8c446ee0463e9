// Package worker drives submitted runs through clone, prepare, build, execute
// and analysis.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"deplay/internal/analysis"
	"deplay/internal/logger"
	"deplay/internal/logsink"
	"deplay/internal/observability"
	"deplay/internal/registry"
	"deplay/internal/run"
	"deplay/internal/worker/runtime"
	"deplay/pkg/api"
)

// ErrShuttingDown is returned by Submit once the orchestrator stopped accepting runs.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// WorkspaceDirName is the clone target inside a run directory.
const WorkspaceDirName = "repo"

// Config holds configuration for the orchestrator.
type Config struct {
	// DataDir holds one directory per run under DataDir/runs.
	DataDir       string
	BuildTimeout  time.Duration // default: 30m
	RunTimeout    time.Duration // default: 1m
	Execute       bool
	KeepWorkspace bool
}

// Analyzer produces the diagnosis of a run once its build and execution ended.
type Analyzer interface {
	Fire(ctx context.Context, runID string) (*analysis.Artifact, error)
}

// Deps are the collaborators of the orchestrator. Metrics and Logger are optional.
type Deps struct {
	Registry  *registry.Registry
	Logs      logsink.Store
	Runtime   runtime.Runtime
	Fetcher   Fetcher
	Validator *Validator
	Analyzer  Analyzer
	Metrics   *observability.RunMetrics
	Logger    *slog.Logger
}

// Orchestrator owns one goroutine per run. Cancelling its base context kills
// in-flight processes and aborts every unfinished run.
type Orchestrator struct {
	config Config
	deps   Deps
	log    *slog.Logger
	tracer trace.Tracer

	baseCtx context.Context

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
	done    chan struct{}
}

// New creates an orchestrator bound to ctx.
func New(ctx context.Context, config Config, deps Deps) *Orchestrator {
	if config.BuildTimeout <= 0 {
		config.BuildTimeout = 30 * time.Minute
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Validator == nil {
		deps.Validator = NewValidator([]string{"github.com"})
	}

	o := &Orchestrator{
		config:  config,
		deps:    deps,
		log:     deps.Logger,
		tracer:  otel.Tracer("deplay-worker"),
		baseCtx: ctx,
		done:    make(chan struct{}),
	}

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		o.closing = true
		o.mu.Unlock()
		o.wg.Wait()
		close(o.done)
	}()

	return o
}

// Done returns a channel that is closed when the base context is cancelled
// and every run goroutine has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Submit validates req, registers a new run and starts it in the background.
// It returns the run id without waiting for any stage.
func (o *Orchestrator) Submit(ctx context.Context, req api.RunRequest) (string, error) {
	source, hint, err := o.deps.Validator.Validate(req)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing || o.baseCtx.Err() != nil {
		return "", ErrShuttingDown
	}

	r, err := run.New(source, hint)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(o.config.DataDir, "runs", r.ID)
	sink, err := o.deps.Logs.Create(r.ID)
	if err != nil {
		return "", fmt.Errorf("failed to create run log: %w", err)
	}
	entry, err := o.deps.Registry.Register(r, dir, filepath.Join(dir, WorkspaceDirName), sink)
	if err != nil {
		sink.Close()
		return "", err
	}

	if m := o.deps.Metrics; m != nil {
		m.Submitted.Add(ctx, 1)
		m.ActiveRuns.Add(ctx, 1)
	}
	logger.FromContext(ctx, o.log).Info("run submitted", "run_id", r.ID, "source", source, "hint", hint)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.process(entry, r.ID)
	}()

	return r.ID, nil
}

// process drives one run to its terminal state.
func (o *Orchestrator) process(entry *registry.Entry, id string) {
	snap := entry.Snapshot()
	ctx, span := o.tracer.Start(o.baseCtx, "process_run",
		trace.WithAttributes(
			attribute.String("run.id", id),
			attribute.String("run.source", snap.Source),
			attribute.String("run.hint", snap.Hint),
		),
	)
	defer span.End()

	s := &stages{o: o, entry: entry, id: id, ctx: ctx}
	outcome := s.run(snap)

	switch outcome.Stage {
	case run.StageSucceeded:
		s.note("run succeeded")
	case run.StageAborted:
		s.note("run aborted: " + outcome.Reason)
	}

	if err := o.deps.Registry.Finish(id, outcome); err != nil {
		o.log.Error("failed to finish run", "run_id", id, "error", err)
	}
	span.SetAttributes(attribute.String("run.outcome", string(outcome.Stage)))
	if outcome.Kind != "" {
		span.SetAttributes(attribute.String("run.failure_kind", string(outcome.Kind)))
	}

	if err := entry.Sink.Close(); err != nil {
		o.log.Warn("failed to close run log", "run_id", id, "error", err)
	}
	if !o.config.KeepWorkspace {
		if err := os.RemoveAll(entry.Workspace); err != nil {
			o.log.Warn("failed to remove workspace", "run_id", id, "error", err)
		}
	}

	if m := o.deps.Metrics; m != nil {
		bg := context.Background()
		m.Finished.Add(bg, 1, metric.WithAttributes(attribute.String("outcome", string(outcome.Stage))))
		m.ActiveRuns.Add(bg, -1)
	}
	o.log.Info("run finished", "run_id", id, "outcome", outcome.String())
}
