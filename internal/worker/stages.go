package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"deplay/internal/manifest"
	"deplay/internal/registry"
	"deplay/internal/run"
	"deplay/internal/worker/runtime"
)

const (
	// stopTimeout bounds how long stopping a container may take.
	stopTimeout = 15 * time.Second

	maxLineBytes = 1024 * 1024
)

const abortReason = "orchestrator shutting down"

// stages holds the state of one run while its worker goroutine drives it.
type stages struct {
	o     *Orchestrator
	entry *registry.Entry
	id    string
	ctx   context.Context
}

// run executes every stage and returns the terminal outcome.
func (s *stages) run(snap run.Run) run.Outcome {
	if o, done := s.fetch(snap.Source); done {
		return o
	}

	m, o, done := s.prepare(snap.Hint)
	if done {
		return o
	}

	outcome := s.buildAndExecute(m)
	if outcome.Stage == run.StageAborted {
		return outcome
	}

	s.analyze()
	if s.aborted() {
		return run.Aborted(abortReason)
	}
	return outcome
}

func (s *stages) fetch(source string) (run.Outcome, bool) {
	end := s.enter(run.StageFetching, "Cloning "+source)
	defer end()

	if err := os.MkdirAll(s.entry.Dir, 0o755); err != nil {
		return s.fail(run.FailureFetch, fmt.Sprintf("failed to create run directory: %v", err)), true
	}

	h, err := s.o.deps.Fetcher.Clone(s.ctx, source, s.entry.Workspace)
	if err != nil {
		return s.fail(run.FailureFetch, err.Error()), true
	}
	res, err := s.follow(s.ctx, h)
	switch {
	case s.aborted():
		return run.Aborted(abortReason), true
	case err != nil:
		return s.fail(run.FailureFetch, err.Error()), true
	case res.ExitCode != 0:
		return s.fail(run.FailureFetch, fmt.Sprintf("git clone exited with code %d", res.ExitCode)), true
	}
	return run.Outcome{}, false
}

func (s *stages) prepare(hint string) (*manifest.Manifest, run.Outcome, bool) {
	msg := "Detecting environment"
	if hint != "" {
		msg = "Generating Dockerfile for language: " + hint
	}
	end := s.enter(run.StagePreparing, msg)
	defer end()

	if s.aborted() {
		return nil, run.Aborted(abortReason), true
	}

	m, err := manifest.Prepare(s.entry.Workspace, hint)
	if err != nil {
		return nil, s.fail(run.FailureUnsupportedEnvironment, err.Error()), true
	}
	if err := s.o.deps.Registry.SetKind(s.id, string(m.Kind)); err != nil {
		s.o.log.Warn("failed to record kind", "run_id", s.id, "error", err)
	}

	if m.Generated {
		s.note(fmt.Sprintf("Using %s template written to %s", m.Kind, m.Path))
	} else {
		s.note("Using repository " + m.Path)
	}
	return m, run.Outcome{}, false
}

// buildAndExecute returns the pre-analysis outcome. A zero Stage never leaves it.
func (s *stages) buildAndExecute(m *manifest.Manifest) run.Outcome {
	image := "deplay-" + s.id

	if o, done := s.build(m, image); done {
		return o
	}
	if !s.o.config.Execute {
		return run.Succeeded()
	}
	return s.execute(image)
}

func (s *stages) build(m *manifest.Manifest, image string) (run.Outcome, bool) {
	end := s.enter(run.StageBuilding, "Building Docker image "+image)
	defer end()

	ctx, cancel := context.WithTimeout(s.ctx, s.o.config.BuildTimeout)
	defer cancel()

	h, err := s.o.deps.Runtime.Build(ctx, runtime.BuildOptions{
		ContextDir: s.entry.Workspace,
		Dockerfile: m.Path,
		Tag:        image,
	})
	if err != nil {
		if s.aborted() {
			return run.Aborted(abortReason), true
		}
		return s.fail(classifySpawn(err, run.FailureBuild), err.Error()), true
	}

	res, err := s.follow(ctx, h)
	switch {
	case s.aborted():
		return run.Aborted(abortReason), true
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return s.fail(run.FailureBuild, fmt.Sprintf("build timed out after %v", s.o.config.BuildTimeout)), true
	case err != nil:
		return s.fail(run.FailureBuild, err.Error()), true
	case res.ExitCode != 0:
		reason := fmt.Sprintf("docker build exited with code %d", res.ExitCode)
		if res.Error != nil {
			reason += ": " + res.Error.Error()
		}
		return s.fail(run.FailureBuild, reason), true
	}

	s.note("Docker build finished")
	return run.Outcome{}, false
}

func (s *stages) execute(image string) run.Outcome {
	end := s.enter(run.StageExecuting, "Running container from "+image)
	defer end()

	h, err := s.o.deps.Runtime.Run(s.ctx, runtime.RunOptions{
		Image: image,
		Name:  "deplay-run-" + s.id,
		Env:   map[string]string{"DEPLAY_RUN_ID": s.id},
	})
	if err != nil {
		if s.aborted() {
			return run.Aborted(abortReason)
		}
		return s.fail(classifySpawn(err, run.FailureExecution), err.Error())
	}

	pumped := make(chan error, 1)
	go func() {
		pumped <- s.pump(s.ctx, h)
	}()

	timer := time.NewTimer(s.o.config.RunTimeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-pumped:
	case <-timer.C:
		timedOut = true
		s.note(fmt.Sprintf("Container still running after %v, stopping it", s.o.config.RunTimeout))
		s.stop(h)
		<-pumped
	case <-s.ctx.Done():
		s.stop(h)
		<-pumped
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	res, err := h.Wait(waitCtx)

	switch {
	case s.aborted():
		return run.Aborted(abortReason)
	case timedOut:
		return run.Succeeded()
	case err != nil:
		return s.fail(run.FailureExecution, err.Error())
	case res.ExitCode != 0:
		return s.fail(run.FailureExecution, fmt.Sprintf("container exited with code %d", res.ExitCode))
	}
	return run.Succeeded()
}

func (s *stages) analyze() {
	if s.o.deps.Analyzer == nil {
		return
	}
	end := s.enter(run.StageAnalyzing, "Requesting AI analysis")
	defer end()

	if _, err := s.o.deps.Analyzer.Fire(s.ctx, s.id); err == nil {
		s.note("AI analysis ready")
	}
}

func (s *stages) stop(h runtime.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		s.o.log.Warn("failed to stop container", "run_id", s.id, "error", err)
	}
}

// follow streams h's output into the sink, then waits for it to exit.
func (s *stages) follow(ctx context.Context, h runtime.Handle) (runtime.ExitResult, error) {
	if err := s.pump(ctx, h); err != nil {
		s.o.log.Warn("log stream ended with error", "run_id", s.id, "error", err)
	}
	// The process is killed through ctx, so Wait needs its own bound.
	waitCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return h.Wait(waitCtx)
}

// pump appends every output line of h to the sink until the stream ends.
func (s *stages) pump(ctx context.Context, h runtime.Handle) error {
	rc, err := h.StreamLogs(ctx)
	if err != nil {
		return fmt.Errorf("failed to get log stream: %w", err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "\x00") {
			line = strings.ReplaceAll(line, "\x00", "")
		}
		if err = s.entry.Sink.Append(line); err != nil {
			break
		}
	}
	if err == nil {
		err = scanner.Err()
	}
	// Keep draining so the producer never blocks on a full pipe.
	io.Copy(io.Discard, rc)
	return err
}

// enter advances the run to stage, appends its marker line and opens a span.
// The returned function closes the span and records the stage duration.
func (s *stages) enter(stage run.Stage, msg string) func() {
	if err := s.o.deps.Registry.SetStage(s.id, stage); err != nil {
		s.o.log.Error("invalid stage transition", "run_id", s.id, "stage", stage, "error", err)
	}
	s.note(fmt.Sprintf("==> [%s] %s", stage, msg))
	s.o.log.Info("stage started", "run_id", s.id, "stage", stage)

	ctx, span := s.o.tracer.Start(s.ctx, "stage."+string(stage))
	parent := s.ctx
	s.ctx = ctx
	start := time.Now()

	return func() {
		s.ctx = parent
		span.End()
		if m := s.o.deps.Metrics; m != nil {
			m.StageDuration.Record(context.Background(), time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("stage", string(stage))))
		}
	}
}

// fail appends the failure line and returns the failed outcome.
func (s *stages) fail(kind run.FailureKind, reason string) run.Outcome {
	s.note(fmt.Sprintf("run failed: %s: %s", kind, reason))
	trace.SpanFromContext(s.ctx).SetStatus(codes.Error, reason)
	s.o.log.Warn("run failed", "run_id", s.id, "kind", kind, "reason", reason)
	return run.Failed(kind, reason)
}

func (s *stages) note(line string) {
	if err := s.entry.Sink.Append(line); err != nil {
		s.o.log.Warn("failed to append to run log", "run_id", s.id, "error", err)
	}
}

func (s *stages) aborted() bool {
	return s.o.baseCtx.Err() != nil
}

// classifySpawn maps a start error to spawn_error, or to fallback when the
// runtime started but rejected the request.
func classifySpawn(err error, fallback run.FailureKind) run.FailureKind {
	if errors.Is(err, runtime.ErrSpawn) {
		return run.FailureSpawn
	}
	return fallback
}
