package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"deplay/internal/logsink"
	"deplay/internal/registry"
)

const DefaultTimeout = 2 * time.Minute

// ErrAlreadyTriggered is returned when analysis was already claimed for a run.
var ErrAlreadyTriggered = errors.New("analysis already triggered")

// Trigger runs the diagnosis of a finished run at most once.
type Trigger struct {
	Registry  *registry.Registry
	Diagnoser Diagnoser
	// MaxLogBytes, when positive, keeps only the log tail of that size.
	// Zero sends the full log.
	MaxLogBytes int64
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Fire diagnoses the run's log and attaches the artifact. Failures are
// recorded in the run's log and returned, but never change the run outcome.
func (t *Trigger) Fire(ctx context.Context, runID string) (*Artifact, error) {
	entry, ok := t.Registry.Lookup(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, runID)
	}
	if !t.Registry.ClaimAnalysis(runID) {
		return nil, ErrAlreadyTriggered
	}

	artifact, err := t.diagnose(ctx, entry)
	if err != nil {
		return nil, t.failed(entry, runID, err)
	}

	raw, err := artifact.Marshal()
	if err != nil {
		return nil, t.failed(entry, runID, fmt.Errorf("failed to encode analysis: %w", err))
	}
	var path string
	if entry.Dir != "" {
		path = filepath.Join(entry.Dir, ArtifactFileName)
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return nil, t.failed(entry, runID, fmt.Errorf("failed to persist analysis: %w", err))
		}
	}
	if err := t.Registry.AttachAnalysis(runID, raw); err != nil {
		// The file on disk must never disagree with what the API serves.
		if path != "" {
			if rmErr := os.Remove(path); rmErr != nil {
				t.logger().Warn("failed to remove analysis file", "run_id", runID, "error", rmErr)
			}
		}
		return nil, t.failed(entry, runID, err)
	}

	t.logger().Info("analysis attached", "run_id", runID, "issues", len(artifact.Issues))
	return artifact, nil
}

// failed records err in the run's log and returns it.
func (t *Trigger) failed(entry *registry.Entry, runID string, err error) error {
	t.logger().Warn("analysis failed", "run_id", runID, "error", err)
	if appendErr := entry.Sink.Append("AI analysis failed: " + err.Error()); appendErr != nil {
		t.logger().Error("failed to append to run log", "run_id", runID, "error", appendErr)
	}
	return err
}

func (t *Trigger) diagnose(ctx context.Context, entry *registry.Entry) (*Artifact, error) {
	if t.Diagnoser == nil {
		return nil, ErrNoDiagnoser
	}

	var (
		logs []byte
		err  error
	)
	if t.MaxLogBytes > 0 {
		logs, err = logsink.Tail(entry.Sink, t.MaxLogBytes)
	} else {
		logs, err = logsink.ReadAll(entry.Sink)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run log: %w", err)
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	artifact, err := t.Diagnoser.Diagnose(ctx, string(logs))
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, fmt.Errorf("%w: empty diagnosis", ErrMalformed)
	}
	// Artifacts built in code skip the schema.
	if artifact.Summary == "" {
		return nil, fmt.Errorf("%w: summary is required", ErrMalformed)
	}
	return artifact, nil
}

func (t *Trigger) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
