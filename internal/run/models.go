// Package run contains the domain model of a single build-and-run attempt.
package run

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage represents the position of a run in its lifecycle.
type Stage string

const (
	StageQueued    Stage = "queued"
	StageFetching  Stage = "fetching"
	StagePreparing Stage = "preparing"
	StageBuilding  Stage = "building"
	StageExecuting Stage = "executing"
	StageAnalyzing Stage = "analyzing"
	StageSucceeded Stage = "succeeded"
	StageFailed    Stage = "failed"
	StageAborted   Stage = "aborted"
)

// Terminal reports whether no further transition can leave the stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageSucceeded, StageFailed, StageAborted:
		return true
	}
	return false
}

// order is used to reject backwards transitions.
func (s Stage) order() int {
	switch s {
	case StageQueued:
		return 0
	case StageFetching:
		return 1
	case StagePreparing:
		return 2
	case StageBuilding:
		return 3
	case StageExecuting:
		return 4
	case StageAnalyzing:
		return 5
	default:
		return 6
	}
}

// FailureKind classifies why a run failed.
type FailureKind string

const (
	FailureFetch                  FailureKind = "fetch_error"
	FailureUnsupportedEnvironment FailureKind = "unsupported_environment"
	FailureSpawn                  FailureKind = "spawn_error"
	FailureBuild                  FailureKind = "build_error"
	FailureExecution              FailureKind = "execution_error"
)

// Outcome is the terminal result of a run.
type Outcome struct {
	Stage  Stage       `json:"stage"`
	Kind   FailureKind `json:"kind,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Succeeded returns the successful outcome.
func Succeeded() Outcome {
	return Outcome{Stage: StageSucceeded}
}

// Failed returns a failed outcome of the given kind.
func Failed(kind FailureKind, reason string) Outcome {
	return Outcome{Stage: StageFailed, Kind: kind, Reason: reason}
}

// Aborted returns the outcome of a run interrupted by shutdown.
func Aborted(reason string) Outcome {
	return Outcome{Stage: StageAborted, Reason: reason}
}

func (o Outcome) String() string {
	switch o.Stage {
	case StageFailed:
		return fmt.Sprintf("failed(%s): %s", o.Kind, o.Reason)
	case StageAborted:
		return "aborted: " + o.Reason
	default:
		return string(o.Stage)
	}
}

// Run represents one submitted repository and its progress.
// A Run is mutated only by the worker that drives it; everyone else
// works on copies returned by the registry.
type Run struct {
	ID         string
	Source     string
	Hint       string
	Kind       string
	Stage      Stage
	Outcome    *Outcome
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// New creates a queued run with a fresh time-ordered identifier.
func New(source, hint string) (*Run, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	return &Run{
		ID:        id,
		Source:    source,
		Hint:      hint,
		Stage:     StageQueued,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// NewID returns a UUIDv7, which sorts by creation time.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate run id: %w", err)
	}
	return id.String(), nil
}

// Advance moves the run to a later non-terminal stage.
func (r *Run) Advance(stage Stage) error {
	if r.Stage.Terminal() {
		return fmt.Errorf("run %s already finished as %s", r.ID, r.Stage)
	}
	if stage.Terminal() {
		return fmt.Errorf("use Finish to enter terminal stage %s", stage)
	}
	if stage.order() <= r.Stage.order() {
		return fmt.Errorf("invalid transition %s -> %s", r.Stage, stage)
	}
	if r.StartedAt == nil {
		now := time.Now().UTC()
		r.StartedAt = &now
	}
	r.Stage = stage
	return nil
}

// Finish records the terminal outcome. It fails if the run is already terminal.
func (r *Run) Finish(o Outcome) error {
	if r.Stage.Terminal() {
		return fmt.Errorf("run %s already finished as %s", r.ID, r.Stage)
	}
	if !o.Stage.Terminal() {
		return fmt.Errorf("outcome stage %s is not terminal", o.Stage)
	}
	now := time.Now().UTC()
	r.Stage = o.Stage
	r.Outcome = &o
	r.FinishedAt = &now
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (r *Run) Clone() Run {
	c := *r
	if r.Outcome != nil {
		o := *r.Outcome
		c.Outcome = &o
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return c
}
