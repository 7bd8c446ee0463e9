// Package registry tracks every run known to this process.
//
// Entries are inserted at submission and never removed. The run state inside
// an entry is written only by the run's worker; readers receive copies.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"deplay/internal/logsink"
	"deplay/internal/run"
)

var (
	ErrNotFound       = errors.New("run not found")
	ErrNotReady       = errors.New("analysis not ready")
	ErrAlreadyExists  = errors.New("run already registered")
	ErrAnalysisExists = errors.New("analysis already attached")
)

// Entry is the registry record of one run.
type Entry struct {
	// Dir holds every working file of the run.
	Dir string
	// Workspace is the clone target inside Dir.
	Workspace string
	Sink      logsink.Sink

	mu       sync.RWMutex
	run      *run.Run
	analysis []byte

	claimed atomic.Bool
}

// Snapshot returns a copy of the run state.
func (e *Entry) Snapshot() run.Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run.Clone()
}

// Terminal reports whether the run has finished.
func (e *Entry) Terminal() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run.Stage.Terminal()
}

// AnalysisReady reports whether an analysis artifact is attached.
func (e *Entry) AnalysisReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.analysis != nil
}

// Registry maps run ids to entries. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register inserts a new run. The registry takes ownership of r.
func (reg *Registry) Register(r *run.Run, dir, workspace string, sink logsink.Sink) (*Entry, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.entries[r.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, r.ID)
	}
	e := &Entry{Dir: dir, Workspace: workspace, Sink: sink, run: r}
	reg.entries[r.ID] = e
	return e, nil
}

// Lookup returns the entry for id.
func (reg *Registry) Lookup(id string) (*Entry, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	e, ok := reg.entries[id]
	return e, ok
}

func (reg *Registry) get(id string) (*Entry, error) {
	e, ok := reg.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Snapshot returns a copy of the run state for id.
func (reg *Registry) Snapshot(id string) (run.Run, error) {
	e, err := reg.get(id)
	if err != nil {
		return run.Run{}, err
	}
	return e.Snapshot(), nil
}

// List returns snapshots of every run, oldest first.
func (reg *Registry) List() []run.Run {
	reg.mu.RLock()
	entries := make([]*Entry, 0, len(reg.entries))
	for _, e := range reg.entries {
		entries = append(entries, e)
	}
	reg.mu.RUnlock()

	runs := make([]run.Run, 0, len(entries))
	for _, e := range entries {
		runs = append(runs, e.Snapshot())
	}
	// Run ids are UUIDv7, so lexical order is creation order.
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs
}

// SetStage advances the run to stage.
func (reg *Registry) SetStage(id string, stage run.Stage) error {
	e, err := reg.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.Advance(stage)
}

// SetKind records the resolved environment kind.
func (reg *Registry) SetKind(id, kind string) error {
	e, err := reg.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.run.Kind = kind
	return nil
}

// Finish records the terminal outcome. A second call fails.
func (reg *Registry) Finish(id string, o run.Outcome) error {
	e, err := reg.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.Finish(o)
}

// IsTerminal reports whether the run has finished. Unknown ids count as terminal
// so that observers of them never wait.
func (reg *Registry) IsTerminal(id string) bool {
	e, ok := reg.Lookup(id)
	if !ok {
		return true
	}
	return e.Terminal()
}

// ClaimAnalysis returns true for exactly one caller per run.
func (reg *Registry) ClaimAnalysis(id string) bool {
	e, ok := reg.Lookup(id)
	if !ok {
		return false
	}
	return e.claimed.CompareAndSwap(false, true)
}

// AttachAnalysis stores the artifact bytes. It can succeed only once per run.
func (reg *Registry) AttachAnalysis(id string, raw []byte) error {
	e, err := reg.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.analysis != nil {
		return fmt.Errorf("%w: %s", ErrAnalysisExists, id)
	}
	e.analysis = append([]byte(nil), raw...)
	return nil
}

// Analysis returns the attached artifact bytes.
func (reg *Registry) Analysis(id string) ([]byte, error) {
	e, err := reg.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.analysis == nil {
		return nil, ErrNotReady
	}
	return append([]byte(nil), e.analysis...), nil
}
