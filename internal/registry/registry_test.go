package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deplay/internal/logsink"
	"deplay/internal/run"
)

func register(t *testing.T, reg *Registry) *run.Run {
	t.Helper()
	r, err := run.New("https://github.com/acme/app", "")
	require.NoError(t, err)
	_, err = reg.Register(r, "/tmp/x", "/tmp/x/repo", logsink.NewMemory())
	require.NoError(t, err)
	return r
}

func TestRegister_Duplicate(t *testing.T) {
	reg := New()
	r := register(t, reg)

	_, err := reg.Register(r, "", "", logsink.NewMemory())
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestLookupAndSnapshot(t *testing.T) {
	reg := New()
	r := register(t, reg)

	e, ok := reg.Lookup(r.ID)
	require.True(t, ok)
	assert.Equal(t, "/tmp/x/repo", e.Workspace)

	snap, err := reg.Snapshot(r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StageQueued, snap.Stage)

	_, err = reg.Snapshot("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
}

func TestSnapshot_IsACopy(t *testing.T) {
	reg := New()
	r := register(t, reg)

	snap, _ := reg.Snapshot(r.ID)
	snap.Stage = run.StageSucceeded

	again, _ := reg.Snapshot(r.ID)
	assert.Equal(t, run.StageQueued, again.Stage)
}

func TestStageTransitions(t *testing.T) {
	reg := New()
	r := register(t, reg)

	require.NoError(t, reg.SetStage(r.ID, run.StageFetching))
	require.NoError(t, reg.SetKind(r.ID, "go"))
	assert.Error(t, reg.SetStage(r.ID, run.StageQueued), "backwards transition")
	assert.False(t, reg.IsTerminal(r.ID))

	require.NoError(t, reg.Finish(r.ID, run.Failed(run.FailureFetch, "exit 128")))
	assert.True(t, reg.IsTerminal(r.ID))
	assert.Error(t, reg.Finish(r.ID, run.Succeeded()), "terminal states are final")
	assert.Error(t, reg.SetStage(r.ID, run.StageBuilding))

	snap, _ := reg.Snapshot(r.ID)
	assert.Equal(t, "go", snap.Kind)
	require.NotNil(t, snap.Outcome)
	assert.Equal(t, run.FailureFetch, snap.Outcome.Kind)

	assert.ErrorIs(t, reg.SetStage("missing", run.StageFetching), ErrNotFound)
	assert.True(t, reg.IsTerminal("missing"))
}

func TestList_OrderedByCreation(t *testing.T) {
	reg := New()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, register(t, reg).ID)
	}

	runs := reg.List()
	require.Len(t, runs, 5)
	for i, r := range runs {
		assert.Equal(t, ids[i], r.ID)
	}
}

func TestClaimAnalysis_AtMostOnce(t *testing.T) {
	reg := New()
	r := register(t, reg)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.ClaimAnalysis(r.ID) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.False(t, reg.ClaimAnalysis("missing"))
}

func TestAnalysis(t *testing.T) {
	reg := New()
	r := register(t, reg)

	_, err := reg.Analysis(r.ID)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = reg.Analysis("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	raw := []byte(`{"summary":"ok","issues":[],"suggestions":[]}`)
	require.NoError(t, reg.AttachAnalysis(r.ID, raw))
	raw[0] = 'X'

	first, err := reg.Analysis(r.ID)
	require.NoError(t, err)
	second, err := reg.Analysis(r.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, byte('{'), first[0], "registry must keep its own copy")

	err = reg.AttachAnalysis(r.ID, []byte(`{}`))
	assert.True(t, errors.Is(err, ErrAnalysisExists))

	e, _ := reg.Lookup(r.ID)
	assert.True(t, e.AnalysisReady())
}
