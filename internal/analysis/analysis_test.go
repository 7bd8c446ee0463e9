package analysis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deplay/internal/logsink"
	"deplay/internal/registry"
	"deplay/internal/run"
)

// mockClient implements llm.Client.
type mockClient struct {
	GenerateJSONFunc func(ctx context.Context, prompt string) (string, error)
}

func (m *mockClient) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return m.GenerateJSONFunc(ctx, prompt)
}

func (m *mockClient) Close() error { return nil }

func setup(t *testing.T) (*registry.Registry, *registry.Entry, string) {
	t.Helper()
	reg := registry.New()
	r, err := run.New("https://github.com/acme/app", "")
	require.NoError(t, err)
	dir := t.TempDir()
	sink := logsink.NewMemory()
	sink.Append("==> [building] docker build")
	sink.Append("npm ERR! missing script: build")
	entry, err := reg.Register(r, dir, filepath.Join(dir, "repo"), sink)
	require.NoError(t, err)
	return reg, entry, r.ID
}

func staticDiagnoser(a *Artifact) Diagnoser {
	return DiagnoserFunc(func(context.Context, string) (*Artifact, error) {
		return a, nil
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"summary":"ok","issues":["a"],"suggestions":[]}`, false},
		{"missing suggestions", `{"summary":"ok","issues":[]}`, true},
		{"issues not strings", `{"summary":"ok","issues":[1],"suggestions":[]}`, true},
		{"extra field", `{"summary":"ok","issues":[],"suggestions":[],"score":3}`, true},
		{"empty summary", `{"summary":"","issues":[],"suggestions":[]}`, true},
		{"not json", `the build failed`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMarshal_EmptyListsAreArrays(t *testing.T) {
	raw, err := (&Artifact{Summary: "ok"}).Marshal()
	require.NoError(t, err)
	assert.NoError(t, Validate(raw))
	assert.Contains(t, string(raw), `"issues": []`)
}

func TestGeminiDiagnoser(t *testing.T) {
	var gotPrompt string
	client := &mockClient{GenerateJSONFunc: func(_ context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return `{"summary":"build failed","issues":["missing build script"],"suggestions":["add a build script"]}`, nil
	}}

	a, err := NewGeminiDiagnoser(client).Diagnose(context.Background(), "npm ERR! missing script")
	require.NoError(t, err)
	assert.Equal(t, "build failed", a.Summary)
	assert.Equal(t, []string{"missing build script"}, a.Issues)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(gotPrompt), "npm ERR! missing script"))
	assert.Contains(t, gotPrompt, "STRICT JSON")
}

func TestGeminiDiagnoser_Errors(t *testing.T) {
	boom := errors.New("quota exceeded")
	tests := []struct {
		name   string
		client *mockClient
		want   error
	}{
		{"transport", &mockClient{GenerateJSONFunc: func(context.Context, string) (string, error) { return "", boom }}, boom},
		{"malformed", &mockClient{GenerateJSONFunc: func(context.Context, string) (string, error) { return `{"summary":1}`, nil }}, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGeminiDiagnoser(tt.client).Diagnose(context.Background(), "logs")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := (&GeminiDiagnoser{}).Diagnose(context.Background(), "logs")
	assert.ErrorIs(t, err, ErrNoDiagnoser)
}

func TestFire_AttachesAndPersists(t *testing.T) {
	reg, entry, id := setup(t)
	var gotLogs string
	trig := &Trigger{Registry: reg, Diagnoser: DiagnoserFunc(func(_ context.Context, logs string) (*Artifact, error) {
		gotLogs = logs
		return &Artifact{Summary: "build failed", Issues: []string{"missing script"}}, nil
	})}

	a, err := trig.Fire(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "build failed", a.Summary)
	assert.Contains(t, gotLogs, "npm ERR! missing script: build")

	first, err := reg.Analysis(id)
	require.NoError(t, err)
	second, err := reg.Analysis(id)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	onDisk, err := os.ReadFile(filepath.Join(entry.Dir, ArtifactFileName))
	require.NoError(t, err)
	assert.Equal(t, first, onDisk)
}

func TestFire_AtMostOnceUnderConcurrency(t *testing.T) {
	reg, _, id := setup(t)
	var calls atomic.Int32
	trig := &Trigger{Registry: reg, Diagnoser: DiagnoserFunc(func(context.Context, string) (*Artifact, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &Artifact{Summary: "ok"}, nil
	})}

	var wg sync.WaitGroup
	var already atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := trig.Fire(context.Background(), id); errors.Is(err, ErrAlreadyTriggered) {
				already.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(19), already.Load())
}

func TestFire_FailureIsLoggedToSink(t *testing.T) {
	tests := []struct {
		name      string
		diagnoser Diagnoser
		want      string
	}{
		{"no diagnoser", nil, "AI analysis failed: no diagnoser configured"},
		{"transport error", DiagnoserFunc(func(context.Context, string) (*Artifact, error) {
			return nil, errors.New("connection refused")
		}), "AI analysis failed: connection refused"},
		{"empty summary", staticDiagnoser(&Artifact{}), "AI analysis failed: malformed diagnosis"},
		{"nil artifact", staticDiagnoser(nil), "AI analysis failed: malformed diagnosis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, entry, id := setup(t)
			trig := &Trigger{Registry: reg, Diagnoser: tt.diagnoser}

			_, err := trig.Fire(context.Background(), id)
			require.Error(t, err)

			logs, _ := logsink.ReadAll(entry.Sink)
			assert.Contains(t, string(logs), tt.want)

			_, err = reg.Analysis(id)
			assert.ErrorIs(t, err, registry.ErrNotReady)
			_, statErr := os.Stat(filepath.Join(entry.Dir, ArtifactFileName))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestFire_TruncatesLogs(t *testing.T) {
	reg, entry, id := setup(t)
	for i := 0; i < 100; i++ {
		entry.Sink.Append(strings.Repeat("x", 99))
	}

	var size int
	trig := &Trigger{Registry: reg, MaxLogBytes: 1000, Diagnoser: DiagnoserFunc(func(_ context.Context, logs string) (*Artifact, error) {
		size = len(logs)
		return &Artifact{Summary: "ok"}, nil
	})}

	_, err := trig.Fire(context.Background(), id)
	require.NoError(t, err)
	assert.LessOrEqual(t, size, 1000)
	assert.Greater(t, size, 0)
}

func TestFire_SendsFullLogByDefault(t *testing.T) {
	reg, entry, id := setup(t)
	for i := 0; i < 2000; i++ {
		entry.Sink.Append(strings.Repeat("y", 59))
	}
	full, err := logsink.ReadAll(entry.Sink)
	require.NoError(t, err)

	var got string
	trig := &Trigger{Registry: reg, Diagnoser: DiagnoserFunc(func(_ context.Context, logs string) (*Artifact, error) {
		got = logs
		return &Artifact{Summary: "ok"}, nil
	})}

	_, err = trig.Fire(context.Background(), id)
	require.NoError(t, err)
	assert.Greater(t, len(full), 64*1024)
	assert.Equal(t, string(full), got)
	assert.True(t, strings.HasPrefix(got, "==> [building] docker build\n"))
}

func TestFire_AttachFailureIsRecorded(t *testing.T) {
	reg, entry, id := setup(t)
	require.NoError(t, reg.AttachAnalysis(id, []byte(`{"summary":"earlier"}`)))
	trig := &Trigger{Registry: reg, Diagnoser: staticDiagnoser(&Artifact{Summary: "ok"})}

	_, err := trig.Fire(context.Background(), id)
	assert.ErrorIs(t, err, registry.ErrAnalysisExists)

	logs, _ := logsink.ReadAll(entry.Sink)
	assert.Contains(t, string(logs), "AI analysis failed: ")
	_, statErr := os.Stat(filepath.Join(entry.Dir, ArtifactFileName))
	assert.True(t, os.IsNotExist(statErr))

	raw, err := reg.Analysis(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"earlier"}`, string(raw))
}

func TestFire_AppliesTimeout(t *testing.T) {
	reg, _, id := setup(t)
	trig := &Trigger{Registry: reg, Timeout: 10 * time.Millisecond, Diagnoser: DiagnoserFunc(func(ctx context.Context, _ string) (*Artifact, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})}

	_, err := trig.Fire(context.Background(), id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFire_UnknownRun(t *testing.T) {
	trig := &Trigger{Registry: registry.New(), Diagnoser: staticDiagnoser(&Artifact{Summary: "ok"})}

	_, err := trig.Fire(context.Background(), "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
