package handlers

import (
	"context"
	"io"
	"testing"

	"deplay/internal/logger"
	"deplay/internal/logsink"
	"deplay/internal/registry"
	"deplay/internal/run"
	"deplay/pkg/api"
)

// mockSubmitter implements Submitter for testing.
type mockSubmitter struct {
	SubmitFunc func(ctx context.Context, req api.RunRequest) (string, error)

	captured api.RunRequest
}

func (m *mockSubmitter) Submit(ctx context.Context, req api.RunRequest) (string, error) {
	m.captured = req
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, req)
	}
	return "0190a4a2-0000-7000-8000-000000000001", nil
}

func newTestHandlers(t *testing.T, s Submitter) (*Handlers, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	h := New(s, reg, Config{DataDir: t.TempDir()}, nil, logger.NewWithWriter(io.Discard, "error"))
	return h, reg
}

// registerRun adds a queued run backed by an in-memory sink.
func registerRun(t *testing.T, reg *registry.Registry) (*registry.Entry, string) {
	t.Helper()
	r, err := run.New("https://github.com/acme/app", "")
	if err != nil {
		t.Fatalf("run.New failed: %v", err)
	}
	dir := t.TempDir()
	entry, err := reg.Register(r, dir, dir+"/repo", logsink.NewMemory())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return entry, r.ID
}
