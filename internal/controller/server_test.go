package controller

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deplay/internal/analysis"
	"deplay/internal/controller/handlers"
	"deplay/internal/logger"
	"deplay/internal/logsink"
	"deplay/internal/registry"
	"deplay/internal/run"
	"deplay/internal/worker"
	"deplay/internal/worker/runtime"
	"deplay/pkg/api"
)

// scriptedRuntime builds and runs instantly with canned output.
type scriptedRuntime struct {
	buildExit int
}

type scriptedHandle struct {
	output string
	exit   int
}

func (h *scriptedHandle) Wait(ctx context.Context) (runtime.ExitResult, error) {
	return runtime.ExitResult{ExitCode: h.exit}, nil
}

func (h *scriptedHandle) Stop(ctx context.Context) error { return nil }

func (h *scriptedHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(h.output)), nil
}

func (r *scriptedRuntime) Build(ctx context.Context, opts runtime.BuildOptions) (runtime.Handle, error) {
	return &scriptedHandle{output: "Step 1/2 : FROM python:3.12-slim\n", exit: r.buildExit}, nil
}

func (r *scriptedRuntime) Run(ctx context.Context, opts runtime.RunOptions) (runtime.Handle, error) {
	return &scriptedHandle{output: "hello\n"}, nil
}

type scriptedFetcher struct{}

func (scriptedFetcher) Clone(ctx context.Context, url, dest string) (runtime.Handle, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dest, "requirements.txt"), nil, 0o644); err != nil {
		return nil, err
	}
	return &scriptedHandle{output: "Cloning...\n"}, nil
}

func newTestServer(t *testing.T, buildExit int) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	reg := registry.New()
	log := logger.NewWithWriter(io.Discard, "error")
	dataDir := t.TempDir()

	trigger := &analysis.Trigger{
		Registry: reg,
		Diagnoser: analysis.DiagnoserFunc(func(ctx context.Context, logs string) (*analysis.Artifact, error) {
			return &analysis.Artifact{Summary: "build looked at", Issues: []string{}, Suggestions: []string{}}, nil
		}),
		Logger: log,
	}
	o := worker.New(ctx, worker.Config{DataDir: dataDir, Execute: true}, worker.Deps{
		Registry: reg,
		Logs:     logsink.NewFileStore(filepath.Join(dataDir, "runs")),
		Runtime:  &scriptedRuntime{buildExit: buildExit},
		Fetcher:  scriptedFetcher{},
		Analyzer: trigger,
		Logger:   log,
	})

	h := handlers.New(o, reg, handlers.Config{DataDir: dataDir, PollInterval: 10 * time.Millisecond}, nil, log)
	srv := httptest.NewServer(NewHandler(h, Options{CORSOrigins: []string{"http://localhost:3000"}}))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-o.Done()
	})
	return srv
}

func submit(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, api.RunResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out api.RunResponse
	if resp.StatusCode == http.StatusAccepted {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

// streamLogs reads the SSE stream until the done event.
func streamLogs(t *testing.T, srv *httptest.Server, path string) []string {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: done" {
			return lines
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			lines = append(lines, data)
		}
	}
	t.Fatal("stream ended without a done event")
	return nil
}

func TestServer_SubmitStreamAndAnalysis(t *testing.T) {
	srv := newTestServer(t, 0)

	resp, out := submit(t, srv, "/run", `{"repoUrl":"https://github.com/acme/app"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, out.RunID)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	lines := streamLogs(t, srv, "/logs/"+out.RunID)
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "==> [building]")
	assert.Contains(t, joined, "hello")
	assert.Equal(t, "run succeeded", lines[len(lines)-1])

	// A second observer sees the same sequence.
	assert.Equal(t, lines, streamLogs(t, srv, "/runs/"+out.RunID+"/logs"))

	first, err := http.Get(srv.URL + "/analysis/" + out.RunID)
	require.NoError(t, err)
	firstBody, _ := io.ReadAll(first.Body)
	first.Body.Close()
	second, err := http.Get(srv.URL + "/runs/" + out.RunID + "/analysis")
	require.NoError(t, err)
	secondBody, _ := io.ReadAll(second.Body)
	second.Body.Close()

	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Contains(t, string(firstBody), "build looked at")
	assert.Equal(t, firstBody, secondBody)

	status, err := http.Get(srv.URL + "/runs/" + out.RunID)
	require.NoError(t, err)
	defer status.Body.Close()
	var snap api.RunStatusResponse
	require.NoError(t, json.NewDecoder(status.Body).Decode(&snap))
	assert.Equal(t, "succeeded", snap.Stage)
	assert.Equal(t, "python", snap.Kind)
	assert.True(t, snap.AnalysisReady)
}

func TestServer_BuildFailureStillAnalyzed(t *testing.T) {
	srv := newTestServer(t, 1)

	resp, out := submit(t, srv, "/runs", `{"repoUrl":"https://github.com/acme/app","language":"python"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	lines := streamLogs(t, srv, "/logs/"+out.RunID)
	assert.Contains(t, lines, "run failed: build_error: docker build exited with code 1")

	analysisResp, err := http.Get(srv.URL + "/analysis/" + out.RunID)
	require.NoError(t, err)
	defer analysisResp.Body.Close()
	assert.Equal(t, http.StatusOK, analysisResp.StatusCode)
}

func TestServer_RejectsInvalidURL(t *testing.T) {
	srv := newTestServer(t, 0)

	resp, _ := submit(t, srv, "/run", `{"repoUrl":"not-a-url"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	list, err := http.Get(srv.URL + "/runs")
	require.NoError(t, err)
	defer list.Body.Close()
	var runs []api.RunStatusResponse
	require.NoError(t, json.NewDecoder(list.Body).Decode(&runs))
	assert.Empty(t, runs)
}

func TestServer_UnknownRun(t *testing.T) {
	srv := newTestServer(t, 0)

	for _, path := range []string{"/runs/nope", "/logs/nope", "/analysis/nope"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Contains(t, string(body), "Run not found", path)
	}
}

func TestServer_Preflight(t *testing.T) {
	srv := newTestServer(t, 0)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/run", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

type closedSubmitter struct{}

func (closedSubmitter) Submit(context.Context, api.RunRequest) (string, error) {
	return "", errors.New("closed")
}

func TestServer_RunReturnsWhenLogStreamOutlivesShutdown(t *testing.T) {
	reg := registry.New()
	r, err := run.New("https://github.com/acme/app", "")
	require.NoError(t, err)
	dir := t.TempDir()
	_, err = reg.Register(r, dir, filepath.Join(dir, "repo"), logsink.NewMemory())
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	h := handlers.New(closedSubmitter{}, reg, handlers.Config{DataDir: dir, PollInterval: 10 * time.Millisecond},
		nil, logger.NewWithWriter(io.Discard, "error"))
	srv := New(addr, h, Options{ShutdownTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + addr + "/logs/" + r.ID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err = io.ReadAll(resp.Body)
	assert.Error(t, err)
}
