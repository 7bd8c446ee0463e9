package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

// stopGracePeriod is how long Stop waits after SIGTERM before killing.
const stopGracePeriod = 5 * time.Second

// Command describes one external process.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  map[string]string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// ProcessHandle is a started OS process whose stdout and stderr are merged
// into a single pipe.
type ProcessHandle struct {
	cmd    *exec.Cmd
	logs   *io.PipeReader
	done   chan struct{}
	result ExitResult
	err    error
}

// StartProcess spawns cmd. A failure to spawn is returned as a *SpawnError.
// Cancelling ctx kills the process.
func StartProcess(ctx context.Context, c Command) (*ProcessHandle, error) {
	if c.Path == "" {
		return nil, &SpawnError{Command: "<empty>", Err: errors.New("command is required")}
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), envList(c.Env)...)
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
	// Children that inherited the pipes must not keep Wait blocked forever.
	cmd.WaitDelay = stopGracePeriod

	// Sharing one writer makes os/exec serialize writes from both streams,
	// so each stream's own order survives the merge.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, &SpawnError{Command: c.String(), Err: err}
	}

	h := &ProcessHandle{
		cmd:  cmd,
		logs: pr,
		done: make(chan struct{}),
	}
	go h.wait(ctx, pw)
	return h, nil
}

func (h *ProcessHandle) wait(ctx context.Context, pw *io.PipeWriter) {
	err := h.cmd.Wait()
	pw.Close()

	switch {
	case err == nil:
		h.result = ExitResult{ExitCode: 0}
	case ctx.Err() != nil:
		h.result = ExitResult{ExitCode: -1, Error: ctx.Err()}
		h.err = ctx.Err()
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.result = ExitResult{ExitCode: exitErr.ExitCode(), Error: nil}
		} else {
			h.result = ExitResult{ExitCode: -1, Error: err}
			h.err = err
		}
	}
	close(h.done)
}

// Wait blocks until the process exits or ctx is done.
func (h *ProcessHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop sends SIGTERM and kills the process if it has not exited
// within the grace period or before ctx is done.
func (h *ProcessHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal process: %w", err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(stopGracePeriod):
	case <-ctx.Done():
	}

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	return nil
}

// StreamLogs returns the merged output. The reader reaches EOF once the process exits.
func (h *ProcessHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.logs, nil
}

func envList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}
