// Package runtime provides the process runner and the container runtimes
// used to build and execute submitted repositories.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrSpawn marks failures to start a process or container at all, as opposed
// to a process that started and exited non-zero.
var ErrSpawn = errors.New("spawn failed")

// SpawnError wraps the underlying cause of a spawn failure.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawn
}

// Runtime builds container images from a workspace and runs them.
// Implementations include the container CLI (via the process runner) and the Docker SDK.
type Runtime interface {
	// Build starts building the image described by opts.
	Build(ctx context.Context, opts BuildOptions) (Handle, error)

	// Run starts a container from a previously built image.
	Run(ctx context.Context, opts RunOptions) (Handle, error)
}

// BuildOptions contains the parameters for an image build.
type BuildOptions struct {
	ContextDir string
	Dockerfile string // relative to ContextDir
	Tag        string
}

// RunOptions contains the parameters for running a built image.
type RunOptions struct {
	Image string
	Name  string
	Env   map[string]string
}

// ExitResult is the final status of a process or container.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running process or container.
type Handle interface {
	// Wait blocks until the work completes and returns the exit status.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the work.
	Stop(ctx context.Context) error

	// StreamLogs returns the combined stdout/stderr. It must be drained
	// until EOF for the work to make progress.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)
}
