package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/moby/go-archive"
)

// DockerRuntime implements the Runtime interface using the Docker SDK.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime creates a new Docker-based runtime.
func NewDockerRuntime() (*DockerRuntime, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Ping checks that the daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Build implements Runtime.Build by streaming a tar of the workspace to the daemon.
func (d *DockerRuntime) Build(ctx context.Context, opts BuildOptions) (Handle, error) {
	buildContext, err := archive.TarWithOptions(opts.ContextDir, &archive.TarOptions{})
	if err != nil {
		return nil, &SpawnError{Command: "docker build", Err: fmt.Errorf("failed to archive build context: %w", err)}
	}

	resp, err := d.client.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        []string{opts.Tag},
		Dockerfile:  opts.Dockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		buildContext.Close()
		return nil, &SpawnError{Command: "docker build", Err: err}
	}

	pr, pw := io.Pipe()
	h := &dockerBuildHandle{logs: pr, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer buildContext.Close()
		defer resp.Body.Close()

		// The daemon reports build progress as JSON messages; render them as plain text.
		err := jsonmessage.DisplayJSONMessagesStream(resp.Body, pw, 0, false, nil)
		pw.Close()

		var jsonErr *jsonmessage.JSONError
		switch {
		case err == nil:
			h.result = ExitResult{ExitCode: 0}
		case errors.As(err, &jsonErr):
			code := jsonErr.Code
			if code == 0 {
				code = 1
			}
			h.result = ExitResult{ExitCode: code, Error: errors.New(jsonErr.Message)}
		case ctx.Err() != nil:
			h.result = ExitResult{ExitCode: -1, Error: ctx.Err()}
			h.err = ctx.Err()
		default:
			h.result = ExitResult{ExitCode: -1, Error: err}
			h.err = err
		}
	}()

	return h, nil
}

// Run implements Runtime.Run using a Docker container.
func (d *DockerRuntime) Run(ctx context.Context, opts RunOptions) (Handle, error) {
	containerConfig := &container.Config{
		Image: opts.Image,
		Env:   envList(opts.Env),
	}
	containerResponse, err := d.client.ContainerCreate(ctx, containerConfig, nil, nil, nil, opts.Name)
	if err != nil {
		return nil, &SpawnError{Command: "docker run " + opts.Image, Err: fmt.Errorf("failed to create container: %w", err)}
	}

	h := &DockerHandle{client: d.client, containerID: containerResponse.ID}

	if err := d.client.ContainerStart(ctx, containerResponse.ID, container.StartOptions{}); err != nil {
		h.remove()
		return nil, &SpawnError{Command: "docker run " + opts.Image, Err: fmt.Errorf("failed to start container: %w", err)}
	}

	return h, nil
}

// dockerBuildHandle tracks an in-flight image build.
type dockerBuildHandle struct {
	logs   *io.PipeReader
	done   chan struct{}
	result ExitResult
	err    error
}

func (h *dockerBuildHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop abandons the build; the daemon cancels it when the request context ends.
func (h *dockerBuildHandle) Stop(ctx context.Context) error {
	return h.logs.Close()
}

func (h *dockerBuildHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.logs, nil
}

// DockerHandle represents a running container.
type DockerHandle struct {
	client      *client.Client
	containerID string
	removeOnce  sync.Once
}

func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		defer h.remove()
		if status.Error != nil {
			return ExitResult{
				ExitCode: int(status.StatusCode),
				Error:    fmt.Errorf("%s", status.Error.Message),
			}, nil
		}
		return ExitResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *DockerHandle) Stop(ctx context.Context) error {
	defer h.remove()
	timeOut := 5
	return h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeOut})
}

// StreamLogs follows the container output, demultiplexing stdout and stderr
// into one stream.
func (h *DockerHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	rc, err := h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer rc.Close()
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (h *DockerHandle) remove() {
	h.removeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
	})
}
