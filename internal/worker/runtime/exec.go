package runtime

import (
	"context"
	"io"
	"sort"
)

// ExecRuntime drives a container CLI (docker, podman, ...) through the process runner.
type ExecRuntime struct {
	Binary string
}

// NewExecRuntime creates a CLI-based runtime. An empty binary defaults to "docker".
func NewExecRuntime(binary string) *ExecRuntime {
	if binary == "" {
		binary = "docker"
	}
	return &ExecRuntime{Binary: binary}
}

// Build implements Runtime.Build with `<binary> build`.
func (e *ExecRuntime) Build(ctx context.Context, opts BuildOptions) (Handle, error) {
	h, err := StartProcess(ctx, e.buildCommand(opts))
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Run implements Runtime.Run with `<binary> run --rm`.
func (e *ExecRuntime) Run(ctx context.Context, opts RunOptions) (Handle, error) {
	h, err := StartProcess(ctx, e.runCommand(opts))
	if err != nil {
		return nil, err
	}
	return &containerProcessHandle{ProcessHandle: h, binary: e.Binary, name: opts.Name}, nil
}

// containerProcessHandle also removes the container on Stop: killing the
// CLI client alone leaves a detached container running.
type containerProcessHandle struct {
	*ProcessHandle
	binary string
	name   string
}

func (h *containerProcessHandle) Stop(ctx context.Context) error {
	if h.name != "" {
		rm, err := StartProcess(ctx, Command{Path: h.binary, Args: []string{"rm", "-f", h.name}})
		if err == nil {
			if rc, _ := rm.StreamLogs(ctx); rc != nil {
				io.Copy(io.Discard, rc)
			}
			rm.Wait(ctx)
		}
	}
	return h.ProcessHandle.Stop(ctx)
}

func (e *ExecRuntime) buildCommand(opts BuildOptions) Command {
	args := []string{"build", "-t", opts.Tag}
	if opts.Dockerfile != "" {
		args = append(args, "-f", opts.Dockerfile)
	}
	args = append(args, ".")
	return Command{
		Path: e.Binary,
		Args: args,
		Dir:  opts.ContextDir,
		// BuildKit otherwise renders a TTY progress UI that is useless as log lines.
		Env: map[string]string{"BUILDKIT_PROGRESS": "plain"},
	}
}

func (e *ExecRuntime) runCommand(opts RunOptions) Command {
	args := []string{"run", "--rm"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	args = append(args, opts.Image)
	return Command{Path: e.Binary, Args: args}
}
