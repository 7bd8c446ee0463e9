package worker

import (
	"context"

	"deplay/internal/worker/runtime"
)

// Fetcher clones a repository into a local directory.
type Fetcher interface {
	Clone(ctx context.Context, url, dest string) (runtime.Handle, error)
}

// GitFetcher shallow-clones with the git CLI.
type GitFetcher struct {
	Binary string
}

// NewGitFetcher creates a fetcher. An empty binary defaults to "git".
func NewGitFetcher(binary string) *GitFetcher {
	if binary == "" {
		binary = "git"
	}
	return &GitFetcher{Binary: binary}
}

// Clone starts `git clone --depth 1 url dest`. Output is available from the
// returned handle.
func (g *GitFetcher) Clone(ctx context.Context, url, dest string) (runtime.Handle, error) {
	h, err := runtime.StartProcess(ctx, g.command(url, dest))
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (g *GitFetcher) command(url, dest string) runtime.Command {
	return runtime.Command{
		Path: g.Binary,
		Args: []string{"clone", "--depth", "1", "--progress", url, dest},
		// Never block on a credential prompt for private or missing repositories.
		Env: map[string]string{"GIT_TERMINAL_PROMPT": "0"},
	}
}
