package manifest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// RepoDockerfile is the conventional Dockerfile name inside a repository.
	RepoDockerfile = "Dockerfile"
	// GeneratedDockerfile is where templates are written so a repository's own
	// Dockerfile is never overwritten.
	GeneratedDockerfile = "Dockerfile.deplay"

	// maxScanDepth bounds the source file scan used to tell C from C++.
	maxScanDepth = 3
)

// Manifest describes the build recipe chosen for a workspace.
type Manifest struct {
	Kind Kind
	// Path is the Dockerfile name relative to the workspace.
	Path string
	// Generated reports whether Path was written from a template.
	Generated bool
}

// Prepare picks the build recipe for the workspace in dir.
//
// A hint always selects that kind's template. Without a hint the repository's
// own Dockerfile wins, then marker file detection. When nothing matches,
// ErrUnsupported is returned.
func Prepare(dir, hint string) (*Manifest, error) {
	if hint != "" {
		k, err := ParseKind(hint)
		if err != nil {
			return nil, err
		}
		return generate(dir, k)
	}

	if fileExists(filepath.Join(dir, RepoDockerfile)) {
		return &Manifest{Kind: KindCustom, Path: RepoDockerfile}, nil
	}

	k, err := Detect(dir)
	if err != nil {
		return nil, err
	}
	return generate(dir, k)
}

func generate(dir string, k Kind) (*Manifest, error) {
	content, err := Template(k)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, GeneratedDockerfile), content, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", GeneratedDockerfile, err)
	}
	return &Manifest{Kind: k, Path: GeneratedDockerfile, Generated: true}, nil
}

// Detect infers the environment kind from marker files at the workspace root.
func Detect(dir string) (Kind, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("failed to inspect workspace: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", dir)
	}

	has := func(names ...string) bool {
		for _, n := range names {
			if fileExists(filepath.Join(dir, n)) {
				return true
			}
		}
		return false
	}

	switch {
	case has("package.json"):
		return KindJavaScript, nil
	case has("requirements.txt", "pyproject.toml", "setup.py", "Pipfile"):
		return KindPython, nil
	case has("Cargo.toml"):
		return KindRust, nil
	case has("pom.xml", "build.gradle", "build.gradle.kts"):
		return KindJava, nil
	case has("go.mod"):
		return KindGo, nil
	}

	if has("CMakeLists.txt", "Makefile", "makefile") {
		cpp, c := scanSources(dir)
		switch {
		case cpp:
			return KindCPP, nil
		case c:
			return KindC, nil
		}
	}

	return "", fmt.Errorf("%w: no recognised project files in workspace", ErrUnsupported)
}

// scanSources reports whether C++ or C sources exist under dir.
func scanSources(dir string) (cpp, c bool) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		if d.IsDir() {
			if d.Name() == ".git" || strings.Count(rel, string(filepath.Separator)) >= maxScanDepth {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".cpp", ".cc", ".cxx", ".hpp":
			cpp = true
			return filepath.SkipAll
		case ".c":
			c = true
		}
		return nil
	})
	return cpp, c
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
