package manifest

import (
	"embed"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned when no environment kind applies to a workspace.
var ErrUnsupported = errors.New("unsupported environment")

// Kind is the build environment of a repository.
type Kind string

const (
	KindJavaScript Kind = "javascript"
	KindPython     Kind = "python"
	KindRust       Kind = "rust"
	KindJava       Kind = "java"
	KindC          Kind = "c"
	KindCPP        Kind = "cpp"
	KindGo         Kind = "go"

	// KindCustom marks a repository that ships its own Dockerfile.
	KindCustom Kind = "custom"
)

// Kinds lists every kind that has a template, in detection priority order.
var Kinds = []Kind{KindJavaScript, KindPython, KindRust, KindJava, KindGo, KindCPP, KindC}

var aliases = map[string]Kind{
	"js":         KindJavaScript,
	"node":       KindJavaScript,
	"nodejs":     KindJavaScript,
	"typescript": KindJavaScript,
	"ts":         KindJavaScript,
	"py":         KindPython,
	"rs":         KindRust,
	"c++":        KindCPP,
	"cxx":        KindCPP,
	"golang":     KindGo,
}

//go:embed templates/*.Dockerfile
var templates embed.FS

// ParseKind resolves a user supplied hint. Matching is case-insensitive and
// accepts common aliases.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if k, ok := aliases[name]; ok {
		return k, nil
	}
	for _, k := range Kinds {
		if string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown language %q", ErrUnsupported, s)
}

// Template returns the Dockerfile template for k.
func Template(k Kind) ([]byte, error) {
	data, err := templates.ReadFile("templates/" + string(k) + ".Dockerfile")
	if err != nil {
		return nil, fmt.Errorf("%w: no template for %q", ErrUnsupported, k)
	}
	return data, nil
}
