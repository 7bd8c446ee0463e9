// Package logsink provides the append-only per-run log.
//
// A Sink has exactly one writer (the run's worker) and any number of
// concurrent readers. Readers only ever observe whole appends: the
// committed size is published after a write completes, and ReadFrom
// never returns bytes past it.
package logsink

import (
	"errors"
	"strings"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("log sink closed")

// Sink is an append-only log of one run.
type Sink interface {
	// Append writes text as one unit, adding a trailing newline if missing.
	Append(text string) error

	// ReadFrom returns the committed bytes starting at offset and the
	// offset just past them. An offset at or past the end yields no bytes.
	ReadFrom(offset int64) ([]byte, int64, error)

	// Size returns the committed size in bytes.
	Size() int64

	// Close releases the writer. Reads remain valid.
	Close() error
}

// Store creates and reopens sinks by run id.
type Store interface {
	Create(runID string) (Sink, error)
}

func terminate(text string) string {
	if strings.HasSuffix(text, "\n") {
		return text
	}
	return text + "\n"
}

// ReadAll returns every committed byte of the sink.
func ReadAll(s Sink) ([]byte, error) {
	data, _, err := s.ReadFrom(0)
	return data, err
}

// Tail returns at most max trailing bytes of the sink, starting on a line boundary
// when truncation happened.
func Tail(s Sink, max int64) ([]byte, error) {
	size := s.Size()
	if max <= 0 || size <= max {
		return ReadAll(s)
	}
	data, _, err := s.ReadFrom(size - max)
	if err != nil {
		return nil, err
	}
	if i := strings.IndexByte(string(data), '\n'); i >= 0 && i+1 < len(data) {
		data = data[i+1:]
	}
	return data, nil
}
