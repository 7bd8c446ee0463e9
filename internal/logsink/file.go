package logsink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// LogFileName is the name of the log file inside a run directory.
const LogFileName = "run.log"

// FileSink is a Sink backed by an append-only file.
type FileSink struct {
	path string

	mu     sync.Mutex // serializes Append/Close
	w      *os.File
	closed bool

	committed atomic.Int64
}

// OpenFile creates (or truncates) the log file at path.
func OpenFile(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	w, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileSink{path: path, w: w}, nil
}

// Path returns the location of the backing file.
func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) Append(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	n, err := s.w.WriteString(terminate(text))
	// Bytes that reached the file are part of the record even on a short write.
	s.committed.Add(int64(n))
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

func (s *FileSink) ReadFrom(offset int64) ([]byte, int64, error) {
	end := s.committed.Load()
	if offset < 0 {
		offset = 0
	}
	if offset >= end {
		return nil, offset, nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, offset, fmt.Errorf("failed to open log for reading: %w", err)
	}
	defer f.Close()

	buf := make([]byte, end-offset)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, offset, fmt.Errorf("failed to read log: %w", err)
	}
	return buf[:n], offset + int64(n), nil
}

func (s *FileSink) Size() int64 {
	return s.committed.Load()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}

// FileStore places each run's log under <root>/<run id>/run.log.
type FileStore struct {
	Root string
}

// NewFileStore creates a store rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

func (fs *FileStore) Create(runID string) (Sink, error) {
	return OpenFile(filepath.Join(fs.Root, runID, LogFileName))
}
