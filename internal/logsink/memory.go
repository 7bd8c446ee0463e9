package logsink

import "sync"

// MemorySink keeps the log in memory. It is used by the memory backend and tests.
type MemorySink struct {
	mu     sync.RWMutex
	buf    []byte
	closed bool
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.buf = append(s.buf, terminate(text)...)
	return nil
}

func (s *MemorySink) ReadFrom(offset int64) ([]byte, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(s.buf)) {
		return nil, offset, nil
	}
	out := make([]byte, int64(len(s.buf))-offset)
	copy(out, s.buf[offset:])
	return out, int64(len(s.buf)), nil
}

func (s *MemorySink) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.buf))
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// MemoryStore hands out a fresh MemorySink per run.
type MemoryStore struct{}

// NewMemoryStore creates a store of in-memory sinks.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (MemoryStore) Create(runID string) (Sink, error) {
	return NewMemory(), nil
}
