// Package tailer follows a run's log sink and turns it into a stream of
// line events for one observer.
package tailer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"deplay/internal/logsink"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultKeepAlive    = 15 * time.Second
)

// EventType distinguishes the events a Tailer emits.
type EventType int

const (
	EventLine EventType = iota
	EventKeepAlive
	EventDone
)

func (t EventType) String() string {
	switch t {
	case EventLine:
		return "line"
	case EventKeepAlive:
		return "keep-alive"
	case EventDone:
		return "done"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is one item delivered to an observer.
type Event struct {
	Type EventType
	Data string
}

// Tailer polls a sink from offset zero. Every observer gets its own Tailer,
// so a slow observer only delays itself.
type Tailer struct {
	Sink logsink.Sink
	// Done reports whether the run has reached a terminal state. A nil Done
	// means the stream only ends with its context.
	Done         func() bool
	PollInterval time.Duration
	KeepAlive    time.Duration

	offset  int64
	partial []byte
}

// Run emits events until ctx is cancelled, emit fails, or the run is
// terminal and every committed byte has been delivered.
func (t *Tailer) Run(ctx context.Context, emit func(Event) error) error {
	poll := t.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var keepAlive <-chan time.Time
	if t.KeepAlive > 0 {
		ka := time.NewTicker(t.KeepAlive)
		defer ka.Stop()
		keepAlive = ka.C
	}

	for {
		// Sample the terminal flag before reading: every append happens
		// before the run is marked terminal, so one more read drains it.
		finished := t.Done != nil && t.Done()

		if err := t.poll(emit); err != nil {
			return err
		}

		if finished && t.offset >= t.Sink.Size() {
			if len(t.partial) > 0 {
				if err := t.emitLine(emit, t.partial); err != nil {
					return err
				}
				t.partial = nil
			}
			return emit(Event{Type: EventDone})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-keepAlive:
			if err := emit(Event{Type: EventKeepAlive}); err != nil {
				return err
			}
		case <-ticker.C:
		}
	}
}

func (t *Tailer) poll(emit func(Event) error) error {
	data, next, err := t.Sink.ReadFrom(t.offset)
	if err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}
	t.offset = next
	if len(data) == 0 {
		return nil
	}

	buf := append(t.partial, data...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		if err := t.emitLine(emit, buf[:i]); err != nil {
			return err
		}
		buf = buf[i+1:]
	}
	t.partial = append([]byte(nil), buf...)
	return nil
}

// emitLine emits one event per carriage-return separated segment of line.
// Progress output overwrites itself with bare CRs, and a CR inside an SSE
// data field would end the field early.
func (t *Tailer) emitLine(emit func(Event) error, line []byte) error {
	for _, seg := range bytes.Split(line, []byte{'\r'}) {
		if len(seg) == 0 {
			continue
		}
		if err := emit(Event{Type: EventLine, Data: string(seg)}); err != nil {
			return err
		}
	}
	return nil
}
