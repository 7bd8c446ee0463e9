package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"deplay/internal/logger"
	"deplay/internal/tailer"
)

// StreamLogs handles GET /logs/{id} and GET /runs/{id}/logs.
// It sends every line of the run log as a server-sent event from the start,
// follows it while the run is active, and ends with a done event once the
// run is terminal and the log fully delivered.
func (h *Handlers) StreamLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	entry, ok := h.registry.Lookup(id)
	if !ok {
		h.httpError(w, "Run not found", http.StatusNotFound)
		return
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		logger.FromContext(ctx, h.log).Debug("cannot clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.log.Warn("streaming not supported", "error", err)
		return
	}

	if m := h.metrics; m != nil {
		m.ActiveStreams.Add(ctx, 1)
		defer m.ActiveStreams.Add(context.Background(), -1)
	}

	t := &tailer.Tailer{
		Sink:         entry.Sink,
		Done:         entry.Terminal,
		PollInterval: h.config.PollInterval,
		KeepAlive:    h.config.KeepAlive,
	}
	err := t.Run(ctx, func(ev tailer.Event) error {
		var err error
		switch ev.Type {
		case tailer.EventLine:
			_, err = fmt.Fprintf(w, "data: %s\n\n", ev.Data)
		case tailer.EventKeepAlive:
			_, err = io.WriteString(w, ": keep-alive\n\n")
		case tailer.EventDone:
			_, err = io.WriteString(w, "event: done\ndata: \n\n")
		}
		if err != nil {
			return err
		}
		return rc.Flush()
	})
	if err != nil && ctx.Err() == nil {
		logger.FromContext(ctx, h.log).Warn("log stream ended", "run_id", id, "error", err)
	}
}
