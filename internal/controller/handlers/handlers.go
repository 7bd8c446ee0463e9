// Package handlers contains HTTP handlers for the run API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"deplay/internal/observability"
	"deplay/internal/registry"
	"deplay/pkg/api"
)

// Submitter starts runs. It is implemented by the worker orchestrator.
type Submitter interface {
	Submit(ctx context.Context, req api.RunRequest) (string, error)
}

// Config holds the handler tunables.
type Config struct {
	// DataDir is probed for writability by the readiness check.
	DataDir      string
	PollInterval time.Duration
	KeepAlive    time.Duration
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	runs     Submitter
	registry *registry.Registry
	config   Config
	metrics  *observability.RunMetrics
	log      *slog.Logger
}

// New creates a new Handlers instance. metrics may be nil.
func New(runs Submitter, reg *registry.Registry, config Config, metrics *observability.RunMetrics, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{runs: runs, registry: reg, config: config, metrics: metrics, log: log}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

func (h *Handlers) httpErrorDetails(w http.ResponseWriter, message, details string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error:   message,
		Code:    strconv.Itoa(code),
		Details: details,
	})
}
