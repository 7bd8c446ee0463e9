package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"deplay/internal/logger"
	"deplay/internal/registry"
	"deplay/internal/run"
	"deplay/internal/worker"
	"deplay/pkg/api"
)

// maxRequestBytes bounds the submission body.
const maxRequestBytes = 64 * 1024

// SubmitRun handles POST /run and POST /runs.
// It returns 202 with the run id as soon as the run is registered.
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.runs.Submit(ctx, req)
	switch {
	case errors.Is(err, worker.ErrInvalidRequest):
		h.httpErrorDetails(w, "Invalid request", err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, worker.ErrShuttingDown):
		h.httpError(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		logger.FromContext(ctx, h.log).Error("failed to submit run", "error", err)
		h.httpError(w, "Failed to start run", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusAccepted, api.RunResponse{RunID: id})
}

// GetRun handles GET /runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.registry.Lookup(r.PathValue("id"))
	if !ok {
		h.httpError(w, "Run not found", http.StatusNotFound)
		return
	}
	h.respondJson(w, http.StatusOK, statusResponse(entry.Snapshot(), entry.AnalysisReady()))
}

// ListRuns handles GET /runs, oldest first.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.registry.List()
	resp := make([]api.RunStatusResponse, 0, len(runs))
	for _, snap := range runs {
		ready := false
		if entry, ok := h.registry.Lookup(snap.ID); ok {
			ready = entry.AnalysisReady()
		}
		resp = append(resp, statusResponse(snap, ready))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetAnalysis handles GET /analysis/{id} and GET /runs/{id}/analysis.
// The stored artifact bytes are written unchanged.
func (h *Handlers) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	raw, err := h.registry.Analysis(r.PathValue("id"))
	switch {
	case errors.Is(err, registry.ErrNotFound):
		h.httpError(w, "Run not found", http.StatusNotFound)
		return
	case errors.Is(err, registry.ErrNotReady):
		h.httpError(w, "Analysis not ready", http.StatusNotFound)
		return
	case err != nil:
		h.httpError(w, "Failed to read analysis", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func statusResponse(r run.Run, analysisReady bool) api.RunStatusResponse {
	resp := api.RunStatusResponse{
		ID:            r.ID,
		RepoURL:       r.Source,
		Language:      r.Hint,
		Kind:          r.Kind,
		Stage:         string(r.Stage),
		AnalysisReady: analysisReady,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
	if r.Outcome != nil {
		resp.Outcome = string(r.Outcome.Stage)
		resp.FailureKind = string(r.Outcome.Kind)
		resp.Reason = r.Outcome.Reason
	}
	return resp
}
