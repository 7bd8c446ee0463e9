// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the server.
package api

import "time"

// RunRequest is the request body for submitting a repository.
type RunRequest struct {
	RepoURL string `json:"repoUrl" validate:"required,url"`
	// Language optionally names the environment kind, e.g. "python".
	Language string `json:"language,omitempty"`
}

// RunResponse is the response body after submitting a repository.
type RunResponse struct {
	RunID string `json:"runId"`
}

// RunStatusResponse is the response body for run status queries.
type RunStatusResponse struct {
	ID            string     `json:"id"`
	RepoURL       string     `json:"repoUrl"`
	Language      string     `json:"language,omitempty"`
	Kind          string     `json:"kind,omitempty"`
	Stage         string     `json:"stage"`
	Outcome       string     `json:"outcome,omitempty"`
	FailureKind   string     `json:"failureKind,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	AnalysisReady bool       `json:"analysisReady"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// AnalysisResponse is the diagnosis of a finished run.
type AnalysisResponse struct {
	Summary     string   `json:"summary"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
