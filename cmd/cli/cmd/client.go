package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"deplay/pkg/api"
)

// ErrStreamClosed is returned when a log stream ends without a done event.
var ErrStreamClosed = errors.New("log stream closed before the run finished")

// RunClient handles API calls to the deplay server.
type RunClient struct {
	BaseURL    string
	HTTPClient *http.Client
	// StreamClient has no timeout, log streams last as long as the run.
	StreamClient *http.Client
}

// NewRunClient creates a new client for the server at baseURL.
func NewRunClient(baseURL string) *RunClient {
	return &RunClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		StreamClient: &http.Client{},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func newAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(resp.Body)
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg := errResp.Error
		if errResp.Details != "" {
			msg += ": " + errResp.Details
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// Submit sends POST /run to start a new run.
func (c *RunClient) Submit(req api.RunRequest) (*api.RunResponse, error) {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.BaseURL+"/run", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, newAPIError(resp)
	}

	var result api.RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// GetRun sends GET /runs/{id} to retrieve the run status.
func (c *RunClient) GetRun(runID string) (*api.RunStatusResponse, error) {
	resp, err := c.HTTPClient.Get(fmt.Sprintf("%s/runs/%s", c.BaseURL, runID))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp)
	}

	var result api.RunStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// GetAnalysis sends GET /analysis/{id} and returns the artifact bytes unchanged.
func (c *RunClient) GetAnalysis(runID string) ([]byte, error) {
	resp, err := c.HTTPClient.Get(fmt.Sprintf("%s/analysis/%s", c.BaseURL, runID))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp)
	}
	return io.ReadAll(resp.Body)
}

// StreamLogs follows GET /logs/{id} and calls onLine for every log line.
// It returns nil once the server reports the run finished.
func (c *RunClient) StreamLogs(ctx context.Context, runID string, onLine func(string)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/logs/%s", c.BaseURL, runID), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.StreamClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "done" {
				return nil
			}
			if data != nil {
				onLine(strings.Join(data, "\n"))
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
			// comment, used for keep-alives
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read log stream: %w", err)
	}
	return ErrStreamClosed
}
