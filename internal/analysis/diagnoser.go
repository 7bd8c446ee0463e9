package analysis

import (
	"context"
	"errors"
	"fmt"

	"deplay/internal/llm"
)

// ErrNoDiagnoser is reported when analysis is requested without a configured engine.
var ErrNoDiagnoser = errors.New("no diagnoser configured")

// Diagnoser turns a run log into a diagnosis.
type Diagnoser interface {
	Diagnose(ctx context.Context, logs string) (*Artifact, error)
}

// DiagnoserFunc adapts a function to the Diagnoser interface.
type DiagnoserFunc func(ctx context.Context, logs string) (*Artifact, error)

func (f DiagnoserFunc) Diagnose(ctx context.Context, logs string) (*Artifact, error) {
	return f(ctx, logs)
}

const promptTemplate = `You are a senior DevOps engineer.

You are given Docker build and runtime logs from a sandboxed environment.

Your task:
1. Summarize what happened
2. Detect errors, warnings, or misconfigurations
3. Identify environment mismatches (runtime versions, missing build steps, ports, etc.)
4. Suggest concrete fixes

Return STRICT JSON ONLY in the following format:
{
  "summary": "string",
  "issues": ["string"],
  "suggestions": ["string"]
}

Logs:
%s
`

// BuildPrompt renders the diagnosis prompt for logs.
func BuildPrompt(logs string) string {
	return fmt.Sprintf(promptTemplate, logs)
}

// GeminiDiagnoser asks a language model for the diagnosis.
type GeminiDiagnoser struct {
	Client llm.Client
}

func NewGeminiDiagnoser(client llm.Client) *GeminiDiagnoser {
	return &GeminiDiagnoser{Client: client}
}

func (d *GeminiDiagnoser) Diagnose(ctx context.Context, logs string) (*Artifact, error) {
	if d.Client == nil {
		return nil, ErrNoDiagnoser
	}
	text, err := d.Client.GenerateJSON(ctx, BuildPrompt(logs))
	if err != nil {
		return nil, err
	}
	return Decode([]byte(text))
}
