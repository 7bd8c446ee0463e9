// Package analysis produces the post-run diagnosis of a run's log.
package analysis

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ArtifactFileName is the name of the persisted diagnosis inside a run directory.
const ArtifactFileName = "analysis.json"

// ErrMalformed is returned when a diagnosis does not match the artifact schema.
var ErrMalformed = errors.New("malformed diagnosis")

//go:embed schema.json
var schemaJSON string

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// Artifact is the diagnosis of one run.
type Artifact struct {
	Summary     string   `json:"summary"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

// Marshal returns the canonical encoding of a. Empty lists encode as [].
func (a *Artifact) Marshal() ([]byte, error) {
	c := *a
	if c.Issues == nil {
		c.Issues = []string{}
	}
	if c.Suggestions == nil {
		c.Suggestions = []string{}
	}
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks raw against the artifact schema.
func Validate(raw []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		msgs = append(msgs, field+": "+desc.Description())
	}
	return fmt.Errorf("%w: %s", ErrMalformed, strings.Join(msgs, "; "))
}

// Decode validates raw and decodes it into an Artifact.
func Decode(raw []byte) (*Artifact, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &a, nil
}
