// Package schema validates stage artifacts against their embedded JSON
// Schemas before they are persisted or sent back to a model for repair.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/c360studio/shipwright/workflow"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var compiled = map[workflow.ArtifactKind]*jsonschema.Schema{}

func init() {
	kinds := []workflow.ArtifactKind{
		workflow.KindFeasibilityV1,
		workflow.KindArchitectureV1,
		workflow.KindTimelineV1,
		workflow.KindSummaryV1,
		workflow.KindPatchSetV1,
	}
	for _, kind := range kinds {
		s, err := compile(kind)
		if err != nil {
			panic(fmt.Sprintf("schema %s: %v", kind, err))
		}
		compiled[kind] = s
	}
}

func compile(kind workflow.ArtifactKind) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(fmt.Sprintf("schemas/%s.schema.json", kind))
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://shipwright.schemas.local/%s.schema.json", kind)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return c.Compile(url)
}

// Validate checks a JSON document against the schema for its artifact kind.
// A nil error means the document is a valid artifact of that kind.
func Validate(kind workflow.ArtifactKind, raw []byte) error {
	s, ok := compiled[kind]
	if !ok {
		return fmt.Errorf("no schema for artifact kind %s", kind)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}

	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%s validation failed: %w", kind, err)
	}
	return nil
}

// Kinds returns every artifact kind with a registered schema.
func Kinds() []workflow.ArtifactKind {
	kinds := make([]workflow.ArtifactKind, 0, len(compiled))
	for k := range compiled {
		kinds = append(kinds, k)
	}
	return kinds
}
