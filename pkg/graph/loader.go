package graph

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dukex/runflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// Load decodes a workflow graph document, checks it against the graph JSON
// schema and then validates its structure.
func Load(r io.Reader) (*models.WorkflowGraph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow graph: %w", err)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate workflow graph schema: %w", err)
	}

	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}

		return nil, &ValidationError{Issues: issues}
	}

	var g models.WorkflowGraph

	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode workflow graph: %w", err)
	}

	if err := Validate(&g); err != nil {
		return nil, err
	}

	return &g, nil
}

// LoadFile reads a workflow graph from a JSON file.
func LoadFile(path string) (*models.WorkflowGraph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow graph %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	g, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return g, nil
}
