package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentdispatch/internal/domain"
)

// SchemaValidator checks tool input against the tool's declared JSON Schema.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles def.Parameters. It returns (nil, nil) when the
// tool declares no schema.
func NewSchemaValidator(def domain.ToolDefinition) (*SchemaValidator, error) {
	raw := def.Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", def.Name, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", def.Name, err)
	}
	return &SchemaValidator{schema: compiled}, nil
}

// Validate implements domain.Validator.
func (s *SchemaValidator) Validate(input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.schema.Validate(v); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
