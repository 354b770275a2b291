package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"agentdispatch/internal/domain"
)

// Func adapts a plain function into a domain.Tool.
type Func struct {
	Def        domain.ToolDefinition
	Fn         func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
	ValidateFn func(input json.RawMessage) error
}

func (f *Func) Definition() domain.ToolDefinition { return f.Def }

func (f *Func) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f.Fn(ctx, input)
}

// Validate implements domain.Validator when ValidateFn is set.
func (f *Func) Validate(input json.RawMessage) error {
	if f.ValidateFn == nil {
		return nil
	}
	return f.ValidateFn(input)
}

// Typed builds a tool whose handler receives decoded params of type P and
// whose result is JSON-encoded. Input that does not decode into P fails
// validation.
func Typed[P, R any](def domain.ToolDefinition, fn func(ctx context.Context, p P) (R, error)) *Func {
	return &Func{
		Def: def,
		Fn: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			p, err := ParseParams[P](input)
			if err != nil {
				return nil, err
			}
			r, err := fn(ctx, p)
			if err != nil {
				return nil, err
			}
			return json.Marshal(r)
		},
		ValidateFn: func(input json.RawMessage) error {
			_, err := ParseParams[P](input)
			return err
		},
	}
}

// ParseParams unmarshals input into P. Empty input decodes as the zero value.
func ParseParams[P any](input json.RawMessage) (P, error) {
	var p P
	if len(input) == 0 || string(input) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return p, fmt.Errorf("invalid params: %w", err)
	}
	return p, nil
}

// RequireField returns an error if the string value is empty.
func RequireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("'%s' is required", name)
	}
	return nil
}
