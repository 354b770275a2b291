package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"agentdispatch/internal/domain"
)

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// checkOutput validates a final answer against a JSON Schema. The answer may
// be wrapped in a markdown code fence; the returned string is the unwrapped
// JSON document.
func checkOutput(schemaJSON json.RawMessage, answer string) (string, error) {
	text := strings.TrimSpace(answer)
	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	var data any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return "", fmt.Errorf("%w: answer is not JSON: %v", domain.ErrOutputSchema, err)
	}

	schema, err := jsonschema.NewCompiler().Compile(schemaJSON)
	if err != nil {
		return "", fmt.Errorf("%w: invalid schema: %v", domain.ErrInvalidInput, err)
	}
	if result := schema.Validate(data); !result.IsValid() {
		return "", fmt.Errorf("%w: %s", domain.ErrOutputSchema, result.Error())
	}
	return text, nil
}

// compileOutputSchema rejects unusable schemas at submission.
func compileOutputSchema(schemaJSON json.RawMessage) error {
	if len(schemaJSON) == 0 {
		return nil
	}
	if _, err := jsonschema.NewCompiler().Compile(schemaJSON); err != nil {
		return domain.NewSubSystemError("task", "Manager.Submit", domain.ErrInvalidInput, "output schema: "+err.Error())
	}
	return nil
}
