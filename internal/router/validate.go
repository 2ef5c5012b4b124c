package router

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/chris/mcpchat/internal/llm"
)

// parseArgs decodes the raw argument string into an object. An empty
// payload is an empty object.
func parseArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// validateArgs checks required fields and primitive types against a tool
// schema. Properties the schema does not declare pass through untouched.
func validateArgs(tool llm.Tool, args map[string]any) error {
	for _, field := range llm.RequiredParams(tool) {
		if _, ok := args[field]; !ok {
			return fmt.Errorf("missing required field: %s", field)
		}
	}

	props, _ := tool.Parameters["properties"].(map[string]any)
	for key, value := range args {
		def, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		expected, _ := def["type"].(string)
		if expected == "" {
			continue
		}
		if err := validateType(value, expected); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
	}
	return nil
}

func validateType(value any, expected string) error {
	switch expected {
	case "string":
		if _, ok := value.(string); ok {
			return nil
		}
	case "number":
		if _, ok := value.(float64); ok {
			return nil
		}
	case "integer":
		if f, ok := value.(float64); ok && math.Trunc(f) == f {
			return nil
		}
	case "boolean":
		if _, ok := value.(bool); ok {
			return nil
		}
	case "object":
		if _, ok := value.(map[string]any); ok {
			return nil
		}
	case "array":
		if _, ok := value.([]any); ok {
			return nil
		}
	default:
		return nil
	}
	return fmt.Errorf("expected %s but got %s", expected, jsonType(value))
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}
