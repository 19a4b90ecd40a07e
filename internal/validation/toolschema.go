// Package validation checks tool input schemas at registration time and tool
// arguments at call time.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ToolSchema validates and normalizes a tool input schema in place. The root
// must describe an object. Required is de-duplicated preserving
// first-occurrence order and, when properties are declared, every required
// name must be one of them.
func ToolSchema(s *jsonschema.Schema) error {
	if s == nil {
		return fmt.Errorf("nil schema")
	}
	switch {
	case s.Type == "" && len(s.Types) == 0:
		s.Type = "object"
	case s.Type != "object":
		return fmt.Errorf("tool input schema type must be object, got %q", s.Type)
	}

	seen := map[string]struct{}{}
	var req []string
	for _, name := range s.Required {
		if len(s.Properties) > 0 {
			if _, ok := s.Properties[name]; !ok {
				return fmt.Errorf("required property missing: %s", name)
			}
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			req = append(req, name)
		}
	}
	s.Required = req
	return nil
}

// Arguments validates tool call arguments against a resolved schema.
type Arguments struct {
	resolved *jsonschema.Resolved
}

// Compile normalizes s with ToolSchema and resolves it for validation.
func Compile(s *jsonschema.Schema) (*Arguments, error) {
	if err := ToolSchema(s); err != nil {
		return nil, err
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return &Arguments{resolved: resolved}, nil
}

// Validate decodes raw and checks it against the schema. Missing arguments
// are treated as an empty object.
func (a *Arguments) Validate(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("invalid arguments: expected an object")
		}
		args = obj
	}
	if err := a.resolved.Validate(args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}
