package server

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fakeai/fakeai/internal/tokens"
)

// generateFromSchema fabricates a document satisfying a JSON schema,
// drawing any free choices from gen so the output is seed-deterministic.
// Supported keywords cover what tool-call and structured-output schemas
// use in practice: type, properties, required, items, enum, const,
// minimum/maximum, minItems.
func generateFromSchema(raw json.RawMessage, gen *tokens.Generator) (any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return genValue(schema, gen, 0), nil
}

const maxSchemaDepth = 8

func genValue(schema map[string]any, gen *tokens.Generator, depth int) any {
	if depth > maxSchemaDepth {
		return nil
	}
	if c, ok := schema["const"]; ok {
		return c
	}
	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		return enum[pick(gen, len(enum))]
	}

	switch schemaType(schema) {
	case "object":
		out := map[string]any{}
		props, _ := schema["properties"].(map[string]any)
		// Required properties always appear; optional ones are skipped so
		// generated documents stay small.
		for _, name := range requiredProps(schema, props) {
			ps, _ := props[name].(map[string]any)
			if ps == nil {
				ps = map[string]any{}
			}
			out[name] = genValue(ps, gen, depth+1)
		}
		return out
	case "array":
		items, _ := schema["items"].(map[string]any)
		if items == nil {
			items = map[string]any{"type": "string"}
		}
		n := 1
		if min, ok := schema["minItems"].(float64); ok && int(min) > n {
			n = int(min)
		}
		arr := make([]any, 0, n)
		for i := 0; i < n; i++ {
			arr = append(arr, genValue(items, gen, depth+1))
		}
		return arr
	case "string":
		return gen.Next(0) + gen.Next(1) + gen.Next(2)
	case "integer":
		return float64(boundedInt(schema, pick(gen, 100)))
	case "number":
		return float64(boundedInt(schema, pick(gen, 100)))
	case "boolean":
		return gen.Chance(0.5)
	case "null":
		return nil
	default:
		// No type: fall back to a string leaf.
		return gen.Next(0)
	}
}

func schemaType(schema map[string]any) string {
	switch t := schema["type"].(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func requiredProps(schema map[string]any, props map[string]any) []string {
	if req, ok := schema["required"].([]any); ok {
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				if _, known := props[s]; known || len(props) == 0 {
					out = append(out, s)
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	// Nothing required: emit every declared property in stable order so
	// repeated runs with the same seed agree.
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func pick(gen *tokens.Generator, n int) int {
	if n <= 1 {
		return 0
	}
	// Chance gives a uniform draw without exposing the PRNG directly.
	for i := 0; i < n-1; i++ {
		if gen.Chance(1.0 / float64(n-i)) {
			return i
		}
	}
	return n - 1
}

func boundedInt(schema map[string]any, v int) int {
	if min, ok := schema["minimum"].(float64); ok && v < int(min) {
		v = int(min)
	}
	if max, ok := schema["maximum"].(float64); ok && v > int(max) {
		v = int(max)
	}
	return v
}

// validateAgainstSchema checks doc against a raw JSON schema.
func validateAgainstSchema(raw json.RawMessage, doc any) error {
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return schema.Validate(doc)
}
