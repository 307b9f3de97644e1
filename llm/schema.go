// Structured-output schema normalization.

package llm

import (
	"encoding/json"
	"fmt"
	"sort"
)

// NormalizeSchemaStrict returns a copy of a JSON Schema prepared for
// provider strict mode: every object node gets "additionalProperties": false
// and a "required" list covering all of its properties. The input is not
// mutated.
func NormalizeSchemaStrict(schema json.RawMessage) (json.RawMessage, error) {
	var node any
	if err := json.Unmarshal(schema, &node); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	normalizeNode(node)

	out, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("serialize normalized schema: %w", err)
	}
	return out, nil
}

func normalizeNode(node any) {
	obj, ok := node.(map[string]any)
	if !ok {
		if arr, ok := node.([]any); ok {
			for _, item := range arr {
				normalizeNode(item)
			}
		}
		return
	}

	if isObjectNode(obj) {
		obj["additionalProperties"] = false
		if props, ok := obj["properties"].(map[string]any); ok {
			required := make([]string, 0, len(props))
			for name := range props {
				required = append(required, name)
			}
			sort.Strings(required)
			obj["required"] = required
		}
	}

	// Recurse into every subschema position.
	for _, key := range []string{"properties", "items", "anyOf", "oneOf", "allOf", "definitions", "$defs"} {
		if sub, ok := obj[key]; ok {
			switch v := sub.(type) {
			case map[string]any:
				if key == "properties" || key == "definitions" || key == "$defs" {
					for _, p := range v {
						normalizeNode(p)
					}
				} else {
					normalizeNode(v)
				}
			case []any:
				for _, p := range v {
					normalizeNode(p)
				}
			}
		}
	}
}

// isObjectNode reports whether a schema node describes an object: a "type"
// of "object", a type union containing "object" (nullable objects), or a
// bare node carrying "properties".
func isObjectNode(obj map[string]any) bool {
	switch t := obj["type"].(type) {
	case string:
		return t == "object"
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s == "object" {
				return true
			}
		}
		return false
	}
	_, hasProps := obj["properties"]
	return hasProps
}
