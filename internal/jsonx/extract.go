// Package jsonx extracts JSON payloads from LLM response text.
//
// Models frequently wrap JSON in markdown fences or surround it with
// commentary. ExtractObject finds the first complete top-level JSON object
// in a response: it locates the first '{' and decodes the longest valid
// prefix from there, so trailing prose after the object is ignored.
package jsonx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractObject returns the first complete top-level JSON object in response.
// The input may be pure JSON, fenced JSON, or JSON embedded in text.
func ExtractObject(response string) (string, error) {
	stripped := StripFences(response)

	if json.Valid([]byte(stripped)) && strings.HasPrefix(strings.TrimSpace(stripped), "{") {
		return strings.TrimSpace(stripped), nil
	}

	start := strings.Index(stripped, "{")
	if start == -1 {
		return "", fmt.Errorf("no JSON object in response: %q", preview(response))
	}

	// Decode the longest valid value starting at the first brace. The decoder
	// stops at the end of the first complete value, so anything after it is
	// harmless.
	dec := json.NewDecoder(bytes.NewReader([]byte(stripped[start:])))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return "", fmt.Errorf("no complete JSON object in response: %q", preview(response))
	}
	return string(raw), nil
}

// Unmarshal extracts the first JSON object from response and unmarshals it
// into result.
func Unmarshal(response string, result any) error {
	payload, err := ExtractObject(response)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), result); err != nil {
		return fmt.Errorf("unmarshal extracted JSON: %w", err)
	}
	return nil
}

// StripFences removes markdown code fence markers (```json ... ``` or
// ``` ... ```) wrapping a response.
func StripFences(response string) string {
	trimmed := strings.TrimSpace(response)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		// Drop an optional language tag on the fence line.
		if nl := strings.IndexByte(trimmed, '\n'); nl != -1 {
			first := strings.TrimSpace(trimmed[:nl])
			if first != "" && !strings.ContainsAny(first, "{}[]") {
				trimmed = trimmed[nl+1:]
			}
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	return trimmed
}

func preview(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}
