// Package utils holds the tolerant JSON handling used on LLM output.
package utils

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	hjson "github.com/hjson/hjson-go/v4"
)

// StripCodeFences removes markdown code fences models like to wrap JSON in.
func StripCodeFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// TolerantParseObject decodes a model response into a JSON object, trying
// strict JSON first and Hjson second (unquoted keys, trailing commas,
// comments). Returns nil when neither parses; the caller then decides whether
// to spend a repair call.
func TolerantParseObject(raw string) map[string]interface{} {
	cleaned := StripCodeFences(raw)
	if cleaned == "" {
		return nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil {
		return obj
	}
	if err := hjson.Unmarshal([]byte(cleaned), &obj); err == nil && len(obj) > 0 {
		return obj
	}
	return nil
}

// RepairJSON attempts a local fix of common LLM JSON errors (missing quotes,
// single quotes, unclosed brackets, trailing commas) before any provider
// repair call is spent.
func RepairJSON(malformed string) (string, error) {
	repaired, err := jsonrepair.RepairJSON(StripCodeFences(malformed))
	if err != nil {
		return "", fmt.Errorf("json repair failed: %w", err)
	}
	return repaired, nil
}

// DecodeStrict unmarshals data into v and fails on unknown fields.
func DecodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("strict decode: %w", err)
	}
	return nil
}
