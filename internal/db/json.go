package db

import (
	"encoding/json"
	"fmt"
)

// MarshalStrings encodes a string slice for a JSON TEXT column. A nil or
// empty slice encodes as "[]".
func MarshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// UnmarshalStrings decodes a JSON array column.
func UnmarshalStrings(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decoding string array: %w", err)
	}
	return out, nil
}

// MarshalIntMap encodes a string-to-count map for a JSON TEXT column.
func MarshalIntMap(v map[string]int) string {
	if len(v) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// UnmarshalIntMap decodes a JSON object column into a string-to-count map.
func UnmarshalIntMap(s string) (map[string]int, error) {
	if s == "" || s == "{}" {
		return map[string]int{}, nil
	}
	var out map[string]int
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decoding count map: %w", err)
	}
	return out, nil
}
