package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const typenameKey = "__typename"

// FormatCoordinates renders a bounding box object as "key: value" pairs in
// document order, joined by ", ". Stored coordinates use this exact form.
// ok is false when raw is absent, null or an empty object.
func FormatCoordinates(raw json.RawMessage) (formatted string, ok bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return "", false, fmt.Errorf("bounding box: %w", err)
	}
	if delim, isDelim := tok.(json.Delim); !isDelim || delim != '{' {
		return "", false, fmt.Errorf("bounding box: expected object, got %v", tok)
	}

	var pairs []string
	seen := false
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return "", false, fmt.Errorf("bounding box: %w", err)
		}
		key, _ := tok.(string)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return "", false, fmt.Errorf("bounding box %s: %w", key, err)
		}
		seen = true

		if key == typenameKey {
			continue
		}
		pairs = append(pairs, key+": "+formatValue(value))
	}

	return strings.Join(pairs, ", "), seen, nil
}

func formatValue(raw json.RawMessage) string {
	switch text := string(raw); text {
	case "true":
		return "True"
	case "false":
		return "False"
	case "null":
		return "None"
	default:
		var s string
		if strings.HasPrefix(text, `"`) && json.Unmarshal(raw, &s) == nil {
			return s
		}
		return text
	}
}
