package llm

import (
	"errors"
	"strings"
)

// ErrNoJSON is returned when a reply contains no JSON value of the
// expected shape.
var ErrNoJSON = errors.New("no JSON found in model reply")

// extractJSON returns the first balanced JSON value that starts with open,
// skipping any prose or code fences around it.
func extractJSON(text string, open, close byte) (string, error) {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return "", ErrNoJSON
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == close:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}
