// Package jsonrepair centralises the one robust JSON-extraction routine
// used by the judge, the orchestrator's tool-call router, the
// consolidator and the reflexor: bracket-counting substring isolation
// followed by two deterministic repair passes.
package jsonrepair

import (
	"encoding/json"
	"strings"
)

// Extract finds the first top-level JSON object in text and decodes it.
// It walks a bracket counter that ignores characters inside
// double-quoted strings (respecting backslash escaping), isolates the
// substring where the counter returns to zero, and attempts to decode
// it. On failure it tries, in order: doubling stray unescaped
// backslashes, then replacing literal newlines with spaces. If every
// attempt fails, it returns an empty map and false.
func Extract(text string) (map[string]any, bool) {
	candidate, ok := isolateObject(text)
	if !ok {
		return map[string]any{}, false
	}

	if obj, ok := decode(candidate); ok {
		return obj, true
	}
	if obj, ok := decode(escapeStrayBackslashes(candidate)); ok {
		return obj, true
	}
	if obj, ok := decode(strings.ReplaceAll(candidate, "\n", " ")); ok {
		return obj, true
	}
	return map[string]any{}, false
}

func decode(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// isolateObject scans for the first '{' and returns the substring up to
// its matching closing '}', tracking quote state so braces inside string
// literals don't confuse the depth counter.
func isolateObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// escapeStrayBackslashes doubles any backslash that is not already part
// of a recognised JSON escape sequence (\", \\, \/, \b, \f, \n, \r, \t,
// \uXXXX), a common artifact of LLM output that isn't valid JSON as-is.
func escapeStrayBackslashes(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(s) && isValidEscapeNext(s[i+1]) {
			// Consume the whole escape pair so a second repair pass
			// leaves it untouched (repair must be idempotent).
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i++
			continue
		}
		b.WriteString(`\\`)
	}
	return b.String()
}

func isValidEscapeNext(c byte) bool {
	switch c {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
		return true
	}
	return false
}
