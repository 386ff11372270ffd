package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Models rarely return clean JSON. The parser runs a fixed strategy chain and
// reports failure through the result value instead of panicking or returning
// partial data:
//  1. direct parse of the whole text
//  2. contents of a ```json fenced block
//  3. first balanced {...} object in the text
//  4. repair pass over the best candidate (control characters inside string
//     literals, single-quoted strings) and reparse

var fencedBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ParseResult is the outcome of a tolerant parse. Err holds the terminal
// diagnostic when OK is false; Data is the zero value in that case.
type ParseResult[T any] struct {
	OK   bool
	Data T
	Err  string
}

// Parse attempts to extract a T from model output using the strategy chain.
func Parse[T any](text string) ParseResult[T] {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ParseResult[T]{Err: "empty input"}
	}

	candidates := []string{trimmed}
	if m := fencedBlockRegex.FindStringSubmatch(trimmed); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if obj := extractBalancedObject(trimmed); obj != "" {
		candidates = append(candidates, obj)
	}

	var lastErr string
	for _, c := range candidates {
		var data T
		if err := json.Unmarshal([]byte(c), &data); err == nil {
			return ParseResult[T]{OK: true, Data: data}
		} else {
			lastErr = err.Error()
		}
		repaired := repairJSON(c)
		if repaired != c {
			if err := json.Unmarshal([]byte(repaired), &data); err == nil {
				return ParseResult[T]{OK: true, Data: data}
			} else {
				lastErr = err.Error()
			}
		}
	}

	return ParseResult[T]{Err: "all parsing strategies failed: " + lastErr}
}

// ParseOrDefault parses and falls back to the given value on failure.
func ParseOrDefault[T any](text string, fallback T) T {
	if r := Parse[T](text); r.OK {
		return r.Data
	}
	return fallback
}

// extractBalancedObject returns the first balanced top-level JSON object in
// the text, tracking string literals and escapes so braces inside values do
// not confuse the depth count. Returns "" when no balanced object exists.
func extractBalancedObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

// repairJSON fixes the two malformations models actually produce: raw control
// characters inside string literals (newlines in a "description" value) and
// single-quoted strings. quote tracks which delimiter opened the current
// string so an apostrophe inside a double-quoted value survives untouched.
func repairJSON(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	var quote byte
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if escaped {
			b.WriteByte(ch)
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && quote != 0:
			b.WriteByte(ch)
			escaped = true
		case quote == 0 && (ch == '"' || ch == '\''):
			quote = ch
			b.WriteByte('"')
		case quote != 0 && ch == quote:
			quote = 0
			b.WriteByte('"')
		case quote != 0 && (ch == '\n' || ch == '\r' || ch == '\t'):
			b.WriteByte(' ')
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
