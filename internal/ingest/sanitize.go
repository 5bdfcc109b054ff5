package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"laninv/internal/report"
	"laninv/internal/specmap"
)

// Sanitize returns a copy of m with every string value truncated to
// maxField runes and stripped of control characters other than newline and
// tab. Keys are stripped but never truncated. Diagnostic blobs are capped
// at maxDiag bytes instead.
func Sanitize(m *specmap.Map, maxField, maxDiag int) *specmap.Map {
	out := specmap.New()
	for _, f := range m.Fields() {
		key := stripControl(f.Key)
		if report.IsDiagnosticKey(f.Key) {
			s, ok := f.Value.(string)
			if ok {
				out.Set(key, truncateBytes(stripControl(s), maxDiag))
				continue
			}
		}
		out.Set(key, cleanValue(f.Value, maxField))
	}
	return out
}

func cleanValue(v any, maxField int) any {
	switch t := v.(type) {
	case string:
		return cleanString(t, maxField)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cleanValue(e, maxField)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[stripControl(k)] = cleanValue(e, maxField)
		}
		return out
	default:
		return v
	}
}

func cleanString(s string, max int) string {
	s = stripControl(s)
	if max > 0 && utf8.RuneCountInString(s) > max {
		r := []rune(s)
		s = string(r[:max])
	}
	return s
}

func stripControl(s string) string {
	if !strings.ContainsFunc(s, isStripped) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isStripped(r) {
			return -1
		}
		return r
	}, s)
}

func isStripped(r rune) bool {
	return unicode.IsControl(r) && r != '\n' && r != '\t'
}

// truncateBytes cuts s to at most max bytes on a rune boundary.
func truncateBytes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
