package schema

import (
	"fmt"
	"strings"
	"unicode"
)

// Normalize converts a raw CSV header into a stable snake_case field
// identifier. The transformation is deterministic: camelCase boundaries
// become underscores, runs of non-alphanumeric characters collapse to a
// single underscore, the result is lowercased and trimmed, and anything
// empty or digit-leading gets a "col" prefix so it stays a valid
// identifier.
func Normalize(header string) string {
	s := strings.TrimSpace(header)

	var b strings.Builder
	b.Grow(len(s) + 8)

	prev := rune(0)
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			// Insert a boundary between a lower/digit rune and an upper rune.
			if (prev >= 'a' && prev <= 'z') || unicode.IsDigit(prev) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prev = r
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prev = r
		default:
			// Runs of anything non-alphanumeric collapse to one underscore.
			if prev != 0 && prev != '_' {
				b.WriteByte('_')
			}
			prev = '_'
		}
	}

	out := strings.Trim(b.String(), "_")

	if out == "" {
		return "col"
	}
	if out[0] >= '0' && out[0] <= '9' {
		return "col_" + out
	}
	return out
}

// NormalizeHeaders normalizes a full header row and guarantees the
// resulting identifiers are unique. Collisions are broken in first-seen
// order by appending _1, _2, and so on.
func NormalizeHeaders(headers []string) []string {
	out := make([]string, 0, len(headers))
	seen := make(map[string]bool, len(headers))

	for _, h := range headers {
		base := Normalize(h)
		candidate := base
		for suffix := 1; seen[candidate]; suffix++ {
			candidate = fmt.Sprintf("%s_%d", base, suffix)
		}
		seen[candidate] = true
		out = append(out, candidate)
	}

	return out
}
