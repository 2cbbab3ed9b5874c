package utils

import (
	"strings"
)

// QuoteIdentifier quotes an identifier for the given SQL dialect, doubling any
// embedded quote character.
func QuoteIdentifier(name, dialect string) string {
	switch strings.ToLower(dialect) {
	case "mysql":
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	default:
		// postgres, sqlite and anything ANSI-ish.
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
}

// QuoteIdentifierList quotes each name and joins them with ", ", preserving order.
func QuoteIdentifierList(names []string, dialect string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdentifier(n, dialect)
	}
	return strings.Join(quoted, ", ")
}

// TruncateForLog collapses whitespace and shortens s to maxLength runes.
func TruncateForLog(s string, maxLength int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if maxLength < 4 || len(r) <= maxLength {
		return s
	}
	return string(r[:maxLength-3]) + "..."
}
