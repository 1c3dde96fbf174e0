package textutil

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var strict = bluemonday.StrictPolicy()

// PlainText strips markup from user-entered text (scope descriptions, quote notes, dispute
// reasons), collapses runs of whitespace and truncates to max runes. max <= 0 disables
// truncation.
func PlainText(value string, max int) string {
	if value == "" {
		return ""
	}
	cleaned := html.UnescapeString(strict.Sanitize(value))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if max > 0 && utf8.RuneCountInString(cleaned) > max {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:max]))
	}
	return cleaned
}

// PlainTextPtr applies PlainText to an optional field, returning nil when nothing is left.
func PlainTextPtr(value *string, max int) *string {
	if value == nil {
		return nil
	}
	cleaned := PlainText(*value, max)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}
