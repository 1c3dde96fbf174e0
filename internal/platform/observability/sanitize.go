package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Log and span values are clipped by rune count and stripped of control characters so
// request data cannot forge log lines.
const defaultStringLimit = 256

func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(cleaned) <= limit {
		return cleaned
	}
	runes := []rune(cleaned)
	return string(runes[:limit])
}

// SanitizeRoute cleans a chi route pattern or raw path.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod cleans an HTTP method.
func SanitizeMethod(method string) string {
	return sanitizeString(strings.ToUpper(method), 10)
}

// SanitizeUserID clips a caller uid.
func SanitizeUserID(uid string) string {
	return sanitizeString(strings.TrimSpace(uid), 64)
}

// SanitizeOrderID clips an order id taken from a path or a handler.
func SanitizeOrderID(orderID string) string {
	return sanitizeString(strings.TrimSpace(orderID), 64)
}

// orderStatusLabel bounds the metric label space to status-shaped values. Anything else,
// including an empty status, collapses to "none".
func orderStatusLabel(status string) string {
	if status == "" || len(status) > 40 {
		return "none"
	}
	for _, r := range status {
		if (r < 'A' || r > 'Z') && r != '_' {
			return "none"
		}
	}
	return status
}
