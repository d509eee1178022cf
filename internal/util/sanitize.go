package util

import (
	"html"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters from
// caller-supplied free text (usernames, device fingerprints) before it is
// logged or persisted.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious reports whether an input carries injection-looking
// fragments. Handlers reject such input outright instead of escaping it.
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	lower := strings.ToLower(s)
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// NormalizeResource canonicalizes a protected-resource name for policy
// lookups: trimmed, lowercased, no surrounding slashes.
func NormalizeResource(s string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(s)), "/")
}
