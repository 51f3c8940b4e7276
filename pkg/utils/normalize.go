package utils

import "strings"

// NormalizeName lowercases and trims a user name for case-insensitive lookup.
func NormalizeName(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
