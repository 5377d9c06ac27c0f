package logutil

import "strings"

// maxLogValueLen bounds how much of a single client-supplied value ends up in
// a log line.
const maxLogValueLen = 256

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection, and truncates overly long values.
func SanitizeForLog(s string) string {
	s = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(s)
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	out := result.String()
	if len(out) > maxLogValueLen {
		out = out[:maxLogValueLen] + "..."
	}
	return out
}

// Quote sanitizes s and wraps it in quotes, for values that may be empty.
func Quote(s string) string {
	return `"` + SanitizeForLog(s) + `"`
}
