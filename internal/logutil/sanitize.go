package logutil

import (
	"strings"
	"unicode"
)

// maxFieldLen bounds how much of a single user-provided value reaches the log.
const maxFieldLen = 120

// SanitizeForLog flattens newlines, tabs and other control characters in
// user-provided strings (hosts, usernames, paths) so a client cannot forge
// log lines, and truncates overly long values.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n == maxFieldLen {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}

// ShortID returns the first 8 characters of a session or transport id.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
