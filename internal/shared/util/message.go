package util

import (
	"strings"
	"unicode/utf8"
)

// ErrorMessage flattens err onto one line and bounds it to max bytes
// without splitting a multibyte character.
func ErrorMessage(err error, max int) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	return Truncate(strings.TrimSpace(msg), max)
}

// Truncate cuts s to at most max bytes, backing off to a rune boundary.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
