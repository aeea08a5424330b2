// Package utils holds small string helpers shared by the report and logger
// layers. Crash output arrives raw from worker pipes and needs scrubbing
// before it is echoed to a terminal.
package utils

import "strings"

// SafeTruncate caps s at maxRunes runes, appending "..." when it cuts.
// Truncation never splits a UTF-8 sequence.
func SafeTruncate(s string, maxRunes int) string {
	if maxRunes <= 0 || s == "" {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes < 4 {
		return string(runes[:1])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// SanitizeOutput strips ANSI escape sequences and control characters from
// worker output. Newlines and tabs survive; everything else below 0x20 is
// dropped.
func SanitizeOutput(s string) string {
	var result strings.Builder
	inEscape := false
	for i := 0; i < len(s); i++ {
		if s[i] == '\x1b' && i+1 < len(s) && s[i+1] == '[' {
			inEscape = true
			i++
			continue
		}
		if inEscape {
			// CSI sequences end on the first alphabetic byte.
			if (s[i] >= 'A' && s[i] <= 'Z') || (s[i] >= 'a' && s[i] <= 'z') {
				inEscape = false
			}
			continue
		}
		if s[i] >= 32 || s[i] == '\n' || s[i] == '\t' {
			result.WriteByte(s[i])
		}
	}
	return result.String()
}
