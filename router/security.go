package router

import (
	"regexp"
	"strings"
)

// maxMessageLen caps inbound message size; chat transports never deliver
// legitimate commands anywhere near this long.
const maxMessageLen = 1000

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)\bunion\s+select\b`),
	regexp.MustCompile(`(?i)\b(drop|truncate|delete)\s+(table|from)\b`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`\.\./\.\./`),
	regexp.MustCompile(`(?i)\$\{.*\}`),
	regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f]"),
}

// screen rejects messages that look like injection attempts rather than chat
// commands. The check is deliberately coarse; parsing rejects everything else.
func screen(text string) bool {
	if len(text) > maxMessageLen {
		return false
	}
	trimmed := strings.TrimSpace(text)
	for _, re := range injectionPatterns {
		if re.MatchString(trimmed) {
			return false
		}
	}
	return true
}
