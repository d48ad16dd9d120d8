package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Key material, mnemonics, and transport tokens must never appear in logs
// regardless of the call site.
var sensitiveKeys = map[string]struct{}{
	"secret":         {},
	"secret_key":     {},
	"private_key":    {},
	"encrypted_key":  {},
	"mnemonic":       {},
	"auth_token":     {},
	"api_token":      {},
	"encryption_key": {},
}

// IsSensitive reports whether values under the key must be masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// MaskValue returns the canonical redacted placeholder for non-empty values.
// Empty values are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskAddress keeps only the edges of a ledger address so operators can
// correlate log lines without recording the full value.
func MaskAddress(address string) string {
	if len(address) <= 12 {
		return MaskValue(address)
	}
	return address[:6] + ".." + address[len(address)-4:]
}

// Field returns a slog.Attr, masking the value when the key is sensitive.
func Field(key, value string) slog.Attr {
	if IsSensitive(key) {
		return slog.String(key, MaskValue(value))
	}
	return slog.String(key, value)
}
