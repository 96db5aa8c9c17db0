// Package obfuscate masks credentials before they reach the diagnostics log.
package obfuscate

import (
	"strings"

	"go.uber.org/zap"
)

// Key masks a private key for display. Short keys are fully masked; longer
// ones keep the first and last four characters, e.g. "1234****cdef".
func Key(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// BearerKey masks the key inside an Authorization header value. Values
// without the Bearer scheme are masked as a whole.
func BearerKey(header string) string {
	const scheme = "Bearer "
	if strings.HasPrefix(header, scheme) {
		return scheme + Key(strings.TrimPrefix(header, scheme))
	}
	return Key(header)
}

// KeyField is a zap field carrying the masked key.
func KeyField(s string) zap.Field {
	return zap.String("private_key", Key(s))
}
