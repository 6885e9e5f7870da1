// Package redact keeps credentials (the ingress bearer token, the Matrix
// access token) out of log output.
//
// Redaction is best-effort. It works on string representations and relies on
// attribute names or the caller's list of known secrets.
package redact

import (
	"log/slog"
	"strings"
)

const placeholder = "[REDACTED]"

var sensitiveWords = []string{"password", "passwd", "token", "secret", "credential", "auth", "apikey", "api_key"}

// String replaces every occurrence of each secret in s with [REDACTED].
// Secrets shorter than 4 characters are skipped so that common substrings
// are not mangled.
func String(s string, secrets ...string) string {
	for _, v := range secrets {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// SensitiveKey reports whether an attribute or config key name suggests that
// its value is a secret.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range sensitiveWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr hook that masks non-empty
// string attributes with sensitive names.
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString || a.Value.String() == "" {
		return a
	}
	if SensitiveKey(a.Key) {
		return slog.String(a.Key, placeholder)
	}
	return a
}
