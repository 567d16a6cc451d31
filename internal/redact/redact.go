// Package redact removes API keys and other secret material from headers
// and bodies before they are persisted. Redaction applies only to stored
// copies; forwarded traffic is never altered.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// sensitiveHeaders are redacted by name, case-insensitively, regardless of
// value shape.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"x-api-key":           {},
	"api-key":             {},
	"anthropic-api-key":   {},
	"openai-api-key":      {},
	"proxy-authorization": {},
	"cookie":              {},
}

var (
	// bearerPattern matches bearer-token shaped values in any header.
	bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9._\-]+`)

	// keyPattern matches bare API keys inside bodies (sk- prefixed, the
	// shape OpenAI and Anthropic keys share).
	keyPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{8,}`)

	// placeholderPattern recognizes an already-redacted value, which keeps
	// redaction idempotent: redact(redact(h)) == redact(h).
	placeholderPattern = regexp.MustCompile(`^<redacted:\d+>$`)
)

// placeholder replaces a secret with a marker carrying the original byte
// length, so captures still show how large the credential was.
func placeholder(secret string) string {
	return fmt.Sprintf("<redacted:%d>", len(secret))
}

// Headers returns a copy of h with secret values replaced. The input map
// is never modified.
func Headers(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for name, value := range h {
		out[name] = headerValue(name, value)
	}
	return out
}

func headerValue(name, value string) string {
	if placeholderPattern.MatchString(value) {
		return value
	}
	if _, ok := sensitiveHeaders[strings.ToLower(name)]; ok {
		return placeholder(value)
	}
	if bearerPattern.MatchString(value) {
		return placeholder(value)
	}
	return value
}

// Body replaces bearer tokens and bare API keys inside a request body.
// Disabled by default; the handler calls it only when body redaction is
// configured.
func Body(b []byte) []byte {
	b = bearerPattern.ReplaceAllFunc(b, func(m []byte) []byte {
		return []byte(placeholder(string(m)))
	})
	b = keyPattern.ReplaceAllFunc(b, func(m []byte) []byte {
		return []byte(placeholder(string(m)))
	})
	return b
}
