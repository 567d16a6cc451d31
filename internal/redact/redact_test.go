package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeadersByName(t *testing.T) {
	h := map[string]string{
		"Authorization":   "Bearer sk-abc123",
		"X-Api-Key":       "sk-ant-secret",
		"anthropic-api-key": "whatever",
		"Content-Type":    "application/json",
		"Accept":          "*/*",
	}

	got := Headers(h)

	assert.Equal(t, "<redacted:16>", got["Authorization"])
	assert.Equal(t, "<redacted:13>", got["X-Api-Key"])
	assert.Equal(t, "<redacted:8>", got["anthropic-api-key"])
	assert.Equal(t, "application/json", got["Content-Type"])
	assert.Equal(t, "*/*", got["Accept"])

	// Input map is untouched.
	assert.Equal(t, "Bearer sk-abc123", h["Authorization"])
}

func TestHeadersBearerShape(t *testing.T) {
	// A bearer token in a non-listed header is still redacted.
	h := map[string]string{
		"X-Custom-Auth": "Bearer tok_1.two-three",
	}

	got := Headers(h)
	assert.Equal(t, "<redacted:22>", got["X-Custom-Auth"])
}

func TestHeadersIdempotent(t *testing.T) {
	h := map[string]string{
		"Authorization": "Bearer sk-abc123",
		"Cookie":        "session=deadbeef",
	}

	once := Headers(h)
	twice := Headers(once)
	assert.Equal(t, once, twice)
}

func TestBody(t *testing.T) {
	body := []byte(`{"api_key":"sk-aaaabbbbcccc","note":"Bearer abc.def-ghi"}`)

	got := Body(body)

	assert.NotContains(t, string(got), "sk-aaaabbbbcccc")
	assert.NotContains(t, string(got), "abc.def-ghi")
	assert.Contains(t, string(got), "<redacted:15>") // len("sk-aaaabbbbcccc")

	// Idempotent.
	assert.Equal(t, string(got), string(Body(got)))
}

func TestBodyLeavesPlainJSON(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, body, Body(body))
}
