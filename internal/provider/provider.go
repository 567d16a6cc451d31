// Package provider classifies requests to an upstream LLM provider and
// decodes the three wire formats the interceptor understands — OpenAI
// chat/completions SSE, Anthropic messages SSE, and Ollama NDJSON — into
// one uniform shape.
//
// Every parser implements the same capability set: parse a request body,
// parse a non-streaming response body, and assemble a streaming response
// incrementally through an Accumulator. Parsers are tolerant by design: a
// malformed frame is reported as such and assembly continues, because the
// proxy must never let a logging concern break live traffic.
package provider

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/llmtap/llmtap/internal/config"
	"github.com/llmtap/llmtap/internal/model"
)

// RequestInfo is the normalized view of a request body.
type RequestInfo struct {
	Model        string
	SystemPrompt string
	Messages     json.RawMessage
	Tools        json.RawMessage
	Images       []model.ImageMeta
	Stream       bool
}

// Assembly is the normalized view of a complete response, whether it
// arrived in one body or was reconstructed from a stream.
type Assembly struct {
	Text         string
	ToolCalls    json.RawMessage
	Usage        *model.Usage
	FinishReason string
	// Model is set when the response names a model and the request did not.
	Model string
	// Error carries a provider-signaled stream error (Anthropic `error`
	// events); it terminates assembly but not forwarding.
	Error string
}

// Event is one decoded frame from a streaming response. Raw holds the frame
// exactly as transported, so concatenating every event's Raw reproduces the
// streamed bytes.
type Event struct {
	Raw       []byte
	Decoded   json.RawMessage // nil when the frame was not valid JSON
	Type      string          // provider tag, e.g. "content_block_delta", "done", "malformed"
	DeltaText string          // content fragment carried by this frame, if any
}

// Parser decodes one provider's wire format.
type Parser interface {
	Provider() model.Provider
	ParseRequest(body []byte) RequestInfo
	ParseResponse(body []byte) Assembly
	// NewAccumulator begins a stream. Accumulator state is owned by one
	// request handler and never shared.
	NewAccumulator() Accumulator
}

// Accumulator assembles a streamed response. Feed accepts raw bytes in
// arrival order and returns the events completed by those bytes; a partial
// frame at the tail is buffered until the next call. Flush drains whatever
// remains at EOF, and Finalize produces the assembled response.
type Accumulator interface {
	Feed(p []byte) []Event
	Flush() []Event
	Finalize() Assembly
}

// EstimateUsage is the fallback token heuristic for providers that report
// no usage: total_tokens = ceil(bytes/4), at least 1 for non-empty text.
func EstimateUsage(text string) *model.Usage {
	if text == "" {
		return nil
	}
	total := (len(text) + 3) / 4
	if total < 1 {
		total = 1
	}
	return &model.Usage{TotalTokens: total, Heuristic: true}
}

// Registry maps an incoming request to a provider, its parser, and the
// upstream base URL to forward to. Classification is path-first:
//
//  1. /v1/messages*  -> anthropic
//  2. /v1/*          -> openai
//  3. /api/*         -> ollama
//  4. anything else  -> passthrough
//
// Passthrough requests carry no parser; they forward to the Ollama
// upstream (the local default), and only raw bytes are recorded.
type Registry struct {
	openaiURL    string
	anthropicURL string
	ollamaURL    string

	openai    Parser
	anthropic Parser
	ollama    Parser
}

// NewRegistry builds a registry with one parser instance per provider.
// Parsers are stateless; per-stream state lives in Accumulators.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		openaiURL:    strings.TrimSuffix(cfg.OpenAIURL, "/"),
		anthropicURL: strings.TrimSuffix(cfg.AnthropicURL, "/"),
		ollamaURL:    strings.TrimSuffix(cfg.OllamaURL, "/"),
		openai:       &OpenAIParser{},
		anthropic:    &AnthropicParser{},
		ollama:       &OllamaParser{},
	}
}

// Detect classifies a request. The parser is nil for passthrough. The
// headers argument is accepted for confirmation (anthropic-version on
// /v1/messages) but never changes the path-first outcome.
func (r *Registry) Detect(path string, _ http.Header) (model.Provider, Parser, string) {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return model.ProviderAnthropic, r.anthropic, r.anthropicURL
	case strings.HasPrefix(path, "/v1/"):
		return model.ProviderOpenAI, r.openai, r.openaiURL
	case strings.HasPrefix(path, "/api/"):
		return model.ProviderOllama, r.ollama, r.ollamaURL
	default:
		return model.ProviderPassthrough, nil, r.ollamaURL
	}
}
