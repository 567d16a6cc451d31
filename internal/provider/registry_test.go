package provider

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/llmtap/llmtap/internal/config"
	"github.com/llmtap/llmtap/internal/model"
)

func testRegistry() *Registry {
	cfg := config.Default()
	cfg.OpenAIURL = "https://openai.test"
	cfg.AnthropicURL = "https://anthropic.test"
	cfg.OllamaURL = "http://ollama.test"
	return NewRegistry(cfg)
}

func TestDetect(t *testing.T) {
	r := testRegistry()

	tests := []struct {
		path     string
		provider model.Provider
		upstream string
	}{
		{"/v1/messages", model.ProviderAnthropic, "https://anthropic.test"},
		{"/v1/messages/count_tokens", model.ProviderAnthropic, "https://anthropic.test"},
		{"/v1/chat/completions", model.ProviderOpenAI, "https://openai.test"},
		{"/v1/completions", model.ProviderOpenAI, "https://openai.test"},
		{"/v1/embeddings", model.ProviderOpenAI, "https://openai.test"},
		{"/api/generate", model.ProviderOllama, "http://ollama.test"},
		{"/api/chat", model.ProviderOllama, "http://ollama.test"},
		{"/api/tags", model.ProviderOllama, "http://ollama.test"},
		{"/foo", model.ProviderPassthrough, "http://ollama.test"},
		{"/", model.ProviderPassthrough, "http://ollama.test"},
	}

	for _, tt := range tests {
		provider, parser, upstream := r.Detect(tt.path, http.Header{})
		assert.Equal(t, tt.provider, provider, "path %s", tt.path)
		assert.Equal(t, tt.upstream, upstream, "path %s", tt.path)
		if tt.provider == model.ProviderPassthrough {
			assert.Nil(t, parser, "path %s", tt.path)
		} else {
			assert.Equal(t, tt.provider, parser.Provider(), "path %s", tt.path)
		}
	}
}

func TestDetectIgnoresHeaders(t *testing.T) {
	r := testRegistry()

	// Classification is path-first: an anthropic-version header does not
	// reroute a chat/completions request.
	h := http.Header{}
	h.Set("anthropic-version", "2023-06-01")

	provider, _, _ := r.Detect("/v1/chat/completions", h)
	assert.Equal(t, model.ProviderOpenAI, provider)
}

func TestEstimateUsage(t *testing.T) {
	assert.Nil(t, EstimateUsage(""))

	u := EstimateUsage("abcd")
	assert.Equal(t, 1, u.TotalTokens)
	assert.True(t, u.Heuristic)

	u = EstimateUsage("abcde")
	assert.Equal(t, 2, u.TotalTokens)
}

func TestEstimateCost(t *testing.T) {
	usage := &model.Usage{PromptTokens: 1_000_000, CompletionTokens: 500_000}

	c := EstimateCost(model.ProviderOpenAI, "gpt-4o", usage)
	assert.InDelta(t, 2.50, c.InputCost, 1e-9)
	assert.InDelta(t, 5.00, c.OutputCost, 1e-9)
	assert.InDelta(t, 7.50, c.TotalCost, 1e-9)

	// Prefix match picks the most specific entry.
	c = EstimateCost(model.ProviderOpenAI, "gpt-4o-mini-2024-07-18", usage)
	assert.InDelta(t, 0.15, c.InputCost, 1e-9)

	c = EstimateCost(model.ProviderAnthropic, "claude-3-5-haiku-latest", usage)
	assert.InDelta(t, 0.80, c.InputCost, 1e-9)

	// Unknown model: note, no numbers.
	c = EstimateCost(model.ProviderOpenAI, "mystery-model", usage)
	assert.Zero(t, c.TotalCost)
	assert.NotEmpty(t, c.Note)

	// Ollama is always free.
	c = EstimateCost(model.ProviderOllama, "llama3.2", nil)
	assert.Zero(t, c.TotalCost)
	assert.Contains(t, c.Note, "ollama")

	// Heuristic counts are never priced.
	assert.Nil(t, EstimateCost(model.ProviderOpenAI, "gpt-4o", &model.Usage{TotalTokens: 10, Heuristic: true}))

	assert.Nil(t, EstimateCost(model.ProviderPassthrough, "x", usage))
	assert.Nil(t, EstimateCost(model.ProviderOpenAI, "", usage))
}
