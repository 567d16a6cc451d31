// Package model defines the record types for intercepted traffic: the
// Interaction (one request/response cycle), the StreamChunk (one framed
// unit of a streamed response), and their supporting value types.
//
// Everything downstream of the proxy handler — the store, the admin
// endpoints, the exporter — works with these types and never touches
// provider wire formats directly.
package model

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Provider identifies which wire format an interaction used.
type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderAnthropic   Provider = "anthropic"
	ProviderOllama      Provider = "ollama"
	ProviderPassthrough Provider = "passthrough"
)

// NewID returns a new ULID string. ULIDs sort lexicographically by creation
// time, so `ORDER BY id` on the chunk table matches receive order for free.
func NewID() string {
	return ulid.Make().String()
}

// Usage holds token counts for one interaction. Counts come from the
// provider when it reports them; otherwise TotalTokens is estimated from
// the response size and Heuristic is set.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens,omitempty"`
	CompletionTokens int  `json:"completion_tokens,omitempty"`
	TotalTokens      int  `json:"total_tokens,omitempty"`
	Heuristic        bool `json:"heuristic,omitempty"`
}

// Total returns the reported total, falling back to prompt + completion.
func (u *Usage) Total() int {
	if u.TotalTokens != 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// CostEstimate is a best-effort USD estimate from a static pricing table.
// Nil on the interaction when the model is unknown and no table matches.
type CostEstimate struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	TotalCost  float64 `json:"total_cost"`
	Model      string  `json:"model,omitempty"`
	Note       string  `json:"note,omitempty"`
}

// ImageMeta describes one image found in a request. Only metadata is kept;
// raw base64 payloads never reach the store.
type ImageMeta struct {
	Index     int    `json:"index"`
	MIME      string `json:"mime"`
	SizeBytes int    `json:"size_bytes"`
}

// StreamChunk is one framed unit received during a streaming response:
// one SSE data event or one NDJSON line, as transported.
type StreamChunk struct {
	ID            string          `json:"id"`
	InteractionID string          `json:"interaction_id"`
	Seq           int             `json:"seq"`
	ReceivedAt    time.Time       `json:"received_at"`
	EventType     string          `json:"event_type"`
	Raw           []byte          `json:"raw"`
	Decoded       json.RawMessage `json:"decoded,omitempty"`
}

// Interaction is one client-observed request/response cycle. It is created
// when request headers are parsed, mutated only by the handler that owns
// it, finalized once at response end, and immutable afterwards.
type Interaction struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Provider    Provider  `json:"provider"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	ClientAddr  string    `json:"client_addr,omitempty"`

	// Request side. Headers are stored post-redaction.
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     []byte            `json:"request_body,omitempty"`
	Model           string            `json:"model,omitempty"`
	SystemPrompt    string            `json:"system_prompt,omitempty"`
	Messages        json.RawMessage   `json:"messages,omitempty"`
	Tools           json.RawMessage   `json:"tools,omitempty"`
	Images          []ImageMeta       `json:"image_metadata,omitempty"`
	StreamRequested bool              `json:"stream_requested"`

	// Response side. For streaming responses ResponseBody holds the
	// concatenated wire bytes exactly as relayed to the client.
	StatusCode        int               `json:"status_code,omitempty"`
	ResponseHeaders   map[string]string `json:"response_headers,omitempty"`
	ResponseBody      []byte            `json:"response_body,omitempty"`
	ReconstructedText string            `json:"reconstructed_text,omitempty"`
	ToolCalls         json.RawMessage   `json:"tool_calls,omitempty"`
	FinishReason      string            `json:"finish_reason,omitempty"`
	Error             string            `json:"error,omitempty"`

	// Metrics. TTFB is the first upstream byte, TTFT the first content
	// token; TTFT stays nil for non-streaming responses.
	Usage          *Usage        `json:"usage,omitempty"`
	Cost           *CostEstimate `json:"cost_estimate,omitempty"`
	TTFBMillis     *float64      `json:"ttfb_ms,omitempty"`
	TTFTMillis     *float64      `json:"ttft_ms,omitempty"`
	TotalLatencyMs float64       `json:"total_latency_ms"`

	Streaming  bool `json:"streaming"`
	ChunkCount int  `json:"chunk_count"`

	// Chunks is populated on get-by-id and verbose exports; list queries
	// leave it nil.
	Chunks []StreamChunk `json:"chunks,omitempty"`
}

// Session is a derived aggregate over interactions sharing a session_id.
// Never stored as a row; materialized by the store's group-by query.
type Session struct {
	SessionID        string    `json:"session_id"`
	InteractionCount int       `json:"interaction_count"`
	Providers        []string  `json:"providers"`
	Models           []string  `json:"models"`
	FirstSeen        time.Time `json:"first_interaction"`
	LastSeen         time.Time `json:"last_interaction"`
	TotalLatencyMs   float64   `json:"total_latency_ms"`
}

// Stats is the aggregate snapshot served by /_interceptor/stats.
type Stats struct {
	TotalInteractions int            `json:"total_interactions"`
	ByProvider        map[string]int `json:"by_provider"`
	ByModel           map[string]int `json:"by_model"`
	TotalTokens       int            `json:"total_tokens"`
	ErrorRate         float64        `json:"error_rate"`
	AvgLatencyMs      float64        `json:"avg_latency_ms"`
}
