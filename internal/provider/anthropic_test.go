package provider

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// anthropicSSE renders payloads as named SSE events the way the Anthropic
// API frames them: an event: line, a data: line, and a blank line.
func anthropicSSE(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		name := gjson.Get(p, "type").Str
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", name, p)
	}
	return b.String()
}

func TestAnthropicParseRequest(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-20250514",
		"max_tokens": 1024,
		"system": "you are terse",
		"stream": true,
		"messages": [{"role": "user", "content": "hi"}],
		"tools": [{"name": "get_weather", "input_schema": {"type": "object"}}]
	}`)

	info := (&AnthropicParser{}).ParseRequest(body)

	assert.Equal(t, "claude-sonnet-4-20250514", info.Model)
	assert.True(t, info.Stream)
	assert.Equal(t, "you are terse", info.SystemPrompt)
	assert.Equal(t, "get_weather", gjson.ParseBytes(info.Tools).Get("0.name").Str)
}

func TestAnthropicParseRequestSystemBlocks(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-5-haiku-latest",
		"system": [{"type": "text", "text": "one"}, {"type": "text", "text": "two"}],
		"messages": [{"role": "user", "content": [
			{"type": "image", "source": {"type": "base64", "media_type": "image/jpeg", "data": "aGVsbG8="}},
			{"type": "text", "text": "what is this"}
		]}]
	}`)

	info := (&AnthropicParser{}).ParseRequest(body)

	assert.Equal(t, "one\ntwo", info.SystemPrompt)
	require.Len(t, info.Images, 1)
	assert.Equal(t, "image/jpeg", info.Images[0].MIME)
	assert.Equal(t, 5, info.Images[0].SizeBytes)
}

func TestAnthropicParseResponse(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-20250514",
		"stop_reason": "tool_use",
		"content": [
			{"type": "text", "text": "checking"},
			{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Paris"}}
		],
		"usage": {"input_tokens": 12, "output_tokens": 30}
	}`)

	a := (&AnthropicParser{}).ParseResponse(body)

	assert.Equal(t, "checking", a.Text)
	assert.Equal(t, "tool_use", a.FinishReason)
	require.NotNil(t, a.Usage)
	assert.Equal(t, 42, a.Usage.TotalTokens)

	calls := gjson.ParseBytes(a.ToolCalls)
	require.Equal(t, int64(1), calls.Get("#").Int())
	assert.Equal(t, "get_weather", calls.Get("0.name").Str)
	assert.Equal(t, "Paris", calls.Get("0.input.city").Str)
}

func TestAnthropicStreamText(t *testing.T) {
	stream := anthropicSSE(
		`{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4-20250514","usage":{"input_tokens":10,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		`{"type":"message_stop"}`,
	)

	acc := (&AnthropicParser{}).NewAccumulator()

	// Byte-at-a-time feeding must produce the same events.
	var events []Event
	for i := 0; i < len(stream); i++ {
		events = append(events, acc.Feed([]byte{stream[i]})...)
	}
	events = append(events, acc.Flush()...)

	require.Len(t, events, 7)
	assert.Equal(t, "message_start", events[0].Type)
	assert.Equal(t, "content_block_delta", events[2].Type)
	assert.Equal(t, "Hel", events[2].DeltaText)
	assert.Equal(t, "message_stop", events[6].Type)

	var raw strings.Builder
	for _, ev := range events {
		raw.Write(ev.Raw)
	}
	assert.Equal(t, stream, raw.String())

	a := acc.Finalize()
	assert.Equal(t, "Hello", a.Text)
	assert.Equal(t, "end_turn", a.FinishReason)
	assert.Equal(t, "claude-sonnet-4-20250514", a.Model)
	require.NotNil(t, a.Usage)
	assert.Equal(t, 10, a.Usage.PromptTokens)
	assert.Equal(t, 2, a.Usage.CompletionTokens)
	assert.Equal(t, 12, a.Usage.TotalTokens)
}

func TestAnthropicStreamToolUse(t *testing.T) {
	stream := anthropicSSE(
		`{"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":50}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":": \"Paris\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":15}}`,
		`{"type":"message_stop"}`,
	)

	acc := (&AnthropicParser{}).NewAccumulator()
	acc.Feed([]byte(stream))
	a := acc.Finalize()

	assert.Equal(t, "tool_use", a.FinishReason)
	assert.Empty(t, a.Text)

	calls := gjson.ParseBytes(a.ToolCalls)
	require.Equal(t, int64(1), calls.Get("#").Int())
	assert.Equal(t, "tool_use", calls.Get("0.type").Str)
	assert.Equal(t, "toolu_1", calls.Get("0.id").Str)
	assert.Equal(t, "Paris", calls.Get("0.input.city").Str)
}

func TestAnthropicStreamThinking(t *testing.T) {
	stream := anthropicSSE(
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
	)

	acc := (&AnthropicParser{}).NewAccumulator()
	events := acc.Feed([]byte(stream))

	require.Len(t, events, 4)
	assert.Equal(t, "hmm", events[1].DeltaText)
	assert.Equal(t, "hmm", acc.Finalize().Text)
}

func TestAnthropicStreamError(t *testing.T) {
	stream := anthropicSSE(
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"par"}}`,
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"IGNORED"}}`,
	)

	acc := (&AnthropicParser{}).NewAccumulator()
	events := acc.Feed([]byte(stream))

	// Frames after the error are still recorded as chunks...
	require.Len(t, events, 3)

	// ...but assembly stopped at the error.
	a := acc.Finalize()
	assert.Equal(t, "par", a.Text)
	assert.Equal(t, "Overloaded", a.Error)
}

func TestAnthropicStreamPingIgnored(t *testing.T) {
	stream := anthropicSSE(
		`{"type":"ping"}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`,
	)

	acc := (&AnthropicParser{}).NewAccumulator()
	events := acc.Feed([]byte(stream))

	require.Len(t, events, 2)
	assert.Equal(t, "ping", events[0].Type)
	assert.Equal(t, "x", acc.Finalize().Text)
}
