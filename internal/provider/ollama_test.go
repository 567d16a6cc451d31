package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestOllamaParseRequestGenerate(t *testing.T) {
	body := []byte(`{"model": "llama3.2", "prompt": "why is the sky blue?", "system": "answer briefly"}`)

	info := (&OllamaParser{}).ParseRequest(body)

	assert.Equal(t, "llama3.2", info.Model)
	assert.True(t, info.Stream, "ollama streams by default")
	assert.Equal(t, "answer briefly", info.SystemPrompt)

	// The bare prompt is normalized into a single user message.
	msgs := gjson.ParseBytes(info.Messages)
	require.Equal(t, int64(1), msgs.Get("#").Int())
	assert.Equal(t, "user", msgs.Get("0.role").Str)
	assert.Equal(t, "why is the sky blue?", msgs.Get("0.content").Str)
}

func TestOllamaParseRequestChat(t *testing.T) {
	body := []byte(`{
		"model": "llama3.2",
		"stream": false,
		"messages": [
			{"role": "system", "content": "be nice"},
			{"role": "user", "content": "hi"}
		]
	}`)

	info := (&OllamaParser{}).ParseRequest(body)

	assert.False(t, info.Stream)
	assert.Equal(t, "be nice", info.SystemPrompt)
	assert.Equal(t, int64(2), gjson.ParseBytes(info.Messages).Get("#").Int())
}

func TestOllamaParseResponse(t *testing.T) {
	generate := []byte(`{"model":"llama3.2","response":"blue sky","done":true,"prompt_eval_count":26,"eval_count":90}`)

	a := (&OllamaParser{}).ParseResponse(generate)
	assert.Equal(t, "blue sky", a.Text)
	assert.Equal(t, "done", a.FinishReason)
	require.NotNil(t, a.Usage)
	assert.Equal(t, 26, a.Usage.PromptTokens)
	assert.Equal(t, 90, a.Usage.CompletionTokens)
	assert.Equal(t, 116, a.Usage.TotalTokens)

	chat := []byte(`{"model":"llama3.2","message":{"role":"assistant","content":"hello"},"done":true}`)
	a = (&OllamaParser{}).ParseResponse(chat)
	assert.Equal(t, "hello", a.Text)
	assert.Nil(t, a.Usage)
}

func TestOllamaStreamGenerate(t *testing.T) {
	stream := `{"model":"llama3.2","response":"A","done":false}` + "\n" +
		`{"model":"llama3.2","response":"B","done":true,"prompt_eval_count":5,"eval_count":2}` + "\n"

	acc := (&OllamaParser{}).NewAccumulator()
	events := acc.Feed([]byte(stream))
	events = append(events, acc.Flush()...)

	require.Len(t, events, 2)
	assert.Equal(t, "chunk", events[0].Type)
	assert.Equal(t, "A", events[0].DeltaText)
	assert.Equal(t, "done", events[1].Type)

	a := acc.Finalize()
	assert.Equal(t, "AB", a.Text)
	assert.Equal(t, "done", a.FinishReason)
	assert.Equal(t, "llama3.2", a.Model)
	require.NotNil(t, a.Usage)
	assert.Equal(t, 7, a.Usage.TotalTokens)
}

func TestOllamaStreamChat(t *testing.T) {
	stream := `{"message":{"role":"assistant","content":"Hi"},"done":false}` + "\n" +
		`{"message":{"role":"assistant","content":" there"},"done":false}` + "\n" +
		`{"message":{"role":"assistant","content":""},"done":true}` + "\n"

	acc := (&OllamaParser{}).NewAccumulator()

	// Split mid-line to exercise the retained tail.
	acc.Feed([]byte(stream[:25]))
	acc.Feed([]byte(stream[25:]))

	assert.Equal(t, "Hi there", acc.Finalize().Text)
}

func TestOllamaStreamMalformedLine(t *testing.T) {
	stream := `{"response":"A","done":false}` + "\n" +
		`garbage` + "\n" +
		`{"response":"B","done":true}` + "\n"

	acc := (&OllamaParser{}).NewAccumulator()
	events := acc.Feed([]byte(stream))

	require.Len(t, events, 3)
	assert.Equal(t, "malformed", events[1].Type)
	assert.Equal(t, "AB", acc.Finalize().Text)
}

func TestOllamaStreamTruncated(t *testing.T) {
	acc := (&OllamaParser{}).NewAccumulator()
	acc.Feed([]byte(`{"response":"A","done":false}` + "\n" + `{"response":"B"`))

	flushed := acc.Flush()
	require.Len(t, flushed, 1)
	assert.Equal(t, "malformed", flushed[0].Type)

	a := acc.Finalize()
	assert.Equal(t, "A", a.Text)
	assert.Empty(t, a.FinishReason)
}
