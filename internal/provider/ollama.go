package provider

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/llmtap/llmtap/internal/model"
)

// OllamaParser decodes the Ollama API wire format. Both /api/generate and
// /api/chat stream NDJSON: one JSON object per line, with `done: true` on
// the last. Generate responses carry text in `response`, chat responses in
// `message.content`.
type OllamaParser struct{}

func (*OllamaParser) Provider() model.Provider { return model.ProviderOllama }

// ParseRequest extracts the normalized request fields. /api/generate uses a
// flat `prompt`, which is normalized into a single user message; note that
// Ollama streams by default, so `stream` is true unless explicitly false.
func (*OllamaParser) ParseRequest(body []byte) RequestInfo {
	root := gjson.ParseBytes(body)

	info := RequestInfo{
		Model:        root.Get("model").Str,
		Stream:       true,
		SystemPrompt: root.Get("system").Str,
	}
	if s := root.Get("stream"); s.Exists() {
		info.Stream = s.Bool()
	}

	if msgs := root.Get("messages"); msgs.IsArray() {
		info.Messages = json.RawMessage(msgs.Raw)
		info.Images = extractImages(info.Messages)
		if info.SystemPrompt == "" {
			msgs.ForEach(func(_, msg gjson.Result) bool {
				if msg.Get("role").Str == "system" {
					info.SystemPrompt = msg.Get("content").Str
					return false
				}
				return true
			})
		}
	} else if prompt := root.Get("prompt"); prompt.Type == gjson.String {
		synth := []map[string]string{{"role": "user", "content": prompt.Str}}
		info.Messages, _ = json.Marshal(synth)
	}

	if tools := root.Get("tools"); tools.IsArray() {
		info.Tools = json.RawMessage(tools.Raw)
	}

	return info
}

// ParseResponse decodes a non-streaming Ollama response (stream=false).
func (*OllamaParser) ParseResponse(body []byte) Assembly {
	root := gjson.ParseBytes(body)

	a := Assembly{Model: root.Get("model").Str}

	if msg := root.Get("message"); msg.IsObject() {
		a.Text = msg.Get("content").Str
		if tc := msg.Get("tool_calls"); tc.IsArray() {
			a.ToolCalls = json.RawMessage(tc.Raw)
		}
	}
	if resp := root.Get("response"); resp.Type == gjson.String {
		a.Text = resp.Str
	}
	if root.Get("done").Bool() {
		a.FinishReason = "done"
	}
	a.Usage = ollamaUsage(root)

	return a
}

func (*OllamaParser) NewAccumulator() Accumulator {
	return &ollamaAccumulator{frames: newNDJSONFrames()}
}

// ollamaUsage maps Ollama's eval counters onto token usage; nil when the
// response carries neither.
func ollamaUsage(root gjson.Result) *model.Usage {
	in := root.Get("prompt_eval_count")
	out := root.Get("eval_count")
	if !in.Exists() && !out.Exists() {
		return nil
	}
	u := &model.Usage{
		PromptTokens:     int(in.Int()),
		CompletionTokens: int(out.Int()),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

type ollamaAccumulator struct {
	frames *frameBuffer
	text   strings.Builder
	tools  []json.RawMessage
	usage  *model.Usage
	model  string
	done   bool
}

func (a *ollamaAccumulator) Feed(p []byte) []Event {
	var events []Event
	for _, frame := range a.frames.split(p) {
		events = append(events, a.consume(frame))
	}
	return events
}

func (a *ollamaAccumulator) Flush() []Event {
	tail := a.frames.drain()
	if len(tail) == 0 {
		return nil
	}
	return []Event{a.consume(tail)}
}

func (a *ollamaAccumulator) consume(frame []byte) Event {
	line := strings.TrimSpace(string(frame))
	if line == "" {
		return Event{Raw: frame, Type: "keepalive"}
	}
	if !gjson.Valid(line) {
		return Event{Raw: frame, Type: "malformed"}
	}

	root := gjson.Parse(line)
	ev := Event{Raw: frame, Decoded: json.RawMessage(line), Type: "chunk"}

	if a.model == "" {
		a.model = root.Get("model").Str
	}

	if resp := root.Get("response"); resp.Type == gjson.String {
		ev.DeltaText = resp.Str
	} else if content := root.Get("message.content"); content.Type == gjson.String {
		ev.DeltaText = content.Str
	}
	a.text.WriteString(ev.DeltaText)

	if tc := root.Get("message.tool_calls"); tc.IsArray() {
		tc.ForEach(func(_, call gjson.Result) bool {
			a.tools = append(a.tools, json.RawMessage(call.Raw))
			return true
		})
	}

	if root.Get("done").Bool() {
		ev.Type = "done"
		a.done = true
		if u := ollamaUsage(root); u != nil {
			a.usage = u
		}
	}

	return ev
}

func (a *ollamaAccumulator) Finalize() Assembly {
	out := Assembly{
		Text:  a.text.String(),
		Usage: a.usage,
		Model: a.model,
	}
	if a.done {
		out.FinishReason = "done"
	}
	if len(a.tools) > 0 {
		out.ToolCalls, _ = json.Marshal(a.tools)
	}
	return out
}
