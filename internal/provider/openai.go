package provider

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/llmtap/llmtap/internal/model"
)

// OpenAIParser decodes the OpenAI chat/completions wire format, which is
// also what most OpenAI-compatible servers speak. Streaming responses are
// SSE: each event is `data: <json>` and the stream ends with the
// `data: [DONE]` sentinel.
type OpenAIParser struct{}

func (*OpenAIParser) Provider() model.Provider { return model.ProviderOpenAI }

// ParseRequest extracts the normalized request fields. Field access goes
// through gjson so unexpected shapes degrade to empty values instead of
// decode errors — the proxy logs whatever it can read.
func (*OpenAIParser) ParseRequest(body []byte) RequestInfo {
	root := gjson.ParseBytes(body)

	info := RequestInfo{
		Model:  root.Get("model").Str,
		Stream: root.Get("stream").Bool(),
	}

	if msgs := root.Get("messages"); msgs.IsArray() {
		info.Messages = json.RawMessage(msgs.Raw)
		info.Images = extractImages(info.Messages)

		// The system prompt is the first message with role "system"
		// (or "developer", its newer alias). Content may be a plain
		// string or a list of text parts.
		msgs.ForEach(func(_, msg gjson.Result) bool {
			role := msg.Get("role").Str
			if role != "system" && role != "developer" {
				return true
			}
			info.SystemPrompt = flattenContent(msg.Get("content"), " ")
			return false
		})
	}

	if tools := root.Get("tools"); tools.IsArray() {
		info.Tools = json.RawMessage(tools.Raw)
	}

	return info
}

// ParseResponse decodes a non-streaming chat completion.
func (*OpenAIParser) ParseResponse(body []byte) Assembly {
	root := gjson.ParseBytes(body)

	a := Assembly{Model: root.Get("model").Str}

	choice := root.Get("choices.0")
	a.Text = choice.Get("message.content").Str
	a.FinishReason = choice.Get("finish_reason").Str
	if tc := choice.Get("message.tool_calls"); tc.IsArray() {
		a.ToolCalls = json.RawMessage(tc.Raw)
	}
	if u := root.Get("usage"); u.IsObject() {
		a.Usage = openaiUsage(u)
	}

	return a
}

func (*OpenAIParser) NewAccumulator() Accumulator {
	return &openaiAccumulator{
		frames: newSSEFrames(),
		tools:  make(map[int]*openaiToolAccum),
	}
}

func openaiUsage(u gjson.Result) *model.Usage {
	return &model.Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
}

// flattenContent renders message content that may be a string or a list of
// {type:"text"} parts into one string.
func flattenContent(content gjson.Result, sep string) string {
	if content.Type == gjson.String {
		return content.Str
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Type == gjson.String {
			parts = append(parts, t.Str)
		}
		return true
	})
	return strings.Join(parts, sep)
}

// openaiToolAccum accumulates one tool call across stream deltas: the id
// and name arrive once, arguments arrive as string fragments that must be
// concatenated per index.
type openaiToolAccum struct {
	id   string
	name string
	args strings.Builder
}

type openaiAccumulator struct {
	frames *frameBuffer
	text   strings.Builder
	tools  map[int]*openaiToolAccum
	usage  *model.Usage
	finish string
	model  string
}

func (a *openaiAccumulator) Feed(p []byte) []Event {
	var events []Event
	for _, frame := range a.frames.split(p) {
		events = append(events, a.consume(frame))
	}
	return events
}

func (a *openaiAccumulator) Flush() []Event {
	tail := a.frames.drain()
	if len(tail) == 0 {
		return nil
	}
	return []Event{a.consume(tail)}
}

func (a *openaiAccumulator) consume(frame []byte) Event {
	data := sseData(frame)
	if data == nil {
		// SSE comment or keepalive; kept so chunk raws concatenate to
		// the full stream.
		return Event{Raw: frame, Type: "keepalive"}
	}
	if string(data) == "[DONE]" {
		return Event{Raw: frame, Type: "done"}
	}
	if !gjson.ValidBytes(data) {
		return Event{Raw: frame, Type: "malformed"}
	}

	root := gjson.ParseBytes(data)
	ev := Event{Raw: frame, Decoded: json.RawMessage(data), Type: "chunk"}

	if a.model == "" {
		a.model = root.Get("model").Str
	}

	choice := root.Get("choices.0")
	delta := choice.Get("delta")

	if c := delta.Get("content"); c.Type == gjson.String {
		ev.DeltaText = c.Str
		a.text.WriteString(c.Str)
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		acc, ok := a.tools[idx]
		if !ok {
			acc = &openaiToolAccum{}
			a.tools[idx] = acc
		}
		if id := tc.Get("id").Str; id != "" {
			acc.id = id
		}
		if name := tc.Get("function.name").Str; name != "" {
			acc.name = name
		}
		if args := tc.Get("function.arguments"); args.Type == gjson.String {
			acc.args.WriteString(args.Str)
		}
		return true
	})

	if fr := choice.Get("finish_reason"); fr.Type == gjson.String {
		a.finish = fr.Str
	}

	// Usage rides on a trailing chunk when the client requested
	// stream_options.include_usage.
	if u := root.Get("usage"); u.IsObject() {
		a.usage = openaiUsage(u)
	}

	return ev
}

func (a *openaiAccumulator) Finalize() Assembly {
	out := Assembly{
		Text:         a.text.String(),
		Usage:        a.usage,
		FinishReason: a.finish,
		Model:        a.model,
	}

	if len(a.tools) > 0 {
		indices := make([]int, 0, len(a.tools))
		for idx := range a.tools {
			indices = append(indices, idx)
		}
		sort.Ints(indices)

		type toolFn struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		}
		type toolCall struct {
			ID       string `json:"id,omitempty"`
			Type     string `json:"type"`
			Function toolFn `json:"function"`
		}

		calls := make([]toolCall, 0, len(indices))
		for _, idx := range indices {
			acc := a.tools[idx]
			calls = append(calls, toolCall{
				ID:   acc.id,
				Type: "function",
				Function: toolFn{
					Name:      acc.name,
					Arguments: acc.args.String(),
				},
			})
		}
		out.ToolCalls, _ = json.Marshal(calls)
	}

	return out
}
