package provider

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/llmtap/llmtap/internal/model"
)

// AnthropicParser decodes the Anthropic Messages API wire format.
//
// Streaming responses are SSE with named events. The payload of every
// event repeats its name in a "type" field, so assembly switches on the
// payload alone and the "event:" lines only matter for frame fidelity:
//
//	message_start        -> model, input token count
//	content_block_start  -> push a text | tool_use | thinking block
//	content_block_delta  -> text_delta / input_json_delta / thinking_delta
//	content_block_stop   -> finalize the open block
//	message_delta        -> stop_reason, output token count
//	message_stop         -> end of stream
//	ping                 -> ignored
//	error                -> record the error, stop assembling
type AnthropicParser struct{}

func (*AnthropicParser) Provider() model.Provider { return model.ProviderAnthropic }

// ParseRequest extracts the normalized request fields. Anthropic keeps the
// system prompt out of the messages list: `system` is a top-level string or
// a list of text blocks.
func (*AnthropicParser) ParseRequest(body []byte) RequestInfo {
	root := gjson.ParseBytes(body)

	info := RequestInfo{
		Model:        root.Get("model").Str,
		Stream:       root.Get("stream").Bool(),
		SystemPrompt: flattenContent(root.Get("system"), "\n"),
	}

	if msgs := root.Get("messages"); msgs.IsArray() {
		info.Messages = json.RawMessage(msgs.Raw)
		info.Images = extractImages(info.Messages)
	}
	if tools := root.Get("tools"); tools.IsArray() {
		info.Tools = json.RawMessage(tools.Raw)
	}

	return info
}

// ParseResponse decodes a non-streaming messages response. Content is an
// array of blocks; text and thinking blocks join into the response text,
// tool_use blocks become tool calls.
func (*AnthropicParser) ParseResponse(body []byte) Assembly {
	root := gjson.ParseBytes(body)

	a := Assembly{
		Model:        root.Get("model").Str,
		FinishReason: root.Get("stop_reason").Str,
	}

	var textParts []string
	var toolCalls []json.RawMessage

	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").Str {
		case "text":
			textParts = append(textParts, block.Get("text").Str)
		case "thinking":
			textParts = append(textParts, "[thinking]"+block.Get("thinking").Str+"[/thinking]")
		case "tool_use":
			toolCalls = append(toolCalls, json.RawMessage(block.Raw))
		}
		return true
	})

	a.Text = strings.Join(textParts, "\n")
	if len(toolCalls) > 0 {
		a.ToolCalls, _ = json.Marshal(toolCalls)
	}
	if u := root.Get("usage"); u.IsObject() {
		a.Usage = anthropicUsage(u)
	}

	return a
}

func (*AnthropicParser) NewAccumulator() Accumulator {
	return &anthropicAccumulator{frames: newSSEFrames()}
}

func anthropicUsage(u gjson.Result) *model.Usage {
	in := int(u.Get("input_tokens").Int())
	out := int(u.Get("output_tokens").Int())
	return &model.Usage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
	}
}

// anthropicTool accumulates one tool_use block: id and name arrive on
// content_block_start, the input JSON arrives as string fragments on
// input_json_delta events and is parsed at content_block_stop.
type anthropicTool struct {
	id   string
	name string
	args strings.Builder
}

type anthropicAccumulator struct {
	frames *frameBuffer
	text   strings.Builder
	tools  []*anthropicTool
	open   *anthropicTool // tool_use block currently streaming, if any

	model        string
	inputTokens  int
	outputTokens int
	stopReason   string
	streamErr    string
}

func (a *anthropicAccumulator) Feed(p []byte) []Event {
	var events []Event
	for _, frame := range a.frames.split(p) {
		events = append(events, a.consume(frame))
	}
	return events
}

func (a *anthropicAccumulator) Flush() []Event {
	tail := a.frames.drain()
	if len(tail) == 0 {
		return nil
	}
	return []Event{a.consume(tail)}
}

func (a *anthropicAccumulator) consume(frame []byte) Event {
	data := sseData(frame)
	if data == nil {
		return Event{Raw: frame, Type: "keepalive"}
	}
	if !gjson.ValidBytes(data) {
		return Event{Raw: frame, Type: "malformed"}
	}

	root := gjson.ParseBytes(data)
	eventType := root.Get("type").Str
	ev := Event{Raw: frame, Decoded: json.RawMessage(data), Type: eventType}
	if eventType == "" {
		ev.Type = "unknown"
	}

	// A provider error terminates assembly; later frames are still
	// recorded as chunks but no longer mutate state.
	if a.streamErr != "" {
		return ev
	}

	switch eventType {
	case "message_start":
		msg := root.Get("message")
		a.model = msg.Get("model").Str
		a.inputTokens = int(msg.Get("usage.input_tokens").Int())

	case "content_block_start":
		block := root.Get("content_block")
		if block.Get("type").Str == "tool_use" {
			a.open = &anthropicTool{
				id:   block.Get("id").Str,
				name: block.Get("name").Str,
			}
		}

	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").Str {
		case "text_delta":
			ev.DeltaText = delta.Get("text").Str
			a.text.WriteString(ev.DeltaText)
		case "thinking_delta":
			ev.DeltaText = delta.Get("thinking").Str
			a.text.WriteString(ev.DeltaText)
		case "input_json_delta":
			if a.open != nil {
				a.open.args.WriteString(delta.Get("partial_json").Str)
			}
		}

	case "content_block_stop":
		if a.open != nil {
			a.tools = append(a.tools, a.open)
			a.open = nil
		}

	case "message_delta":
		if sr := root.Get("delta.stop_reason").Str; sr != "" {
			a.stopReason = sr
		}
		if ot := root.Get("usage.output_tokens"); ot.Exists() {
			a.outputTokens = int(ot.Int())
		}

	case "message_stop", "ping":
		// Nothing to accumulate.

	case "error":
		a.streamErr = root.Get("error.message").Str
		if a.streamErr == "" {
			a.streamErr = "provider stream error"
		}
	}

	return ev
}

func (a *anthropicAccumulator) Finalize() Assembly {
	out := Assembly{
		Text:         a.text.String(),
		FinishReason: a.stopReason,
		Model:        a.model,
		Error:        a.streamErr,
	}

	if a.inputTokens != 0 || a.outputTokens != 0 {
		out.Usage = &model.Usage{
			PromptTokens:     a.inputTokens,
			CompletionTokens: a.outputTokens,
			TotalTokens:      a.inputTokens + a.outputTokens,
		}
	}

	// A tool block still open at EOF (disconnect mid-stream) is kept with
	// whatever arguments arrived.
	tools := a.tools
	if a.open != nil {
		tools = append(tools, a.open)
	}

	if len(tools) > 0 {
		type toolUse struct {
			Type  string          `json:"type"`
			ID    string          `json:"id,omitempty"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}
		calls := make([]toolUse, 0, len(tools))
		for _, t := range tools {
			raw := t.args.String()
			input := json.RawMessage(raw)
			if raw == "" || !json.Valid(input) {
				// Truncated argument JSON is preserved as a string.
				input, _ = json.Marshal(raw)
			}
			calls = append(calls, toolUse{Type: "tool_use", ID: t.id, Name: t.name, Input: input})
		}
		out.ToolCalls, _ = json.Marshal(calls)
	}

	return out
}
