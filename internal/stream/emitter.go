// Package stream implements C6, the Stream Emitter: turns backend chunks
// (text, thinking, tool calls) into an ordered sequence of Anthropic-style
// SSE events, enforcing the block-open/close discipline the upstream
// client expects (§4.6).
//
// Grounded on the teacher's internal/translator/antigravity/claude/antigravity_claude_response.go
// Params state machine (HasFirstResponse/ResponseType/ResponseIndex tracking
// across streaming chunks), restructured around this spec's narrower,
// exactly-specified event schedule rather than the teacher's broader
// multi-provider response shape handling.
package stream

import (
	"fmt"

	"github.com/antigravity-proxy/gateway/internal/tokenizer"
)

// Event is one SSE event this emitter produces: Type is the SSE event
// name, Data is the JSON-serializable payload for its "data:" line.
type Event struct {
	Type string
	Data any
}

// MessageEnvelope is the message object carried by message_start (§4.6).
type MessageEnvelope struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []any          `json:"content"`
	StopReason *string        `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage mirrors the Anthropic usage block.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ContentBlock is the content_block payload of a content_block_start event.
type ContentBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Thinking string         `json:"thinking,omitempty"`
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

// Delta is the delta payload of a content_block_delta event.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// messageStartEvent is the data payload of a message_start event.
type messageStartEvent struct {
	Type    string          `json:"type"`
	Message MessageEnvelope `json:"message"`
}

// contentBlockStartEvent is the data payload of a content_block_start event.
type contentBlockStartEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

// contentBlockDeltaEvent is the data payload of a content_block_delta event.
type contentBlockDeltaEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

// contentBlockStopEvent is the data payload of a content_block_stop event.
type contentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// messageDelta is the delta payload of a message_delta event.
type messageDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// messageDeltaEvent is the data payload of a message_delta event.
type messageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta messageDelta `json:"delta"`
	Usage Usage        `json:"usage"`
}

// messageStopEvent is the data payload of a message_stop event.
type messageStopEvent struct {
	Type string `json:"type"`
}

// ToolCall is one tool invocation to emit via SendToolCalls (§4.6).
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON-encoded arguments, emitted verbatim as partial_json
}

// Emitter maintains the block-open state across a single streaming response
// (§4.6). Not safe for concurrent use; a request is served by one goroutine.
type Emitter struct {
	requestID string
	model     string

	nextIndex          int
	textBlockIndex     *int
	thinkingBlockIndex *int
	totalOutputTokens  int
	finished           bool
}

// New constructs an Emitter for one streaming response.
func New(requestID, model string) *Emitter {
	return &Emitter{requestID: requestID, model: model}
}

// Start emits message_start with the initial message envelope (§4.6).
func (e *Emitter) Start(inputTokens int) []Event {
	return []Event{{
		Type: "message_start",
		Data: messageStartEvent{
			Type: "message_start",
			Message: MessageEnvelope{
				ID:      fmt.Sprintf("msg_%s", e.requestID),
				Type:    "message",
				Role:    "assistant",
				Model:   e.model,
				Content: []any{},
				Usage:   Usage{InputTokens: inputTokens, OutputTokens: 0},
			},
		},
	}}
}

// SendText closes any open thinking block, opens a text block if none is
// open, and emits a text_delta (§4.6).
func (e *Emitter) SendText(chunk string) []Event {
	var events []Event
	if e.thinkingBlockIndex != nil {
		events = append(events, e.closeThinking())
	}
	if e.textBlockIndex == nil {
		events = append(events, e.openBlock(&e.textBlockIndex, ContentBlock{Type: "text"}))
	}
	events = append(events, Event{
		Type: "content_block_delta",
		Data: contentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: *e.textBlockIndex,
			Delta: Delta{Type: "text_delta", Text: chunk},
		},
	})
	e.totalOutputTokens += tokenizer.Estimate(chunk)
	return events
}

// SendThinking closes any open text block, opens a thinking block if none
// is open, and emits a thinking_delta (§4.6).
func (e *Emitter) SendThinking(chunk string) []Event {
	var events []Event
	if e.textBlockIndex != nil {
		events = append(events, e.closeText())
	}
	if e.thinkingBlockIndex == nil {
		events = append(events, e.openBlock(&e.thinkingBlockIndex, ContentBlock{Type: "thinking"}))
	}
	events = append(events, Event{
		Type: "content_block_delta",
		Data: contentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: *e.thinkingBlockIndex,
			Delta: Delta{Type: "thinking_delta", Thinking: chunk},
		},
	})
	e.totalOutputTokens += tokenizer.Estimate(chunk)
	return events
}

// SendToolCalls closes both open blocks, then for each call opens a
// tool_use block, emits one input_json_delta, and immediately closes it;
// each call occupies a fresh block index (§4.6).
func (e *Emitter) SendToolCalls(calls []ToolCall) []Event {
	var events []Event
	if e.thinkingBlockIndex != nil {
		events = append(events, e.closeThinking())
	}
	if e.textBlockIndex != nil {
		events = append(events, e.closeText())
	}
	for _, call := range calls {
		var idx *int
		events = append(events, e.openBlock(&idx, ContentBlock{Type: "tool_use", ID: call.ID, Name: call.Name, Input: map[string]any{}}))
		events = append(events, Event{
			Type: "content_block_delta",
			Data: contentBlockDeltaEvent{
				Type:  "content_block_delta",
				Index: *idx,
				Delta: Delta{Type: "input_json_delta", PartialJSON: call.Arguments},
			},
		})
		events = append(events, Event{Type: "content_block_stop", Data: contentBlockStopEvent{Type: "content_block_stop", Index: *idx}})
		e.totalOutputTokens += tokenizer.Estimate(call.Arguments)
	}
	return events
}

// Finish closes any open blocks and emits message_delta followed by
// message_stop, ending the response. Idempotent: a second call returns no
// events (§4.6).
func (e *Emitter) Finish(inputTokens int) []Event {
	if e.finished {
		return nil
	}
	var events []Event
	if e.thinkingBlockIndex != nil {
		events = append(events, e.closeThinking())
	}
	if e.textBlockIndex != nil {
		events = append(events, e.closeText())
	}

	events = append(events,
		Event{
			Type: "message_delta",
			Data: messageDeltaEvent{
				Type:  "message_delta",
				Delta: messageDelta{StopReason: "end_turn", StopSequence: nil},
				Usage: Usage{InputTokens: inputTokens, OutputTokens: e.totalOutputTokens},
			},
		},
		Event{Type: "message_stop", Data: messageStopEvent{Type: "message_stop"}},
	)
	e.finished = true
	return events
}

// openBlock allocates the next block index, stores it at *slot, and
// returns the content_block_start event.
func (e *Emitter) openBlock(slot **int, block ContentBlock) Event {
	idx := e.nextIndex
	e.nextIndex++
	*slot = &idx
	return Event{
		Type: "content_block_start",
		Data: contentBlockStartEvent{Type: "content_block_start", Index: idx, ContentBlock: block},
	}
}

func (e *Emitter) closeText() Event {
	idx := *e.textBlockIndex
	e.textBlockIndex = nil
	return Event{Type: "content_block_stop", Data: contentBlockStopEvent{Type: "content_block_stop", Index: idx}}
}

func (e *Emitter) closeThinking() Event {
	idx := *e.thinkingBlockIndex
	e.thinkingBlockIndex = nil
	return Event{Type: "content_block_stop", Data: contentBlockStopEvent{Type: "content_block_stop", Index: idx}}
}
