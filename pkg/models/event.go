package models

import "time"

// EventType identifies the kind of stream event.
type EventType string

const (
	// Message events wrap the assistant's streamed text.
	EventMessageStart EventType = "message_start"
	EventMessageChunk EventType = "message_chunk"
	EventMessageEnd   EventType = "message_end"

	// State events track agent lifecycle and field collection.
	EventStateChange    EventType = "state_change"
	EventFieldCollected EventType = "field_collected"
	EventFieldValidated EventType = "field_validated"

	// Tool events bracket each tool execution.
	EventToolCallStart EventType = "tool_call_start"
	EventToolCallEnd   EventType = "tool_call_end"
	EventToolResult    EventType = "tool_result"

	EventError EventType = "error"

	// EventDone is always the terminal event of a stream.
	EventDone EventType = "done"
)

// StreamEvent is one typed event emitted by StreamMessage.
//
// Guarantees: EventMessageStart precedes any EventMessageChunk for the
// same assistant turn; every EventToolCallStart is followed by exactly
// one EventToolCallEnd or EventError carrying the same tool_call_id;
// EventDone is always last.
type StreamEvent struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agent_id,omitempty"`
	AgentType string         `json:"agent_type,omitempty"`
	// Sequence is monotonic within one stream for ordering across
	// goroutines.
	Sequence uint64 `json:"sequence"`
}

// NewStreamEvent builds an event stamped with the current time. The
// caller assigns Sequence.
func NewStreamEvent(typ EventType, data map[string]any) StreamEvent {
	return StreamEvent{Type: typ, Data: data, Timestamp: time.Now()}
}
