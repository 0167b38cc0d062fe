// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of session event.
type EventType string

const (
	// EventTextDelta is an incremental chunk of assistant text.
	EventTextDelta EventType = "text_delta"

	// EventTextComplete closes one assistant text block.
	EventTextComplete EventType = "text_complete"

	// EventThinkingDelta is an incremental chunk of extended thinking.
	EventThinkingDelta EventType = "thinking_delta"

	// EventThinkingComplete closes one thinking block.
	EventThinkingComplete EventType = "thinking_complete"

	// EventToolInvoked is emitted when the engine requests a tool call.
	EventToolInvoked EventType = "tool_invoked"

	// EventToolExecuting is emitted when a tool call begins executing.
	EventToolExecuting EventType = "tool_executing"

	// EventToolProgress carries incremental tool output.
	EventToolProgress EventType = "tool_progress"

	// EventToolResult carries the final result of a tool call.
	EventToolResult EventType = "tool_result"

	// EventTurnComplete is the terminal event of every turn, on every path
	// including interruption and compaction. Callers detect "ready for next
	// input" by this event alone.
	EventTurnComplete EventType = "turn_complete"

	// EventCompactionComplete is emitted after the engine compacts its
	// conversation history.
	EventCompactionComplete EventType = "compaction_complete"

	// EventStatusChange announces a session status transition.
	EventStatusChange EventType = "status_change"

	// EventError carries a non-fatal error scoped to one session.
	EventError EventType = "error"

	// EventUserMessage records the operator prompt that opened a turn. It is
	// written to the conversation log so history reconstruction can rebuild
	// the user side of the dialogue; it is also fanned out so late
	// subscribers of a shared session see what was asked.
	EventUserMessage EventType = "user_message"
)

// Event is an immutable record emitted by a session manager during a turn.
//
// # Description
//
// Events form a tagged union: Type determines which typed payload struct the
// Data field holds (TextData, ToolData, TurnCompleteData, StatusChangeData,
// ErrorData). Consumers switch exhaustively on Type; adding a kind is a
// compile-time-checked change, not a string-keyed lookup.
//
// Ordering within one session is FIFO per turn, and all deltas of a block
// precede that block's completion event. Across sessions there is no
// ordering guarantee.
//
// # Thread Safety
//
// Events are immutable after creation and safe to share across subscribers.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event and the shape of Data.
	Type EventType `json:"type"`

	// StableKey links the event to its session.
	StableKey string `json:"stable_key"`

	// Turn is the turn number this event belongs to.
	Turn int `json:"turn"`

	// Timestamp is when the event was emitted (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Provenance records the modality that produced the event.
	Provenance Provenance `json:"provenance"`

	// Nested marks agent-to-agent traffic relayed from a nested session by
	// the orchestrator, so history reconstruction can fold or skip it.
	Nested bool `json:"nested,omitempty"`

	// Text is set for text_delta, text_complete, thinking_delta,
	// thinking_complete, user_message, and error events.
	Text *TextData `json:"text,omitempty"`

	// Tool is set for tool_invoked, tool_executing, tool_progress, and
	// tool_result events.
	Tool *ToolData `json:"tool,omitempty"`

	// TurnComplete is set for turn_complete events.
	TurnComplete *TurnCompleteData `json:"turn_complete,omitempty"`

	// Status is set for status_change events.
	Status *StatusChangeData `json:"status,omitempty"`

	// Error is set for error events.
	Error *ErrorData `json:"error,omitempty"`
}

// TextData is the payload for text, thinking, and user message events.
type TextData struct {
	// BlockID groups the deltas of one block with its completion event.
	BlockID string `json:"block_id,omitempty"`

	// Content is the text chunk, or the full block text on completion.
	Content string `json:"content"`

	// Interrupted marks a block that was finalized by barge-in or
	// interrupt rather than by the engine closing it.
	Interrupted bool `json:"interrupted,omitempty"`
}

// ToolData is the payload for tool lifecycle events.
type ToolData struct {
	// InvocationID uniquely identifies one tool call. Results are matched
	// to invocations by this id, never by position.
	InvocationID string `json:"invocation_id"`

	// Name is the tool name.
	Name string `json:"name,omitempty"`

	// Input is the JSON-encoded tool input, set on tool_invoked.
	Input string `json:"input,omitempty"`

	// Output is tool output: incremental on tool_progress, final on
	// tool_result.
	Output string `json:"output,omitempty"`

	// IsError marks a tool_result that carries a failure.
	IsError bool `json:"is_error,omitempty"`
}

// TurnCompleteData is the payload for turn_complete events.
type TurnCompleteData struct {
	// EngineKey is the engine-assigned session identifier, echoed on every
	// turn completion so the manager can capture it after the first turn.
	EngineKey string `json:"engine_key,omitempty"`

	// CostUSD is the engine-reported cost of this turn.
	CostUSD float64 `json:"cost_usd,omitempty"`

	// InputTokens and OutputTokens are the engine-reported usage.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// Interrupted is true when the turn ended by operator interrupt.
	Interrupted bool `json:"interrupted,omitempty"`
}

// StatusChangeData is the payload for status_change events.
type StatusChangeData struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

// ErrorData is the payload for error events.
type ErrorData struct {
	// Message is the error text.
	Message string `json:"message"`

	// Code is a machine-readable error code (e.g. "persistence_failure").
	Code string `json:"code,omitempty"`

	// Recoverable is true when the turn continues despite the error.
	Recoverable bool `json:"recoverable"`
}

// NewEvent creates an event with a fresh ID and the current timestamp.
// Callers fill the payload field matching the type.
func NewEvent(eventType EventType, stableKey string, turn int) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		StableKey:  stableKey,
		Turn:       turn,
		Timestamp:  time.Now().UnixMilli(),
		Provenance: ProvenanceText,
	}
}

// IsTerminal reports whether this event ends a turn.
func (e Event) IsTerminal() bool {
	return e.Type == EventTurnComplete
}
