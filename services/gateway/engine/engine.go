// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine defines the narrow interface to the external agent
// execution engine and an HTTP/SSE client implementation of it.
//
// # Description
//
// The engine is an opaque capability: it accepts a prompt plus history,
// emits a sequence of typed response events, and supports interrupt and
// compact operations. The gateway consumes it exclusively through the Engine
// interface so the session layer never depends on a concrete transport.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use across sessions. A single
// Handle is driven by one session manager at a time.
package engine

import (
	"context"
	"errors"
)

// ErrUnreachable is returned by Start when the engine cannot be reached
// within the caller's timeout. Transient: the caller retries with backoff,
// the client never retries silently on its own.
var ErrUnreachable = errors.New("engine unreachable")

// ErrNotStarted is returned when Send is called on a handle whose Start
// never completed. This is a caller bug, not a transient condition.
var ErrNotStarted = errors.New("engine conversation not started")

// EventKind identifies the kind of native engine event.
type EventKind string

const (
	KindTextDelta          EventKind = "text_delta"
	KindTextComplete       EventKind = "text_complete"
	KindThinkingDelta      EventKind = "thinking_delta"
	KindThinkingComplete   EventKind = "thinking_complete"
	KindToolInvocation     EventKind = "tool_invocation"
	KindToolProgress       EventKind = "tool_progress"
	KindToolResult         EventKind = "tool_result"
	KindTurnComplete       EventKind = "turn_complete"
	KindCompactionNotice   EventKind = "compaction_notice"
	KindCompactionComplete EventKind = "compaction_complete"
	KindError              EventKind = "error"
)

// Event is one native engine event. The session manager translates these
// 1:1 into the gateway's own event variants.
type Event struct {
	Kind EventKind `json:"kind"`

	// BlockID groups text/thinking deltas with their completion event.
	BlockID string `json:"block_id,omitempty"`

	// Text is the delta or completed block content.
	Text string `json:"text,omitempty"`

	// InvocationID, ToolName, ToolInput, ToolOutput describe tool traffic.
	InvocationID string `json:"invocation_id,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	ToolInput    string `json:"tool_input,omitempty"`
	ToolOutput   string `json:"tool_output,omitempty"`
	ToolIsError  bool   `json:"tool_is_error,omitempty"`

	// SessionID is the engine-assigned conversation identifier, present on
	// turn_complete events.
	SessionID string `json:"session_id,omitempty"`

	// Usage fields, present on turn_complete events.
	CostUSD      float64 `json:"cost_usd,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`

	// Error is the message for error events.
	Error string `json:"error,omitempty"`
}

// StartOptions configures a new engine conversation.
type StartOptions struct {
	// ResumeSessionID resumes the engine's persisted conversation with this
	// identifier. Empty means start fresh.
	ResumeSessionID string

	// Fork creates a new conversation seeded from the resumed one instead
	// of continuing it in place.
	Fork bool

	// SystemPrompt overrides the engine's default system prompt, used by
	// the orchestrator session to install its control-plane persona.
	SystemPrompt string

	// Tools declares backend-executed tools the engine may invoke. When the
	// engine calls one, it emits a tool_invocation event and waits for
	// RespondTool before continuing the turn.
	Tools []ToolSpec
}

// ToolSpec declares one backend-executed tool to the engine.
type ToolSpec struct {
	// Name is the tool name the engine will invoke.
	Name string `json:"name"`

	// Description tells the engine's model what the tool does.
	Description string `json:"description"`

	// InputSchema is the JSON schema for the tool input.
	InputSchema map[string]any `json:"input_schema"`
}

// Handle identifies one live engine conversation.
type Handle interface {
	// SessionID returns the engine-assigned identifier, or empty if the
	// first turn has not completed yet.
	SessionID() string
}

// Engine is the gateway's contract with the external execution engine.
type Engine interface {
	// Start opens a new engine conversation or resumes one. It returns
	// ErrUnreachable (wrapped) if the engine cannot be reached before ctx
	// expires; the caller owns retry policy.
	Start(ctx context.Context, opts StartOptions) (Handle, error)

	// Send submits a prompt and streams the engine's native events for one
	// turn. The returned channel is closed after the terminal turn_complete
	// event. Cancelling ctx abandons the stream; use Interrupt for a clean
	// cancel that still yields a terminal event.
	Send(ctx context.Context, h Handle, prompt string) (<-chan Event, error)

	// Interrupt cancels the in-flight turn on h. The event stream still
	// terminates with a turn_complete event.
	Interrupt(ctx context.Context, h Handle) error

	// Compact asks the engine to compact its conversation history. The
	// engine emits a compaction_notice before compacting and a
	// compaction_complete when done.
	Compact(ctx context.Context, h Handle) error

	// RespondTool delivers the result of a backend-executed tool
	// invocation so the engine can continue the turn.
	RespondTool(ctx context.Context, h Handle, invocationID, output string, isErr bool) error
}
