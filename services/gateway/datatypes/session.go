// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the Relay gateway:
// session identity, the event sum-type emitted during a turn, and the
// websocket wire frames exchanged with clients.
//
// # Session Identity
//
// Every session carries two identifiers. The stable key is generated on the
// client before any engine contact and is never reassigned; it is the primary
// key in the pool, the wire protocol, and the UI. The engine key is assigned
// by the external execution engine once the first turn completes and is used
// only to locate or resume the engine's own persisted conversation. Keeping
// the two separate is what makes browser-refresh reconnection safe: a client
// that reconnects presents the same stable key and re-attaches to the running
// session, regardless of what the engine calls it.
//
// # Thread Safety
//
// All types in this package are value types or treated as immutable after
// creation. Concurrent mutation is the session manager's job, not the data
// model's.
package datatypes

import "time"

// Status describes what a session is doing right now.
type Status string

const (
	// StatusConnecting means the engine conversation is being established.
	StatusConnecting Status = "connecting"

	// StatusIdle means the session is ready for the next prompt.
	StatusIdle Status = "idle"

	// StatusStreaming means assistant text is being streamed.
	StatusStreaming Status = "streaming"

	// StatusThinking means the engine is emitting extended thinking.
	StatusThinking Status = "thinking"

	// StatusUsingTool means a tool invocation is executing.
	StatusUsingTool Status = "using_tool"

	// StatusInterrupted means the in-flight turn was cancelled by the operator.
	StatusInterrupted Status = "interrupted"

	// StatusDisconnected means the engine connection was lost.
	StatusDisconnected Status = "disconnected"
)

// Role distinguishes ordinary sessions from the single privileged
// orchestrator session.
type Role string

const (
	// RoleOrdinary is a normal operator-facing conversation.
	RoleOrdinary Role = "ordinary"

	// RoleOrchestrator is the privileged session whose tools operate on the
	// session pool itself. At most one orchestrator is live at a time; the
	// pool enforces this.
	RoleOrchestrator Role = "orchestrator"
)

// SessionSummary is the pool's external view of one session. It is what
// List() returns and what the sessions REST endpoint serializes.
type SessionSummary struct {
	// StableKey is the operator-facing identifier, generated client-side
	// before any engine contact and never reassigned.
	StableKey string `json:"stable_key"`

	// EngineKey is the identifier assigned by the external engine once the
	// first turn completes. Empty until then.
	EngineKey string `json:"engine_key,omitempty"`

	// Status is the session's current state.
	Status Status `json:"status"`

	// Role is ordinary or orchestrator.
	Role Role `json:"role"`

	// Title is the operator-assigned or summarized session title, if any.
	Title string `json:"title,omitempty"`

	// TurnCount is the number of completed turns. Monotonically
	// non-decreasing, updated only by turn-completion events.
	TurnCount int `json:"turn_count"`

	// AccumulatedCost is the total engine cost in USD across completed
	// turns. Monotonically non-decreasing.
	AccumulatedCost float64 `json:"accumulated_cost"`

	// Subscribers is the number of currently attached event subscribers.
	Subscribers int `json:"subscribers"`

	// CreatedAt is when the session was announced to the pool.
	CreatedAt time.Time `json:"created_at"`
}

// Provenance records which modality produced a log entry.
type Provenance string

const (
	// ProvenanceText marks entries produced by the ordinary text transport.
	ProvenanceText Provenance = "text"

	// ProvenanceVoice marks entries mirrored from the voice engine's data
	// channel. Voice and text entries interleave in one linear history.
	ProvenanceVoice Provenance = "voice"
)
