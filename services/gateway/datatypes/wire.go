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

// Websocket wire protocol. Two logical endpoints exist, one per session role
// (ordinary vs orchestrator); both share this message vocabulary.

// ClientMessageType enumerates client-to-server frame types.
type ClientMessageType string

const (
	// ClientStart opens or re-attaches to a session by stable key.
	ClientStart ClientMessageType = "start"

	// ClientSend submits a prompt, opening exactly one turn.
	ClientSend ClientMessageType = "send"

	// ClientCommand submits a slash-style directive (e.g. "/compact").
	ClientCommand ClientMessageType = "command"

	// ClientInterrupt cancels the in-flight turn.
	ClientInterrupt ClientMessageType = "interrupt"

	// ClientStop tears the session down and removes it from the pool.
	ClientStop ClientMessageType = "stop"
)

// ClientMessage is one client-to-server frame.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`

	// StableKey identifies the session. Required on start; generated
	// client-side, never reassigned.
	StableKey string `json:"stable_key,omitempty"`

	// ResumeEngineKey asks the engine to resume an existing conversation.
	ResumeEngineKey string `json:"resume_engine_key,omitempty"`

	// Fork asks the engine to fork the resumed conversation instead of
	// continuing it.
	Fork bool `json:"fork,omitempty"`

	// ConfirmReplace acknowledges, on the orchestrator endpoint, that the
	// live orchestrator session should be stopped and replaced. A start
	// without it fails while an orchestrator is active.
	ConfirmReplace bool `json:"confirm_replace,omitempty"`

	// VoiceMode flags this control connection as the mirror of a voice
	// session. Events it submits are logged with voice provenance.
	VoiceMode bool `json:"voice_mode,omitempty"`

	// Prompt is the user text for send, or the directive for command.
	Prompt string `json:"prompt,omitempty"`
}

// ServerMessageType enumerates server-to-client frame types.
type ServerMessageType string

const (
	// ServerSessionStarted echoes the stable key once the session is live.
	ServerSessionStarted ServerMessageType = "session_started"

	// ServerStatus reports a session status transition.
	ServerStatus ServerMessageType = "status"

	// ServerEvent wraps one session Event.
	ServerEvent ServerMessageType = "event"

	// ServerSessionStopped confirms teardown.
	ServerSessionStopped ServerMessageType = "session_stopped"

	// ServerError carries a connection-scoped failure.
	ServerError ServerMessageType = "error"
)

// ErrorKind tags server error frames so clients can branch without parsing
// message text.
type ErrorKind string

const (
	ErrKindMalformedInput ErrorKind = "malformed_input"
	ErrKindNotStarted     ErrorKind = "not_started"
	ErrKindStartTimeout   ErrorKind = "start_timeout"
	ErrKindStartFailed    ErrorKind = "start_failed"
	ErrKindSendFailed     ErrorKind = "send_failed"
	ErrKindUnknownCommand ErrorKind = "unknown_command"

	// ErrKindConfirmationRequired is returned when starting an orchestrator
	// while one is live; the client must resend start with confirm_replace.
	ErrKindConfirmationRequired ErrorKind = "confirmation_required"
)

// ServerMessage is one server-to-client frame.
type ServerMessage struct {
	Type ServerMessageType `json:"type"`

	// StableKey identifies the session the frame belongs to.
	StableKey string `json:"stable_key,omitempty"`

	// Status is set on status frames.
	Status Status `json:"status,omitempty"`

	// Event is set on event frames.
	Event *Event `json:"event,omitempty"`

	// ErrorKind and Error are set on error frames.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`

	// Stale is set once on an event frame when this subscriber's buffer
	// overflowed and events were dropped; the client should reload history.
	Stale bool `json:"stale,omitempty"`
}
