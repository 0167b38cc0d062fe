// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MockEngine is an in-memory Engine for tests. Scripts are queued per turn;
// each Send drains the next script into the event channel. If no script is
// queued, the turn completes immediately with a bare turn_complete event.
//
// Thread Safety: MockEngine is safe for concurrent use.
type MockEngine struct {
	mu      sync.Mutex
	scripts [][]Event

	// StartCalls counts Start invocations; tests use it to verify that
	// re-subscribing to a live session never duplicates the engine
	// conversation.
	StartCalls atomic.Int64

	// SendCalls counts Send invocations.
	SendCalls atomic.Int64

	// InterruptCalls counts Interrupt invocations.
	InterruptCalls atomic.Int64

	// StartErr, when set, is returned by Start.
	StartErr error

	// SessionID is the engine key stamped on turn_complete events that do
	// not carry one in their script.
	SessionID string

	// HoldTurn, when set, makes Send block after emitting its script's
	// non-terminal events until Interrupt or Release is called. Used to
	// test interrupt semantics.
	HoldTurn bool

	// ToolResults records RespondTool calls as "invocationID:output".
	toolResults []string

	release chan struct{}
	seq     atomic.Int64
}

// NewMockEngine creates a mock with a default session identifier.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		SessionID: "engine-sess-mock",
		release:   make(chan struct{}, 16),
	}
}

// Script queues the events for the next turn. The terminal turn_complete is
// appended automatically if the script does not end with one.
func (m *MockEngine) Script(events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, events)
}

type mockHandle struct {
	id        string
	sessionID string
}

func (h *mockHandle) SessionID() string { return h.sessionID }

// Start opens a mock conversation.
func (m *MockEngine) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	m.StartCalls.Add(1)
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	id := fmt.Sprintf("mock-conv-%d", m.seq.Add(1))
	sessionID := opts.ResumeSessionID
	return &mockHandle{id: id, sessionID: sessionID}, nil
}

// Send streams the next queued script.
func (m *MockEngine) Send(ctx context.Context, h Handle, prompt string) (<-chan Event, error) {
	if _, ok := h.(*mockHandle); !ok {
		return nil, ErrNotStarted
	}
	m.SendCalls.Add(1)

	m.mu.Lock()
	var script []Event
	if len(m.scripts) > 0 {
		script = m.scripts[0]
		m.scripts = m.scripts[1:]
	}
	hold := m.HoldTurn
	m.mu.Unlock()

	out := make(chan Event, len(script)+2)
	go func() {
		defer close(out)
		terminal := false
		for _, ev := range script {
			if ev.Kind == KindTurnComplete {
				terminal = true
				if ev.SessionID == "" {
					ev.SessionID = m.SessionID
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			select {
			case <-m.release:
			case <-ctx.Done():
				return
			}
			terminal = false
		}
		if !terminal {
			select {
			case out <- Event{Kind: KindTurnComplete, SessionID: m.SessionID}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Interrupt releases a held turn so its stream can terminate.
func (m *MockEngine) Interrupt(ctx context.Context, h Handle) error {
	m.InterruptCalls.Add(1)
	select {
	case m.release <- struct{}{}:
	default:
	}
	return nil
}

// Compact is a no-op that succeeds.
func (m *MockEngine) Compact(ctx context.Context, h Handle) error { return nil }

// RespondTool records the delivered tool result.
func (m *MockEngine) RespondTool(ctx context.Context, h Handle, invocationID, output string, isErr bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolResults = append(m.toolResults, invocationID+":"+output)
	return nil
}

// ToolResults returns the recorded RespondTool calls.
func (m *MockEngine) ToolResults() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.toolResults))
	copy(out, m.toolResults)
	return out
}

// Compile-time interface check.
var _ Engine = (*MockEngine)(nil)
