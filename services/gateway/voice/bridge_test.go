// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// controlSink is a websocket endpoint that collects mirrored events.
type controlSink struct {
	server *httptest.Server
	events chan datatypes.Event
}

func newControlSink(t *testing.T) *controlSink {
	t.Helper()
	sink := &controlSink{events: make(chan datatypes.Event, 32)}
	upgrader := websocket.Upgrader{}
	sink.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var event datatypes.Event
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			sink.events <- event
		}
	}))
	t.Cleanup(sink.server.Close)
	return sink
}

func (s *controlSink) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *controlSink) next(t *testing.T) datatypes.Event {
	t.Helper()
	select {
	case e := <-s.events:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for mirrored event")
		return datatypes.Event{}
	}
}

// bridgeWithControl dials only the control websocket, leaving the peer
// connection untouched so tests exercise the mirroring path in isolation.
func bridgeWithControl(t *testing.T, sink *controlSink) *Bridge {
	t.Helper()
	b := NewBridge(Config{
		ControlURL: sink.url(),
		StableKey:  "sess-voice",
	})
	require.NoError(t, b.dialControl(context.Background()))
	t.Cleanup(func() {
		b.writeMu.Lock()
		b.control.Close()
		b.writeMu.Unlock()
	})
	return b
}

// TestBridge_CommandsQueueBeforeOpen verifies commands submitted before the
// data channel opens are held in submission order.
func TestBridge_CommandsQueueBeforeOpen(t *testing.T) {
	b := NewBridge(Config{StableKey: "sess-voice"})

	require.NoError(t, b.SendCommand(Command{Type: "configure"}))
	require.NoError(t, b.SendCommand(Command{Type: "set_persona"}))
	require.NoError(t, b.SendCommand(Command{Type: "greet"}))

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.queue, 3)
	assert.Equal(t, "configure", b.queue[0].Type)
	assert.Equal(t, "set_persona", b.queue[1].Type)
	assert.Equal(t, "greet", b.queue[2].Type)
}

// TestBridge_SendCommandAfterStop verifies a stopped bridge rejects
// commands instead of queueing them forever.
func TestBridge_SendCommandAfterStop(t *testing.T) {
	b := NewBridge(Config{StableKey: "sess-voice"})
	b.Stop(context.Background())

	err := b.SendCommand(Command{Type: "late"})
	assert.ErrorIs(t, err, ErrNotStarted)

	select {
	case <-b.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
}

// TestBridge_StopIsIdempotent verifies repeated stops run teardown once.
func TestBridge_StopIsIdempotent(t *testing.T) {
	stops := 0
	b := NewBridge(Config{
		StableKey: "sess-voice",
		Hooks: Hooks{
			AfterStop: func(ctx context.Context) error {
				stops++
				return nil
			},
		},
	})

	b.Stop(context.Background())
	b.Stop(context.Background())
	assert.Equal(t, 1, stops)
}

// TestBridge_MirrorsEngineEvents verifies data-channel events pass to the
// backend verbatim.
func TestBridge_MirrorsEngineEvents(t *testing.T) {
	sink := newControlSink(t)
	b := bridgeWithControl(t, sink)

	payload, err := json.Marshal(map[string]any{
		"type": "text_delta",
		"text": map[string]any{"block_id": "b1", "content": "spoken"},
	})
	require.NoError(t, err)
	b.handleEngineEvent(payload)

	mirrored := sink.next(t)
	assert.Equal(t, datatypes.EventTextDelta, mirrored.Type)
	require.NotNil(t, mirrored.Text)
	assert.Equal(t, "b1", mirrored.Text.BlockID)
	assert.Equal(t, "spoken", mirrored.Text.Content)
}

// TestBridge_UnparseableEngineEventSkipped verifies garbage on the data
// channel is dropped without mirroring.
func TestBridge_UnparseableEngineEventSkipped(t *testing.T) {
	sink := newControlSink(t)
	b := bridgeWithControl(t, sink)

	b.handleEngineEvent([]byte("{not json"))

	select {
	case e := <-sink.events:
		t.Fatalf("unexpected mirrored event: %v", e.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestBridge_BargeIn verifies operator speech during assistant output
// finalizes the open text block as interrupted and commands the engine to
// stop speaking.
func TestBridge_BargeIn(t *testing.T) {
	sink := newControlSink(t)
	b := bridgeWithControl(t, sink)

	delta, err := json.Marshal(map[string]any{
		"type": "text_delta",
		"text": map[string]any{"block_id": "b7", "content": "I was about to say"},
	})
	require.NoError(t, err)
	b.handleEngineEvent(delta)
	sink.next(t) // the mirrored delta

	interruptSignal, err := json.Marshal(map[string]any{
		"type":   "status_change",
		"status": map[string]any{"from": "streaming", "to": "interrupted"},
	})
	require.NoError(t, err)
	b.handleEngineEvent(interruptSignal)

	// The synthetic finalization goes out before the status change mirror.
	finalized := sink.next(t)
	assert.Equal(t, datatypes.EventTextComplete, finalized.Type)
	require.NotNil(t, finalized.Text)
	assert.Equal(t, "b7", finalized.Text.BlockID)
	assert.True(t, finalized.Text.Interrupted)
	assert.Equal(t, datatypes.ProvenanceVoice, finalized.Provenance)

	status := sink.next(t)
	assert.Equal(t, datatypes.EventStatusChange, status.Type)

	// The interrupt command queued for the not-yet-open data channel.
	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.queue, 1)
	assert.Equal(t, "interrupt", b.queue[0].Type)
}

// TestBridge_CompletedBlockNotFinalized verifies barge-in after a block
// completed does not synthesize a duplicate completion.
func TestBridge_CompletedBlockNotFinalized(t *testing.T) {
	sink := newControlSink(t)
	b := bridgeWithControl(t, sink)

	complete, err := json.Marshal(map[string]any{
		"type": "text_complete",
		"text": map[string]any{"block_id": "b1", "content": "done speaking"},
	})
	require.NoError(t, err)
	b.handleEngineEvent(complete)
	sink.next(t)

	interruptSignal, err := json.Marshal(map[string]any{
		"type":   "status_change",
		"status": map[string]any{"from": "idle", "to": "interrupted"},
	})
	require.NoError(t, err)
	b.handleEngineEvent(interruptSignal)

	// Only the status change itself is mirrored.
	status := sink.next(t)
	assert.Equal(t, datatypes.EventStatusChange, status.Type)
	select {
	case e := <-sink.events:
		t.Fatalf("unexpected extra mirrored event: %v", e.Type)
	case <-time.After(200 * time.Millisecond):
	}
}
