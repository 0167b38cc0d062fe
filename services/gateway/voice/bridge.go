// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package voice bridges a session into voice mode: audio flows peer-to-peer
// between the operator and the voice engine over WebRTC, while the engine's
// control events are mirrored through the backend so the conversation log
// stays complete. Raw audio never touches the backend.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
)

// iceGatherTimeout bounds ICE candidate gathering before the offer is
// posted. Vanilla ICE: the complete SDP goes out in one round-trip.
const iceGatherTimeout = 15 * time.Second

// dataChannelOpenTimeout bounds how long Start waits for the control
// channel before giving up on the voice engine.
const dataChannelOpenTimeout = 10 * time.Second

// ErrNotStarted is returned by SendCommand after Stop or before Start.
var ErrNotStarted = errors.New("voice bridge not started")

// Command is one control directive for the voice engine, sent over the
// data channel.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hooks let the caller swap the session between text and voice mode.
//
// BeforeStart runs before any connection is made; it stops the text-mode
// streaming connection for the stable key and marks the session voice-
// active. AfterStop runs after teardown and reverses it. Either may be nil.
type Hooks struct {
	BeforeStart func(ctx context.Context) error
	AfterStop   func(ctx context.Context) error
}

// Config configures a Bridge.
type Config struct {
	// SignalURL is the voice engine's HTTP signaling endpoint. The bridge
	// POSTs its SDP offer there and receives the answer in the response.
	SignalURL string

	// ControlURL is the backend's voice control websocket endpoint for
	// this session.
	ControlURL string

	// StableKey identifies the session being handed to voice.
	StableKey string

	// ICEServers configures STUN/TURN. Empty works on a LAN.
	ICEServers []webrtc.ICEServer

	// Hooks swap the session between modalities.
	Hooks Hooks
}

// Bridge is one live voice handoff.
//
// # Thread Safety
//
// SendCommand is safe to call from any goroutine, including before the
// data channel opens: commands queue and flush in submission order on
// open. Start and Stop must not be called concurrently with each other.
type Bridge struct {
	cfg Config

	pc      *webrtc.PeerConnection
	channel *webrtc.DataChannel

	// writeMu serializes control websocket writes.
	writeMu sync.Mutex
	control *websocket.Conn

	// mu guards the pre-open queue and open/closed state.
	mu      sync.Mutex
	opened  bool
	stopped bool
	queue   []Command

	// openBlockID tracks the assistant text block currently streaming, so
	// barge-in can finalize it as interrupted.
	openBlockID string

	stopOnce sync.Once
	done     chan struct{}
}

// NewBridge creates a bridge. Call Start to connect.
func NewBridge(cfg Config) *Bridge {
	return &Bridge{cfg: cfg, done: make(chan struct{})}
}

// Done is closed when the bridge has fully stopped.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Start runs the voice handoff: text connection down, control websocket
// up, WebRTC peer connection negotiated. Returns once the peer connection
// is signaled; the data channel may still be opening, and commands sent
// in the meantime queue.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.Hooks.BeforeStart != nil {
		if err := b.cfg.Hooks.BeforeStart(ctx); err != nil {
			return fmt.Errorf("voice handoff refused: %w", err)
		}
	}

	if err := b.dialControl(ctx); err != nil {
		b.teardown(ctx)
		return err
	}
	if err := b.connectPeer(ctx); err != nil {
		b.teardown(ctx)
		return err
	}

	slog.Info("Voice bridge started", "stable_key", b.cfg.StableKey)
	return nil
}

// Stop tears the bridge down and restores text mode. Idempotent.
func (b *Bridge) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		b.teardown(ctx)
		close(b.done)
		slog.Info("Voice bridge stopped", "stable_key", b.cfg.StableKey)
	})
}

func (b *Bridge) teardown(ctx context.Context) {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.pc != nil {
		b.pc.Close()
	}
	if b.control != nil {
		b.writeMu.Lock()
		b.control.Close()
		b.writeMu.Unlock()
	}
	if b.cfg.Hooks.AfterStop != nil {
		if err := b.cfg.Hooks.AfterStop(ctx); err != nil {
			slog.Error("Failed to restore text mode", "stable_key", b.cfg.StableKey, "error", err)
		}
	}
}

// SendCommand sends a control directive to the voice engine. Before the
// data channel opens, commands queue and flush in order on open.
func (b *Bridge) SendCommand(cmd Command) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrNotStarted
	}
	if !b.opened {
		b.queue = append(b.queue, cmd)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return b.writeCommand(cmd)
}

func (b *Bridge) writeCommand(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode voice command: %w", err)
	}
	if err := b.channel.SendText(string(data)); err != nil {
		return fmt.Errorf("failed to send voice command: %w", err)
	}
	return nil
}

// dialControl opens the backend control websocket for mirrored events.
func (b *Bridge) dialControl(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.cfg.ControlURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial voice control websocket: %w", err)
	}
	b.control = conn
	return nil
}

// connectPeer negotiates the WebRTC peer connection with the voice engine:
// audio transceiver for the p2p media path, one data channel for control.
func (b *Bridge) connectPeer(ctx context.Context) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: b.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	b.pc = pc

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		return fmt.Errorf("failed to add audio transceiver: %w", err)
	}

	ordered := true
	channel, err := pc.CreateDataChannel("control", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("failed to create control data channel: %w", err)
	}
	b.channel = channel

	openCh := make(chan struct{})
	channel.OnOpen(func() {
		b.flushQueue()
		close(openCh)
	})
	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		b.handleEngineEvent(msg.Data)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Info("Voice peer state change", "stable_key", b.cfg.StableKey, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			go b.Stop(context.Background())
		}
	})

	if err := b.signal(ctx, pc); err != nil {
		return err
	}

	select {
	case <-openCh:
		return nil
	case <-time.After(dataChannelOpenTimeout):
		return fmt.Errorf("control data channel did not open within %s", dataChannelOpenTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signal performs one-round-trip vanilla ICE against the voice engine's
// HTTP signaling endpoint.
func (b *Bridge) signal(ctx context.Context, pc *webrtc.PeerConnection) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	body, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		return fmt.Errorf("failed to encode SDP offer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.SignalURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build signaling request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach voice engine signaling: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("voice engine signaling returned %d: %s", resp.StatusCode, string(data))
	}

	var answer webrtc.SessionDescription
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return fmt.Errorf("failed to decode SDP answer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// flushQueue sends queued commands in submission order once the data
// channel opens.
func (b *Bridge) flushQueue() {
	b.mu.Lock()
	queued := b.queue
	b.queue = nil
	b.opened = true
	b.mu.Unlock()

	for _, cmd := range queued {
		if err := b.writeCommand(cmd); err != nil {
			slog.Error("Failed to flush queued voice command", "type", cmd.Type, "error", err)
			return
		}
	}
	if len(queued) > 0 {
		slog.Info("Flushed queued voice commands", "count", len(queued))
	}
}

// handleEngineEvent mirrors one data-channel event verbatim to the backend
// and applies barge-in semantics locally.
func (b *Bridge) handleEngineEvent(data []byte) {
	var event datatypes.Event
	if err := json.Unmarshal(data, &event); err != nil {
		slog.Warn("Skipping unparseable voice engine event", "error", err)
		return
	}

	// Track the streaming text block so barge-in can close it.
	switch event.Type {
	case datatypes.EventTextDelta:
		if event.Text != nil {
			b.mu.Lock()
			b.openBlockID = event.Text.BlockID
			b.mu.Unlock()
		}
	case datatypes.EventTextComplete:
		b.mu.Lock()
		b.openBlockID = ""
		b.mu.Unlock()
	case datatypes.EventStatusChange:
		// The voice engine announces operator speech as a status change to
		// streaming interrupted. That is the barge-in signal.
		if event.Status != nil && event.Status.To == datatypes.StatusInterrupted {
			b.bargeIn()
		}
	}

	if err := b.mirror(event); err != nil {
		slog.Error("Failed to mirror voice event", "type", event.Type, "error", err)
	}
}

// bargeIn finalizes the in-flight assistant text block as interrupted and
// tells the voice engine to stop speaking.
func (b *Bridge) bargeIn() {
	b.mu.Lock()
	blockID := b.openBlockID
	b.openBlockID = ""
	b.mu.Unlock()

	if blockID != "" {
		final := datatypes.NewEvent(datatypes.EventTextComplete, b.cfg.StableKey, 0)
		final.Provenance = datatypes.ProvenanceVoice
		final.Text = &datatypes.TextData{BlockID: blockID, Interrupted: true}
		if err := b.mirror(final); err != nil {
			slog.Error("Failed to mirror barge-in finalization", "error", err)
		}
	}

	if err := b.SendCommand(Command{Type: "interrupt"}); err != nil {
		slog.Error("Failed to send barge-in interrupt", "error", err)
	}
}

// mirror writes one event to the backend control websocket.
func (b *Bridge) mirror(event datatypes.Event) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.control == nil {
		return ErrNotStarted
	}
	return b.control.WriteJSON(event)
}
