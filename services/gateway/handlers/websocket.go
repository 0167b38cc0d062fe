// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gateway's HTTP and websocket handlers: the
// streaming protocol bridge plus the REST session endpoints.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/engine"
	"github.com/AleutianAI/AleutianRelay/services/gateway/history"
	"github.com/AleutianAI/AleutianRelay/services/gateway/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Single local operator; the gateway binds to loopback.
		return true
	},
	ReadBufferSize:  1024 * 1024,
	WriteBufferSize: 1024 * 1024,
}

// defaultStartTimeout bounds how long a start may wait for the engine.
// The engine's cold start can stall indefinitely otherwise.
const defaultStartTimeout = 30 * time.Second

// Bridge is the per-connection adapter between pool events and wire
// frames. One Bridge serves both websocket endpoints; the endpoint only
// fixes the role of sessions it may create.
type Bridge struct {
	Pool         *session.Pool
	Store        *history.Store
	StartTimeout time.Duration
}

// wsConn wraps one websocket connection with serialized writes. gorilla
// permits a single concurrent writer; the event pump and the read loop
// both send frames.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg datatypes.ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		slog.Warn("Failed to write websocket frame", "error", err)
		return err
	}
	return nil
}

func (c *wsConn) sendError(stableKey string, kind datatypes.ErrorKind, message string) {
	_ = c.send(datatypes.ServerMessage{
		Type:      datatypes.ServerError,
		StableKey: stableKey,
		ErrorKind: kind,
		Error:     message,
	})
}

// HandleWebSocket returns the handler for one session endpoint. role
// determines what a start frame on this endpoint creates; both endpoints
// share the same message vocabulary.
func (b *Bridge) HandleWebSocket(role datatypes.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade websocket", "error", err)
			return
		}
		defer raw.Close()

		conn := &wsConn{conn: raw}
		state := &connState{}
		defer state.detach()

		slog.Info("Websocket client connected", "role", role)
		for {
			var req datatypes.ClientMessage
			if err := raw.ReadJSON(&req); err != nil {
				slog.Info("Websocket client disconnected", "error", err.Error())
				return
			}
			switch req.Type {
			case datatypes.ClientStart:
				b.handleStart(conn, state, role, req)
			case datatypes.ClientSend:
				b.handleSend(conn, state, req)
			case datatypes.ClientCommand:
				b.handleCommand(conn, state, req)
			case datatypes.ClientInterrupt:
				b.handleInterrupt(conn, state)
			case datatypes.ClientStop:
				b.handleStop(conn, state)
			default:
				conn.sendError(req.StableKey, datatypes.ErrKindMalformedInput,
					"unknown message type")
			}
		}
	}
}

// connState tracks what this connection is attached to. Detach only
// unsubscribes; the session itself outlives the connection.
type connState struct {
	manager     *session.Manager
	unsubscribe func()
	pumpDone    chan struct{}
	voiceMode   bool
}

func (s *connState) detach() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.pumpDone != nil {
		<-s.pumpDone
		s.pumpDone = nil
	}
	s.manager = nil
}

// handleStart creates or re-attaches to a session. Start is idempotent
// with respect to a live key: when the pool already has it, the bridge
// subscribes instead of re-creating, so a browser refresh never duplicates
// the engine conversation.
func (b *Bridge) handleStart(conn *wsConn, state *connState, role datatypes.Role, req datatypes.ClientMessage) {
	if req.StableKey == "" && role != datatypes.RoleOrchestrator {
		conn.sendError("", datatypes.ErrKindMalformedInput, "start requires a stable_key")
		return
	}
	state.detach()
	state.voiceMode = req.VoiceMode

	if manager := b.Pool.Get(req.StableKey); manager != nil {
		b.attach(conn, state, manager)
		return
	}

	manager, err := b.Pool.Create(session.CreateOptions{
		StableKey:       req.StableKey,
		ResumeEngineKey: req.ResumeEngineKey,
		Fork:            req.Fork,
		Role:            role,
	})
	var activeErr *session.OrchestratorActiveError
	if errors.As(err, &activeErr) {
		if !req.ConfirmReplace {
			conn.sendError(activeErr.ExistingKey, datatypes.ErrKindConfirmationRequired,
				activeErr.Error())
			return
		}
		manager, err = b.Pool.ReplaceOrchestrator(context.Background(), session.CreateOptions{
			StableKey:       req.StableKey,
			ResumeEngineKey: req.ResumeEngineKey,
			Fork:            req.Fork,
		})
	}
	if err != nil {
		conn.sendError(req.StableKey, datatypes.ErrKindStartFailed, err.Error())
		return
	}

	timeout := b.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := manager.Start(ctx, session.StartOptions{
		ResumeEngineKey: req.ResumeEngineKey,
		Fork:            req.Fork,
	}); err != nil {
		b.Pool.Close(context.Background(), manager.StableKey())
		kind := datatypes.ErrKindStartFailed
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			kind = datatypes.ErrKindStartTimeout
		}
		conn.sendError(manager.StableKey(), kind, err.Error())
		return
	}
	b.attach(conn, state, manager)
}

// attach subscribes the connection and starts its event pump.
func (b *Bridge) attach(conn *wsConn, state *connState, manager *session.Manager) {
	deliveries, unsubscribe := manager.Subscribe()
	state.manager = manager
	state.unsubscribe = unsubscribe
	state.pumpDone = make(chan struct{})

	go func() {
		defer close(state.pumpDone)
		pumpEvents(conn, deliveries)
	}()

	_ = conn.send(datatypes.ServerMessage{
		Type:      datatypes.ServerSessionStarted,
		StableKey: manager.StableKey(),
		Status:    manager.Status(),
	})
}

// pumpEvents translates deliveries to wire frames until the subscription
// channel closes. Status-change events become status frames; everything
// else is an event frame.
func pumpEvents(conn *wsConn, deliveries <-chan session.Delivery) {
	for delivery := range deliveries {
		event := delivery.Event
		var msg datatypes.ServerMessage
		if event.Type == datatypes.EventStatusChange && event.Status != nil {
			msg = datatypes.ServerMessage{
				Type:      datatypes.ServerStatus,
				StableKey: event.StableKey,
				Status:    event.Status.To,
				Stale:     delivery.Stale,
			}
		} else {
			msg = datatypes.ServerMessage{
				Type:      datatypes.ServerEvent,
				StableKey: event.StableKey,
				Event:     &event,
				Stale:     delivery.Stale,
			}
		}
		if err := conn.send(msg); err != nil {
			// The read loop notices the dead connection and detaches;
			// keep draining so the subscriber buffer never pins the
			// broadcaster.
			continue
		}
	}
}

func (b *Bridge) handleSend(conn *wsConn, state *connState, req datatypes.ClientMessage) {
	manager := state.manager
	if manager == nil {
		conn.sendError(req.StableKey, datatypes.ErrKindNotStarted, "no session attached; send start first")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		conn.sendError(manager.StableKey(), datatypes.ErrKindMalformedInput, "send requires a prompt")
		return
	}

	voice := state.voiceMode
	go func() {
		var err error
		if voice {
			err = manager.SendVoice(context.Background(), req.Prompt)
		} else {
			err = manager.Send(context.Background(), req.Prompt)
		}
		if err != nil {
			kind := datatypes.ErrKindSendFailed
			if errors.Is(err, engine.ErrNotStarted) {
				kind = datatypes.ErrKindNotStarted
			}
			conn.sendError(manager.StableKey(), kind, err.Error())
		}
	}()
}

func (b *Bridge) handleCommand(conn *wsConn, state *connState, req datatypes.ClientMessage) {
	manager := state.manager
	if manager == nil {
		conn.sendError(req.StableKey, datatypes.ErrKindNotStarted, "no session attached; send start first")
		return
	}
	directive := strings.TrimSpace(req.Prompt)
	if !strings.HasPrefix(directive, "/") {
		conn.sendError(manager.StableKey(), datatypes.ErrKindUnknownCommand,
			"commands must start with '/'")
		return
	}
	go func() {
		if err := manager.Command(context.Background(), directive); err != nil {
			conn.sendError(manager.StableKey(), datatypes.ErrKindSendFailed, err.Error())
		}
	}()
}

func (b *Bridge) handleInterrupt(conn *wsConn, state *connState) {
	manager := state.manager
	if manager == nil {
		conn.sendError("", datatypes.ErrKindNotStarted, "no session attached")
		return
	}
	if err := manager.Interrupt(context.Background()); err != nil {
		conn.sendError(manager.StableKey(), datatypes.ErrKindSendFailed, err.Error())
	}
}

func (b *Bridge) handleStop(conn *wsConn, state *connState) {
	manager := state.manager
	if manager == nil {
		conn.sendError("", datatypes.ErrKindNotStarted, "no session attached")
		return
	}
	stableKey := manager.StableKey()
	state.detach()
	b.Pool.Close(context.Background(), stableKey)
	_ = conn.send(datatypes.ServerMessage{
		Type:      datatypes.ServerSessionStopped,
		StableKey: stableKey,
	})
}
