// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/gorilla/websocket"
)

// ErrRetriesExhausted is returned once the reconnect cap is hit without
// a successful dial.
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

const (
	defaultMaxRetries = 10
	defaultBaseDelay  = 500 * time.Millisecond
	defaultMaxDelay   = 30 * time.Second
)

// GatewayClientConfig configures a GatewayClient.
type GatewayClientConfig struct {
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:8790/ws/session.
	URL string

	// OnMessage receives every server frame, in order, from a single
	// goroutine.
	OnMessage func(msg datatypes.ServerMessage)

	// OnReconnect fires after every successful re-dial (not the first
	// connect). The caller uses it to resend its start frame so the
	// gateway re-attaches the subscription.
	OnReconnect func()

	// MaxRetries caps consecutive failed dials before Run gives up.
	MaxRetries int

	// BaseDelay and MaxDelay bound the exponential backoff between
	// reconnect attempts.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// GatewayClient is a websocket connection to the gateway that survives
// transport drops.
//
// # Description
//
// The gateway keeps sessions alive across client disconnects, so the
// client owns reconnection: it re-dials with exponential backoff up to
// a retry cap, suppresses retries while the process is backgrounded,
// and resets the retry counter on any successful reconnect or explicit
// foreground resume. Re-attaching is safe on the server side because a
// start frame for a live stable key subscribes instead of re-creating.
//
// # Thread Safety
//
// Send may be called from any goroutine. OnMessage is invoked from the
// read loop only.
type GatewayClient struct {
	cfg GatewayClientConfig

	mu   sync.Mutex
	conn *websocket.Conn

	stateMu    sync.Mutex
	foreground bool
	retries    int
	resumeCh   chan struct{}
}

// NewGatewayClient builds a client; Run performs the first dial.
func NewGatewayClient(cfg GatewayClientConfig) *GatewayClient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	return &GatewayClient{
		cfg:        cfg,
		foreground: true,
		resumeCh:   make(chan struct{}, 1),
	}
}

// Send writes one client frame. Fails when no connection is up; the
// caller retries after the next reconnect.
func (c *GatewayClient) Send(msg datatypes.ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteJSON(msg)
}

// SetForeground marks the process visible or backgrounded. Retries are
// suppressed while backgrounded; returning to the foreground resets
// the retry counter and wakes a waiting reconnect loop.
func (c *GatewayClient) SetForeground(fg bool) {
	c.stateMu.Lock()
	wasBackground := !c.foreground
	c.foreground = fg
	if fg {
		c.retries = 0
	}
	c.stateMu.Unlock()

	if fg && wasBackground {
		select {
		case c.resumeCh <- struct{}{}:
		default:
		}
	}
}

// Run dials and pumps server frames until ctx is canceled or the retry
// cap is exhausted.
func (c *GatewayClient) Run(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return fmt.Errorf("initial connect to %s failed: %w", c.cfg.URL, err)
	}

	for {
		err := c.readLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Debug("Gateway connection dropped", "error", err)

		if err := c.reconnect(ctx); err != nil {
			return err
		}
		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect()
		}
	}
}

// Close tears down the current connection, unblocking the read loop.
func (c *GatewayClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *GatewayClient) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *GatewayClient) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	for {
		var msg datatypes.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.Close()
			return err
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(msg)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// reconnect re-dials with exponential backoff. Attempts while the
// process is backgrounded are deferred until SetForeground(true).
func (c *GatewayClient) reconnect(ctx context.Context) error {
	for {
		c.stateMu.Lock()
		fg := c.foreground
		attempt := c.retries
		c.stateMu.Unlock()

		if !fg {
			select {
			case <-c.resumeCh:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if attempt >= c.cfg.MaxRetries {
			return ErrRetriesExhausted
		}

		delay := c.cfg.BaseDelay << attempt
		if delay > c.cfg.MaxDelay || delay <= 0 {
			delay = c.cfg.MaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := c.dial(ctx); err != nil {
			c.stateMu.Lock()
			c.retries++
			c.stateMu.Unlock()
			slog.Debug("Reconnect attempt failed",
				"attempt", attempt+1, "error", err)
			continue
		}

		c.stateMu.Lock()
		c.retries = 0
		c.stateMu.Unlock()
		return nil
	}
}
