// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/session"
)

// HandleVoiceControl returns the handler for the voice control websocket.
//
// The voice bridge connects here after taking over a session: the
// connection marks the session voice-active for its lifetime, and every
// frame it carries is an event mirrored verbatim from the voice engine's
// data channel, persisted and fanned out like any text-mode event. Raw
// audio never crosses this connection.
func (b *Bridge) HandleVoiceControl() gin.HandlerFunc {
	return func(c *gin.Context) {
		stableKey := c.Param("stable_key")
		manager := b.Pool.Get(stableKey)
		if manager == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
			return
		}

		if err := manager.BeginVoice(); err != nil {
			status := http.StatusConflict
			if errors.Is(err, session.ErrTurnActive) {
				c.JSON(status, gin.H{"error": "a turn is in flight; interrupt it first"})
			} else {
				c.JSON(status, gin.H{"error": err.Error()})
			}
			return
		}
		defer manager.EndVoice()

		raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade voice control websocket", "error", err)
			return
		}
		defer raw.Close()

		slog.Info("Voice control connected", "stable_key", stableKey)
		for {
			var event datatypes.Event
			if err := raw.ReadJSON(&event); err != nil {
				slog.Info("Voice control disconnected", "stable_key", stableKey, "error", err.Error())
				return
			}
			manager.MirrorVoiceEvent(event)
		}
	}
}
