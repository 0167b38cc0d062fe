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
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/gateway/history"
	"github.com/AleutianAI/AleutianRelay/services/gateway/session"
)

// ListSessions returns the pool's live sessions, newest first.
func ListSessions(pool *session.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": pool.List()})
	}
}

// GetSessionHistory reconstructs and returns a session's message history
// from its log. This is the replay path a reconnecting client uses before
// re-attaching to the live event stream.
func GetSessionHistory(store *history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		stableKey := c.Param("stable_key")
		includeNested := c.Query("include_nested") == "true"

		messages, err := store.Load(stableKey, history.LoaderConfig{IncludeNested: includeNested})
		if err != nil {
			slog.Error("Failed to load session history", "stableKey", stableKey, "error", err)
			c.JSON(http.StatusInternalServerError,
				gin.H{"error": "failed to load session history"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"stable_key": stableKey,
			"messages":   messages,
		})
	}
}

// StopSession stops a live session and removes it from the pool. The log
// file stays on disk for later resume.
func StopSession(pool *session.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		stableKey := c.Param("stable_key")
		if !pool.Has(stableKey) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		slog.Info("Received request to stop session", "stableKey", stableKey)
		pool.Close(context.Background(), stableKey)
		c.JSON(http.StatusOK, gin.H{"status": "stopped", "stable_key": stableKey})
	}
}

// SetSessionTitle stores an operator-assigned title in the title index.
func SetSessionTitle(titles *history.TitleIndex) gin.HandlerFunc {
	type titleRequest struct {
		Title string `json:"title" binding:"required"`
	}
	return func(c *gin.Context) {
		stableKey := c.Param("stable_key")
		var req titleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
			return
		}
		if err := titles.Set(stableKey, req.Title); err != nil {
			slog.Error("Failed to persist session title", "stableKey", stableKey, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist title"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stable_key": stableKey, "title": req.Title})
	}
}
