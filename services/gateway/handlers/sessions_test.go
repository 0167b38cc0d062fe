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
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/history"
	"github.com/AleutianAI/AleutianRelay/services/gateway/session"
)

// TestListSessions verifies the sessions endpoint reports live sessions.
func TestListSessions(t *testing.T) {
	f := newGatewayFixture(t)
	_, err := f.pool.Create(session.CreateOptions{StableKey: "sess-list"})
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/api/v1/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Sessions []datatypes.SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "sess-list", body.Sessions[0].StableKey)
	assert.Equal(t, datatypes.StatusConnecting, body.Sessions[0].Status)
}

// TestGetSessionHistory verifies the replay endpoint reconstructs messages
// from the log.
func TestGetSessionHistory(t *testing.T) {
	f := newGatewayFixture(t)

	writer := f.store.Writer("sess-replay")
	user := datatypes.NewEvent(datatypes.EventUserMessage, "sess-replay", 1)
	user.Text = &datatypes.TextData{Content: "what changed?"}
	require.NoError(t, writer.Append(user))
	answer := datatypes.NewEvent(datatypes.EventTextComplete, "sess-replay", 1)
	answer.Text = &datatypes.TextData{BlockID: "b1", Content: "the deploy config"}
	require.NoError(t, writer.Append(answer))
	done := datatypes.NewEvent(datatypes.EventTurnComplete, "sess-replay", 1)
	done.TurnComplete = &datatypes.TurnCompleteData{}
	require.NoError(t, writer.Append(done))
	f.store.Release("sess-replay")

	resp, err := http.Get(f.server.URL + "/api/v1/sessions/sess-replay/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		StableKey string            `json:"stable_key"`
		Messages  []history.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "sess-replay", body.StableKey)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "user", body.Messages[0].Role)
	assert.Equal(t, "what changed?", body.Messages[0].Blocks[0].Text)
	assert.Equal(t, "assistant", body.Messages[1].Role)
	assert.Equal(t, "the deploy config", body.Messages[1].Blocks[0].Text)
}

// TestGetSessionHistoryMissing verifies an unknown key replays as an empty
// history, not an error.
func TestGetSessionHistoryMissing(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Get(f.server.URL + "/api/v1/sessions/never-seen/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Messages []history.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Messages)
}

// TestStopSessionEndpoint verifies DELETE removes a live session and 404s
// on unknown keys.
func TestStopSessionEndpoint(t *testing.T) {
	f := newGatewayFixture(t)
	_, err := f.pool.Create(session.CreateOptions{StableKey: "sess-del"})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/api/v1/sessions/sess-del", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.pool.Has("sess-del"))

	req, err = http.NewRequest(http.MethodDelete, f.server.URL+"/api/v1/sessions/sess-del", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestSetSessionTitle verifies titles persist through the index and that a
// missing title is rejected.
func TestSetSessionTitle(t *testing.T) {
	f := newGatewayFixture(t)

	req, err := http.NewRequest(http.MethodPut,
		f.server.URL+"/api/v1/sessions/sess-titled/title",
		strings.NewReader(`{"title":"deploy debugging"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deploy debugging", f.titles.Get("sess-titled"))

	req, err = http.NewRequest(http.MethodPut,
		f.server.URL+"/api/v1/sessions/sess-titled/title",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
