// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chatStub is an OpenAI-compatible completion endpoint that records the
// last request and answers with a fixed title.
type chatStub struct {
	server  *httptest.Server
	lastReq openai.ChatCompletionRequest
	content string
}

func newChatStub(t *testing.T, content string) *chatStub {
	t.Helper()
	stub := &chatStub{content: content}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&stub.lastReq))
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: stub.content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

// TestSummarizer_Title verifies title generation trims whitespace and
// surrounding quotes from the model output.
func TestSummarizer_Title(t *testing.T) {
	stub := newChatStub(t, "  \"Deploy Config Debugging\"  ")
	s := NewSummarizer("test-key", stub.server.URL, "test-model")

	title, err := s.Title(context.Background(), "why did the deploy fail?", "the config was stale")
	require.NoError(t, err)
	assert.Equal(t, "Deploy Config Debugging", title)

	require.Len(t, stub.lastReq.Messages, 2)
	assert.Equal(t, "test-model", stub.lastReq.Model)
	assert.Contains(t, stub.lastReq.Messages[1].Content, "why did the deploy fail?")
	assert.Contains(t, stub.lastReq.Messages[1].Content, "the config was stale")
}

// TestSummarizer_TruncatesLongExchanges verifies oversized prompts are cut
// before they reach the model.
func TestSummarizer_TruncatesLongExchanges(t *testing.T) {
	stub := newChatStub(t, "A Title")
	s := NewSummarizer("test-key", stub.server.URL, "test-model")

	long := strings.Repeat("x", maxPromptChars+500)
	_, err := s.Title(context.Background(), long, "short answer")
	require.NoError(t, err)

	// System prompt plus framing stay small; the user content must carry at
	// most maxPromptChars of the oversized prompt.
	assert.Less(t, len(stub.lastReq.Messages[1].Content), maxPromptChars+200)
}

// TestSummarizer_EmptyTitleRejected verifies blank model output is an error
// rather than an empty title in the index.
func TestSummarizer_EmptyTitleRejected(t *testing.T) {
	stub := newChatStub(t, "   ")
	s := NewSummarizer("test-key", stub.server.URL, "test-model")

	_, err := s.Title(context.Background(), "prompt", "answer")
	assert.Error(t, err)
}
