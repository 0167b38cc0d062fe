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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// SSEClient implements Engine over the engine daemon's HTTP API. Turn
// streaming uses Server-Sent Events: each "data: " line carries one JSON
// engine event, ":" lines are comments, blank lines delimit events.
//
// The layering mirrors the gateway's other streaming paths:
//
//	HTTP response body → line scanner → parseSSELine → Event channel
//
// Parsing only parses; I/O and channel delivery live in the stream loop so
// the parser stays testable in isolation.
//
// # Thread Safety
//
// SSEClient is safe for concurrent use across sessions. One handle's stream
// is consumed by a single session manager.
type SSEClient struct {
	baseURL    string
	httpClient *http.Client
}

// SSEClientConfig configures an SSEClient.
type SSEClientConfig struct {
	// BaseURL is the engine daemon address, e.g. "http://localhost:8790".
	BaseURL string

	// HTTPClient overrides the default client. Streaming requests must not
	// carry a client-level timeout; per-call deadlines come from ctx.
	HTTPClient *http.Client
}

// NewSSEClient creates an engine client for the given daemon address.
func NewSSEClient(cfg SSEClientConfig) *SSEClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &SSEClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
	}
}

// sseHandle is the SSEClient's Handle implementation.
type sseHandle struct {
	mu sync.RWMutex

	// conversationID is the transport identifier assigned at Start.
	conversationID string

	// sessionID is the durable engine key, known after the first completed
	// turn.
	sessionID string

	started bool
}

func (h *sseHandle) SessionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessionID
}

func (h *sseHandle) setSessionID(id string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	h.sessionID = id
	h.mu.Unlock()
}

type startRequest struct {
	ResumeSessionID string     `json:"resume_session_id,omitempty"`
	Fork            bool       `json:"fork,omitempty"`
	SystemPrompt    string     `json:"system_prompt,omitempty"`
	Tools           []ToolSpec `json:"tools,omitempty"`
}

type startResponse struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id,omitempty"`
}

// Start opens or resumes an engine conversation.
//
// # Description
//
// Issues POST /v1/conversations. Connection-level failures are wrapped in
// ErrUnreachable so callers can distinguish "engine down, retry later" from
// protocol errors. Start is never retried internally.
func (c *SSEClient) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	body, err := json.Marshal(startRequest{
		ResumeSessionID: opts.ResumeSessionID,
		Fork:            opts.Fork,
		SystemPrompt:    opts.SystemPrompt,
		Tools:           opts.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode start request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/conversations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("engine start returned %d: %s", resp.StatusCode, string(payload))
	}

	var sr startResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode start response: %w", err)
	}

	slog.Info("Engine conversation started",
		"conversationId", sr.ConversationID, "resumed", opts.ResumeSessionID != "")
	return &sseHandle{
		conversationID: sr.ConversationID,
		sessionID:      sr.SessionID,
		started:        true,
	}, nil
}

// Send submits a prompt and streams the turn's events.
//
// The returned channel is closed when the engine closes the SSE stream,
// which happens after the terminal turn_complete event. Unparseable SSE
// lines are logged and skipped; they never abort the stream.
func (c *SSEClient) Send(ctx context.Context, h Handle, prompt string) (<-chan Event, error) {
	sh, err := c.handleOf(h)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, fmt.Errorf("failed to encode send request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/conversations/%s/messages", c.baseURL, sh.conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine send failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("engine send returned %d: %s", resp.StatusCode, string(payload))
	}

	events := make(chan Event, 64)
	go c.streamEvents(ctx, resp.Body, sh, events)
	return events, nil
}

// streamEvents scans the SSE body line by line until EOF or cancellation.
func (c *SSEClient) streamEvents(ctx context.Context, body io.ReadCloser, sh *sseHandle, out chan<- Event) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		event, ok, err := parseSSELine(scanner.Text())
		if err != nil {
			slog.Warn("Skipping unparseable engine event", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if event.Kind == KindTurnComplete {
			sh.setSessionID(event.SessionID)
		}
		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("Engine event stream ended with error", "error", err)
	}
}

// parseSSELine parses one SSE line. Returns ok=false for blank lines and
// comments. Lines without a "data: " prefix are malformed.
func parseSSELine(line string) (Event, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return Event{}, false, nil
	}
	payload, found := strings.CutPrefix(line, "data: ")
	if !found {
		return Event{}, false, fmt.Errorf("line missing data prefix: %q", truncateForLog(line))
	}
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, false, fmt.Errorf("invalid event JSON: %w", err)
	}
	if event.Kind == "" {
		return Event{}, false, fmt.Errorf("event missing kind: %q", truncateForLog(payload))
	}
	return event, true, nil
}

func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// Interrupt cancels the in-flight turn. The SSE stream for that turn still
// terminates with a turn_complete event emitted by the engine.
func (c *SSEClient) Interrupt(ctx context.Context, h Handle) error {
	sh, err := c.handleOf(h)
	if err != nil {
		return err
	}
	return c.postControl(ctx, sh, "interrupt", nil)
}

// Compact asks the engine to compact its conversation history.
func (c *SSEClient) Compact(ctx context.Context, h Handle) error {
	sh, err := c.handleOf(h)
	if err != nil {
		return err
	}
	return c.postControl(ctx, sh, "compact", nil)
}

// RespondTool delivers a backend-executed tool result to the engine.
func (c *SSEClient) RespondTool(ctx context.Context, h Handle, invocationID, output string, isErr bool) error {
	sh, err := c.handleOf(h)
	if err != nil {
		return err
	}
	return c.postControl(ctx, sh, "tool_results", map[string]any{
		"invocation_id": invocationID,
		"output":        output,
		"is_error":      isErr,
	})
}

func (c *SSEClient) postControl(ctx context.Context, sh *sseHandle, action string, payload any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", action, err)
		}
		body = bytes.NewReader(encoded)
	}

	url := fmt.Sprintf("%s/v1/conversations/%s/%s", c.baseURL, sh.conversationID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", action, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("engine %s failed: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("engine %s returned %d", action, resp.StatusCode)
	}
	return nil
}

func (c *SSEClient) handleOf(h Handle) (*sseHandle, error) {
	sh, ok := h.(*sseHandle)
	if !ok || !sh.started {
		return nil, ErrNotStarted
	}
	return sh, nil
}
