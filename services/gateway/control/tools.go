// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package control implements the orchestrator's control plane: the tool
// surface an orchestrator session uses to open, drive, and inspect other
// sessions, search history and memory, and touch the working directory.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/history"
	"github.com/AleutianAI/AleutianRelay/services/gateway/memory"
	"github.com/AleutianAI/AleutianRelay/services/gateway/session"
)

var tracer = otel.Tracer("relay.gateway.control")

// Sentinel errors for the toolset.
var (
	// ErrUnknownTool indicates the requested tool does not exist.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrSessionNotFound indicates the target session is not in the pool.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPathEscapes indicates a file path resolved outside the work dir.
	ErrPathEscapes = errors.New("path escapes working directory")
)

// defaultSendTimeout bounds how long send_to_session waits for the nested
// session's turn to complete.
const defaultSendTimeout = 10 * time.Minute

// maxFileBytes caps read_file output so one tool call cannot flood the
// orchestrator's context.
const maxFileBytes = 256 * 1024

// handler executes one tool invocation.
type handler func(ctx context.Context, input string, notify func(datatypes.Event)) (string, error)

// Toolset is the orchestrator's ToolExecutor.
//
// # Description
//
// Holds the handlers for every orchestrator tool and dispatches by name.
// The pool is bound after construction because the pool itself needs the
// toolset to build the orchestrator's manager.
//
// # Thread Safety
//
// Safe for concurrent use once BindPool has been called; BindPool itself
// must happen before any session starts.
type Toolset struct {
	pool        *session.Pool
	store       *history.Store
	searcher    memory.Searcher
	workDir     string
	sendTimeout time.Duration

	handlers map[string]handler
}

// ToolsetConfig configures a Toolset.
type ToolsetConfig struct {
	// Store is the conversation log store, for read_session.
	Store *history.Store

	// Searcher backs search_memory and search_history. Nil disables both
	// tools.
	Searcher memory.Searcher

	// WorkDir sandboxes read_file and write_file. Empty disables both.
	WorkDir string

	// SendTimeout bounds send_to_session. Zero means the default.
	SendTimeout time.Duration
}

// NewToolset creates the orchestrator toolset. Call BindPool before use.
func NewToolset(cfg ToolsetConfig) *Toolset {
	t := &Toolset{
		store:       cfg.Store,
		searcher:    cfg.Searcher,
		workDir:     cfg.WorkDir,
		sendTimeout: cfg.SendTimeout,
	}
	if t.sendTimeout <= 0 {
		t.sendTimeout = defaultSendTimeout
	}

	t.handlers = map[string]handler{
		"list_sessions":   t.listSessions,
		"open_session":    t.openSession,
		"close_session":   t.closeSession,
		"send_to_session": t.sendToSession,
		"read_session":    t.readSession,
	}
	if t.searcher != nil {
		t.handlers["search_memory"] = t.searchMemory
		t.handlers["search_history"] = t.searchHistory
	}
	if t.workDir != "" {
		t.handlers["read_file"] = t.readFile
		t.handlers["write_file"] = t.writeFile
	}
	return t
}

// BindPool wires the session pool. Must be called exactly once, before the
// orchestrator session starts.
func (t *Toolset) BindPool(p *session.Pool) { t.pool = p }

// Handles reports whether the named tool is executed backend-side.
func (t *Toolset) Handles(name string) bool {
	_, ok := t.handlers[name]
	return ok
}

// Execute dispatches one tool invocation.
func (t *Toolset) Execute(ctx context.Context, name, input string, notify func(datatypes.Event)) (string, error) {
	ctx, span := tracer.Start(ctx, "control.Execute")
	defer span.End()

	h, ok := t.handlers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	slog.Info("Executing orchestrator tool", "tool", name)
	return h(ctx, input, notify)
}

// =============================================================================
// Session tools
// =============================================================================

func (t *Toolset) listSessions(_ context.Context, _ string, _ func(datatypes.Event)) (string, error) {
	summaries := t.pool.List()
	data, err := json.Marshal(summaries)
	if err != nil {
		return "", fmt.Errorf("failed to encode session list: %w", err)
	}
	return string(data), nil
}

type openSessionInput struct {
	StableKey       string `json:"stable_key,omitempty"`
	ResumeEngineKey string `json:"resume_engine_key,omitempty"`
	Fork            bool   `json:"fork,omitempty"`
}

func (t *Toolset) openSession(ctx context.Context, input string, _ func(datatypes.Event)) (string, error) {
	var in openSessionInput
	if input != "" {
		if err := json.Unmarshal([]byte(input), &in); err != nil {
			return "", fmt.Errorf("invalid open_session input: %w", err)
		}
	}

	manager, err := t.pool.Create(session.CreateOptions{
		StableKey:       in.StableKey,
		ResumeEngineKey: in.ResumeEngineKey,
		Fork:            in.Fork,
		Role:            datatypes.RoleOrdinary,
	})
	if err != nil {
		return "", err
	}

	if err := manager.Start(ctx, session.StartOptions{
		ResumeEngineKey: in.ResumeEngineKey,
		Fork:            in.Fork,
	}); err != nil {
		t.pool.Close(ctx, manager.StableKey())
		return "", err
	}

	return fmt.Sprintf(`{"stable_key":%q}`, manager.StableKey()), nil
}

type closeSessionInput struct {
	StableKey string `json:"stable_key"`
}

func (t *Toolset) closeSession(ctx context.Context, input string, _ func(datatypes.Event)) (string, error) {
	var in closeSessionInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("invalid close_session input: %w", err)
	}
	if !t.pool.Has(in.StableKey) {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, in.StableKey)
	}
	t.pool.Close(ctx, in.StableKey)
	return fmt.Sprintf("closed session %s", in.StableKey), nil
}

type sendToSessionInput struct {
	StableKey      string `json:"stable_key"`
	Prompt         string `json:"prompt"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// sendToSession drives one turn of a nested session and blocks until that
// turn's terminal event. While blocked, the nested session's events are
// relayed upward through notify, marked Nested so history reconstruction
// can fold or skip them.
func (t *Toolset) sendToSession(ctx context.Context, input string, notify func(datatypes.Event)) (string, error) {
	var in sendToSessionInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("invalid send_to_session input: %w", err)
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return "", fmt.Errorf("send_to_session requires a non-empty prompt")
	}

	manager := t.pool.Get(in.StableKey)
	if manager == nil {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, in.StableKey)
	}

	timeout := t.sendTimeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	deliveries, unsubscribe := manager.Subscribe()
	defer unsubscribe()

	var answer strings.Builder
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		for delivery := range deliveries {
			ev := delivery.Event
			if ev.Type == datatypes.EventTextComplete && ev.Text != nil {
				answer.WriteString(ev.Text.Content)
				answer.WriteString("\n")
			}
			if notify != nil {
				relayed := ev
				relayed.Nested = true
				notify(relayed)
			}
			if ev.IsTerminal() {
				return
			}
		}
	}()

	err := manager.Send(ctx, in.Prompt)

	// The relay drains up to the terminal event even when Send errored;
	// give it a bounded window so a dead session cannot hang the tool.
	select {
	case <-relayDone:
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("send_to_session timed out after %s for %s", timeout, in.StableKey)
		}
		return "", fmt.Errorf("send_to_session failed for %s: %w", in.StableKey, err)
	}
	return strings.TrimSpace(answer.String()), nil
}

type readSessionInput struct {
	StableKey     string `json:"stable_key"`
	IncludeNested bool   `json:"include_nested,omitempty"`
}

func (t *Toolset) readSession(_ context.Context, input string, _ func(datatypes.Event)) (string, error) {
	var in readSessionInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("invalid read_session input: %w", err)
	}

	messages, err := t.store.Load(in.StableKey, history.LoaderConfig{
		IncludeNested: in.IncludeNested,
	})
	if err != nil {
		return "", fmt.Errorf("failed to load history for %s: %w", in.StableKey, err)
	}
	return renderTranscript(messages), nil
}

// renderTranscript flattens reconstructed messages to readable text for
// the orchestrator's context window.
func renderTranscript(messages []history.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&b, "[%s]\n", msg.Role)
		for _, block := range msg.Blocks {
			switch block.Type {
			case history.BlockText:
				b.WriteString(block.Text)
				b.WriteString("\n")
			case history.BlockThinking:
				// Thinking is elided from transcripts.
			case history.BlockToolUse:
				fmt.Fprintf(&b, "(tool %s: %s)\n", block.Name, block.Input)
				if block.Result != nil {
					fmt.Fprintf(&b, "(result: %s)\n", block.Result.Output)
				}
			case history.BlockToolResult:
				if block.Result != nil {
					fmt.Fprintf(&b, "(result: %s)\n", block.Result.Output)
				}
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// =============================================================================
// Search tools
// =============================================================================

type searchInput struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

func (t *Toolset) searchMemory(ctx context.Context, input string, _ func(datatypes.Event)) (string, error) {
	return t.search(ctx, memory.CorpusMemory, input)
}

func (t *Toolset) searchHistory(ctx context.Context, input string, _ func(datatypes.Event)) (string, error) {
	return t.search(ctx, memory.CorpusHistory, input)
}

func (t *Toolset) search(ctx context.Context, corpusID, input string) (string, error) {
	var in searchInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("invalid search input: %w", err)
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", fmt.Errorf("search requires a non-empty query")
	}

	matches, err := t.searcher.Query(ctx, corpusID, in.Query, in.TopK)
	if err != nil {
		return "", fmt.Errorf("search in %s failed: %w", corpusID, err)
	}
	data, err := json.Marshal(matches)
	if err != nil {
		return "", fmt.Errorf("failed to encode search results: %w", err)
	}
	return string(data), nil
}

// =============================================================================
// File tools
// =============================================================================

type readFileInput struct {
	Path string `json:"path"`
}

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *Toolset) readFile(_ context.Context, input string, _ func(datatypes.Event)) (string, error) {
	var in readFileInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("invalid read_file input: %w", err)
	}
	path, err := t.resolvePath(in.Path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", in.Path, err)
	}
	if len(data) > maxFileBytes {
		data = data[:maxFileBytes]
	}
	return string(data), nil
}

func (t *Toolset) writeFile(_ context.Context, input string, _ func(datatypes.Event)) (string, error) {
	var in writeFileInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("invalid write_file input: %w", err)
	}
	path, err := t.resolvePath(in.Path)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directory for %s: %w", in.Path, err)
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", in.Path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
}

// resolvePath joins a relative path under the work dir, rejecting absolute
// paths and traversal outside it.
func (t *Toolset) resolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, p)
	}
	joined := filepath.Join(t.workDir, p)
	rel, err := filepath.Rel(t.workDir, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, p)
	}
	return joined, nil
}
