// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
)

var tracer = otel.Tracer("relay.gateway.history")

// Message is one reconstructed conversation message: a role plus an ordered
// list of blocks. Messages are built on demand from the log and never
// persisted directly.
type Message struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`

	// Blocks are the message's content blocks in order.
	Blocks []Block `json:"blocks"`

	// Voice is true when the message originated from the voice modality.
	// Voice and text messages interleave in one linear history; the tag
	// only tells the UI where each came from.
	Voice bool `json:"voice,omitempty"`
}

// BlockType identifies the kind of a reconstructed block.
type BlockType string

const (
	// BlockText is plain assistant or user text.
	BlockText BlockType = "text"

	// BlockThinking is extended thinking content.
	BlockThinking BlockType = "thinking"

	// BlockToolUse is a tool invocation, with its result attached once the
	// matching tool_result entry is seen.
	BlockToolUse BlockType = "tool_use"

	// BlockToolResult is a standalone tool result that never found a
	// matching invocation in the log (e.g. voice mode, truncated logs).
	BlockToolResult BlockType = "tool_result"
)

// Block is one content block of a reconstructed message.
type Block struct {
	Type BlockType `json:"type"`

	// Text is set for text and thinking blocks.
	Text string `json:"text,omitempty"`

	// Interrupted marks a block finalized by interrupt or barge-in.
	Interrupted bool `json:"interrupted,omitempty"`

	// InvocationID, Name, Input describe a tool_use block.
	InvocationID string `json:"invocation_id,omitempty"`
	Name         string `json:"name,omitempty"`
	Input        string `json:"input,omitempty"`

	// Result is the tool output attached to a tool_use block, or the
	// standalone output of a tool_result block. Nil while the call is
	// still open (log ended mid-tool-call).
	Result *ToolResult `json:"result,omitempty"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// LoaderConfig tunes reconstruction.
type LoaderConfig struct {
	// IncludeNested folds agent-to-agent traffic relayed from nested
	// sessions into the history instead of skipping it.
	IncludeNested bool

	// DropOrphanResults discards tool results with no matching invocation
	// anywhere in the log instead of emitting them as synthetic standalone
	// messages. Default false: orphans are kept so nothing silently
	// disappears from history.
	DropOrphanResults bool
}

// Reconstruct rebuilds structured message history from a log stream.
//
// # Description
//
// A forward single-pass state machine over log entries. Consecutive deltas
// of one block merge into a single block; tool results attach to the
// matching open tool_use block by invocation id, never by position; results
// that arrive after their assistant message closed (or that never match)
// accumulate into synthetic user messages. Unparseable lines are skipped
// without aborting, and all pending state is flushed at end of stream, so a
// log ending mid-tool-call still yields the trailing incomplete block.
//
// Reconstruction is idempotent: the same log always yields the same message
// sequence.
func Reconstruct(r io.Reader, cfg LoaderConfig) ([]Message, error) {
	_, span := tracer.Start(context.Background(), "history.Reconstruct")
	defer span.End()

	st := reconstructionState{cfg: cfg}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var entry datatypes.Event
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			slog.Warn("Skipping unparseable log line", "line", lineNo, "error", err)
			continue
		}
		st.apply(entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed reading log stream: %w", err)
	}

	st.flushAll()
	return st.messages, nil
}

// reconstructionState holds the in-progress assistant blocks and the tool
// results waiting to become a synthetic user message.
type reconstructionState struct {
	cfg      LoaderConfig
	messages []Message

	// pendingAssistant accumulates blocks for the in-progress assistant
	// message.
	pendingAssistant []Block

	// pendingResults accumulates tool results destined for the next
	// synthetic user message.
	pendingResults []Block

	// openDeltas merges consecutive deltas per block id until the block's
	// completion event arrives. order preserves first-seen ordering for
	// blocks that never complete.
	openDeltas map[string]*strings.Builder
	openOrder  []string
	openKinds  map[string]BlockType

	// assistantVoice is true when any entry of the pending assistant
	// message came from the voice modality.
	assistantVoice bool
}

func (st *reconstructionState) apply(entry datatypes.Event) {
	if entry.Nested && !st.cfg.IncludeNested {
		return
	}
	voice := entry.Provenance == datatypes.ProvenanceVoice

	switch entry.Type {
	case datatypes.EventUserMessage:
		if entry.Text == nil {
			return
		}
		st.flushAssistant()
		st.flushPendingResults()
		st.messages = append(st.messages, Message{
			Role:   "user",
			Blocks: []Block{{Type: BlockText, Text: entry.Text.Content}},
			Voice:  voice,
		})

	case datatypes.EventTextDelta, datatypes.EventThinkingDelta:
		if entry.Text == nil {
			return
		}
		st.appendDelta(entry, voice)

	case datatypes.EventTextComplete, datatypes.EventThinkingComplete:
		if entry.Text == nil {
			return
		}
		st.completeBlock(entry, voice)

	case datatypes.EventToolInvoked:
		if entry.Tool == nil {
			return
		}
		st.assistantVoice = st.assistantVoice || voice
		st.pendingAssistant = append(st.pendingAssistant, Block{
			Type:         BlockToolUse,
			InvocationID: entry.Tool.InvocationID,
			Name:         entry.Tool.Name,
			Input:        entry.Tool.Input,
		})

	case datatypes.EventToolResult:
		if entry.Tool == nil {
			return
		}
		st.attachResult(entry.Tool)

	case datatypes.EventTurnComplete:
		// The assistant message closes with the turn. Buffered orphan
		// results stay pending until the next user message or end of
		// stream.
		st.flushAssistant()

	case datatypes.EventToolExecuting, datatypes.EventToolProgress,
		datatypes.EventCompactionComplete, datatypes.EventStatusChange,
		datatypes.EventError:
		// Transient events carry no conversational content.
	}
}

// appendDelta merges a delta into its block's builder.
func (st *reconstructionState) appendDelta(entry datatypes.Event, voice bool) {
	st.assistantVoice = st.assistantVoice || voice
	if st.openDeltas == nil {
		st.openDeltas = make(map[string]*strings.Builder)
		st.openKinds = make(map[string]BlockType)
	}
	blockID := entry.Text.BlockID
	b, ok := st.openDeltas[blockID]
	if !ok {
		b = &strings.Builder{}
		st.openDeltas[blockID] = b
		st.openOrder = append(st.openOrder, blockID)
		if entry.Type == datatypes.EventThinkingDelta {
			st.openKinds[blockID] = BlockThinking
		} else {
			st.openKinds[blockID] = BlockText
		}
	}
	b.WriteString(entry.Text.Content)
}

// completeBlock finalizes one block. The completion event's content is
// authoritative; merged deltas are only the fallback when it is empty.
func (st *reconstructionState) completeBlock(entry datatypes.Event, voice bool) {
	st.assistantVoice = st.assistantVoice || voice

	blockType := BlockText
	if entry.Type == datatypes.EventThinkingComplete {
		blockType = BlockThinking
	}

	text := entry.Text.Content
	blockID := entry.Text.BlockID
	if b, ok := st.openDeltas[blockID]; ok {
		if text == "" {
			text = b.String()
		}
		delete(st.openDeltas, blockID)
		delete(st.openKinds, blockID)
		st.openOrder = removeString(st.openOrder, blockID)
	}
	if text == "" {
		return
	}
	st.pendingAssistant = append(st.pendingAssistant, Block{
		Type:        blockType,
		Text:        text,
		Interrupted: entry.Text.Interrupted,
	})
}

// attachResult attaches a tool result to the matching open tool_use block by
// invocation id, or buffers it for a synthetic user message.
func (st *reconstructionState) attachResult(tool *datatypes.ToolData) {
	for i := range st.pendingAssistant {
		block := &st.pendingAssistant[i]
		if block.Type == BlockToolUse && block.InvocationID == tool.InvocationID && block.Result == nil {
			block.Result = &ToolResult{Output: tool.Output, IsError: tool.IsError}
			return
		}
	}
	st.pendingResults = append(st.pendingResults, Block{
		Type:         BlockToolResult,
		InvocationID: tool.InvocationID,
		Name:         tool.Name,
		Result:       &ToolResult{Output: tool.Output, IsError: tool.IsError},
	})
}

// flushAssistant closes the in-progress assistant message, first folding in
// any blocks whose completion event never arrived.
func (st *reconstructionState) flushAssistant() {
	for _, blockID := range st.openOrder {
		b := st.openDeltas[blockID]
		if b.Len() == 0 {
			continue
		}
		st.pendingAssistant = append(st.pendingAssistant, Block{
			Type: st.openKinds[blockID],
			Text: b.String(),
		})
	}
	st.openDeltas = nil
	st.openKinds = nil
	st.openOrder = nil

	if len(st.pendingAssistant) == 0 {
		return
	}
	st.messages = append(st.messages, Message{
		Role:   "assistant",
		Blocks: st.pendingAssistant,
		Voice:  st.assistantVoice,
	})
	st.pendingAssistant = nil
	st.assistantVoice = false
}

// flushPendingResults emits buffered tool results as one synthetic user
// message. Covers results arriving after their assistant message closed and
// results with no matching invocation in the log at all.
func (st *reconstructionState) flushPendingResults() {
	if len(st.pendingResults) == 0 {
		return
	}
	if st.cfg.DropOrphanResults {
		st.pendingResults = nil
		return
	}
	st.messages = append(st.messages, Message{
		Role:   "user",
		Blocks: st.pendingResults,
	})
	st.pendingResults = nil
}

// flushAll flushes all remaining pending state into trailing messages.
func (st *reconstructionState) flushAll() {
	st.flushAssistant()
	st.flushPendingResults()
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
