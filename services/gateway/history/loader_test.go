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
	"encoding/json"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logLines renders events as one line-delimited JSON log stream.
func logLines(t *testing.T, events ...datatypes.Event) string {
	t.Helper()
	var sb strings.Builder
	for _, e := range events {
		data, err := json.Marshal(e)
		require.NoError(t, err)
		sb.Write(data)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func userMessage(text string) datatypes.Event {
	e := datatypes.NewEvent(datatypes.EventUserMessage, "k", 1)
	e.Text = &datatypes.TextData{Content: text}
	return e
}

func textDelta(blockID, chunk string) datatypes.Event {
	e := datatypes.NewEvent(datatypes.EventTextDelta, "k", 1)
	e.Text = &datatypes.TextData{BlockID: blockID, Content: chunk}
	return e
}

func textComplete(blockID, full string) datatypes.Event {
	e := datatypes.NewEvent(datatypes.EventTextComplete, "k", 1)
	e.Text = &datatypes.TextData{BlockID: blockID, Content: full}
	return e
}

func toolInvoked(invocationID, name, input string) datatypes.Event {
	e := datatypes.NewEvent(datatypes.EventToolInvoked, "k", 1)
	e.Tool = &datatypes.ToolData{InvocationID: invocationID, Name: name, Input: input}
	return e
}

func toolResult(invocationID, output string) datatypes.Event {
	e := datatypes.NewEvent(datatypes.EventToolResult, "k", 1)
	e.Tool = &datatypes.ToolData{InvocationID: invocationID, Output: output}
	return e
}

func turnComplete() datatypes.Event {
	e := datatypes.NewEvent(datatypes.EventTurnComplete, "k", 1)
	e.TurnComplete = &datatypes.TurnCompleteData{EngineKey: "eng-1"}
	return e
}

// TestReconstruct_BasicTurn verifies a prompt followed by a streamed answer
// becomes one user and one assistant message.
func TestReconstruct_BasicTurn(t *testing.T) {
	log := logLines(t,
		userMessage("hello"),
		textDelta("b1", "hi "),
		textDelta("b1", "there"),
		textComplete("b1", ""),
		turnComplete(),
	)

	messages, err := Reconstruct(strings.NewReader(log), LoaderConfig{})
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "hello", messages[0].Blocks[0].Text)

	assert.Equal(t, "assistant", messages[1].Role)
	require.Len(t, messages[1].Blocks, 1)
	assert.Equal(t, BlockText, messages[1].Blocks[0].Type)
	assert.Equal(t, "hi there", messages[1].Blocks[0].Text)
}

// TestReconstruct_Idempotent verifies reconstructing the same log twice
// yields identical message sequences.
func TestReconstruct_Idempotent(t *testing.T) {
	log := logLines(t,
		userMessage("q"),
		toolInvoked("t1", "read_file", `{"path":"a.txt"}`),
		toolResult("t1", "contents"),
		textDelta("b1", "answer"),
		textComplete("b1", "answer"),
		turnComplete(),
	)

	first, err := Reconstruct(strings.NewReader(log), LoaderConfig{})
	require.NoError(t, err)
	second, err := Reconstruct(strings.NewReader(log), LoaderConfig{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

// TestReconstruct_ResultMatchesByInvocationID verifies a tool result binds
// to the invocation with its id, not to the most recent invocation.
func TestReconstruct_ResultMatchesByInvocationID(t *testing.T) {
	log := logLines(t,
		userMessage("q"),
		toolInvoked("t1", "first", "{}"),
		toolInvoked("t2", "second", "{}"),
		toolResult("t2", "second output"),
		toolResult("t1", "first output"),
		turnComplete(),
	)

	messages, err := Reconstruct(strings.NewReader(log), LoaderConfig{})
	require.NoError(t, err)
	require.Len(t, messages, 2)

	blocks := messages[1].Blocks
	require.Len(t, blocks, 2)
	require.NotNil(t, blocks[0].Result)
	require.NotNil(t, blocks[1].Result)
	assert.Equal(t, "first output", blocks[0].Result.Output)
	assert.Equal(t, "second output", blocks[1].Result.Output)
}

// TestReconstruct_SkipsUnparseableLines verifies garbage lines are dropped
// without aborting reconstruction.
func TestReconstruct_SkipsUnparseableLines(t *testing.T) {
	log := logLines(t, userMessage("hello")) +
		"{this is not json\n" +
		logLines(t, textComplete("b1", "world"), turnComplete())

	messages, err := Reconstruct(strings.NewReader(log), LoaderConfig{})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "world", messages[1].Blocks[0].Text)
}

// TestReconstruct_TrailingIncompleteToolCall verifies a log ending
// mid-tool-call still yields the open tool_use block with a nil result.
func TestReconstruct_TrailingIncompleteToolCall(t *testing.T) {
	log := logLines(t,
		userMessage("q"),
		toolInvoked("t1", "slow_tool", "{}"),
	)

	messages, err := Reconstruct(strings.NewReader(log), LoaderConfig{})
	require.NoError(t, err)
	require.Len(t, messages, 2)

	block := messages[1].Blocks[0]
	assert.Equal(t, BlockToolUse, block.Type)
	assert.Equal(t, "t1", block.InvocationID)
	assert.Nil(t, block.Result)
}

// TestReconstruct_OrphanResult verifies a result with no matching
// invocation becomes a synthetic standalone message instead of vanishing.
func TestReconstruct_OrphanResult(t *testing.T) {
	log := logLines(t,
		userMessage("q"),
		toolResult("never-invoked", "ghost output"),
	)

	messages, err := Reconstruct(strings.NewReader(log), LoaderConfig{})
	require.NoError(t, err)
	require.Len(t, messages, 2)

	orphan := messages[1]
	assert.Equal(t, "user", orphan.Role)
	require.Len(t, orphan.Blocks, 1)
	assert.Equal(t, BlockToolResult, orphan.Blocks[0].Type)
	assert.Equal(t, "ghost output", orphan.Blocks[0].Result.Output)
}

// TestReconstruct_DropOrphanResults verifies the configurable policy that
// discards unmatched results instead of synthesizing messages.
func TestReconstruct_DropOrphanResults(t *testing.T) {
	log := logLines(t,
		userMessage("q"),
		toolResult("never-invoked", "ghost output"),
	)

	messages, err := Reconstruct(strings.NewReader(log), LoaderConfig{DropOrphanResults: true})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].Role)
}

// TestReconstruct_CompletionContentAuthoritative verifies the completion
// event's full text wins over accumulated deltas when both are present.
func TestReconstruct_CompletionContentAuthoritative(t *testing.T) {
	log := logLines(t,
		textDelta("b1", "partial gar"),
		textComplete("b1", "the full corrected text"),
		turnComplete(),
	)

	messages, err := Reconstruct(strings.NewReader(log), LoaderConfig{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "the full corrected text", messages[0].Blocks[0].Text)
}

// TestReconstruct_UncompletedDeltasFlushOnTurnEnd verifies deltas whose
// completion never arrived are folded in when the turn closes.
func TestReconstruct_UncompletedDeltasFlushOnTurnEnd(t *testing.T) {
	log := logLines(t,
		textDelta("b1", "cut off mid"),
		turnComplete(),
	)

	messages, err := Reconstruct(strings.NewReader(log), LoaderConfig{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "cut off mid", messages[0].Blocks[0].Text)
}

// TestReconstruct_NestedEvents verifies nested agent-to-agent traffic is
// skipped by default and folded in when requested.
func TestReconstruct_NestedEvents(t *testing.T) {
	nested := textComplete("n1", "worker chatter")
	nested.Nested = true
	log := logLines(t,
		userMessage("q"),
		nested,
		textComplete("b1", "answer"),
		turnComplete(),
	)

	messages, err := Reconstruct(strings.NewReader(log), LoaderConfig{})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Len(t, messages[1].Blocks, 1)
	assert.Equal(t, "answer", messages[1].Blocks[0].Text)

	messages, err = Reconstruct(strings.NewReader(log), LoaderConfig{IncludeNested: true})
	require.NoError(t, err)
	require.Len(t, messages[1].Blocks, 2)
	assert.Equal(t, "worker chatter", messages[1].Blocks[0].Text)
}

// TestReconstruct_VoiceProvenanceTagsMessage verifies voice-originated
// entries mark the reconstructed message.
func TestReconstruct_VoiceProvenanceTagsMessage(t *testing.T) {
	voiced := textComplete("b1", "spoken answer")
	voiced.Provenance = datatypes.ProvenanceVoice
	log := logLines(t,
		userMessage("typed question"),
		voiced,
		turnComplete(),
	)

	messages, err := Reconstruct(strings.NewReader(log), LoaderConfig{})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.False(t, messages[0].Voice)
	assert.True(t, messages[1].Voice)
}

// TestReconstruct_InterruptedBlockPreserved verifies barge-in finalized
// blocks keep their interrupted flag through reconstruction.
func TestReconstruct_InterruptedBlockPreserved(t *testing.T) {
	cut := textComplete("b1", "I was saying")
	cut.Text.Interrupted = true
	log := logLines(t, cut, turnComplete())

	messages, err := Reconstruct(strings.NewReader(log), LoaderConfig{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].Blocks[0].Interrupted)
}

// TestReconstruct_EmptyLog verifies an empty stream yields no messages.
func TestReconstruct_EmptyLog(t *testing.T) {
	messages, err := Reconstruct(strings.NewReader(""), LoaderConfig{})
	require.NoError(t, err)
	assert.Empty(t, messages)
}
