// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/history"
	"github.com/AleutianAI/AleutianRelay/services/gateway/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSearcher records Index and DeleteBySource calls.
type recordingSearcher struct {
	mu        sync.Mutex
	indexed   map[string][]memory.Document // corpusID -> last docs
	indexGen  int
	deletions []string
	indexErr  error
}

func newRecordingSearcher() *recordingSearcher {
	return &recordingSearcher{indexed: make(map[string][]memory.Document)}
}

func (r *recordingSearcher) Index(ctx context.Context, corpusID string, docs []memory.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexErr != nil {
		return r.indexErr
	}
	r.indexed[corpusID] = docs
	r.indexGen++
	return nil
}

func (r *recordingSearcher) Query(ctx context.Context, corpusID, text string, topK int) ([]memory.Match, error) {
	return nil, nil
}

func (r *recordingSearcher) DeleteBySource(ctx context.Context, corpusID, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletions = append(r.deletions, corpusID+":"+source)
	return nil
}

func (r *recordingSearcher) generation() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexGen
}

func TestChunkText(t *testing.T) {
	t.Run("short text is one chunk", func(t *testing.T) {
		docs := chunkText("a short note", "notes.md", "fp")
		require.Len(t, docs, 1)
		assert.Equal(t, "notes.md#0", docs[0].ID)
		assert.Equal(t, "a short note", docs[0].Content)
		assert.Equal(t, "notes.md", docs[0].Source)
		assert.Equal(t, "fp", docs[0].Fingerprint)
	})

	t.Run("splits on paragraph boundaries", func(t *testing.T) {
		p1 := strings.Repeat("a", 800)
		p2 := strings.Repeat("b", 800)
		p3 := strings.Repeat("c", 100)
		docs := chunkText(p1+"\n\n"+p2+"\n\n"+p3, "big.md", "fp")

		require.Len(t, docs, 2)
		assert.Equal(t, p1, docs[0].Content)
		assert.Equal(t, p2+"\n\n"+p3, docs[1].Content)
	})

	t.Run("oversized paragraph stays whole", func(t *testing.T) {
		huge := strings.Repeat("x", 3*chunkSize)
		docs := chunkText(huge, "huge.md", "fp")
		require.Len(t, docs, 1)
		assert.Equal(t, huge, docs[0].Content)
	})

	t.Run("empty text yields no documents", func(t *testing.T) {
		assert.Empty(t, chunkText("", "empty.md", "fp"))
		assert.Empty(t, chunkText("\n\n\n\n", "blank.md", "fp"))
	})
}

// TestIndexer_MemoryFileFingerprintSkip verifies an unchanged file is not
// re-indexed and a changed one is.
func TestIndexer_MemoryFileFingerprintSkip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("first version"), 0o644))

	searcher := newRecordingSearcher()
	ix := NewIndexer(searcher, nil)
	ctx := context.Background()

	require.NoError(t, ix.IndexMemoryFile(ctx, path))
	assert.Equal(t, 1, searcher.generation())

	// Same content: skipped.
	require.NoError(t, ix.IndexMemoryFile(ctx, path))
	assert.Equal(t, 1, searcher.generation())

	// Changed content: re-indexed.
	require.NoError(t, os.WriteFile(path, []byte("second version"), 0o644))
	require.NoError(t, ix.IndexMemoryFile(ctx, path))
	assert.Equal(t, 2, searcher.generation())
	assert.Equal(t, "second version", searcher.indexed[memory.CorpusMemory][0].Content)
}

// TestIndexer_MemoryFileDeleted verifies a removed file drops its corpus
// documents.
func TestIndexer_MemoryFileDeleted(t *testing.T) {
	searcher := newRecordingSearcher()
	ix := NewIndexer(searcher, nil)

	missing := filepath.Join(t.TempDir(), "gone.md")
	require.NoError(t, ix.IndexMemoryFile(context.Background(), missing))
	assert.Equal(t, []string{memory.CorpusMemory + ":" + missing}, searcher.deletions)
}

// TestIndexer_IndexFailureForgetsFingerprint verifies a failed index is
// retried on the next pass instead of being fingerprint-skipped.
func TestIndexer_IndexFailureForgetsFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	searcher := newRecordingSearcher()
	searcher.indexErr = fmt.Errorf("weaviate down")
	ix := NewIndexer(searcher, nil)
	ctx := context.Background()

	require.Error(t, ix.IndexMemoryFile(ctx, path))

	searcher.mu.Lock()
	searcher.indexErr = nil
	searcher.mu.Unlock()

	require.NoError(t, ix.IndexMemoryFile(ctx, path))
	assert.Equal(t, 1, searcher.generation())
}

// TestIndexer_IndexLog verifies a conversation log is reconstructed into
// dialogue text before indexing, under the history corpus.
func TestIndexer_IndexLog(t *testing.T) {
	store, err := history.NewStore(t.TempDir())
	require.NoError(t, err)

	writeEvent := func(w *history.Writer, e datatypes.Event) {
		t.Helper()
		require.NoError(t, w.Append(e))
	}
	w := store.Writer("sess-1")
	user := datatypes.NewEvent(datatypes.EventUserMessage, "sess-1", 1)
	user.Text = &datatypes.TextData{Content: "what is the plan"}
	writeEvent(w, user)
	answer := datatypes.NewEvent(datatypes.EventTextComplete, "sess-1", 1)
	answer.Text = &datatypes.TextData{BlockID: "b1", Content: "ship it tomorrow"}
	writeEvent(w, answer)
	done := datatypes.NewEvent(datatypes.EventTurnComplete, "sess-1", 1)
	done.TurnComplete = &datatypes.TurnCompleteData{}
	writeEvent(w, done)
	store.Release("sess-1")

	searcher := newRecordingSearcher()
	ix := NewIndexer(searcher, store)
	require.NoError(t, ix.IndexLog(context.Background(), "sess-1"))

	docs := searcher.indexed[memory.CorpusHistory]
	require.NotEmpty(t, docs)
	assert.Contains(t, docs[0].Content, "user: what is the plan")
	assert.Contains(t, docs[0].Content, "assistant: ship it tomorrow")
	assert.NotContains(t, docs[0].Content, "{", "indexed text is dialogue, not raw event JSON")

	// Unchanged log: skipped on the next poll.
	require.NoError(t, ix.IndexLog(context.Background(), "sess-1"))
	assert.Equal(t, 1, searcher.generation())
}

// TestIndexer_IndexLogMissing verifies an absent log is a no-op.
func TestIndexer_IndexLogMissing(t *testing.T) {
	store, err := history.NewStore(t.TempDir())
	require.NoError(t, err)

	ix := NewIndexer(newRecordingSearcher(), store)
	require.NoError(t, ix.IndexLog(context.Background(), "no-such-session"))
}

// TestRenderDialogue verifies tool plumbing and thinking are omitted.
func TestRenderDialogue(t *testing.T) {
	messages := []history.Message{
		{Role: "user", Blocks: []history.Block{{Type: history.BlockText, Text: "q"}}},
		{Role: "assistant", Blocks: []history.Block{
			{Type: history.BlockThinking, Text: "hidden"},
			{Type: history.BlockToolUse, Name: "read_file"},
			{Type: history.BlockText, Text: "a"},
		}},
	}

	out := renderDialogue(messages)
	assert.Equal(t, "user: q\n\nassistant: a\n\n", out)

	// Guard: the output must be valid chunk input, not JSON.
	assert.False(t, json.Valid([]byte(out)))
}
