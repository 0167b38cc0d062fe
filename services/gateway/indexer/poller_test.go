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
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/history"
	"github.com/AleutianAI/AleutianRelay/services/gateway/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPoller_SweepsLogDirectory verifies the first pass runs immediately
// and indexes every log, skipping unchanged ones on later passes.
func TestPoller_SweepsLogDirectory(t *testing.T) {
	store, err := history.NewStore(t.TempDir())
	require.NoError(t, err)

	w := store.Writer("sess-1")
	user := datatypes.NewEvent(datatypes.EventUserMessage, "sess-1", 1)
	user.Text = &datatypes.TextData{Content: "hello"}
	require.NoError(t, w.Append(user))
	answer := datatypes.NewEvent(datatypes.EventTextComplete, "sess-1", 1)
	answer.Text = &datatypes.TextData{BlockID: "b1", Content: "hi"}
	require.NoError(t, w.Append(answer))
	done := datatypes.NewEvent(datatypes.EventTurnComplete, "sess-1", 1)
	done.TurnComplete = &datatypes.TurnCompleteData{}
	require.NoError(t, w.Append(done))
	store.Release("sess-1")

	searcher := newRecordingSearcher()
	poller := NewPoller(NewIndexer(searcher, store), store.Dir(), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- poller.Run(ctx) }()

	require.Eventually(t, func() bool {
		return searcher.generation() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	// Let at least one more tick pass; the unchanged log is skipped.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, searcher.generation())

	searcher.mu.Lock()
	docs := searcher.indexed[memory.CorpusHistory]
	searcher.mu.Unlock()
	require.NotEmpty(t, docs)
	assert.Equal(t, "sess-1", docs[0].Source)

	cancel()
	assert.ErrorIs(t, <-runDone, context.Canceled)
}
