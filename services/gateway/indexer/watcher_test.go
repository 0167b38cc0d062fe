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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/gateway/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnored(t *testing.T) {
	assert.True(t, ignored(".hidden"))
	assert.True(t, ignored("/corpus/.git"))
	assert.True(t, ignored("/corpus/notes.md.swp"))
	assert.True(t, ignored("/corpus/upload.tmp"))
	assert.False(t, ignored("/corpus/notes.md"))
	assert.False(t, ignored("/corpus/sub/other.txt"))
}

// TestWatcher_InitialWalkIndexesExistingFiles verifies files present before
// startup are indexed by the initial walk.
func TestWatcher_InitialWalkIndexesExistingFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "pre.md"), []byte("pre-existing"), 0o644))

	searcher := newRecordingSearcher()
	w, err := NewWatcher(NewIndexer(searcher, nil), root, 50*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return searcher.generation() >= 1
	}, 3*time.Second, 20*time.Millisecond)

	searcher.mu.Lock()
	docs := searcher.indexed[memory.CorpusMemory]
	searcher.mu.Unlock()
	require.NotEmpty(t, docs)
	assert.Equal(t, "pre-existing", docs[0].Content)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// TestWatcher_DebouncedChangeTriggersReindex verifies a file written after
// startup is picked up within the debounce window.
func TestWatcher_DebouncedChangeTriggersReindex(t *testing.T) {
	root := t.TempDir()

	searcher := newRecordingSearcher()
	w, err := NewWatcher(NewIndexer(searcher, nil), root, 50*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher a moment to register the root.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "new.md"), []byte("fresh note"), 0o644))

	require.Eventually(t, func() bool {
		searcher.mu.Lock()
		defer searcher.mu.Unlock()
		docs := searcher.indexed[memory.CorpusMemory]
		return len(docs) > 0 && docs[0].Content == "fresh note"
	}, 3*time.Second, 20*time.Millisecond)
}
