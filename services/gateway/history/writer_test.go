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
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStore_AppendThenLoad verifies the write-then-reconstruct round trip
// through the filesystem.
func TestStore_AppendThenLoad(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	w := store.Writer("sess-1")
	require.NoError(t, w.Append(userMessage("hello")))
	require.NoError(t, w.Append(textComplete("b1", "world")))
	require.NoError(t, w.Append(turnComplete()))
	store.Release("sess-1")

	messages, err := store.Load("sess-1", LoaderConfig{})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[0].Blocks[0].Text)
	assert.Equal(t, "world", messages[1].Blocks[0].Text)
}

// TestStore_LoadMissingKey verifies a never-written key yields empty
// history rather than an error.
func TestStore_LoadMissingKey(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	messages, err := store.Load("no-such-session", LoaderConfig{})
	require.NoError(t, err)
	assert.Empty(t, messages)
}

// TestStore_WriterIsPerKeySingleton verifies repeated Writer calls return
// the same writer until released.
func TestStore_WriterIsPerKeySingleton(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	w1 := store.Writer("sess-1")
	w2 := store.Writer("sess-1")
	assert.Same(t, w1, w2)

	store.Release("sess-1")
	w3 := store.Writer("sess-1")
	assert.NotSame(t, w1, w3)
}

// TestWriter_AppendIsLineDelimited verifies each entry occupies exactly one
// line so a partial tail never corrupts earlier entries.
func TestWriter_AppendIsLineDelimited(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	w := store.Writer("sess-1")
	require.NoError(t, w.Append(userMessage("one")))
	require.NoError(t, w.Append(userMessage("two")))
	store.Release("sess-1")

	data, err := os.ReadFile(store.LogPath("sess-1"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "{"))
		assert.True(t, strings.HasSuffix(line, "}"))
	}
}

// TestTitleIndex_RoundTrip verifies titles persist across index reloads.
func TestTitleIndex_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	idx, err := NewTitleIndex(dir)
	require.NoError(t, err)
	require.NoError(t, idx.Set("sess-1", "Refactor the parser"))
	assert.Equal(t, "Refactor the parser", idx.Get("sess-1"))

	reloaded, err := NewTitleIndex(dir)
	require.NoError(t, err)
	assert.Equal(t, "Refactor the parser", reloaded.Get("sess-1"))
}

// TestTitleIndex_Delete verifies removal persists.
func TestTitleIndex_Delete(t *testing.T) {
	dir := t.TempDir()

	idx, err := NewTitleIndex(dir)
	require.NoError(t, err)
	require.NoError(t, idx.Set("sess-1", "temp"))
	require.NoError(t, idx.Delete("sess-1"))
	assert.Empty(t, idx.Get("sess-1"))

	reloaded, err := NewTitleIndex(dir)
	require.NoError(t, err)
	assert.Empty(t, reloaded.Get("sess-1"))
}
