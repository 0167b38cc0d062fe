// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package indexer keeps the search corpora current: the memory corpus
// re-indexes on file change, the history corpus re-indexes on a fixed
// polling interval over the conversation log directory.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianRelay/services/gateway/history"
	"github.com/AleutianAI/AleutianRelay/services/gateway/memory"
)

var tracer = otel.Tracer("relay.gateway.indexer")

// chunkSize bounds the character length of one indexed chunk. Splits land
// on paragraph boundaries where possible.
const chunkSize = 1200

// Indexer converts source files into corpus documents.
//
// # Thread Safety
//
// Safe for concurrent use; the fingerprint cache is mutex-guarded.
type Indexer struct {
	searcher memory.Searcher
	store    *history.Store

	mu           sync.Mutex
	fingerprints map[string]string
}

// NewIndexer creates an indexer. store may be nil when only the memory
// corpus is indexed.
func NewIndexer(searcher memory.Searcher, store *history.Store) *Indexer {
	return &Indexer{
		searcher:     searcher,
		store:        store,
		fingerprints: make(map[string]string),
	}
}

// IndexMemoryFile (re-)indexes one memory-corpus file. Unchanged files
// (by content fingerprint) are skipped.
func (ix *Indexer) IndexMemoryFile(ctx context.Context, path string) error {
	ctx, span := tracer.Start(ctx, "indexer.IndexMemoryFile")
	defer span.End()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted file: drop its documents.
			return ix.searcher.DeleteBySource(ctx, memory.CorpusMemory, path)
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	fp := fingerprint(data)
	if !ix.changed(path, fp) {
		return nil
	}

	docs := chunkText(string(data), path, fp)
	if err := ix.searcher.Index(ctx, memory.CorpusMemory, docs); err != nil {
		ix.forget(path)
		return err
	}
	slog.Info("Indexed memory file", "path", path, "chunks", len(docs))
	return nil
}

// IndexLog (re-)indexes one session's conversation log into the history
// corpus. The log is reconstructed first so the indexed text is dialogue,
// not raw event JSON.
func (ix *Indexer) IndexLog(ctx context.Context, stableKey string) error {
	ctx, span := tracer.Start(ctx, "indexer.IndexLog")
	defer span.End()

	path := ix.store.LogPath(stableKey)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read log %s: %w", path, err)
	}

	fp := fingerprint(data)
	if !ix.changed(path, fp) {
		return nil
	}

	messages, err := history.Reconstruct(strings.NewReader(string(data)), history.LoaderConfig{})
	if err != nil {
		ix.forget(path)
		return fmt.Errorf("failed to reconstruct log %s: %w", stableKey, err)
	}

	docs := chunkText(renderDialogue(messages), stableKey, fp)
	if err := ix.searcher.Index(ctx, memory.CorpusHistory, docs); err != nil {
		ix.forget(path)
		return err
	}
	slog.Info("Indexed conversation log", "stable_key", stableKey, "chunks", len(docs))
	return nil
}

func (ix *Indexer) changed(path, fp string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.fingerprints[path] == fp {
		return false
	}
	ix.fingerprints[path] = fp
	return true
}

func (ix *Indexer) forget(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.fingerprints, path)
}

func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// chunkText splits text on paragraph boundaries into documents no longer
// than chunkSize. A single oversized paragraph becomes its own chunk
// rather than being split mid-sentence.
func chunkText(text, source, fp string) []memory.Document {
	paragraphs := strings.Split(text, "\n\n")
	var docs []memory.Document
	var current strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		current.Reset()
		if chunk == "" {
			return
		}
		docs = append(docs, memory.Document{
			ID:          fmt.Sprintf("%s#%d", filepath.Base(source), len(docs)),
			Content:     chunk,
			Source:      source,
			Fingerprint: fp,
		})
	}

	for _, p := range paragraphs {
		if current.Len() > 0 && current.Len()+len(p) > chunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()
	return docs
}

// renderDialogue flattens reconstructed messages to plain text for
// indexing. Thinking and tool plumbing are omitted.
func renderDialogue(messages []history.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		for _, block := range msg.Blocks {
			if block.Type != history.BlockText || block.Text == "" {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n\n", msg.Role, block.Text)
		}
	}
	return b.String()
}
