// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history implements the append-only conversation log and the
// reconstruction of structured message history from it.
//
// # Description
//
// Each session's log is one JSON Lines file named after its stable key. The
// log is the durable source of truth; in-memory session state is a cache
// over it. Exactly one writer exists per key (the owning session manager)
// and any number of readers (history loads).
//
// A small sibling index file maps operator-assigned titles to stable keys.
//
// # Thread Safety
//
// Writer serializes appends internally. Loader reads are independent of
// writers: a load sees a prefix of the log, which reconstruction handles the
// same way it handles a log ending mid-turn.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
)

// Store manages the log directory: one append-only file per stable key plus
// the title index.
type Store struct {
	dir string

	mu      sync.Mutex
	writers map[string]*Writer
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return &Store{dir: dir, writers: make(map[string]*Writer)}, nil
}

// Dir returns the log directory path.
func (s *Store) Dir() string { return s.dir }

// LogPath returns the log file path for a stable key.
func (s *Store) LogPath(stableKey string) string {
	return filepath.Join(s.dir, stableKey+".jsonl")
}

// Writer returns the single writer for a stable key, creating it on first
// use. The session manager that owns the key is the only caller.
func (s *Store) Writer(stableKey string) *Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[stableKey]
	if !ok {
		w = &Writer{path: s.LogPath(stableKey)}
		s.writers[stableKey] = w
	}
	return w
}

// Load reconstructs the message history for a stable key. A missing log
// file yields an empty history, not an error.
func (s *Store) Load(stableKey string, cfg LoaderConfig) ([]Message, error) {
	f, err := os.Open(s.LogPath(stableKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log for %s: %w", stableKey, err)
	}
	defer f.Close()
	return Reconstruct(f, cfg)
}

// Release closes and forgets the writer for a stable key. Called on session
// stop.
func (s *Store) Release(stableKey string) {
	s.mu.Lock()
	w, ok := s.writers[stableKey]
	delete(s.writers, stableKey)
	s.mu.Unlock()
	if ok {
		w.Close()
	}
}

// Writer appends log entries for one stable key.
//
// # Description
//
// Append serializes one entry and writes it as a single line. Transient I/O
// errors are logged and reported to the caller but never terminate the
// writer or corrupt prior lines: each entry is written in one Write call on
// an O_APPEND descriptor, so a failed append leaves the file at a line
// boundary.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Append serializes the event and appends it durably.
//
// The caller treats a returned error as non-fatal: it surfaces an error
// event downstream and continues the turn.
func (w *Writer) Append(event datatypes.Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", w.path, err)
		}
		w.file = f
	}

	if _, err := w.file.Write(line); err != nil {
		slog.Warn("Failed to append log entry", "path", w.path, "error", err)
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// Flush forces buffered data to disk. Called synchronously before session
// stop and on the engine's pre-compaction notice.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file %s: %w", w.path, err)
	}
	return nil
}

// Close flushes and closes the underlying file. Safe to call twice.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	if err := w.file.Sync(); err != nil {
		slog.Warn("Failed to sync log file on close", "path", w.path, "error", err)
	}
	if err := w.file.Close(); err != nil {
		slog.Warn("Failed to close log file", "path", w.path, "error", err)
	}
	w.file = nil
}
