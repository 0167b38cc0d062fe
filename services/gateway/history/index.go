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
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TitleIndex maps operator-assigned (or summarized) session titles to stable
// keys. It lives as a small JSON file beside the per-session logs.
//
// Thread Safety: TitleIndex is safe for concurrent use.
type TitleIndex struct {
	mu     sync.Mutex
	path   string
	titles map[string]string // stable key -> title
}

// NewTitleIndex loads the index from dir, creating an empty one if the file
// does not exist. A corrupt index file is replaced rather than fatal: titles
// are a convenience, the logs are the source of truth.
func NewTitleIndex(dir string) (*TitleIndex, error) {
	idx := &TitleIndex{
		path:   filepath.Join(dir, "titles.json"),
		titles: make(map[string]string),
	}
	data, err := os.ReadFile(idx.path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read title index: %w", err)
	}
	if err := json.Unmarshal(data, &idx.titles); err != nil {
		idx.titles = make(map[string]string)
	}
	return idx, nil
}

// Get returns the title for a stable key, or empty.
func (t *TitleIndex) Get(stableKey string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.titles[stableKey]
}

// Set stores a title and persists the index.
func (t *TitleIndex) Set(stableKey, title string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.titles[stableKey] = title
	return t.persistLocked()
}

// Delete removes a key's title and persists the index.
func (t *TitleIndex) Delete(stableKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.titles, stableKey)
	return t.persistLocked()
}

// persistLocked writes the index atomically via a temp file rename.
func (t *TitleIndex) persistLocked() error {
	data, err := json.MarshalIndent(t.titles, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode title index: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write title index: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to replace title index: %w", err)
	}
	return nil
}
