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
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is how long the watcher waits for changes to settle
// before re-indexing, so a burst of editor writes triggers one pass.
const defaultDebounce = 500 * time.Millisecond

// Watcher re-indexes memory-corpus files as they change on disk.
//
// # Description
//
// Watches the corpus directory recursively with fsnotify. Change events
// are debounced, deduplicated per path, and handed to the Indexer, which
// skips files whose content fingerprint is unchanged.
type Watcher struct {
	indexer  *Indexer
	root     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher over the corpus root. debounce <= 0 uses
// the default.
func NewWatcher(indexer *Indexer, root string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		indexer:  indexer,
		root:     root,
		debounce: debounce,
		watcher:  fsw,
	}, nil
}

// Run indexes the existing corpus, then watches for changes until ctx is
// canceled. It blocks.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	w.indexAll(ctx)

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if isDir(event.Name) {
					if err := w.addRecursive(event.Name); err != nil {
						slog.Warn("Failed to watch new directory", "path", event.Name, "error", err)
					}
					continue
				}
			}
			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			for path := range pending {
				if err := w.indexer.IndexMemoryFile(ctx, path); err != nil {
					slog.Error("Failed to index memory file", "path", path, "error", err)
				}
			}
			pending = make(map[string]struct{})
			timer = nil
			timerC = nil

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("File watcher error", "error", err)
		}
	}
}

// indexAll walks the corpus once at startup so files created while the
// gateway was down get indexed.
func (w *Watcher) indexAll(ctx context.Context) {
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || ignored(path) {
			return nil
		}
		if err := w.indexer.IndexMemoryFile(ctx, path); err != nil {
			slog.Error("Failed to index memory file", "path", path, "error", err)
		}
		return nil
	})
	if err != nil {
		slog.Warn("Initial corpus walk failed", "root", w.root, "error", err)
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if ignored(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	switch filepath.Ext(base) {
	case ".swp", ".tmp":
		return true
	}
	return false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
