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
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// defaultPollInterval spaces out history re-index passes. Conversation
// logs grow during live turns; polling keeps index churn off the hot
// streaming path.
const defaultPollInterval = 5 * time.Minute

// Poller re-indexes conversation logs into the history corpus on a fixed
// interval. Unchanged logs are skipped by content fingerprint.
type Poller struct {
	indexer  *Indexer
	logDir   string
	interval time.Duration
}

// NewPoller creates a poller over the log directory. interval <= 0 uses
// the default.
func NewPoller(indexer *Indexer, logDir string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{indexer: indexer, logDir: logDir, interval: interval}
}

// Run polls until ctx is canceled. The first pass happens immediately.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep indexes every log file found in the directory.
func (p *Poller) sweep(ctx context.Context) {
	paths, err := filepath.Glob(filepath.Join(p.logDir, "*.jsonl"))
	if err != nil {
		slog.Warn("Log directory sweep failed", "dir", p.logDir, "error", err)
		return
	}
	for _, path := range paths {
		stableKey := strings.TrimSuffix(filepath.Base(path), ".jsonl")
		if err := p.indexer.IndexLog(ctx, stableKey); err != nil {
			slog.Error("Failed to index conversation log", "stable_key", stableKey, "error", err)
		}
	}
}
