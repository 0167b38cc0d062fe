// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/engine"
	"github.com/AleutianAI/AleutianRelay/services/gateway/history"
	"github.com/AleutianAI/AleutianRelay/services/gateway/observability"
)

// OrchestratorActiveError is returned by Create when a second orchestrator
// session is requested while one is live. The caller must surface a
// confirmation step and, on explicit confirmation, call
// ReplaceOrchestrator. Nothing is ever auto-stopped.
type OrchestratorActiveError struct {
	// ExistingKey is the stable key of the live orchestrator.
	ExistingKey string
}

func (e *OrchestratorActiveError) Error() string {
	return fmt.Sprintf("an orchestrator session is already active (%s); confirmation required to replace it", e.ExistingKey)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Engine is the shared external execution engine.
	Engine engine.Engine

	// Store owns the conversation logs.
	Store *history.Store

	// Titles is the operator title index, may be nil.
	Titles *history.TitleIndex

	// Metrics may be nil in tests.
	Metrics *observability.GatewayMetrics

	// OrchestratorPrompt is the system prompt installed on orchestrator
	// sessions.
	OrchestratorPrompt string

	// OrchestratorTools builds the backend tool executor for an
	// orchestrator session. Called once per orchestrator create so the
	// executor can close over the pool itself.
	OrchestratorTools func() ToolExecutor

	// OnFirstTurn is passed through to every manager.
	OnFirstTurn func(stableKey, prompt, answer string)
}

// Pool is the concurrent registry of live session managers.
//
// # Description
//
// The pool maps stable keys to running managers. Creation announces the
// session immediately: it appears in List before the first engine turn
// completes and before an engine key exists. For any stable key at most one
// live manager exists; Subscribe on a live key attaches to it without
// touching the engine.
//
// The single-active-orchestrator constraint is state owned by the pool,
// checked and set under the registry lock, with an explicit two-phase
// confirm/replace operation.
//
// # Thread Safety
//
// All registry mutations are serialized behind one mutex. Event fan-out
// runs on per-session broadcasters and never holds the registry lock.
type Pool struct {
	cfg PoolConfig

	mu              sync.RWMutex
	sessions        map[string]*Manager
	orchestratorKey string
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		cfg:      cfg,
		sessions: make(map[string]*Manager),
	}
}

// CreateOptions configures Create.
type CreateOptions struct {
	// StableKey is the client-generated key. Empty means the pool
	// generates one.
	StableKey string

	// ResumeEngineKey resumes the engine's persisted conversation.
	ResumeEngineKey string

	// Fork seeds a new conversation from the resumed one.
	Fork bool

	// Role is ordinary or orchestrator.
	Role datatypes.Role
}

// Create registers a new manager and returns it along with its stable key.
// The session is announced immediately; the caller drives Start (with its
// own timeout) afterwards.
//
// Creating a second orchestrator fails with *OrchestratorActiveError; see
// ReplaceOrchestrator for the confirmed path.
func (p *Pool) Create(opts CreateOptions) (*Manager, error) {
	stableKey := opts.StableKey
	if stableKey == "" {
		stableKey = uuid.NewString()
	}
	if opts.Role == "" {
		opts.Role = datatypes.RoleOrdinary
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.sessions[stableKey]; exists {
		return nil, fmt.Errorf("session %s already exists in the pool", stableKey)
	}
	if opts.Role == datatypes.RoleOrchestrator && p.orchestratorKey != "" {
		return nil, &OrchestratorActiveError{ExistingKey: p.orchestratorKey}
	}

	manager := p.buildManagerLocked(stableKey, opts.Role)
	p.sessions[stableKey] = manager
	if opts.Role == datatypes.RoleOrchestrator {
		p.orchestratorKey = stableKey
	}
	p.cfg.Metrics.SessionOpened(string(opts.Role))

	slog.Info("Session announced", "stableKey", stableKey, "role", opts.Role)
	return manager, nil
}

func (p *Pool) buildManagerLocked(stableKey string, role datatypes.Role) *Manager {
	cfg := ManagerConfig{
		StableKey:   stableKey,
		Role:        role,
		Engine:      p.cfg.Engine,
		Store:       p.cfg.Store,
		Metrics:     p.cfg.Metrics,
		OnFirstTurn: p.cfg.OnFirstTurn,
	}
	if role == datatypes.RoleOrchestrator {
		cfg.SystemPrompt = p.cfg.OrchestratorPrompt
		if p.cfg.OrchestratorTools != nil {
			cfg.Tools = p.cfg.OrchestratorTools()
		}
	}
	return NewManager(cfg)
}

// ReplaceOrchestrator is the confirmed second phase of orchestrator
// replacement: it stops the live orchestrator, then creates the new one.
// Returns an error if no orchestrator is live (nothing to replace).
func (p *Pool) ReplaceOrchestrator(ctx context.Context, opts CreateOptions) (*Manager, error) {
	p.mu.Lock()
	existingKey := p.orchestratorKey
	existing := p.sessions[existingKey]
	p.mu.Unlock()

	if existing == nil {
		return nil, fmt.Errorf("no orchestrator session to replace")
	}

	slog.Info("Replacing orchestrator session", "oldKey", existingKey)
	p.Close(ctx, existingKey)

	opts.Role = datatypes.RoleOrchestrator
	return p.Create(opts)
}

// Has reports whether a stable key is live in the pool.
func (p *Pool) Has(stableKey string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.sessions[stableKey]
	return ok
}

// Get returns the live manager for a stable key, or nil.
func (p *Pool) Get(stableKey string) *Manager {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[stableKey]
}

// OrchestratorKey returns the live orchestrator's stable key, or empty.
func (p *Pool) OrchestratorKey() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.orchestratorKey
}

// Subscribe attaches a subscriber to a live session's event stream. The
// second return is the unsubscribe function; ok is false when the key is
// not live.
func (p *Pool) Subscribe(stableKey string) (<-chan Delivery, func(), bool) {
	manager := p.Get(stableKey)
	if manager == nil {
		return nil, nil, false
	}
	ch, unsub := manager.Subscribe()
	return ch, unsub, true
}

// List returns summaries of all live sessions, newest first, with titles
// folded in from the index.
func (p *Pool) List() []datatypes.SessionSummary {
	p.mu.RLock()
	summaries := make([]datatypes.SessionSummary, 0, len(p.sessions))
	for _, manager := range p.sessions {
		summaries = append(summaries, manager.Summary())
	}
	p.mu.RUnlock()

	if p.cfg.Titles != nil {
		for i := range summaries {
			summaries[i].Title = p.cfg.Titles.Get(summaries[i].StableKey)
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries
}

// Close stops a session and removes it from the pool. Idempotent: closing
// an unknown key is a no-op.
func (p *Pool) Close(ctx context.Context, stableKey string) {
	p.mu.Lock()
	manager, ok := p.sessions[stableKey]
	delete(p.sessions, stableKey)
	if p.orchestratorKey == stableKey {
		p.orchestratorKey = ""
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	manager.Stop(ctx)
	p.cfg.Metrics.SessionClosed(string(manager.Role()))
}

// Shutdown stops every session. Called on process shutdown.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	managers := make([]*Manager, 0, len(p.sessions))
	for _, m := range p.sessions {
		managers = append(managers, m)
	}
	p.sessions = make(map[string]*Manager)
	p.orchestratorKey = ""
	p.mu.Unlock()

	for _, m := range managers {
		m.Stop(ctx)
		p.cfg.Metrics.SessionClosed(string(m.Role()))
	}
	slog.Info("Session pool shut down", "sessions", len(managers))
}
