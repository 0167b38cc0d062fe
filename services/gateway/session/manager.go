// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session implements the session lifecycle manager and the
// concurrent session pool.
//
// # Description
//
// A Manager wraps exactly one external engine conversation: it starts or
// resumes the engine session, opens one turn per Send/Command, translates
// native engine events into the gateway's event variants, appends every
// event to the conversation log before fan-out, and guarantees a terminal
// turn-complete event on every path including interrupt.
//
// The Pool is the registry of live managers keyed by stable key. Sessions
// outlive client connections: a manager is only removed on explicit stop or
// process shutdown, never because its last subscriber went away.
//
// # Thread Safety
//
// Manager and Pool are safe for concurrent use. The log for a key has
// exactly one writer (its manager); the registry map is guarded for
// structural changes while event fan-out runs on per-session broadcasters
// outside the registry lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/engine"
	"github.com/AleutianAI/AleutianRelay/services/gateway/history"
	"github.com/AleutianAI/AleutianRelay/services/gateway/observability"
)

// ErrTurnActive is returned by Send when a turn is already in flight.
var ErrTurnActive = errors.New("a turn is already in flight")

// ErrVoiceActive is returned when a text-mode operation arrives while the
// session is handed off to the voice transport.
var ErrVoiceActive = errors.New("session is in voice mode")

// defaultInterruptGrace bounds how long an interrupted turn may wait for
// the engine's own terminal event before the manager synthesizes one.
const defaultInterruptGrace = 5 * time.Second

// ToolExecutor executes backend-side tools on behalf of a session's engine.
// The orchestrator's control plane is the one implementation; ordinary
// sessions run with a nil executor and all tool traffic stays engine-side.
type ToolExecutor interface {
	// Specs declares the tools to the engine at start.
	Specs() []engine.ToolSpec

	// Handles reports whether the named tool is executed backend-side.
	Handles(name string) bool

	// Execute runs one invocation. notify lets long-running tools relay
	// nested-session events upward as informational notifications while
	// the call blocks.
	Execute(ctx context.Context, name, input string, notify func(datatypes.Event)) (string, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// StableKey is the session's primary key. Required.
	StableKey string

	// Role is ordinary or orchestrator.
	Role datatypes.Role

	// Engine is the external execution engine.
	Engine engine.Engine

	// Store owns the conversation log files.
	Store *history.Store

	// Metrics may be nil in tests.
	Metrics *observability.GatewayMetrics

	// Tools is the backend-side tool executor, nil for ordinary sessions.
	Tools ToolExecutor

	// SystemPrompt overrides the engine's default persona.
	SystemPrompt string

	// OnFirstTurn is invoked once, after the first turn completes, with
	// the opening prompt and the concatenated assistant text. The gateway
	// uses it to summarize a session title.
	OnFirstTurn func(stableKey, prompt, answer string)

	// InterruptGrace bounds the wait for a terminal event after an
	// interrupt. Zero means defaultInterruptGrace.
	InterruptGrace time.Duration
}

// Manager owns one session: its engine conversation, its log writer, and
// its event broadcaster.
type Manager struct {
	cfg       ManagerConfig
	writer    *history.Writer
	broadcast *broadcaster
	createdAt time.Time

	mu         sync.Mutex
	status     datatypes.Status
	engineKey  string
	turnCount  int
	costUSD    float64
	handle     engine.Handle
	started    bool
	turnActive bool
	voiceMode  bool
	provenance datatypes.Provenance

	// interruptCh wakes the in-flight turn's receive loop so it can arm
	// the grace timer. Replaced per turn.
	interruptCh chan struct{}

	// turnCancel abandons the in-flight engine stream when the grace timer
	// fires. Replaced per turn.
	turnCancel context.CancelFunc
}

// NewManager creates a manager for one stable key. The session is not live
// until Start succeeds.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.InterruptGrace <= 0 {
		cfg.InterruptGrace = defaultInterruptGrace
	}
	return &Manager{
		cfg:        cfg,
		writer:     cfg.Store.Writer(cfg.StableKey),
		broadcast:  newBroadcaster(0, cfg.Metrics),
		createdAt:  time.Now(),
		status:     datatypes.StatusConnecting,
		provenance: datatypes.ProvenanceText,
	}
}

// StartOptions configures Start.
type StartOptions struct {
	// ResumeEngineKey resumes the engine's persisted conversation.
	ResumeEngineKey string

	// Fork seeds a new engine conversation from the resumed one.
	Fork bool
}

// Start opens or resumes the engine conversation.
//
// The bound on engine cold-start comes from ctx; on expiry the error wraps
// engine.ErrUnreachable and the caller owns the retry, never the manager.
func (m *Manager) Start(ctx context.Context, opts StartOptions) error {
	handle, err := m.cfg.Engine.Start(ctx, engine.StartOptions{
		ResumeSessionID: opts.ResumeEngineKey,
		Fork:            opts.Fork,
		SystemPrompt:    m.cfg.SystemPrompt,
		Tools:           m.toolSpecs(),
	})
	if err != nil {
		m.setStatus(datatypes.StatusDisconnected)
		return fmt.Errorf("failed to start engine session for %s: %w", m.cfg.StableKey, err)
	}

	m.mu.Lock()
	m.handle = handle
	m.started = true
	if opts.ResumeEngineKey != "" && !opts.Fork {
		m.engineKey = opts.ResumeEngineKey
	}
	m.mu.Unlock()

	m.setStatus(datatypes.StatusIdle)
	slog.Info("Session started", "stableKey", m.cfg.StableKey,
		"role", m.cfg.Role, "resumed", opts.ResumeEngineKey != "")
	return nil
}

func (m *Manager) toolSpecs() []engine.ToolSpec {
	if m.cfg.Tools == nil {
		return nil
	}
	return m.cfg.Tools.Specs()
}

// Subscribe attaches an event subscriber. The returned function detaches
// it. Attaching never touches the engine: this is what makes reconnection
// after a browser refresh safe.
func (m *Manager) Subscribe() (<-chan Delivery, func()) {
	return m.broadcast.subscribe()
}

// Send opens one turn with the given prompt and blocks until the turn's
// terminal event has been emitted. Events reach subscribers as they stream;
// the return value only reports whether the turn could be opened and how it
// ended.
func (m *Manager) Send(ctx context.Context, prompt string) error {
	return m.runTurn(ctx, prompt)
}

// Command submits a slash-style directive. "/compact" maps to the engine's
// compact operation; any other directive is forwarded to the engine, which
// interprets its own command set.
func (m *Manager) Command(ctx context.Context, directive string) error {
	if strings.TrimSpace(directive) == "/compact" {
		return m.Compact(ctx)
	}
	return m.runTurn(ctx, directive)
}

// SendVoice opens a turn whose log entries carry voice provenance. Used by
// the voice control connection when mirroring data-channel traffic.
func (m *Manager) SendVoice(ctx context.Context, prompt string) error {
	m.mu.Lock()
	m.provenance = datatypes.ProvenanceVoice
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.provenance = datatypes.ProvenanceText
		m.mu.Unlock()
	}()
	return m.runTurn(ctx, prompt)
}

// runTurn is the single turn loop shared by Send, Command, and SendVoice.
func (m *Manager) runTurn(ctx context.Context, prompt string) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return engine.ErrNotStarted
	}
	if m.turnActive {
		m.mu.Unlock()
		return ErrTurnActive
	}
	if m.voiceMode && m.provenance != datatypes.ProvenanceVoice {
		m.mu.Unlock()
		return ErrVoiceActive
	}
	m.turnActive = true
	turn := m.turnCount + 1
	handle := m.handle
	interruptCh := make(chan struct{}, 1)
	turnCtx, cancel := context.WithCancel(ctx)
	m.interruptCh = interruptCh
	m.turnCancel = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.turnActive = false
		m.interruptCh = nil
		m.turnCancel = nil
		m.mu.Unlock()
	}()

	started := time.Now()

	userEvent := m.newEvent(datatypes.EventUserMessage, turn)
	userEvent.Text = &datatypes.TextData{Content: prompt}
	m.emit(userEvent)

	stream, err := m.cfg.Engine.Send(turnCtx, handle, prompt)
	if err != nil {
		m.emitError(turn, "send_failed", err.Error(), false)
		m.emitSyntheticTerminal(turn, false)
		m.setStatus(datatypes.StatusIdle)
		return fmt.Errorf("engine send failed for %s: %w", m.cfg.StableKey, err)
	}

	answer := m.consumeTurn(turnCtx, stream, turn, interruptCh)

	m.mu.Lock()
	turnCount := m.turnCount
	m.mu.Unlock()
	m.cfg.Metrics.ObserveTurn(string(m.cfg.Role), time.Since(started).Seconds(), answer.costUSD)

	if turnCount == 1 && m.cfg.OnFirstTurn != nil && answer.text != "" {
		m.cfg.OnFirstTurn(m.cfg.StableKey, prompt, answer.text)
	}
	return nil
}

// turnOutcome accumulates what the turn loop needs after the stream ends.
type turnOutcome struct {
	text    string
	costUSD float64
}

// consumeTurn drains one engine event stream, translating and emitting
// every event, and guarantees a terminal turn-complete on every path: clean
// completion, interrupted engine that answers, interrupted engine that goes
// silent, and a stream that closes without a terminal event.
func (m *Manager) consumeTurn(ctx context.Context, stream <-chan engine.Event, turn int, interruptCh chan struct{}) turnOutcome {
	var outcome turnOutcome
	var textParts []string
	var graceTimer *time.Timer
	var graceCh <-chan time.Time
	interrupted := false

	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				// Engine closed the stream without a terminal event.
				if !interrupted {
					m.emitError(turn, "engine_stream_closed",
						"engine closed the event stream before completing the turn", true)
				}
				m.emitSyntheticTerminal(turn, interrupted)
				m.setStatus(statusAfter(interrupted))
				return outcome
			}
			if terminal := m.translateAndEmit(ev, turn, interrupted, &textParts, &outcome); terminal {
				m.setStatus(statusAfter(interrupted))
				outcome.text = strings.Join(textParts, "\n")
				return outcome
			}

		case <-interruptCh:
			interrupted = true
			m.setStatus(datatypes.StatusInterrupted)
			graceTimer = time.NewTimer(m.cfg.InterruptGrace)
			graceCh = graceTimer.C

		case <-graceCh:
			// The engine never delivered its terminal event after the
			// interrupt. Synthesize one so no caller state machine hangs.
			m.emitSyntheticTerminal(turn, true)
			m.setStatus(datatypes.StatusIdle)
			outcome.text = strings.Join(textParts, "\n")
			return outcome

		case <-ctx.Done():
			m.emitSyntheticTerminal(turn, interrupted)
			m.setStatus(datatypes.StatusDisconnected)
			outcome.text = strings.Join(textParts, "\n")
			return outcome
		}
	}
}

func statusAfter(interrupted bool) datatypes.Status {
	if interrupted {
		return datatypes.StatusInterrupted
	}
	return datatypes.StatusIdle
}

// translateAndEmit maps one native engine event to the gateway event model,
// emits it, and reports whether it was the turn's terminal event.
func (m *Manager) translateAndEmit(ev engine.Event, turn int, interrupted bool, textParts *[]string, outcome *turnOutcome) bool {
	switch ev.Kind {
	case engine.KindTextDelta:
		m.setStatus(datatypes.StatusStreaming)
		out := m.newEvent(datatypes.EventTextDelta, turn)
		out.Text = &datatypes.TextData{BlockID: ev.BlockID, Content: ev.Text}
		m.emit(out)

	case engine.KindTextComplete:
		out := m.newEvent(datatypes.EventTextComplete, turn)
		out.Text = &datatypes.TextData{BlockID: ev.BlockID, Content: ev.Text, Interrupted: interrupted}
		m.emit(out)
		*textParts = append(*textParts, ev.Text)

	case engine.KindThinkingDelta:
		m.setStatus(datatypes.StatusThinking)
		out := m.newEvent(datatypes.EventThinkingDelta, turn)
		out.Text = &datatypes.TextData{BlockID: ev.BlockID, Content: ev.Text}
		m.emit(out)

	case engine.KindThinkingComplete:
		out := m.newEvent(datatypes.EventThinkingComplete, turn)
		out.Text = &datatypes.TextData{BlockID: ev.BlockID, Content: ev.Text, Interrupted: interrupted}
		m.emit(out)

	case engine.KindToolInvocation:
		m.setStatus(datatypes.StatusUsingTool)
		out := m.newEvent(datatypes.EventToolInvoked, turn)
		out.Tool = &datatypes.ToolData{
			InvocationID: ev.InvocationID,
			Name:         ev.ToolName,
			Input:        ev.ToolInput,
		}
		m.emit(out)
		m.maybeExecuteTool(ev, turn)

	case engine.KindToolProgress:
		out := m.newEvent(datatypes.EventToolProgress, turn)
		out.Tool = &datatypes.ToolData{InvocationID: ev.InvocationID, Output: ev.ToolOutput}
		m.emit(out)

	case engine.KindToolResult:
		out := m.newEvent(datatypes.EventToolResult, turn)
		out.Tool = &datatypes.ToolData{
			InvocationID: ev.InvocationID,
			Name:         ev.ToolName,
			Output:       ev.ToolOutput,
			IsError:      ev.ToolIsError,
		}
		m.emit(out)

	case engine.KindCompactionNotice:
		// Pre-compaction: flush outstanding log state synchronously before
		// the engine rewrites its history.
		if err := m.writer.Flush(); err != nil {
			slog.Warn("Failed to flush log before compaction",
				"stableKey", m.cfg.StableKey, "error", err)
		}

	case engine.KindCompactionComplete:
		out := m.newEvent(datatypes.EventCompactionComplete, turn)
		m.emit(out)

	case engine.KindError:
		m.emitError(turn, "engine_error", ev.Error, true)

	case engine.KindTurnComplete:
		m.completeTurn(ev, turn, interrupted)
		outcome.costUSD = ev.CostUSD
		return true
	}
	return false
}

// maybeExecuteTool runs a backend-side tool invocation and returns its
// result to the engine. Engine-native tools pass through untouched.
func (m *Manager) maybeExecuteTool(ev engine.Event, turn int) {
	if m.cfg.Tools == nil || !m.cfg.Tools.Handles(ev.ToolName) {
		return
	}

	executing := m.newEvent(datatypes.EventToolExecuting, turn)
	executing.Tool = &datatypes.ToolData{InvocationID: ev.InvocationID, Name: ev.ToolName}
	m.emit(executing)

	notify := func(nested datatypes.Event) {
		nested.StableKey = m.cfg.StableKey
		nested.Turn = turn
		nested.Nested = true
		m.emit(nested)
	}

	output, err := m.cfg.Tools.Execute(context.Background(), ev.ToolName, ev.ToolInput, notify)
	isErr := err != nil
	if isErr {
		output = err.Error()
	}

	result := m.newEvent(datatypes.EventToolResult, turn)
	result.Tool = &datatypes.ToolData{
		InvocationID: ev.InvocationID,
		Name:         ev.ToolName,
		Output:       output,
		IsError:      isErr,
	}
	m.emit(result)

	m.mu.Lock()
	handle := m.handle
	m.mu.Unlock()
	if err := m.cfg.Engine.RespondTool(context.Background(), handle, ev.InvocationID, output, isErr); err != nil {
		slog.Error("Failed to deliver tool result to engine",
			"stableKey", m.cfg.StableKey, "tool", ev.ToolName, "error", err)
	}
}

// completeTurn emits the terminal event and updates the monotonic counters.
func (m *Manager) completeTurn(ev engine.Event, turn int, interrupted bool) {
	m.mu.Lock()
	m.turnCount++
	m.costUSD += ev.CostUSD
	if ev.SessionID != "" && m.engineKey == "" {
		m.engineKey = ev.SessionID
		slog.Info("Captured engine key", "stableKey", m.cfg.StableKey, "engineKey", ev.SessionID)
	}
	m.mu.Unlock()

	out := m.newEvent(datatypes.EventTurnComplete, turn)
	out.TurnComplete = &datatypes.TurnCompleteData{
		EngineKey:    ev.SessionID,
		CostUSD:      ev.CostUSD,
		InputTokens:  ev.InputTokens,
		OutputTokens: ev.OutputTokens,
		Interrupted:  interrupted,
	}
	m.emit(out)
}

// emitSyntheticTerminal emits a turn-complete the engine never sent, so the
// terminal-event contract holds on every path.
func (m *Manager) emitSyntheticTerminal(turn int, interrupted bool) {
	m.mu.Lock()
	m.turnCount++
	m.mu.Unlock()

	out := m.newEvent(datatypes.EventTurnComplete, turn)
	out.TurnComplete = &datatypes.TurnCompleteData{Interrupted: interrupted}
	m.emit(out)
}

// Interrupt cancels the in-flight turn. The turn still ends with a terminal
// turn-complete: either the engine's own, or a synthesized one after the
// grace window.
func (m *Manager) Interrupt(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return engine.ErrNotStarted
	}
	handle := m.handle
	interruptCh := m.interruptCh
	m.mu.Unlock()

	if interruptCh == nil {
		return nil // no turn in flight
	}
	select {
	case interruptCh <- struct{}{}:
	default:
	}
	if err := m.cfg.Engine.Interrupt(ctx, handle); err != nil {
		slog.Warn("Engine interrupt failed, relying on grace timeout",
			"stableKey", m.cfg.StableKey, "error", err)
	}
	return nil
}

// Compact asks the engine to compact its history, flushing the log first.
func (m *Manager) Compact(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return engine.ErrNotStarted
	}
	handle := m.handle
	m.mu.Unlock()

	if err := m.writer.Flush(); err != nil {
		slog.Warn("Failed to flush log before compaction",
			"stableKey", m.cfg.StableKey, "error", err)
	}
	if err := m.cfg.Engine.Compact(ctx, handle); err != nil {
		return fmt.Errorf("engine compact failed for %s: %w", m.cfg.StableKey, err)
	}
	out := m.newEvent(datatypes.EventCompactionComplete, m.currentTurn())
	m.emit(out)
	return nil
}

// Stop tears the session down. If any turn completed, outstanding log state
// is flushed synchronously before Stop returns. Stop is terminal for both
// the engine conversation and the log writer.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	turns := m.turnCount
	turnCancel := m.turnCancel
	m.mu.Unlock()

	if turnCancel != nil {
		_ = m.Interrupt(ctx)
		turnCancel()
	}
	m.setStatus(datatypes.StatusDisconnected)

	if turns > 0 {
		if err := m.writer.Flush(); err != nil {
			slog.Warn("Failed to flush log on stop",
				"stableKey", m.cfg.StableKey, "error", err)
		}
	}
	m.broadcast.close()
	m.cfg.Store.Release(m.cfg.StableKey)
	slog.Info("Session stopped", "stableKey", m.cfg.StableKey, "turns", turns)
}

// BeginVoice transitions the session from text to voice mode. The mode
// switch is exclusive: text-mode sends fail with ErrVoiceActive until
// EndVoice. Returns an error if a turn is in flight or voice is already
// active.
func (m *Manager) BeginVoice() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.voiceMode {
		return ErrVoiceActive
	}
	if m.turnActive {
		return ErrTurnActive
	}
	m.voiceMode = true
	return nil
}

// EndVoice hands control back to text mode.
func (m *Manager) EndVoice() {
	m.mu.Lock()
	m.voiceMode = false
	m.mu.Unlock()
}

// VoiceActive reports whether the session is handed off to voice.
func (m *Manager) VoiceActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voiceMode
}

// MirrorVoiceEvent persists and fans out one event mirrored verbatim from
// the voice engine's data channel. The backend never receives raw audio;
// this path carries transcripts and tool traffic only.
func (m *Manager) MirrorVoiceEvent(event datatypes.Event) {
	event.StableKey = m.cfg.StableKey
	event.Provenance = datatypes.ProvenanceVoice
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	m.emit(event)
}

// Summary returns the pool-facing view of this session.
func (m *Manager) Summary() datatypes.SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return datatypes.SessionSummary{
		StableKey:       m.cfg.StableKey,
		EngineKey:       m.engineKey,
		Status:          m.status,
		Role:            m.cfg.Role,
		TurnCount:       m.turnCount,
		AccumulatedCost: m.costUSD,
		Subscribers:     m.broadcast.count(),
		CreatedAt:       m.createdAt,
	}
}

// StableKey returns the session's primary key.
func (m *Manager) StableKey() string { return m.cfg.StableKey }

// Role returns the session's role.
func (m *Manager) Role() datatypes.Role { return m.cfg.Role }

// EngineKey returns the engine-assigned key, or empty before the first
// completed turn.
func (m *Manager) EngineKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engineKey
}

// Status returns the current session status.
func (m *Manager) Status() datatypes.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) currentTurn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnCount
}

// newEvent stamps an event with the session's key and active provenance.
func (m *Manager) newEvent(eventType datatypes.EventType, turn int) datatypes.Event {
	ev := datatypes.NewEvent(eventType, m.cfg.StableKey, turn)
	m.mu.Lock()
	ev.Provenance = m.provenance
	m.mu.Unlock()
	return ev
}

// emit appends the event to the log, then fans it out. Persistence runs
// first and cannot be skipped by a fast consumer; a failed append surfaces
// a non-fatal error event and the turn continues.
func (m *Manager) emit(event datatypes.Event) {
	if err := m.writer.Append(event); err != nil {
		m.cfg.Metrics.ObservePersistenceFailure()
		slog.Warn("Conversation log append failed",
			"stableKey", m.cfg.StableKey, "eventType", event.Type, "error", err)
		if event.Type != datatypes.EventError {
			errEvent := datatypes.NewEvent(datatypes.EventError, m.cfg.StableKey, event.Turn)
			errEvent.Error = &datatypes.ErrorData{
				Message:     fmt.Sprintf("failed to persist %s event: %v", event.Type, err),
				Code:        "persistence_failure",
				Recoverable: true,
			}
			m.broadcast.publish(errEvent)
		}
	}
	m.broadcast.publish(event)
}

// emitError emits a non-fatal error event.
func (m *Manager) emitError(turn int, code, message string, recoverable bool) {
	out := m.newEvent(datatypes.EventError, turn)
	out.Error = &datatypes.ErrorData{Message: message, Code: code, Recoverable: recoverable}
	m.emit(out)
}

// setStatus updates the status and, when it changed, emits a status-change
// event.
func (m *Manager) setStatus(next datatypes.Status) {
	m.mu.Lock()
	prev := m.status
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.status = next
	turn := m.turnCount
	m.mu.Unlock()

	out := m.newEvent(datatypes.EventStatusChange, turn)
	out.Status = &datatypes.StatusChangeData{From: prev, To: next}
	m.emit(out)
}
