// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles the relay gateway: session pool, websocket
// protocol bridge, REST endpoints, search, indexing, and observability.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRelay/services/gateway/config"
	"github.com/AleutianAI/AleutianRelay/services/gateway/control"
	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/engine"
	"github.com/AleutianAI/AleutianRelay/services/gateway/handlers"
	"github.com/AleutianAI/AleutianRelay/services/gateway/history"
	"github.com/AleutianAI/AleutianRelay/services/gateway/indexer"
	"github.com/AleutianAI/AleutianRelay/services/gateway/memory"
	"github.com/AleutianAI/AleutianRelay/services/gateway/observability"
	"github.com/AleutianAI/AleutianRelay/services/gateway/session"
)

// shutdownGrace bounds graceful HTTP shutdown and session teardown.
const shutdownGrace = 10 * time.Second

// Server is the assembled gateway.
type Server struct {
	cfg    config.RelayConfig
	router *gin.Engine
	pool   *session.Pool
	store  *history.Store

	watcher *indexer.Watcher
	poller  *indexer.Poller

	tracerShutdown func(context.Context) error
}

// NewServer wires the gateway from config. Nothing listens until Run.
func NewServer(cfg config.RelayConfig) (*Server, error) {
	store, err := history.NewStore(cfg.Storage.LogDir)
	if err != nil {
		return nil, err
	}
	titles, err := history.NewTitleIndex(cfg.Storage.LogDir)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewGatewayMetrics(prometheus.DefaultRegisterer)

	engineClient := engine.NewSSEClient(engine.SSEClientConfig{
		BaseURL: cfg.Engine.BaseURL,
	})

	s := &Server{cfg: cfg, store: store}

	var searcher memory.Searcher
	var summarizer *memory.Summarizer
	if cfg.Features.Search {
		searcher, summarizer, err = buildSearch(cfg.Search)
		if err != nil {
			// Search is an enhancement; the gateway still relays without it.
			slog.Warn("Search disabled: backend unavailable", "error", err)
			searcher = nil
			summarizer = nil
		}
	}

	toolset := control.NewToolset(control.ToolsetConfig{
		Store:    store,
		Searcher: searcher,
		WorkDir:  cfg.Storage.WorkDir,
	})

	var onFirstTurn func(stableKey, prompt, answer string)
	if summarizer != nil {
		onFirstTurn = func(stableKey, prompt, answer string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			title, err := summarizer.Title(ctx, prompt, answer)
			if err != nil {
				slog.Warn("Failed to summarize session title", "stable_key", stableKey, "error", err)
				return
			}
			if err := titles.Set(stableKey, title); err != nil {
				slog.Warn("Failed to persist session title", "stable_key", stableKey, "error", err)
			}
		}
	}

	pool := session.NewPool(session.PoolConfig{
		Engine:             engineClient,
		Store:              store,
		Titles:             titles,
		Metrics:            metrics,
		OrchestratorPrompt: cfg.Orchestrator.SystemPrompt,
		OrchestratorTools:  func() session.ToolExecutor { return toolset },
		OnFirstTurn:        onFirstTurn,
	})
	toolset.BindPool(pool)
	s.pool = pool

	if cfg.Features.Indexer && searcher != nil {
		ix := indexer.NewIndexer(searcher, store)
		if err := os.MkdirAll(cfg.Storage.MemoryDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create memory corpus directory: %w", err)
		}
		watcher, err := indexer.NewWatcher(ix, cfg.Storage.MemoryDir,
			time.Duration(cfg.Indexer.DebounceMillis)*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("failed to create corpus watcher: %w", err)
		}
		s.watcher = watcher
		s.poller = indexer.NewPoller(ix, cfg.Storage.LogDir,
			time.Duration(cfg.Indexer.PollIntervalSeconds)*time.Second)
	}

	if cfg.Features.Tracing {
		shutdown, err := setupTracing()
		if err != nil {
			return nil, err
		}
		s.tracerShutdown = shutdown
	}

	s.router = s.buildRouter(store, titles)
	return s, nil
}

// buildSearch connects the vector search stack.
func buildSearch(cfg config.SearchConfig) (memory.Searcher, *memory.Summarizer, error) {
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.WeaviateHost,
		Scheme: cfg.WeaviateScheme,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := memory.EnsureSchema(ctx, client); err != nil {
		return nil, nil, err
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	embedder := memory.NewOpenAIEmbedder(apiKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel)
	summarizer := memory.NewSummarizer(apiKey, cfg.OpenAIBaseURL, cfg.SummaryModel)
	return memory.NewWeaviateSearcher(client, embedder), summarizer, nil
}

// setupTracing installs a stdout trace exporter for local debugging.
func setupTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func (s *Server) buildRouter(store *history.Store, titles *history.TitleIndex) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("relay-gateway"))

	bridge := &handlers.Bridge{
		Pool:         s.pool,
		Store:        store,
		StartTimeout: time.Duration(s.cfg.Engine.StartTimeoutSeconds) * time.Second,
	}

	router.GET("/ws/session", bridge.HandleWebSocket(datatypes.RoleOrdinary))
	router.GET("/ws/orchestrator", bridge.HandleWebSocket(datatypes.RoleOrchestrator))
	router.GET("/ws/voice/:stable_key", bridge.HandleVoiceControl())

	api := router.Group("/api/v1")
	{
		api.GET("/sessions", handlers.ListSessions(s.pool))
		api.GET("/sessions/:stable_key/history", handlers.GetSessionHistory(store))
		api.DELETE("/sessions/:stable_key", handlers.StopSession(s.pool))
		api.PUT("/sessions/:stable_key/title", handlers.SetSessionTitle(titles))
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// Run serves until ctx is canceled, then shuts down gracefully: HTTP
// drains, sessions stop with their logs flushed, tracing flushes.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.router,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.Info("Gateway listening", "addr", s.cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.watcher != nil {
		group.Go(func() error {
			if err := s.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("corpus watcher failed: %w", err)
			}
			return nil
		})
	}
	if s.poller != nil {
		group.Go(func() error {
			if err := s.poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("log poller failed: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown did not drain cleanly", "error", err)
		}
		s.pool.Shutdown(shutdownCtx)
		if s.tracerShutdown != nil {
			if err := s.tracerShutdown(shutdownCtx); err != nil {
				slog.Warn("Trace exporter shutdown failed", "error", err)
			}
		}
		return nil
	})

	return group.Wait()
}
