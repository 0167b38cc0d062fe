// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory implements semantic search over the operator's memory
// corpus and past conversation logs, backed by Weaviate.
//
// # Description
//
// Corpora are scoped by a data_space property on a single document class,
// so the memory corpus and the conversation-log corpus share one schema.
// The orchestrator's search tools and the background indexer are the two
// consumers.
//
// # Thread Safety
//
// All implementations are safe for concurrent use. The underlying Weaviate
// client handles connection pooling.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("relay.gateway.memory")

// className is the single Weaviate class holding all indexed documents.
const className = "RelayDocument"

// Well-known corpus identifiers. The memory corpus holds the operator's
// curated notes; the history corpus holds indexed conversation logs.
const (
	CorpusMemory  = "memory"
	CorpusHistory = "history"
)

// Document is one unit of indexable content.
type Document struct {
	// ID identifies the document within its corpus (e.g. a chunk key).
	ID string `json:"id"`

	// Content is the indexed text.
	Content string `json:"content"`

	// Source is the originating file path or stable key.
	Source string `json:"source"`

	// Fingerprint is the source file's content fingerprint at index time.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Match is one ranked query result.
type Match struct {
	// DocumentID echoes the indexed document's ID.
	DocumentID string `json:"document_id"`

	// Content is the matched text.
	Content string `json:"content"`

	// Source is the originating file path or stable key.
	Source string `json:"source"`

	// Distance is the vector distance; lower is closer.
	Distance float64 `json:"distance"`
}

// Searcher is the gateway's contract with the search/index service.
type Searcher interface {
	// Index adds or replaces documents in a corpus.
	Index(ctx context.Context, corpusID string, docs []Document) error

	// Query returns the topK closest matches in a corpus.
	Query(ctx context.Context, corpusID, text string, topK int) ([]Match, error)

	// DeleteBySource removes all documents from a corpus that came from
	// one source, used before re-indexing a changed file.
	DeleteBySource(ctx context.Context, corpusID, source string) error
}

// EmbeddingProvider computes text embeddings for indexing and querying.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// WeaviateSearcher implements Searcher against a Weaviate instance.
type WeaviateSearcher struct {
	client   *weaviate.Client
	embedder EmbeddingProvider
}

// NewWeaviateSearcher creates a searcher. The client must be connected;
// call EnsureSchema once at startup.
func NewWeaviateSearcher(client *weaviate.Client, embedder EmbeddingProvider) *WeaviateSearcher {
	return &WeaviateSearcher{client: client, embedder: embedder}
}

// Index embeds and stores documents, replacing any prior objects with the
// same source in the corpus.
func (s *WeaviateSearcher) Index(ctx context.Context, corpusID string, docs []Document) error {
	ctx, span := tracer.Start(ctx, "memory.Index")
	defer span.End()

	if len(docs) == 0 {
		return nil
	}

	// Replace rather than accumulate: drop prior objects per source first.
	seen := make(map[string]bool)
	for _, doc := range docs {
		if !seen[doc.Source] {
			seen[doc.Source] = true
			if err := s.DeleteBySource(ctx, corpusID, doc.Source); err != nil {
				slog.Warn("Failed to clear prior documents before re-index",
					"corpus", corpusID, "source", doc.Source, "error", err)
			}
		}
	}

	batcher := s.client.Batch().ObjectsBatcher()
	for _, doc := range docs {
		vector, err := s.embedder.Embed(ctx, doc.Content)
		if err != nil {
			return fmt.Errorf("failed to embed document %s: %w", doc.ID, err)
		}
		batcher = batcher.WithObjects(s.newObject(corpusID, doc, vector))
	}
	if _, err := batcher.Do(ctx); err != nil {
		return fmt.Errorf("failed to index %d documents into %s: %w", len(docs), corpusID, err)
	}
	slog.Info("Indexed documents", "corpus", corpusID, "count", len(docs))
	return nil
}

// Query embeds the text and runs a nearVector search scoped to the corpus.
func (s *WeaviateSearcher) Query(ctx context.Context, corpusID, text string, topK int) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "memory.Query")
	defer span.End()

	if topK <= 0 {
		topK = 5
	}
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	where := filters.Where().
		WithPath([]string{"dataSpace"}).
		WithOperator(filters.Equal).
		WithValueString(corpusID)

	fields := []graphql.Field{
		{Name: "docId"},
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	resp, err := s.client.GraphQL().Get().
		WithClassName(className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithWhere(where).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate query failed for corpus %s: %w", corpusID, err)
	}

	return parseMatches(resp)
}

// DeleteBySource removes a source's documents from a corpus.
func (s *WeaviateSearcher) DeleteBySource(ctx context.Context, corpusID, source string) error {
	where := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		filters.Where().WithPath([]string{"dataSpace"}).WithOperator(filters.Equal).WithValueString(corpusID),
		filters.Where().WithPath([]string{"source"}).WithOperator(filters.Equal).WithValueString(source),
	})

	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(className).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete documents for source %s: %w", source, err)
	}
	return nil
}

func (s *WeaviateSearcher) newObject(corpusID string, doc Document, vector []float32) *models.Object {
	return &models.Object{
		Class: className,
		Properties: map[string]interface{}{
			"docId":       doc.ID,
			"content":     doc.Content,
			"source":      doc.Source,
			"dataSpace":   corpusID,
			"fingerprint": doc.Fingerprint,
		},
		Vector: models.C11yVector(vector),
	}
}

// matchEnvelope mirrors the GraphQL response shape for parsing.
type matchEnvelope struct {
	Get struct {
		RelayDocument []struct {
			DocID      string `json:"docId"`
			Content    string `json:"content"`
			Source     string `json:"source"`
			Additional struct {
				Distance float64 `json:"distance"`
			} `json:"_additional"`
		} `json:"RelayDocument"`
	} `json:"Get"`
}

// parseMatches converts the untyped GraphQL data payload into matches.
func parseMatches(resp *models.GraphQLResponse) ([]Match, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode query response: %w", err)
	}
	var envelope matchEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse query response: %w", err)
	}

	matches := make([]Match, 0, len(envelope.Get.RelayDocument))
	for _, m := range envelope.Get.RelayDocument {
		matches = append(matches, Match{
			DocumentID: m.DocID,
			Content:    m.Content,
			Source:     m.Source,
			Distance:   m.Additional.Distance,
		})
	}
	return matches, nil
}
