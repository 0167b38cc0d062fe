// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// DocumentSchema returns the Weaviate class definition for indexed documents.
//
// Description:
//
//	All corpora share this one class; the dataSpace property partitions
//	them. Vectors are supplied client-side by the embedding provider, so
//	the class uses no server-side vectorizer.
//
// Outputs:
//
//	*models.Class - The Weaviate class definition
func DocumentSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	indexSearchable := new(bool)
	*indexSearchable = true

	return &models.Class{
		Class:       className,
		Description: "Indexed memory-corpus chunks and conversation-log turns",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "docId",
				DataType:        []string{"text"},
				Description:     "Document identifier within its corpus",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "content",
				DataType:        []string{"text"},
				Description:     "The indexed text",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Originating file path or session stable key",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "dataSpace",
				DataType:        []string{"text"},
				Description:     "Corpus isolation key",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "fingerprint",
				DataType:        []string{"text"},
				Description:     "Source content fingerprint at index time",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureSchema creates the document class if it doesn't exist.
//
// Description:
//
//	Idempotent; safe to call at every startup.
//
// Inputs:
//
//	ctx - Context for cancellation
//	client - Weaviate client
//
// Outputs:
//
//	error - Non-nil if schema creation fails
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	_, err := client.Schema().ClassGetter().WithClassName(className).Do(ctx)
	if err == nil {
		slog.Info("Document schema already exists", "class", className)
		return nil
	}

	slog.Info("Creating document schema", "class", className)
	if err := client.Schema().ClassCreator().WithClass(DocumentSchema()).Do(ctx); err != nil {
		return fmt.Errorf("creating %s schema: %w", className, err)
	}
	return nil
}
