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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

func graphQLFixture(docs ...map[string]interface{}) *models.GraphQLResponse {
	return &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				className: docs,
			},
		},
	}
}

func TestParseMatches(t *testing.T) {
	t.Run("well-formed response yields ordered matches", func(t *testing.T) {
		resp := graphQLFixture(
			map[string]interface{}{
				"docId":   "notes.md#0",
				"content": "first chunk",
				"source":  "notes.md",
				"_additional": map[string]interface{}{
					"distance": 0.11,
				},
			},
			map[string]interface{}{
				"docId":   "notes.md#1",
				"content": "second chunk",
				"source":  "notes.md",
				"_additional": map[string]interface{}{
					"distance": 0.42,
				},
			},
		)

		matches, err := parseMatches(resp)
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "notes.md#0", matches[0].DocumentID)
		assert.Equal(t, "first chunk", matches[0].Content)
		assert.Equal(t, "notes.md", matches[0].Source)
		assert.InDelta(t, 0.11, matches[0].Distance, 1e-9)
		assert.InDelta(t, 0.42, matches[1].Distance, 1e-9)
	})

	t.Run("empty result set yields no matches", func(t *testing.T) {
		matches, err := parseMatches(graphQLFixture())
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("nil response is an error", func(t *testing.T) {
		_, err := parseMatches(nil)
		assert.Error(t, err)
	})
}

// TestDocumentSchema pins the class shape the gateway provisions: client-side
// vectors and the five filterable text properties.
func TestDocumentSchema(t *testing.T) {
	class := DocumentSchema()

	assert.Equal(t, className, class.Class)
	assert.Equal(t, "none", class.Vectorizer)

	props := make(map[string]bool, len(class.Properties))
	for _, p := range class.Properties {
		props[p.Name] = true
	}
	for _, name := range []string{"docId", "content", "source", "dataSpace", "fingerprint"} {
		assert.True(t, props[name], "schema must declare property %s", name)
	}
}
