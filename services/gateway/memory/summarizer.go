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
	"strings"

	"github.com/sashabaranov/go-openai"
)

const titleSystemPrompt = "You generate short descriptive titles for chat sessions. " +
	"Respond with a title of at most eight words. No quotes, no trailing punctuation."

// truncation bounds keep the summary request cheap regardless of turn size.
const (
	maxPromptChars = 2000
	maxAnswerChars = 2000
)

// Summarizer produces one-line session titles from the first exchange.
type Summarizer struct {
	client *openai.Client
	model  string
}

// NewSummarizer creates a summarizer. baseURL may be empty for the default
// endpoint; model may be empty to use gpt-4o-mini.
func NewSummarizer(apiKey, baseURL, model string) *Summarizer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("Summarizer model not set, defaulting", "model", model)
	}
	return &Summarizer{client: openai.NewClientWithConfig(cfg), model: model}
}

// Title generates a short title from the session's first prompt and answer.
func (s *Summarizer) Title(ctx context.Context, prompt, answer string) (string, error) {
	if len(prompt) > maxPromptChars {
		prompt = prompt[:maxPromptChars]
	}
	if len(answer) > maxAnswerChars {
		answer = answer[:maxAnswerChars]
	}

	req := openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titleSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
				"User: %s\n\nAssistant: %s\n\nTitle:", prompt, answer)},
		},
		MaxCompletionTokens: 32,
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("title generation returned no choices")
	}

	title := strings.TrimSpace(resp.Choices[0].Message.Content)
	title = strings.Trim(title, `"`)
	if title == "" {
		return "", fmt.Errorf("title generation returned empty content")
	}
	return title, nil
}
