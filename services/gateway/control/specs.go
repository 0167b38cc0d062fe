// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package control

import (
	"github.com/AleutianAI/AleutianRelay/services/gateway/engine"
	"github.com/AleutianAI/AleutianRelay/services/gateway/session"
)

var _ session.ToolExecutor = (*Toolset)(nil)

// Specs declares the enabled tools to the engine at session start. Only
// tools whose backing services are configured are declared, so the model
// never sees a tool it cannot call.
func (t *Toolset) Specs() []engine.ToolSpec {
	specs := []engine.ToolSpec{
		{
			Name:        "list_sessions",
			Description: "List all live sessions with their status, title, turn count, and cost.",
			InputSchema: objectSchema(nil, nil),
		},
		{
			Name: "open_session",
			Description: "Open a new session. Optionally resume a persisted engine conversation " +
				"by its engine key, or fork one into a fresh session.",
			InputSchema: objectSchema(map[string]any{
				"stable_key":        stringProp("Client key for the new session; generated when omitted."),
				"resume_engine_key": stringProp("Engine conversation to resume."),
				"fork":              boolProp("Seed a new conversation from the resumed one."),
			}, nil),
		},
		{
			Name:        "close_session",
			Description: "Close a live session, flushing its conversation log.",
			InputSchema: objectSchema(map[string]any{
				"stable_key": stringProp("The session to close."),
			}, []string{"stable_key"}),
		},
		{
			Name: "send_to_session",
			Description: "Send a prompt to a session and wait for its full reply. " +
				"Blocks until that session's turn completes.",
			InputSchema: objectSchema(map[string]any{
				"stable_key":      stringProp("The target session."),
				"prompt":          stringProp("The prompt to send."),
				"timeout_seconds": intProp("Optional wait bound in seconds."),
			}, []string{"stable_key", "prompt"}),
		},
		{
			Name:        "read_session",
			Description: "Read a session's reconstructed conversation history as text.",
			InputSchema: objectSchema(map[string]any{
				"stable_key":     stringProp("The session to read."),
				"include_nested": boolProp("Include relayed agent-to-agent traffic."),
			}, []string{"stable_key"}),
		},
	}

	if t.searcher != nil {
		specs = append(specs,
			engine.ToolSpec{
				Name:        "search_memory",
				Description: "Semantic search over the operator's memory corpus.",
				InputSchema: objectSchema(map[string]any{
					"query": stringProp("The search query."),
					"top_k": intProp("Number of results; default 5."),
				}, []string{"query"}),
			},
			engine.ToolSpec{
				Name:        "search_history",
				Description: "Semantic search over past conversation logs.",
				InputSchema: objectSchema(map[string]any{
					"query": stringProp("The search query."),
					"top_k": intProp("Number of results; default 5."),
				}, []string{"query"}),
			},
		)
	}

	if t.workDir != "" {
		specs = append(specs,
			engine.ToolSpec{
				Name:        "read_file",
				Description: "Read a file from the working directory.",
				InputSchema: objectSchema(map[string]any{
					"path": stringProp("Path relative to the working directory."),
				}, []string{"path"}),
			},
			engine.ToolSpec{
				Name:        "write_file",
				Description: "Write a file in the working directory, creating parents as needed.",
				InputSchema: objectSchema(map[string]any{
					"path":    stringProp("Path relative to the working directory."),
					"content": stringProp("The full file content."),
				}, []string{"path", "content"}),
			},
		)
	}

	return specs
}

func objectSchema(props map[string]any, required []string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}
