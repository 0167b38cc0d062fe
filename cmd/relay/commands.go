// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	gatewayAddr     string
	stableKey       string
	resumeEngineKey string
	forkSession     bool
	asOrchestrator  bool
	confirmReplace  bool
	voiceMode       bool

	rootCmd = &cobra.Command{
		Use:   "relay",
		Short: "A cli to run and talk to the Aleutian Relay session gateway",
		Long: `Relay manages many concurrent agent conversations through one
				local gateway: ordinary sessions plus a single privileged
				orchestrator that can open, inspect, and message the others.`,
	}

	// --- Gateway ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the relay gateway in the foreground",
		Run:   runServe, // Defined in cmd_serve.go
	}

	// --- Sessions ---
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Manage conversation sessions",
	}
	listSessionsCmd = &cobra.Command{
		Use:   "list",
		Short: "List all conversation sessions",
		Run:   runListSessions, // Defined in cmd_sessions.go
	}
	deleteSessionCmd = &cobra.Command{
		Use:   "delete [stable_key]",
		Short: "Stop a session and delete its conversation log",
		Args:  cobra.ExactArgs(1),
		Run:   runDeleteSession, // Defined in cmd_sessions.go
	}
	titleSessionCmd = &cobra.Command{
		Use:   "title [stable_key] [title]",
		Short: "Assign a title to a session",
		Args:  cobra.MinimumNArgs(2),
		Run:   runTitleSession, // Defined in cmd_sessions.go
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Starts an interactive chat session over the gateway websocket",
		Run:   runChatCommand, // Defined in cmd_chat.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "gateway", "",
		"Gateway address (host:port); defaults to the configured listen address")

	chatCmd.Flags().StringVar(&stableKey, "key", "",
		"Stable session key to attach to (generated when empty)")
	chatCmd.Flags().StringVar(&resumeEngineKey, "resume", "",
		"Engine conversation key to resume")
	chatCmd.Flags().BoolVar(&forkSession, "fork", false,
		"Fork the resumed conversation instead of continuing it")
	chatCmd.Flags().BoolVar(&asOrchestrator, "orchestrator", false,
		"Connect to the privileged orchestrator endpoint")
	chatCmd.Flags().BoolVar(&confirmReplace, "confirm-replace", false,
		"Replace a live orchestrator session without prompting")
	chatCmd.Flags().BoolVar(&voiceMode, "voice", false,
		"Attach a peer-to-peer voice bridge alongside the chat session")

	sessionCmd.AddCommand(listSessionsCmd)
	sessionCmd.AddCommand(deleteSessionCmd)
	sessionCmd.AddCommand(titleSessionCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(chatCmd)
}
