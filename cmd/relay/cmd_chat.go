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
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/gateway/config"
	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/gateway/voice"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// chatSession holds the state of one interactive chat connection.
type chatSession struct {
	client    *GatewayClient
	stableKey string

	// started closes once session_started arrives; sends before that
	// point would race the engine handshake.
	started chan struct{}

	// turnDone receives one signal per completed turn so the input loop
	// can prompt again.
	turnDone chan struct{}

	// confirm receives a confirmation_required error so the input loop
	// can ask the operator before replacing a live orchestrator.
	confirm chan string
}

func runChatCommand(cmd *cobra.Command, args []string) {
	key := stableKey
	if key == "" {
		key = uuid.NewString()
	}

	endpoint := "/ws/session"
	if asOrchestrator {
		endpoint = "/ws/orchestrator"
	}
	addr := gatewayAddr
	if addr == "" {
		addr = config.Global.Server.ListenAddr
	}
	wsURL := fmt.Sprintf("ws://%s%s", addr, endpoint)

	chat := &chatSession{
		stableKey: key,
		started:   make(chan struct{}),
		turnDone:  make(chan struct{}, 1),
		confirm:   make(chan string, 1),
	}
	chat.client = NewGatewayClient(GatewayClientConfig{
		URL:       wsURL,
		OnMessage: chat.handleFrame,
		OnReconnect: func() {
			fmt.Println("\n[reconnected, re-attaching session]")
			chat.sendStart(confirmReplace)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First SIGINT interrupts the in-flight turn; a second one exits.
	// SIGCONT is an explicit foreground resume after job control.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCONT)
	go func() {
		interrupted := false
		for sig := range sigCh {
			switch sig {
			case syscall.SIGCONT:
				chat.client.SetForeground(true)
			case syscall.SIGINT:
				if !interrupted {
					interrupted = true
					fmt.Println("\n[interrupting; ctrl-c again to exit]")
					chat.client.Send(datatypes.ClientMessage{
						Type:      datatypes.ClientInterrupt,
						StableKey: key,
					})
					go func() {
						time.Sleep(2 * time.Second)
						interrupted = false
					}()
					continue
				}
				cancel()
			default:
				cancel()
			}
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- chat.client.Run(ctx) }()

	// The gateway races the dial; give the socket a beat before start.
	time.Sleep(100 * time.Millisecond)
	chat.sendStart(confirmReplace)

	select {
	case <-chat.started:
	case err := <-runErr:
		log.Fatalf("Connection failed: %v", err)
	case <-time.After(60 * time.Second):
		log.Fatalf("Timed out waiting for the session to start")
	}

	var bridge *voice.Bridge
	if voiceMode {
		bridge = startVoiceBridge(ctx, addr, key)
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			bridge.Stop(stopCtx)
		}()
	}

	fmt.Printf("Session %s ready. Type a message, /command, or exit.\n", key)
	if err := chat.inputLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Chat error: %v", err)
	}

	chat.client.Send(datatypes.ClientMessage{
		Type:      datatypes.ClientStop,
		StableKey: key,
	})
	chat.client.Close()
}

func (c *chatSession) sendStart(confirm bool) {
	c.client.Send(datatypes.ClientMessage{
		Type:            datatypes.ClientStart,
		StableKey:       c.stableKey,
		ResumeEngineKey: resumeEngineKey,
		Fork:            forkSession,
		ConfirmReplace:  confirm,
		VoiceMode:       voiceMode,
	})
}

// inputLoop reads operator lines and submits them as turns, waiting for
// each turn to complete before prompting again.
func (c *chatSession) inputLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		}

		msgType := datatypes.ClientSend
		if strings.HasPrefix(line, "/") {
			msgType = datatypes.ClientCommand
		}
		if err := c.client.Send(datatypes.ClientMessage{
			Type:      msgType,
			StableKey: c.stableKey,
			Prompt:    line,
		}); err != nil {
			fmt.Printf("[send failed: %v; retrying after reconnect]\n", err)
			continue
		}

		select {
		case <-c.turnDone:
		case reason := <-c.confirm:
			if c.promptReplace(reason, scanner) {
				c.sendStart(true)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// promptReplace asks the operator whether to replace a live orchestrator.
func (c *chatSession) promptReplace(reason string, scanner *bufio.Scanner) bool {
	fmt.Printf("%s Replace it? [y/N] ", reason)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

// handleFrame renders one server frame. Runs on the client read loop.
func (c *chatSession) handleFrame(msg datatypes.ServerMessage) {
	switch msg.Type {
	case datatypes.ServerSessionStarted:
		select {
		case <-c.started:
		default:
			close(c.started)
		}

	case datatypes.ServerStatus:
		if msg.Status == datatypes.StatusDisconnected {
			fmt.Println("\n[engine disconnected]")
		}

	case datatypes.ServerEvent:
		if msg.Stale {
			fmt.Println("\n[stream fell behind; reload history for the full transcript]")
		}
		if msg.Event != nil {
			c.renderEvent(*msg.Event)
		}

	case datatypes.ServerSessionStopped:
		fmt.Println("\n[session stopped]")

	case datatypes.ServerError:
		if msg.ErrorKind == datatypes.ErrKindConfirmationRequired {
			select {
			case c.confirm <- msg.Error:
			default:
			}
			return
		}
		fmt.Printf("\n[error %s: %s]\n", msg.ErrorKind, msg.Error)
		// A failed send never produces turn_complete; unblock the prompt.
		if msg.ErrorKind == datatypes.ErrKindSendFailed ||
			msg.ErrorKind == datatypes.ErrKindStartTimeout ||
			msg.ErrorKind == datatypes.ErrKindStartFailed {
			select {
			case c.turnDone <- struct{}{}:
			default:
			}
		}
	}
}

func (c *chatSession) renderEvent(event datatypes.Event) {
	// Nested events are orchestrator-to-worker traffic; show them dimmed
	// one level deep rather than interleaved with the answer.
	prefix := ""
	if event.Nested {
		prefix = "  | "
	}

	switch event.Type {
	case datatypes.EventTextDelta:
		if event.Text != nil {
			fmt.Print(event.Text.Content)
		}

	case datatypes.EventTextComplete:
		if event.Text != nil && event.Text.Interrupted {
			fmt.Printf("%s\n[block interrupted]\n", prefix)
		} else {
			fmt.Println()
		}

	case datatypes.EventThinkingComplete:
		fmt.Printf("%s[thinking done]\n", prefix)

	case datatypes.EventToolInvoked:
		if event.Tool != nil {
			fmt.Printf("%s[tool %s]\n", prefix, event.Tool.Name)
		}

	case datatypes.EventToolResult:
		if event.Tool != nil && event.Tool.IsError {
			fmt.Printf("%s[tool failed: %s]\n", prefix, firstLine(event.Tool.Output))
		}

	case datatypes.EventError:
		if event.Error != nil {
			fmt.Printf("%s[error: %s]\n", prefix, event.Error.Message)
		}

	case datatypes.EventCompactionComplete:
		fmt.Printf("%s[context compacted]\n", prefix)

	case datatypes.EventTurnComplete:
		if event.Nested {
			return
		}
		if tc := event.TurnComplete; tc != nil && tc.CostUSD > 0 {
			fmt.Printf("[turn complete: %d in / %d out tokens, $%.4f]\n",
				tc.InputTokens, tc.OutputTokens, tc.CostUSD)
		}
		select {
		case c.turnDone <- struct{}{}:
		default:
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// startVoiceBridge attaches a peer audio bridge to the session. Audio
// flows peer-to-peer; events mirror through the gateway voice endpoint.
func startVoiceBridge(ctx context.Context, addr, key string) *voice.Bridge {
	bridge := voice.NewBridge(voice.Config{
		SignalURL:  config.Global.Voice.SignalURL,
		ControlURL: fmt.Sprintf("ws://%s/ws/voice/%s", addr, key),
		StableKey:  key,
	})
	if err := bridge.Start(ctx); err != nil {
		log.Fatalf("Voice bridge failed to start: %v", err)
	}
	fmt.Println("[voice mode active; speak or type]")
	return bridge
}
