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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/gateway/config"
	"github.com/AleutianAI/AleutianRelay/services/gateway/datatypes"
	"github.com/spf13/cobra"
)

type sessionListResponse struct {
	Sessions []datatypes.SessionSummary `json:"sessions"`
}

// getGatewayBaseURL resolves the REST base URL from the --gateway flag
// or the configured listen address.
func getGatewayBaseURL() string {
	addr := gatewayAddr
	if addr == "" {
		addr = config.Global.Server.ListenAddr
	}
	return fmt.Sprintf("http://%s", addr)
}

func apiClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func runListSessions(cmd *cobra.Command, args []string) {
	url := fmt.Sprintf("%s/api/v1/sessions", getGatewayBaseURL())
	resp, err := apiClient().Get(url)
	if err != nil {
		log.Fatalf("Error contacting gateway at %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Fatalf("Gateway returned %s: %s", resp.Status, string(body))
	}

	var list sessionListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		log.Fatalf("Error decoding session list: %v", err)
	}

	if len(list.Sessions) == 0 {
		fmt.Println("No sessions.")
		return
	}

	fmt.Printf("%-38s %-12s %-14s %-6s %s\n",
		"STABLE KEY", "ROLE", "STATUS", "TURNS", "TITLE")
	for _, s := range list.Sessions {
		fmt.Printf("%-38s %-12s %-14s %-6d %s\n",
			s.StableKey, s.Role, s.Status, s.TurnCount, s.Title)
	}
}

func runDeleteSession(cmd *cobra.Command, args []string) {
	url := fmt.Sprintf("%s/api/v1/sessions/%s", getGatewayBaseURL(), args[0])
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		log.Fatalf("Error building request: %v", err)
	}
	resp, err := apiClient().Do(req)
	if err != nil {
		log.Fatalf("Error contacting gateway: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Fatalf("Gateway returned %s: %s", resp.Status, string(body))
	}
	fmt.Printf("Session %s stopped.\n", args[0])
}

func runTitleSession(cmd *cobra.Command, args []string) {
	title := strings.Join(args[1:], " ")
	payload, _ := json.Marshal(map[string]string{"title": title})

	url := fmt.Sprintf("%s/api/v1/sessions/%s/title", getGatewayBaseURL(), args[0])
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("Error building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := apiClient().Do(req)
	if err != nil {
		log.Fatalf("Error contacting gateway: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Fatalf("Gateway returned %s: %s", resp.Status, string(body))
	}
	fmt.Printf("Session %s titled %q.\n", args[0], title)
}
