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
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/gateway"
	"github.com/AleutianAI/AleutianRelay/services/gateway/config"
	"github.com/spf13/cobra"
)

func runServe(cmd *cobra.Command, args []string) {
	cfg := config.Global

	closer, err := logging.Setup(logging.Config{
		Level:   os.Getenv("RELAY_LOG_LEVEL"),
		LogDir:  filepath.Dir(cfg.Storage.LogDir),
		Service: "relay-gateway",
	})
	if err != nil {
		log.Fatalf("Error setting up logging: %v", err)
	}
	defer closer()

	server, err := gateway.NewServer(cfg)
	if err != nil {
		log.Fatalf("Error building gateway: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting relay gateway", "addr", cfg.Server.ListenAddr)
	if err := server.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Gateway exited with error: %v", err)
	}
	slog.Info("Relay gateway stopped")
}
