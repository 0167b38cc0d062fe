// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseLevel verifies level parsing and its info fallback.
func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

// TestSetupWritesLogFile verifies file logging lands dated JSON entries
// tagged with the service name.
func TestSetupWritesLogFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	dir := t.TempDir()
	closer, err := Setup(Config{Level: "debug", LogDir: dir, Service: "relay-test"})
	require.NoError(t, err)

	slog.Info("session started", "stable_key", "sess-1")
	require.NoError(t, closer())

	name := "relay-test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "session started", entry["msg"])
	assert.Equal(t, "relay-test", entry["service"])
	assert.Equal(t, "sess-1", entry["stable_key"])
}

// TestSetupWithoutLogDir verifies the zero-ish config installs a logger and
// returns a no-op closer.
func TestSetupWithoutLogDir(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	closer, err := Setup(Config{})
	require.NoError(t, err)
	assert.NoError(t, closer())
}

// TestMultiHandlerFansOut verifies each record reaches every enabled
// handler and only those.
func TestMultiHandlerFansOut(t *testing.T) {
	var debugBuf, errorBuf bytes.Buffer
	handler := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&errorBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(handler)

	logger.Debug("only the permissive handler sees this")
	logger.Error("both handlers see this")

	assert.Equal(t, 2, strings.Count(debugBuf.String(), "\n"))
	assert.Equal(t, 1, strings.Count(errorBuf.String(), "\n"))
	assert.True(t, handler.Enabled(context.Background(), slog.LevelDebug))
}

// TestExpandPath verifies ~ expansion leaves absolute paths alone.
func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log/relay", expandPath("/var/log/relay"))
	assert.Equal(t, "", expandPath(""))
}
