// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
)

type RelayConfig struct {
	// Server: where the gateway listens
	Server ServerConfig `yaml:"server"`

	// Engine: the external agent engine
	Engine EngineConfig `yaml:"engine"`

	// Storage: conversation logs, memory corpus, tool working directory
	Storage StorageConfig `yaml:"storage"`

	// Search: vector search and summarization backends
	Search SearchConfig `yaml:"search"`

	// Voice: the external voice engine
	Voice VoiceConfig `yaml:"voice"`

	// Indexer: background index maintenance
	Indexer IndexerConfig `yaml:"indexer"`

	// Orchestrator: the control-plane session
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Features: toggle for optional subsystems
	Features FeatureConfig `yaml:"features"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"` // e.g. 127.0.0.1:8790
}

type EngineConfig struct {
	BaseURL             string `yaml:"base_url"`
	StartTimeoutSeconds int    `yaml:"start_timeout_seconds"`
}

type StorageConfig struct {
	LogDir    string `yaml:"log_dir"`
	MemoryDir string `yaml:"memory_dir"`
	WorkDir   string `yaml:"work_dir"`
}

type SearchConfig struct {
	WeaviateScheme string `yaml:"weaviate_scheme"`
	WeaviateHost   string `yaml:"weaviate_host"`
	OpenAIBaseURL  string `yaml:"openai_base_url,omitempty"`
	EmbeddingModel string `yaml:"embedding_model"`
	SummaryModel   string `yaml:"summary_model"`
}

type VoiceConfig struct {
	SignalURL string `yaml:"signal_url"`
}

type IndexerConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	DebounceMillis      int `yaml:"debounce_millis"`
}

type OrchestratorConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
}

type FeatureConfig struct {
	Search  bool `yaml:"search"`
	Indexer bool `yaml:"indexer"`
	Tracing bool `yaml:"tracing"`
}

func DefaultConfig() RelayConfig {
	dataDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".aleutian-relay")
	}
	return RelayConfig{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8790",
		},
		Engine: EngineConfig{
			BaseURL:             "http://127.0.0.1:9470",
			StartTimeoutSeconds: 30,
		},
		Storage: StorageConfig{
			LogDir:    filepath.Join(dataDir, "logs"),
			MemoryDir: filepath.Join(dataDir, "memory"),
			WorkDir:   filepath.Join(dataDir, "work"),
		},
		Search: SearchConfig{
			WeaviateScheme: "http",
			WeaviateHost:   "127.0.0.1:8080",
			EmbeddingModel: "text-embedding-3-small",
			SummaryModel:   "gpt-4o-mini",
		},
		Voice: VoiceConfig{
			SignalURL: "http://127.0.0.1:9471/signal",
		},
		Indexer: IndexerConfig{
			PollIntervalSeconds: 300,
			DebounceMillis:      500,
		},
		Orchestrator: OrchestratorConfig{
			SystemPrompt: "You are the orchestrator. You manage worker sessions with your " +
				"session tools, search memory and history before answering from recall, " +
				"and keep your own replies short.",
		},
		Features: FeatureConfig{
			Search:  true,
			Indexer: true,
			Tracing: false,
		},
	}
}
