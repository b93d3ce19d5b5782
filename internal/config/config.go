// Copyright (c) 2026 The gsdinvoice Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ScoringConfig holds the classification thresholds. The defaults come from
// the original heuristics; they are configuration, not invariants, so they
// can be recalibrated without a code change.
type ScoringConfig struct {
	AcceptThreshold   int `yaml:"accept_threshold"`    // rule score >= this is auto-accepted
	RejectThreshold   int `yaml:"reject_threshold"`    // rule score <= this is auto-rejected
	FallbackRuleScore int `yaml:"fallback_rule_score"` // decision threshold when AI confidence is low
}

// Config holds all configuration for the ingestion service.
type Config struct {
	// Postgres + Redis
	DatabaseURL string
	RedisURL    string

	// Token encryption key, 32 bytes after base64 decoding.
	EncryptionKey []byte

	// Google OAuth app credentials and the Pub/Sub topic used for
	// Gmail watch registrations.
	GoogleClientID     string
	GoogleClientSecret string
	PubSubTopic        string

	// OpenAI (AI double-read)
	OpenAIKey   string
	OpenAIModel string

	// Collaborators
	ContentStoreURL string
	ExtractionURL   string

	// Bearer-token secret for the sync-start API.
	JWTSecret string

	// HTTP server
	Port int

	Scoring ScoringConfig

	// Full sync tuning
	SyncTimeBudget   time.Duration
	SyncStaleAfter   time.Duration
	ContinueInterval time.Duration
	SyncPageSize     int64

	// Watch renewal tuning
	RenewalInterval time.Duration
	ConnectionDelay time.Duration

	// Extraction backstop
	BackstopInterval time.Duration
	BackstopMinAge   time.Duration

	// Dedup fast-path TTL
	SeenTTL time.Duration
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Google struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		PubSubTopic  string `yaml:"pubsub_topic"`
	} `yaml:"google"`
	OpenAI struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"openai"`
	ContentStore struct {
		URL string `yaml:"url"`
	} `yaml:"content_store"`
	Extraction struct {
		URL string `yaml:"url"`
	} `yaml:"extraction"`
	Auth struct {
		EncryptionKey string `yaml:"encryption_key"`
		JWTSecret     string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Scoring ScoringConfig `yaml:"scoring"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. Missing required secrets
// fail here, before any external call.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	if err == nil {
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		DatabaseURL:        firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:           firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		GoogleClientID:     firstNonEmpty(raw.Google.ClientID, os.Getenv("GOOGLE_CLIENT_ID")),
		GoogleClientSecret: firstNonEmpty(raw.Google.ClientSecret, os.Getenv("GOOGLE_CLIENT_SECRET")),
		PubSubTopic:        firstNonEmpty(raw.Google.PubSubTopic, os.Getenv("GMAIL_PUBSUB_TOPIC")),
		OpenAIKey:          firstNonEmpty(raw.OpenAI.APIKey, os.Getenv("OPENAI_API_KEY")),
		OpenAIModel:        firstNonEmpty(raw.OpenAI.Model, envOrDefault("OPENAI_MODEL", "gpt-4o-mini")),
		ContentStoreURL:    firstNonEmpty(raw.ContentStore.URL, os.Getenv("CONTENT_STORE_URL")),
		ExtractionURL:      firstNonEmpty(raw.Extraction.URL, os.Getenv("EXTRACTION_URL")),
		JWTSecret:          firstNonEmpty(raw.Auth.JWTSecret, os.Getenv("JWT_SECRET")),
		Port:               envOrDefaultInt("PORT", 8080),
		Scoring:            raw.Scoring,
		SyncTimeBudget:     envOrDefaultDuration("SYNC_TIME_BUDGET", 45*time.Second),
		SyncStaleAfter:     envOrDefaultDuration("SYNC_STALE_AFTER", 30*time.Minute),
		ContinueInterval:   envOrDefaultDuration("SYNC_CONTINUE_INTERVAL", 2*time.Minute),
		SyncPageSize:       int64(envOrDefaultInt("SYNC_PAGE_SIZE", 50)),
		RenewalInterval:    envOrDefaultDuration("WATCH_RENEWAL_INTERVAL", 24*time.Hour),
		ConnectionDelay:    envOrDefaultDuration("RENEWAL_CONNECTION_DELAY", 500*time.Millisecond),
		BackstopInterval:   envOrDefaultDuration("BACKSTOP_INTERVAL", 10*time.Minute),
		BackstopMinAge:     envOrDefaultDuration("BACKSTOP_MIN_AGE", 15*time.Minute),
		SeenTTL:            envOrDefaultDuration("SEEN_TTL", 24*time.Hour),
	}

	if cfg.Scoring.AcceptThreshold == 0 {
		cfg.Scoring.AcceptThreshold = 95
	}
	if cfg.Scoring.RejectThreshold == 0 {
		cfg.Scoring.RejectThreshold = 5
	}
	if cfg.Scoring.FallbackRuleScore == 0 {
		cfg.Scoring.FallbackRuleScore = 40
	}

	keyB64 := firstNonEmpty(raw.Auth.EncryptionKey, os.Getenv("TOKEN_ENCRYPTION_KEY"))
	if keyB64 == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decode TOKEN_ENCRYPTION_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be 32 bytes after base64 decoding, got %d", len(key))
	}
	cfg.EncryptionKey = key

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		return nil, fmt.Errorf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
