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

// gsdinvoice — Email Ingestion Service
//
// Entry point for the ingestion service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Serves the Gmail push-notification webhook and the sync API
//  4. Runs the daily watch-renewal sweep
//  5. Runs the backfill continuation and extraction-backstop tickers
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/classify"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/config"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/connection"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/contentstore"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/dedup"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/docstore"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/extract"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/fullsync"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/ingest"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/vault"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/watch"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting gsdinvoice ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"renewal_interval", cfg.RenewalInterval,
		"continue_interval", cfg.ContinueInterval,
		"sync_time_budget", cfg.SyncTimeBudget,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis")
	} else {
		slog.Warn("no REDIS_URL configured, dedup fast path disabled")
	}

	// --- Stores ---
	conns, err := connection.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise connection store", "error", err)
		os.Exit(1)
	}
	docs, err := docstore.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise document store", "error", err)
		os.Exit(1)
	}

	// --- Token Vault ---
	tokenVault, err := vault.New(cfg.EncryptionKey, conns, cfg.GoogleClientID, cfg.GoogleClientSecret)
	if err != nil {
		slog.Error("failed to initialise token vault", "error", err)
		os.Exit(1)
	}

	// --- Pipeline ---
	deduper := dedup.New(docs, rdb, cfg.SeenTTL)
	content := contentstore.New(cfg.ContentStoreURL)
	notifier := extract.NewNotifier(cfg.ExtractionURL)
	handoff := ingest.NewHandoff(content, docs, deduper, notifier)

	var doubleRead *classify.DoubleRead
	if cfg.OpenAIKey != "" {
		doubleRead = classify.NewDoubleRead(cfg.OpenAIKey, cfg.OpenAIModel)
	} else {
		slog.Warn("no OPENAI_API_KEY configured, ambiguous messages fall back to rule scores")
	}
	classifier := classify.NewEngine(classify.DefaultWeights(), classify.Thresholds{
		Accept:   cfg.Scoring.AcceptThreshold,
		Reject:   cfg.Scoring.RejectThreshold,
		Fallback: cfg.Scoring.FallbackRuleScore,
	}, doubleRead)

	syncEngine := fullsync.NewEngine(conns, tokenVault, classifier, deduper, handoff, fullsync.Config{
		TimeBudget: cfg.SyncTimeBudget,
		StaleAfter: cfg.SyncStaleAfter,
		PageSize:   cfg.SyncPageSize,
	})

	ingestor := webhook.NewIngestor(conns, tokenVault, classifier, deduper, handoff)
	server := webhook.NewServer(ingestor, syncEngine, []byte(cfg.JWTSecret))

	// --- Background loops ---
	renewal := watch.NewScheduler(conns, tokenVault, cfg.PubSubTopic, cfg.RenewalInterval, cfg.ConnectionDelay)
	go renewal.Run(ctx)
	go syncEngine.Runner(ctx, cfg.ContinueInterval)

	backstop := extract.NewBackstop(notifier, docs, cfg.BackstopInterval, cfg.BackstopMinAge)
	go backstop.Run(ctx)

	// --- HTTP Server ---
	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop all background goroutines

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		if rdb != nil {
			rdb.Close()
		}
		pgPool.Close()
	}()

	slog.Info("ingestion service listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("ingestion service stopped")
}
