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

// gsdinvoice — Historical Backfill Command
//
// Standalone CLI tool that starts a full-history sync for one mailbox
// connection and drives it to completion in-process. Intended for seeding
// a newly connected mailbox without waiting on the server's continuation
// ticks.
//
// Usage:
//
//	go run ./cmd/backfill/ --connection 42 --user usr_admin [--after 2024-01-01] [--before 2025-01-01]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
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
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	connFlag := flag.Int64("connection", 0, "Connection id to backfill (required)")
	userFlag := flag.String("user", "", "Acting user id, must be a member of the connection's team (required)")
	afterFlag := flag.String("after", "", "Only messages after this date (YYYY-MM-DD, optional)")
	beforeFlag := flag.String("before", "", "Only messages before this date (YYYY-MM-DD, optional)")
	flag.Parse()

	if *connFlag == 0 || *userFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --connection and --user are required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	opts, err := parseWindow(*afterFlag, *beforeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	slog.Info("starting historical backfill",
		"connection_id", *connFlag,
		"user_id", *userFlag,
	)

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

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

	// --- Connect to Redis (optional fast path) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	// --- Stores and pipeline ---
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
	tokenVault, err := vault.New(cfg.EncryptionKey, conns, cfg.GoogleClientID, cfg.GoogleClientSecret)
	if err != nil {
		slog.Error("failed to initialise token vault", "error", err)
		os.Exit(1)
	}

	deduper := dedup.New(docs, rdb, cfg.SeenTTL)
	handoff := ingest.NewHandoff(
		contentstore.New(cfg.ContentStoreURL),
		docs,
		deduper,
		extract.NewNotifier(cfg.ExtractionURL),
	)

	var doubleRead *classify.DoubleRead
	if cfg.OpenAIKey != "" {
		doubleRead = classify.NewDoubleRead(cfg.OpenAIKey, cfg.OpenAIModel)
	}
	classifier := classify.NewEngine(classify.DefaultWeights(), classify.Thresholds{
		Accept:   cfg.Scoring.AcceptThreshold,
		Reject:   cfg.Scoring.RejectThreshold,
		Fallback: cfg.Scoring.FallbackRuleScore,
	}, doubleRead)

	engine := fullsync.NewEngine(conns, tokenVault, classifier, deduper, handoff, fullsync.Config{
		TimeBudget: cfg.SyncTimeBudget,
		StaleAfter: cfg.SyncStaleAfter,
		PageSize:   cfg.SyncPageSize,
	})

	// --- Start and drive the sync to completion ---
	started := time.Now()
	state, err := engine.Start(ctx, *userFlag, *connFlag, opts)
	if err != nil {
		slog.Error("backfill start failed", "error", err)
		os.Exit(1)
	}
	slog.Info("backfill running", "query", state.Query)

	for {
		conn, err := conns.GetByID(ctx, *connFlag)
		if err != nil {
			slog.Error("progress check failed", "error", err)
			os.Exit(1)
		}
		if conn.Status != connection.StatusSyncing {
			break
		}
		if err := engine.Continue(ctx); err != nil {
			slog.Error("backfill continuation failed", "error", err)
			os.Exit(1)
		}
	}

	// --- Summary ---
	conn, err := conns.GetByID(ctx, *connFlag)
	if err != nil || conn.SyncState == nil {
		slog.Error("could not read final sync state", "error", err)
		os.Exit(1)
	}
	slog.Info("backfill complete",
		"status", conn.SyncState.Status,
		"messages_seen", conn.SyncState.MessagesSeen,
		"matches_found", conn.SyncState.MatchesFound,
		"elapsed", time.Since(started),
	)
	if conn.SyncState.Status == connection.SyncFailed {
		os.Exit(1)
	}
}

func parseWindow(after, before string) (fullsync.Options, error) {
	var opts fullsync.Options
	var err error
	if after != "" {
		if opts.After, err = time.Parse("2006-01-02", after); err != nil {
			return opts, errors.New("invalid --after date, want YYYY-MM-DD")
		}
	}
	if before != "" {
		if opts.Before, err = time.Parse("2006-01-02", before); err != nil {
			return opts, errors.New("invalid --before date, want YYYY-MM-DD")
		}
	}
	return opts, nil
}
