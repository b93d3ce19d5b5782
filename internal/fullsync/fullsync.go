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

// Package fullsync runs the user-initiated historical backfill. A sync is
// started once and continued by a frequent scheduler tick, one connection
// and at most one page per tick, each invocation time-boxed. All progress
// lives in the connection row, so any invocation can crash and the next
// tick resumes from the stored page token. Reprocessing a page is safe
// because ingestion is idempotent.
package fullsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/classify"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/connection"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/gmail"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/ingest"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/ratelimit"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/vault"
)

var (
	// ErrNotFound means the connection id does not exist.
	ErrNotFound = errors.New("connection not found")

	// ErrForbidden means the caller is not an owner or admin of the
	// connection's team.
	ErrForbidden = errors.New("requires team owner or admin")

	// ErrAlreadySyncing means a non-stale sync is in flight for the
	// connection.
	ErrAlreadySyncing = errors.New("sync already in progress")
)

// Store is the connection-store subset the engine needs.
type Store interface {
	GetByID(ctx context.Context, id int64) (*connection.Connection, error)
	MemberRole(ctx context.Context, teamID, userID string) (string, error)
	BeginSync(ctx context.Context, id int64, state connection.SyncState) error
	UpdateSyncProgress(ctx context.Context, id int64, state connection.SyncState) error
	FinishSync(ctx context.Context, id int64, final connection.SyncStatus) error
	NextSyncing(ctx context.Context) (*connection.Connection, error)
}

// TokenSource mints valid access tokens.
type TokenSource interface {
	AccessToken(ctx context.Context, conn *connection.Connection) (string, error)
}

// Provider is the mail-provider subset the backfill drives.
type Provider interface {
	Search(ctx context.Context, query, pageToken string, pageSize int64) (*gmail.SearchPage, error)
	Message(ctx context.Context, id string) (*classify.Message, error)
	Attachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Classifier scores candidate messages.
type Classifier interface {
	Classify(ctx context.Context, msg classify.Message, rules []connection.SenderRule) (*classify.Result, error)
}

// MessageDeduper answers whether a provider message was already ingested.
type MessageDeduper interface {
	IsDuplicate(ctx context.Context, teamID, messageID string) (bool, error)
}

// Ingester stores an accepted message's attachments.
type Ingester interface {
	Ingest(ctx context.Context, conn *connection.Connection, msg *classify.Message, source ingest.AttachmentSource) (int, error)
}

// Options bound the backfill window.
type Options struct {
	After  time.Time
	Before time.Time
}

// Engine implements the two backfill entry modes.
type Engine struct {
	store      Store
	tokens     TokenSource
	classifier Classifier
	deduper    MessageDeduper
	ingester   Ingester

	timeBudget time.Duration
	staleAfter time.Duration
	pageSize   int64

	// newClient and now are swappable for tests.
	newClient func(ctx context.Context, accessToken string) (Provider, error)
	now       func() time.Time
}

// Config carries the tunables.
type Config struct {
	TimeBudget time.Duration
	StaleAfter time.Duration
	PageSize   int64
}

// NewEngine wires the backfill engine.
func NewEngine(store Store, tokens TokenSource, classifier Classifier, deduper MessageDeduper, ingester Ingester, cfg Config) *Engine {
	return &Engine{
		store:      store,
		tokens:     tokens,
		classifier: classifier,
		deduper:    deduper,
		ingester:   ingester,
		timeBudget: cfg.TimeBudget,
		staleAfter: cfg.StaleAfter,
		pageSize:   cfg.PageSize,
		newClient: func(ctx context.Context, accessToken string) (Provider, error) {
			return gmail.NewClient(ctx, accessToken)
		},
		now: time.Now,
	}
}

// Start begins a backfill for a connection on behalf of a user. The first
// page is processed inline; anything left over is handed to the
// continuation scheduler via the persisted sync state.
func (e *Engine) Start(ctx context.Context, userID string, connectionID int64, opts Options) (*connection.SyncState, error) {
	conn, err := e.store.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrNotFound
	}

	role, err := e.store.MemberRole(ctx, conn.TeamID, userID)
	if err != nil {
		return nil, err
	}
	switch role {
	case connection.RoleOwner, connection.RoleAdmin:
	default:
		return nil, ErrForbidden
	}

	if conn.SyncState != nil && conn.SyncState.Status == connection.SyncRunning &&
		!conn.SyncStale(e.staleAfter, e.now()) {
		return nil, ErrAlreadySyncing
	}

	state := connection.SyncState{
		Status:    connection.SyncRunning,
		StartedAt: e.now(),
		Query:     BuildQuery(opts),
	}
	if err := e.store.BeginSync(ctx, conn.ID, state); err != nil {
		return nil, fmt.Errorf("begin sync: %w", err)
	}
	conn.SyncState = &state
	conn.Status = connection.StatusSyncing

	slog.Info("backfill started",
		"connection_id", conn.ID,
		"team_id", conn.TeamID,
		"user_id", userID,
		"query", state.Query,
	)

	if err := e.step(ctx, conn); err != nil {
		return nil, err
	}
	return conn.SyncState, nil
}

// Continue advances at most one in-flight sync. Called by the scheduler
// every few minutes; it never returns an error for conditions the next
// tick can retry.
func (e *Engine) Continue(ctx context.Context) error {
	conn, err := e.store.NextSyncing(ctx)
	if err != nil {
		return err
	}
	if conn == nil {
		return nil
	}

	if conn.SyncStale(e.staleAfter, e.now()) {
		slog.Warn("abandoning stale sync",
			"connection_id", conn.ID,
			"started_at", conn.SyncState.StartedAt,
		)
		return e.store.FinishSync(ctx, conn.ID, connection.SyncFailed)
	}

	return e.step(ctx, conn)
}

// step fetches and processes one page, then persists the outcome.
func (e *Engine) step(ctx context.Context, conn *connection.Connection) error {
	state := conn.SyncState

	token, err := e.tokens.AccessToken(ctx, conn)
	if err != nil {
		if errors.Is(err, vault.ErrReauthorizationRequired) {
			slog.Warn("backfill aborted, mailbox revoked", "connection_id", conn.ID)
			return e.store.FinishSync(ctx, conn.ID, connection.SyncFailed)
		}
		return err
	}

	client, err := e.newClient(ctx, token)
	if err != nil {
		return err
	}

	page, err := client.Search(ctx, state.Query, state.PageToken, e.pageSize)
	if err != nil {
		if ratelimit.IsRetryable(err) {
			slog.Warn("backfill page fetch rate limited, will retry next tick",
				"connection_id", conn.ID,
				"error", err,
			)
			return nil
		}
		return fmt.Errorf("fetch backfill page: %w", err)
	}

	if page.ResultEstimate > state.TotalEstimated {
		state.TotalEstimated = page.ResultEstimate
	}

	pageDone := e.processPage(ctx, conn, client, page.MessageIDs, state)

	if pageDone {
		state.PageToken = page.NextPageToken
	}
	// A page cut short by the time budget or a rate limit keeps its token,
	// so the same page is re-fetched next tick. Dedup makes that a no-op
	// for the messages already handled.

	if err := e.store.UpdateSyncProgress(ctx, conn.ID, *state); err != nil {
		return fmt.Errorf("persist sync progress: %w", err)
	}

	if pageDone && page.NextPageToken == "" {
		slog.Info("backfill completed",
			"connection_id", conn.ID,
			"messages_seen", state.MessagesSeen,
			"matches_found", state.MatchesFound,
		)
		state.Status = connection.SyncCompleted
		return e.store.FinishSync(ctx, conn.ID, connection.SyncCompleted)
	}
	return nil
}

// processPage classifies and ingests the page's messages under the wall
// clock budget. Returns true when every message was attempted.
func (e *Engine) processPage(ctx context.Context, conn *connection.Connection, client Provider, ids []string, state *connection.SyncState) bool {
	deadline := e.now().Add(e.timeBudget)

	for i, id := range ids {
		if e.now().After(deadline) {
			slog.Info("backfill page time-boxed",
				"connection_id", conn.ID,
				"processed", i,
				"remaining", len(ids)-i,
			)
			return false
		}

		matched, err := e.processMessage(ctx, conn, client, id)
		if err != nil {
			if ratelimit.IsRetryable(err) {
				slog.Warn("backfill rate limited mid-page, persisting progress",
					"connection_id", conn.ID,
					"error", err,
				)
				return false
			}
			slog.Error("backfill message failed, skipping",
				"connection_id", conn.ID,
				"message_id", id,
				"error", err,
			)
		}

		state.MessagesSeen++
		if matched {
			state.MatchesFound++
		}
	}
	return true
}

func (e *Engine) processMessage(ctx context.Context, conn *connection.Connection, client Provider, id string) (bool, error) {
	dup, err := e.deduper.IsDuplicate(ctx, conn.TeamID, id)
	if err != nil {
		return false, err
	}
	if dup {
		return false, nil
	}

	msg, err := client.Message(ctx, id)
	if err != nil {
		return false, err
	}

	result, err := e.classifier.Classify(ctx, *msg, conn.SenderRules)
	if err != nil {
		return false, err
	}
	if !result.Accept {
		return false, nil
	}

	if _, err := e.ingester.Ingest(ctx, conn, msg, client); err != nil {
		return true, err
	}
	return true, nil
}

// Backfill search keywords, mirroring the classifier's bilingual positive
// set. The provider treats unquoted terms as OR-joined inside the group.
var queryKeywords = []string{
	"invoice", "receipt", "billing", "payment",
	"חשבונית", "קבלה", "תשלום", "חיוב",
}

// BuildQuery renders the provider search query for a backfill window.
func BuildQuery(opts Options) string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(strings.Join(queryKeywords, " OR "))
	b.WriteString(")")
	if !opts.After.IsZero() {
		fmt.Fprintf(&b, " after:%s", opts.After.Format("2006/01/02"))
	}
	if !opts.Before.IsZero() {
		fmt.Fprintf(&b, " before:%s", opts.Before.Format("2006/01/02"))
	}
	return b.String()
}

// Runner drives Continue on a fixed interval.
func (e *Engine) Runner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Continue(ctx); err != nil {
				slog.Error("sync continuation failed", "error", err)
			}
		}
	}
}
