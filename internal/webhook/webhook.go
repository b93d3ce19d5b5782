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

// Package webhook handles inbound Gmail push notifications and hosts the
// service's HTTP surface. The notification handler always acknowledges:
// an unacknowledged push is redelivered forever, and every internal
// failure here is either recoverable by the next notification (the
// watermark has not advanced) or by the backfill path.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/classify"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/connection"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/gmail"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/ingest"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/ratelimit"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/vault"
)

// ConnStore is the connection-store subset the ingestor needs.
type ConnStore interface {
	GetByAddress(ctx context.Context, address string) (*connection.Connection, error)
	AdvanceHistoryID(ctx context.Context, id int64, historyID uint64) error
}

// TokenSource mints valid access tokens.
type TokenSource interface {
	AccessToken(ctx context.Context, conn *connection.Connection) (string, error)
}

// Provider is the mail-provider subset the delta path drives.
type Provider interface {
	History(ctx context.Context, startHistoryID uint64, pageToken string) (*gmail.HistoryPage, error)
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

// Ingestor processes one push notification end to end.
type Ingestor struct {
	conns      ConnStore
	tokens     TokenSource
	classifier Classifier
	deduper    MessageDeduper
	ingester   Ingester

	// newClient is swappable for tests.
	newClient func(ctx context.Context, accessToken string) (Provider, error)
}

// NewIngestor wires the notification pipeline.
func NewIngestor(conns ConnStore, tokens TokenSource, classifier Classifier, deduper MessageDeduper, ingester Ingester) *Ingestor {
	return &Ingestor{
		conns:      conns,
		tokens:     tokens,
		classifier: classifier,
		deduper:    deduper,
		ingester:   ingester,
		newClient: func(ctx context.Context, accessToken string) (Provider, error) {
			return gmail.NewClient(ctx, accessToken)
		},
	}
}

// Process handles one decoded notification. Errors returned here are for
// logging only; the HTTP handler acknowledges regardless.
func (in *Ingestor) Process(ctx context.Context, address string, notifiedHistoryID uint64) error {
	conn, err := in.conns.GetByAddress(ctx, address)
	if err != nil {
		return fmt.Errorf("look up connection: %w", err)
	}
	if conn == nil {
		slog.Debug("notification for unknown mailbox, ignoring", "address", address)
		return nil
	}
	if conn.Status == connection.StatusRevoked {
		slog.Debug("notification for revoked mailbox, ignoring", "connection_id", conn.ID)
		return nil
	}

	// A mailbox that was never seeded cannot be diffed. Seed the watermark
	// and leave history to the backfill path.
	if conn.LastHistoryID == 0 {
		slog.Info("seeding watermark for new mailbox",
			"connection_id", conn.ID,
			"history_id", notifiedHistoryID,
		)
		return in.conns.AdvanceHistoryID(ctx, conn.ID, notifiedHistoryID)
	}

	token, err := in.tokens.AccessToken(ctx, conn)
	if err != nil {
		if errors.Is(err, vault.ErrReauthorizationRequired) {
			slog.Warn("notification for mailbox needing reauthorization", "connection_id", conn.ID)
			return nil
		}
		return err
	}

	client, err := in.newClient(ctx, token)
	if err != nil {
		return err
	}

	ids, deltaHistoryID, err := in.collectDelta(ctx, client, conn.LastHistoryID)
	if err != nil {
		if errors.Is(err, gmail.ErrHistoryExpired) {
			// Too old to diff is an empty delta. Move the watermark to the
			// notification's id so future deltas are computable; the gap is
			// the backfill's job.
			slog.Warn("watermark expired, reseeding",
				"connection_id", conn.ID,
				"old", conn.LastHistoryID,
				"new", notifiedHistoryID,
			)
			return in.conns.AdvanceHistoryID(ctx, conn.ID, notifiedHistoryID)
		}
		// Retryable or not, the watermark stays put and the next
		// notification retries the same delta.
		return fmt.Errorf("fetch history delta: %w", err)
	}

	ingested := 0
	for _, id := range ids {
		n, err := in.processMessage(ctx, conn, client, id)
		if err != nil {
			if ratelimit.IsRetryable(err) {
				// No inline retry on this path. Leave the watermark where it
				// is; the next notification reprocesses the delta and dedup
				// skips whatever already landed.
				slog.Warn("rate limited mid-delta, deferring to next notification",
					"connection_id", conn.ID,
					"message_id", id,
					"error", err,
				)
				return nil
			}
			slog.Error("message processing failed, skipping",
				"connection_id", conn.ID,
				"message_id", id,
				"error", err,
			)
			continue
		}
		ingested += n
	}

	// Every message in the delta has been attempted; only now may the
	// watermark move.
	if err := in.conns.AdvanceHistoryID(ctx, conn.ID, deltaHistoryID); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}

	slog.Info("notification processed",
		"connection_id", conn.ID,
		"messages", len(ids),
		"ingested", ingested,
		"history_id", deltaHistoryID,
	)
	return nil
}

// collectDelta pages through the history since the watermark.
func (in *Ingestor) collectDelta(ctx context.Context, client Provider, start uint64) ([]string, uint64, error) {
	var (
		ids       []string
		historyID uint64
		pageToken string
	)
	for {
		page, err := client.History(ctx, start, pageToken)
		if err != nil {
			return nil, 0, err
		}
		ids = append(ids, page.MessageIDs...)
		if page.HistoryID > historyID {
			historyID = page.HistoryID
		}
		if page.NextPageToken == "" {
			return ids, historyID, nil
		}
		pageToken = page.NextPageToken
	}
}

func (in *Ingestor) processMessage(ctx context.Context, conn *connection.Connection, client Provider, id string) (int, error) {
	dup, err := in.deduper.IsDuplicate(ctx, conn.TeamID, id)
	if err != nil {
		return 0, err
	}
	if dup {
		return 0, nil
	}

	msg, err := client.Message(ctx, id)
	if err != nil {
		return 0, err
	}

	result, err := in.classifier.Classify(ctx, *msg, conn.SenderRules)
	if err != nil {
		return 0, err
	}

	slog.Debug("message classified",
		"message_id", id,
		"score", result.Score,
		"decision", result.Decision,
		"accept", result.Accept,
	)
	if !result.Accept {
		return 0, nil
	}

	return in.ingester.Ingest(ctx, conn, msg, client)
}
