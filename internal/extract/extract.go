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

// Package extract triggers the downstream extraction service. The trigger
// is best effort: an ingestion is considered successful once the document
// record exists, whether or not the notification landed. A circuit breaker
// keeps a dead extraction service from slowing down ingestion, and a
// periodic backstop sweep re-notifies pending documents whose trigger was
// lost.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/docstore"
)

// PendingLister is the document-store subset the backstop sweep reads.
type PendingLister interface {
	ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]docstore.Document, error)
}

// Notifier posts extraction triggers.
type Notifier struct {
	endpoint   string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewNotifier creates a notifier for the given extraction endpoint. An
// empty endpoint disables notifications entirely.
func NewNotifier(endpoint string) *Notifier {
	return &Notifier{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "extraction-trigger",
			MaxRequests: 2,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

type triggerPayload struct {
	DocumentID  string `json:"documentId"`
	StoragePath string `json:"storagePath"`
	FileType    string `json:"fileType"`
}

// Notify fires the extraction trigger for one document. Failures are
// logged, never propagated: the backstop sweep covers lost triggers.
func (n *Notifier) Notify(ctx context.Context, doc *docstore.Document) {
	if n.endpoint == "" {
		return
	}

	_, err := n.breaker.Execute(func() (any, error) {
		return nil, n.post(ctx, doc)
	})
	if err != nil {
		slog.Warn("extraction trigger failed, backstop will retry",
			"document_id", doc.ID,
			"error", err,
		)
	}
}

func (n *Notifier) post(ctx context.Context, doc *docstore.Document) error {
	body, err := json.Marshal(triggerPayload{
		DocumentID:  doc.ID,
		StoragePath: doc.StoragePath,
		FileType:    doc.FileType,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("extraction service returned HTTP %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// Backstop periodically re-notifies documents stuck in pending. Lives for
// the process; cancel ctx to stop.
type Backstop struct {
	notifier *Notifier
	pending  PendingLister
	interval time.Duration
	minAge   time.Duration
}

// NewBackstop wires the sweep.
func NewBackstop(notifier *Notifier, pending PendingLister, interval, minAge time.Duration) *Backstop {
	return &Backstop{notifier: notifier, pending: pending, interval: interval, minAge: minAge}
}

// Run blocks until ctx is cancelled.
func (b *Backstop) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

func (b *Backstop) sweep(ctx context.Context) {
	docs, err := b.pending.ListPendingOlderThan(ctx, b.minAge, 50)
	if err != nil {
		slog.Error("backstop sweep failed", "error", err)
		return
	}
	if len(docs) == 0 {
		return
	}

	slog.Info("re-notifying stuck documents", "count", len(docs))
	for i := range docs {
		b.notifier.Notify(ctx, &docs[i])
	}
}
