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

// Package watch re-registers the push subscription for every active
// mailbox before it lapses. One sweep a day is enough: Gmail watches live
// for seven days and repeated registration is a renewal.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/connection"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/gmail"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/ratelimit"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/vault"
)

// Store is the connection-store subset the scheduler needs.
type Store interface {
	ListActive(ctx context.Context) ([]connection.Connection, error)
	SetWatchExpiry(ctx context.Context, id int64, expiresAt time.Time) error
	AdvanceHistoryID(ctx context.Context, id int64, historyID uint64) error
}

// TokenSource mints valid access tokens.
type TokenSource interface {
	AccessToken(ctx context.Context, conn *connection.Connection) (string, error)
}

// Watcher is the provider call the scheduler issues.
type Watcher interface {
	Watch(ctx context.Context, topic string) (*gmail.WatchResult, error)
}

// Scheduler renews push subscriptions on a fixed daily cadence.
type Scheduler struct {
	store  Store
	tokens TokenSource
	topic  string

	interval time.Duration
	delay    time.Duration

	// newClient is swappable for tests.
	newClient func(ctx context.Context, accessToken string) (Watcher, error)
}

// NewScheduler wires the renewal sweep. delay is the pause between
// consecutive connections, smoothing provider call volume.
func NewScheduler(store Store, tokens TokenSource, topic string, interval, delay time.Duration) *Scheduler {
	return &Scheduler{
		store:    store,
		tokens:   tokens,
		topic:    topic,
		interval: interval,
		delay:    delay,
		newClient: func(ctx context.Context, accessToken string) (Watcher, error) {
			return gmail.NewClient(ctx, accessToken)
		},
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep renews every active connection. Failures are isolated per
// connection; the sweep always visits the whole list.
func (s *Scheduler) Sweep(ctx context.Context) {
	conns, err := s.store.ListActive(ctx)
	if err != nil {
		slog.Error("watch sweep: list connections", "error", err)
		return
	}

	renewed, failed := 0, 0
	for i := range conns {
		if ctx.Err() != nil {
			return
		}
		if err := s.renew(ctx, &conns[i]); err != nil {
			failed++
			slog.Error("watch renewal failed",
				"connection_id", conns[i].ID,
				"address", conns[i].Address,
				"error", err,
			)
		} else {
			renewed++
		}

		if i < len(conns)-1 && s.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.delay):
			}
		}
	}

	slog.Info("watch sweep complete", "renewed", renewed, "failed", failed)
}

func (s *Scheduler) renew(ctx context.Context, conn *connection.Connection) error {
	token, err := s.tokens.AccessToken(ctx, conn)
	if err != nil {
		if errors.Is(err, vault.ErrReauthorizationRequired) {
			// Already marked revoked; the next sweep will skip it.
			slog.Warn("skipping revoked connection", "connection_id", conn.ID)
			return nil
		}
		return err
	}

	client, err := s.newClient(ctx, token)
	if err != nil {
		return err
	}

	var result *gmail.WatchResult
	err = ratelimit.Do(ctx, "watch renewal", func() error {
		var err error
		result, err = client.Watch(ctx, s.topic)
		return err
	})
	if err != nil {
		return err
	}

	if err := s.store.SetWatchExpiry(ctx, conn.ID, result.Expires); err != nil {
		return err
	}
	// The store clamps this with GREATEST, so a renewal can only ever move
	// the watermark forward.
	if result.HistoryID > 0 {
		if err := s.store.AdvanceHistoryID(ctx, conn.ID, result.HistoryID); err != nil {
			return err
		}
	}

	slog.Debug("watch renewed",
		"connection_id", conn.ID,
		"expires_at", result.Expires,
		"history_id", result.HistoryID,
	)
	return nil
}
