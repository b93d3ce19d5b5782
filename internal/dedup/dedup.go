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

// Package dedup prevents the same physical message or byte-identical
// attachment from being ingested twice. The source of truth is the
// document store's uniqueness keys; a Redis cache in front of the
// message-id lookup spares Postgres the hot-path queries during
// overlapping deltas. The cache only ever holds message ids the store
// has confirmed durable, so a message whose processing failed is never
// mistaken for an ingested one on retry. A cache miss or a Redis
// failure falls through to the store.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/docstore"
)

const keyPrefix = "ingest:seen:"

// RecordFinder is the document-store subset dedup reads.
type RecordFinder interface {
	FindByMessageID(ctx context.Context, teamID, messageID string) (*docstore.Document, error)
	FindByContentHash(ctx context.Context, teamID, hash string) (*docstore.Document, error)
}

// seenCache is the go-redis subset the fast path uses.
type seenCache interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Deduplicator answers "have we ingested this before".
type Deduplicator struct {
	records RecordFinder
	cache   seenCache
	ttl     time.Duration
}

// New creates a deduplicator. rdb may be nil to disable the fast path.
func New(records RecordFinder, rdb *redis.Client, ttl time.Duration) *Deduplicator {
	d := &Deduplicator{records: records, ttl: ttl}
	if rdb != nil {
		d.cache = rdb
	}
	return d
}

// ContentHash is the digest used for content-level dedup: SHA-256 over the
// raw attachment bytes, computed before any upload.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsDuplicate reports whether the provider message was already ingested
// for this team. The cache is written only after the store confirms a
// record, never at check time: an unseen message always reaches the
// store, so a processing failure after this check cannot suppress the
// retry.
func (d *Deduplicator) IsDuplicate(ctx context.Context, teamID, messageID string) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", keyPrefix, teamID, messageID)
	if d.cache != nil {
		n, err := d.cache.Exists(ctx, key).Result()
		if err != nil {
			slog.Warn("dedup fast path unavailable, querying store", "error", err)
		} else if n > 0 {
			return true, nil
		}
	}

	doc, err := d.records.FindByMessageID(ctx, teamID, messageID)
	if err != nil {
		return false, fmt.Errorf("dedup message lookup: %w", err)
	}
	if doc != nil && d.cache != nil {
		// Confirmed durable; cache so overlapping deltas skip the store.
		if err := d.cache.Set(ctx, key, 1, d.ttl).Err(); err != nil {
			slog.Warn("dedup cache write failed", "error", err)
		}
	}
	return doc != nil, nil
}

// IsDuplicateContent reports whether byte-identical content was already
// ingested for this team, regardless of which channel delivered it.
func (d *Deduplicator) IsDuplicateContent(ctx context.Context, teamID, contentHash string) (bool, error) {
	doc, err := d.records.FindByContentHash(ctx, teamID, contentHash)
	if err != nil {
		return false, fmt.Errorf("dedup content lookup: %w", err)
	}
	return doc != nil, nil
}
