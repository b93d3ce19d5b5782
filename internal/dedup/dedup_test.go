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

package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/docstore"
)

// mockFinder implements RecordFinder for testing.
type mockFinder struct {
	byMessage map[string]*docstore.Document
	byHash    map[string]*docstore.Document

	messageLookups int
}

func (m *mockFinder) FindByMessageID(_ context.Context, teamID, messageID string) (*docstore.Document, error) {
	m.messageLookups++
	return m.byMessage[teamID+":"+messageID], nil
}

func (m *mockFinder) FindByContentHash(_ context.Context, teamID, hash string) (*docstore.Document, error) {
	return m.byHash[teamID+":"+hash], nil
}

func TestIsDuplicate(t *testing.T) {
	finder := &mockFinder{
		byMessage: map[string]*docstore.Document{
			"team1:msg1": {ID: "doc1"},
		},
	}
	d := New(finder, nil, time.Hour)

	dup, err := d.IsDuplicate(context.Background(), "team1", "msg1")
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if !dup {
		t.Error("known message not flagged as duplicate")
	}

	dup, err = d.IsDuplicate(context.Background(), "team1", "msg2")
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if dup {
		t.Error("unseen message flagged as duplicate")
	}

	// Same message id under a different team is not a duplicate.
	dup, _ = d.IsDuplicate(context.Background(), "team2", "msg1")
	if dup {
		t.Error("team isolation broken")
	}
}

// fakeCache implements seenCache in memory.
type fakeCache struct {
	keys map[string]bool
	err  error
	sets int
}

func (f *fakeCache) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	var n int64
	for _, k := range keys {
		if f.keys[k] {
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeCache) Set(ctx context.Context, key string, _ interface{}, _ time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if f.keys == nil {
		f.keys = make(map[string]bool)
	}
	f.keys[key] = true
	f.sets++
	cmd.SetVal("OK")
	return cmd
}

func TestIsDuplicateRetryAfterFailedProcessing(t *testing.T) {
	// A message is checked, then its processing fails before any record
	// lands. The retry must not see it as a duplicate, no matter how many
	// times it was checked in between.
	finder := &mockFinder{}
	cache := &fakeCache{}
	d := New(finder, nil, time.Hour)
	d.cache = cache

	for attempt := 1; attempt <= 3; attempt++ {
		dup, err := d.IsDuplicate(context.Background(), "team1", "msg1")
		if err != nil {
			t.Fatalf("IsDuplicate attempt %d: %v", attempt, err)
		}
		if dup {
			t.Fatalf("attempt %d flagged a never-ingested message as duplicate", attempt)
		}
	}
	if cache.sets != 0 {
		t.Error("cache written for a message the store never confirmed")
	}
}

func TestIsDuplicateCachesConfirmedRecords(t *testing.T) {
	finder := &mockFinder{
		byMessage: map[string]*docstore.Document{
			"team1:msg1": {ID: "doc1"},
		},
	}
	d := New(finder, nil, time.Hour)
	d.cache = &fakeCache{}

	dup, err := d.IsDuplicate(context.Background(), "team1", "msg1")
	if err != nil {
		t.Fatalf("IsDuplicate: %v", err)
	}
	if !dup {
		t.Fatal("known message not flagged as duplicate")
	}
	if finder.messageLookups != 1 {
		t.Fatalf("store lookups = %d, want 1", finder.messageLookups)
	}

	// Second check hits the cache, not the store.
	dup, _ = d.IsDuplicate(context.Background(), "team1", "msg1")
	if !dup {
		t.Error("cached duplicate not flagged")
	}
	if finder.messageLookups != 1 {
		t.Errorf("store lookups = %d, want the cache to absorb the repeat", finder.messageLookups)
	}
}

func TestIsDuplicateCacheFailureFallsThrough(t *testing.T) {
	finder := &mockFinder{
		byMessage: map[string]*docstore.Document{
			"team1:msg1": {ID: "doc1"},
		},
	}
	d := New(finder, nil, time.Hour)
	d.cache = &fakeCache{err: errors.New("connection refused")}

	dup, err := d.IsDuplicate(context.Background(), "team1", "msg1")
	if err != nil {
		t.Fatalf("IsDuplicate with a down cache: %v", err)
	}
	if !dup {
		t.Error("store verdict lost behind a failing cache")
	}
}

func TestIsDuplicateContent(t *testing.T) {
	hash := ContentHash([]byte("the same pdf bytes"))
	finder := &mockFinder{
		byHash: map[string]*docstore.Document{
			"team1:" + hash: {ID: "doc1"},
		},
	}
	d := New(finder, nil, time.Hour)

	dup, err := d.IsDuplicateContent(context.Background(), "team1", hash)
	if err != nil {
		t.Fatalf("IsDuplicateContent: %v", err)
	}
	if !dup {
		t.Error("known content not flagged as duplicate")
	}

	dup, _ = d.IsDuplicateContent(context.Background(), "team1", ContentHash([]byte("different bytes")))
	if dup {
		t.Error("new content flagged as duplicate")
	}
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("payload"))
	b := ContentHash([]byte("payload"))
	c := ContentHash([]byte("payload "))

	if a != b {
		t.Error("hash not deterministic")
	}
	if a == c {
		t.Error("distinct payloads collided")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}
