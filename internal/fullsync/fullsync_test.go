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

package fullsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/classify"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/connection"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/gmail"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/ingest"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/ratelimit"
)

var t0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type mockStore struct {
	conns map[int64]*connection.Connection
	roles map[string]string

	begun        *connection.SyncState
	progress     []connection.SyncState
	finished     connection.SyncStatus
	finishedSet  bool
	nextInFlight *connection.Connection
}

func (m *mockStore) GetByID(_ context.Context, id int64) (*connection.Connection, error) {
	return m.conns[id], nil
}

func (m *mockStore) MemberRole(_ context.Context, teamID, userID string) (string, error) {
	return m.roles[teamID+":"+userID], nil
}

func (m *mockStore) BeginSync(_ context.Context, id int64, state connection.SyncState) error {
	m.begun = &state
	return nil
}

func (m *mockStore) UpdateSyncProgress(_ context.Context, id int64, state connection.SyncState) error {
	m.progress = append(m.progress, state)
	return nil
}

func (m *mockStore) FinishSync(_ context.Context, id int64, final connection.SyncStatus) error {
	m.finished = final
	m.finishedSet = true
	return nil
}

func (m *mockStore) NextSyncing(_ context.Context) (*connection.Connection, error) {
	return m.nextInFlight, nil
}

type mockTokens struct {
	calls int
}

func (m *mockTokens) AccessToken(_ context.Context, _ *connection.Connection) (string, error) {
	m.calls++
	return "test-token", nil
}

type mockProvider struct {
	pages       map[string]*gmail.SearchPage // keyed by page token
	searchCalls int

	messages map[string]*classify.Message
	msgErr   map[string]error
}

func (m *mockProvider) Search(_ context.Context, _, pageToken string, _ int64) (*gmail.SearchPage, error) {
	m.searchCalls++
	page, ok := m.pages[pageToken]
	if !ok {
		return &gmail.SearchPage{}, nil
	}
	return page, nil
}

func (m *mockProvider) Message(_ context.Context, id string) (*classify.Message, error) {
	if err := m.msgErr[id]; err != nil {
		return nil, err
	}
	return m.messages[id], nil
}

func (m *mockProvider) Attachment(_ context.Context, _, _ string) ([]byte, error) {
	return []byte("bytes"), nil
}

type acceptAll struct{}

func (acceptAll) Classify(_ context.Context, msg classify.Message, _ []connection.SenderRule) (*classify.Result, error) {
	return &classify.Result{Decision: classify.DecideAccept, Accept: true}, nil
}

type neverSeen struct{}

func (neverSeen) IsDuplicate(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

type mockIngester struct {
	ingested []string
}

func (m *mockIngester) Ingest(_ context.Context, _ *connection.Connection, msg *classify.Message, _ ingest.AttachmentSource) (int, error) {
	m.ingested = append(m.ingested, msg.ID)
	return 1, nil
}

func newTestEngine(store *mockStore, provider *mockProvider) (*Engine, *mockIngester) {
	ingester := &mockIngester{}
	e := NewEngine(store, &mockTokens{}, acceptAll{}, neverSeen{}, ingester, Config{
		TimeBudget: 45 * time.Second,
		StaleAfter: 30 * time.Minute,
		PageSize:   50,
	})
	e.newClient = func(_ context.Context, _ string) (Provider, error) {
		return provider, nil
	}
	e.now = func() time.Time { return t0 }
	return e, ingester
}

func adminStore(conn *connection.Connection) *mockStore {
	return &mockStore{
		conns: map[int64]*connection.Connection{conn.ID: conn},
		roles: map[string]string{conn.TeamID + ":usr_1": connection.RoleAdmin},
	}
}

func baseConn() *connection.Connection {
	return &connection.Connection{
		ID:      7,
		TeamID:  "team1",
		Address: "box@example.com",
		Status:  connection.StatusActive,
	}
}

func TestStartRejectsNonMembers(t *testing.T) {
	store := adminStore(baseConn())
	e, _ := newTestEngine(store, &mockProvider{})

	_, err := e.Start(context.Background(), "usr_outsider", 7, Options{})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if store.begun != nil {
		t.Error("sync started for a non-member")
	}
}

func TestStartRejectsPlainMembers(t *testing.T) {
	conn := baseConn()
	store := adminStore(conn)
	store.roles[conn.TeamID+":usr_member"] = connection.RoleMember
	e, _ := newTestEngine(store, &mockProvider{})

	_, err := e.Start(context.Background(), "usr_member", 7, Options{})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden for a plain member", err)
	}
	if store.begun != nil {
		t.Error("sync started for a plain member")
	}
}

func TestStartRejectsUnknownConnection(t *testing.T) {
	e, _ := newTestEngine(&mockStore{conns: map[int64]*connection.Connection{}}, &mockProvider{})

	_, err := e.Start(context.Background(), "usr_1", 99, Options{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStartRejectsConcurrentSync(t *testing.T) {
	conn := baseConn()
	conn.Status = connection.StatusSyncing
	conn.SyncState = &connection.SyncState{
		Status:    connection.SyncRunning,
		StartedAt: t0.Add(-time.Minute), // not stale
	}
	e, _ := newTestEngine(adminStore(conn), &mockProvider{})

	_, err := e.Start(context.Background(), "usr_1", 7, Options{})
	if !errors.Is(err, ErrAlreadySyncing) {
		t.Fatalf("err = %v, want ErrAlreadySyncing", err)
	}
}

func TestStartStaleSyncCanBeRestarted(t *testing.T) {
	conn := baseConn()
	conn.SyncState = &connection.SyncState{
		Status:    connection.SyncRunning,
		StartedAt: t0.Add(-2 * time.Hour), // well past staleness
	}
	store := adminStore(conn)
	e, _ := newTestEngine(store, &mockProvider{pages: map[string]*gmail.SearchPage{}})

	_, err := e.Start(context.Background(), "usr_1", 7, Options{})
	if err != nil {
		t.Fatalf("Start over a stale sync: %v", err)
	}
	if store.begun == nil {
		t.Error("stale sync not restarted")
	}
}

func TestStartSinglePageCompletes(t *testing.T) {
	conn := baseConn()
	store := adminStore(conn)
	provider := &mockProvider{
		pages: map[string]*gmail.SearchPage{
			"": {MessageIDs: []string{"m1", "m2"}, ResultEstimate: 2},
		},
		messages: map[string]*classify.Message{
			"m1": {ID: "m1"},
			"m2": {ID: "m2"},
		},
	}
	e, ingester := newTestEngine(store, provider)

	state, err := e.Start(context.Background(), "usr_1", 7, Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(ingester.ingested) != 2 {
		t.Errorf("ingested = %v, want both messages", ingester.ingested)
	}
	if state.MessagesSeen != 2 || state.MatchesFound != 2 {
		t.Errorf("seen/matches = %d/%d, want 2/2", state.MessagesSeen, state.MatchesFound)
	}
	if !store.finishedSet || store.finished != connection.SyncCompleted {
		t.Errorf("final status = %q, want completed", store.finished)
	}
}

func TestContinueNothingToDo(t *testing.T) {
	e, _ := newTestEngine(&mockStore{}, &mockProvider{})
	if err := e.Continue(context.Background()); err != nil {
		t.Fatalf("Continue with no pending sync: %v", err)
	}
}

func TestContinueStaleSyncFailsWithoutProviderCalls(t *testing.T) {
	conn := baseConn()
	conn.Status = connection.StatusSyncing
	conn.SyncState = &connection.SyncState{
		Status:    connection.SyncRunning,
		StartedAt: t0.Add(-time.Hour),
		PageToken: "page-3",
	}
	store := &mockStore{nextInFlight: conn}
	provider := &mockProvider{}
	tokens := &mockTokens{}

	ingester := &mockIngester{}
	e := NewEngine(store, tokens, acceptAll{}, neverSeen{}, ingester, Config{
		TimeBudget: 45 * time.Second,
		StaleAfter: 30 * time.Minute,
		PageSize:   50,
	})
	e.newClient = func(_ context.Context, _ string) (Provider, error) { return provider, nil }
	e.now = func() time.Time { return t0 }

	if err := e.Continue(context.Background()); err != nil {
		t.Fatalf("Continue: %v", err)
	}

	if !store.finishedSet || store.finished != connection.SyncFailed {
		t.Errorf("final status = %q, want failed", store.finished)
	}
	if tokens.calls != 0 || provider.searchCalls != 0 {
		t.Error("stale sync still touched the provider")
	}
}

func TestContinueRateLimitKeepsPageToken(t *testing.T) {
	conn := baseConn()
	conn.Status = connection.StatusSyncing
	conn.SyncState = &connection.SyncState{
		Status:    connection.SyncRunning,
		StartedAt: t0.Add(-time.Minute),
		PageToken: "page-3",
	}
	store := &mockStore{nextInFlight: conn}
	provider := &mockProvider{
		pages: map[string]*gmail.SearchPage{
			"page-3": {MessageIDs: []string{"m1", "m2"}, NextPageToken: "page-4"},
		},
		messages: map[string]*classify.Message{"m1": {ID: "m1"}},
		msgErr: map[string]error{
			"m2": &ratelimit.RetryableError{Err: errors.New("429")},
		},
	}
	e, ingester := newTestEngine(store, provider)
	store.nextInFlight = conn

	if err := e.Continue(context.Background()); err != nil {
		t.Fatalf("Continue should absorb mid-page rate limits, got %v", err)
	}

	// m1 landed before the rate limit hit.
	if len(ingester.ingested) != 1 || ingester.ingested[0] != "m1" {
		t.Errorf("ingested = %v, want [m1]", ingester.ingested)
	}

	if len(store.progress) != 1 {
		t.Fatalf("progress updates = %d, want 1", len(store.progress))
	}
	if got := store.progress[0].PageToken; got != "page-3" {
		t.Errorf("page token = %q, want the same page re-fetched next tick", got)
	}
	if store.finishedSet {
		t.Error("sync finished despite an unfinished page")
	}
}

func TestContinueTimeBudgetKeepsPageToken(t *testing.T) {
	conn := baseConn()
	conn.Status = connection.StatusSyncing
	conn.SyncState = &connection.SyncState{
		Status:    connection.SyncRunning,
		StartedAt: t0.Add(-time.Minute),
		PageToken: "page-3",
	}
	store := &mockStore{nextInFlight: conn}
	provider := &mockProvider{
		pages: map[string]*gmail.SearchPage{
			"page-3": {MessageIDs: []string{"m1"}, NextPageToken: "page-4"},
		},
		messages: map[string]*classify.Message{"m1": {ID: "m1"}},
	}
	e, ingester := newTestEngine(store, provider)

	// First two clock reads (staleness check, page deadline) see t0; the
	// per-message check sees the budget long blown.
	reads := 0
	e.now = func() time.Time {
		reads++
		if reads <= 2 {
			return t0
		}
		return t0.Add(time.Hour)
	}

	if err := e.Continue(context.Background()); err != nil {
		t.Fatalf("Continue: %v", err)
	}

	if len(ingester.ingested) != 0 {
		t.Errorf("ingested = %v, want none within an exhausted budget", ingester.ingested)
	}
	if len(store.progress) != 1 || store.progress[0].PageToken != "page-3" {
		t.Errorf("progress = %+v, want the same page token kept", store.progress)
	}
}

func TestBuildQuery(t *testing.T) {
	q := BuildQuery(Options{})
	if !strings.Contains(q, "invoice OR receipt") || !strings.Contains(q, "חשבונית") {
		t.Errorf("query missing keywords: %q", q)
	}
	if strings.Contains(q, "after:") || strings.Contains(q, "before:") {
		t.Errorf("unbounded query has date bounds: %q", q)
	}

	q = BuildQuery(Options{
		After:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Before: time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC),
	})
	if !strings.Contains(q, "after:2024/01/02") || !strings.Contains(q, "before:2025/03/04") {
		t.Errorf("date bounds malformed: %q", q)
	}
}
