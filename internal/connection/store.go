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

package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides CRUD operations for mailbox connections in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection store backed by the given Postgres pool.
// It ensures the schema exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure connection schema: %w", err)
	}
	slog.Info("connection store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mailbox_connections (
			id                   BIGSERIAL PRIMARY KEY,
			team_id              TEXT NOT NULL,
			user_id              TEXT NOT NULL,
			provider             TEXT NOT NULL DEFAULT 'gmail',
			address              TEXT NOT NULL,
			access_token_enc     BYTEA,
			access_expires_at    TIMESTAMPTZ,
			refresh_token_enc    BYTEA,
			scopes               TEXT[] DEFAULT '{}',
			last_history_id      BIGINT NOT NULL DEFAULT 0,
			status               TEXT NOT NULL DEFAULT 'active',
			sender_rules         JSONB NOT NULL DEFAULT '[]',
			watch_expires_at     TIMESTAMPTZ,
			sync_status          TEXT,
			sync_total_estimated BIGINT,
			sync_page_token      TEXT,
			sync_messages_seen   BIGINT,
			sync_matches_found   BIGINT,
			sync_started_at      TIMESTAMPTZ,
			sync_query           TEXT,
			created_at           TIMESTAMPTZ DEFAULT NOW(),
			updated_at           TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(team_id, address)
		);
		CREATE INDEX IF NOT EXISTS idx_conn_status ON mailbox_connections(status);
		CREATE INDEX IF NOT EXISTS idx_conn_address ON mailbox_connections(address);

		CREATE TABLE IF NOT EXISTS team_members (
			team_id    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			role       TEXT NOT NULL DEFAULT 'member',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (team_id, user_id)
		);
	`)
	return err
}

const connColumns = `
	id, team_id, user_id, provider, address,
	access_token_enc, access_expires_at, refresh_token_enc, scopes,
	last_history_id, status, sender_rules, watch_expires_at,
	sync_status, sync_total_estimated, sync_page_token,
	sync_messages_seen, sync_matches_found, sync_started_at, sync_query,
	created_at, updated_at`

// GetByID retrieves a single connection. Returns nil if none exists.
func (s *Store) GetByID(ctx context.Context, id int64) (*Connection, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+connColumns+` FROM mailbox_connections WHERE id = $1`, id)
	return scanConnection(row)
}

// GetByAddress retrieves the connection for a mailbox address. Returns nil
// if no connection matches — the webhook path treats that as a no-op.
func (s *Store) GetByAddress(ctx context.Context, address string) (*Connection, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+connColumns+` FROM mailbox_connections WHERE address = $1`, address)
	return scanConnection(row)
}

// ListActive returns every active connection, for the watch renewal sweep.
func (s *Store) ListActive(ctx context.Context) ([]Connection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+connColumns+` FROM mailbox_connections WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

// UpdateTokens persists re-encrypted credentials after a refresh. A nil
// refreshEnc keeps the stored refresh token (providers often omit it on
// refresh responses).
func (s *Store) UpdateTokens(ctx context.Context, id int64, accessEnc []byte, expiresAt time.Time, refreshEnc []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailbox_connections
		SET access_token_enc = $1,
		    access_expires_at = $2,
		    refresh_token_enc = COALESCE($3, refresh_token_enc),
		    updated_at = NOW()
		WHERE id = $4
	`, accessEnc, expiresAt, refreshEnc, id)
	return err
}

// MarkStatus sets the lifecycle status of a connection.
func (s *Store) MarkStatus(ctx context.Context, id int64, status Status) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailbox_connections SET status = $1, updated_at = NOW() WHERE id = $2
	`, status, id)
	return err
}

// AdvanceHistoryID moves the watermark forward. GREATEST enforces the
// monotonicity invariant in SQL, so concurrent writers cannot regress it.
func (s *Store) AdvanceHistoryID(ctx context.Context, id int64, historyID uint64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailbox_connections
		SET last_history_id = GREATEST(last_history_id, $1), updated_at = NOW()
		WHERE id = $2
	`, int64(historyID), id)
	return err
}

// SetWatchExpiry records when the push subscription lapses.
func (s *Store) SetWatchExpiry(ctx context.Context, id int64, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailbox_connections SET watch_expires_at = $1, updated_at = NOW() WHERE id = $2
	`, expiresAt, id)
	return err
}

// BeginSync flips the connection into syncing and records the initial state.
func (s *Store) BeginSync(ctx context.Context, id int64, state SyncState) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailbox_connections
		SET status = 'syncing',
		    sync_status = $1,
		    sync_total_estimated = $2,
		    sync_page_token = $3,
		    sync_messages_seen = $4,
		    sync_matches_found = $5,
		    sync_started_at = $6,
		    sync_query = $7,
		    updated_at = NOW()
		WHERE id = $8
	`, state.Status, state.TotalEstimated, state.PageToken,
		state.MessagesSeen, state.MatchesFound, state.StartedAt, state.Query, id)
	return err
}

// UpdateSyncProgress advances the page token and counters mid-sync.
func (s *Store) UpdateSyncProgress(ctx context.Context, id int64, state SyncState) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailbox_connections
		SET sync_page_token = $1,
		    sync_messages_seen = $2,
		    sync_matches_found = $3,
		    sync_total_estimated = $4,
		    updated_at = NOW()
		WHERE id = $5 AND status = 'syncing'
	`, state.PageToken, state.MessagesSeen, state.MatchesFound, state.TotalEstimated, id)
	return err
}

// FinishSync folds the sync state into a terminal status and returns the
// connection to active.
func (s *Store) FinishSync(ctx context.Context, id int64, final SyncStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mailbox_connections
		SET status = 'active',
		    sync_status = $1,
		    sync_page_token = NULL,
		    updated_at = NOW()
		WHERE id = $2
	`, final, id)
	return err
}

// NextSyncing claims the single oldest connection with a sync in flight.
// Returns nil when no sync is pending. The continuation scheduler processes
// at most one connection per tick.
func (s *Store) NextSyncing(ctx context.Context) (*Connection, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+connColumns+` FROM mailbox_connections
		 WHERE status = 'syncing'
		 ORDER BY sync_started_at ASC
		 LIMIT 1`)
	return scanConnection(row)
}

// MemberRole returns the caller's role on a team, or "" for non-members.
func (s *Store) MemberRole(ctx context.Context, teamID, userID string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT role FROM team_members WHERE team_id = $1 AND user_id = $2
	`, teamID, userID).Scan(&role)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return role, nil
}

// scanConnection scans a single row into a Connection.
func scanConnection(row pgx.Row) (*Connection, error) {
	var (
		c             Connection
		rulesJSON     []byte
		lastHistoryID int64
		syncStatus    *string
		syncTotal     *int64
		syncToken     *string
		syncSeen      *int64
		syncMatches   *int64
		syncStarted   *time.Time
		syncQuery     *string
	)
	err := row.Scan(
		&c.ID, &c.TeamID, &c.UserID, &c.Provider, &c.Address,
		&c.AccessTokenEnc, &c.AccessExpiresAt, &c.RefreshTokenEnc, &c.Scopes,
		&lastHistoryID, &c.Status, &rulesJSON, &c.WatchExpiresAt,
		&syncStatus, &syncTotal, &syncToken,
		&syncSeen, &syncMatches, &syncStarted, &syncQuery,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.LastHistoryID = uint64(lastHistoryID)

	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &c.SenderRules); err != nil {
			return nil, fmt.Errorf("decode sender rules: %w", err)
		}
	}

	if syncStatus != nil {
		st := SyncState{Status: SyncStatus(*syncStatus)}
		if syncTotal != nil {
			st.TotalEstimated = *syncTotal
		}
		if syncToken != nil {
			st.PageToken = *syncToken
		}
		if syncSeen != nil {
			st.MessagesSeen = *syncSeen
		}
		if syncMatches != nil {
			st.MatchesFound = *syncMatches
		}
		if syncStarted != nil {
			st.StartedAt = *syncStarted
		}
		if syncQuery != nil {
			st.Query = *syncQuery
		}
		c.SyncState = &st
	}

	return &c, nil
}

// collectConnections scans multiple rows.
func collectConnections(rows pgx.Rows) ([]Connection, error) {
	var out []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
