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

// Package docstore implements the document-record contract: insert,
// find-by-message-id, find-by-content-hash, update-status. The ingestion
// core uses these records purely as idempotency keys — the unique indexes
// on (team, message id) and (team, content hash) make every write safe to
// retry.
package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the extraction lifecycle of a document record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Document is one ingested file awaiting (or past) extraction.
type Document struct {
	ID                string
	TeamID            string
	ProviderMessageID string
	ContentHash       string
	StoragePath       string
	FileType          string
	Status            Status
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Store provides document-record operations in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a document store and ensures its schema.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure document schema: %w", err)
	}
	slog.Info("document store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id                  UUID PRIMARY KEY,
			team_id             TEXT NOT NULL,
			provider_message_id TEXT NOT NULL,
			content_hash        TEXT NOT NULL,
			storage_path        TEXT NOT NULL,
			file_type           TEXT NOT NULL,
			status              TEXT NOT NULL DEFAULT 'pending',
			created_at          TIMESTAMPTZ DEFAULT NOW(),
			updated_at          TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(team_id, provider_message_id),
			UNIQUE(team_id, content_hash)
		);
		CREATE INDEX IF NOT EXISTS idx_docs_status ON documents(status);
	`)
	return err
}

const docColumns = `
	id, team_id, provider_message_id, content_hash,
	storage_path, file_type, status, created_at, updated_at`

// Insert creates a pending record, assigning it a fresh id. A conflict on
// either uniqueness key leaves the table untouched and returns created =
// false, which is how retried ingestions stay idempotent.
func (s *Store) Insert(ctx context.Context, doc *Document) (bool, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO documents
			(id, team_id, provider_message_id, content_hash, storage_path, file_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`, doc.ID, doc.TeamID, doc.ProviderMessageID, doc.ContentHash,
		doc.StoragePath, doc.FileType, doc.Status)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindByMessageID looks up the record for a provider message. Nil if none.
func (s *Store) FindByMessageID(ctx context.Context, teamID, messageID string) (*Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+docColumns+` FROM documents
		 WHERE team_id = $1 AND provider_message_id = $2`, teamID, messageID)
	return scanDocument(row)
}

// FindByContentHash looks up the record for byte-identical content. Nil if none.
func (s *Store) FindByContentHash(ctx context.Context, teamID, hash string) (*Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+docColumns+` FROM documents
		 WHERE team_id = $1 AND content_hash = $2`, teamID, hash)
	return scanDocument(row)
}

// UpdateStatus moves a record through the extraction lifecycle.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE documents SET status = $1, updated_at = NOW() WHERE id = $2
	`, status, id)
	return err
}

// ListPendingOlderThan returns pending records whose extraction trigger
// presumably never landed. The backstop sweep re-notifies them.
func (s *Store) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+docColumns+` FROM documents
		WHERE status = 'pending' AND created_at < NOW() - $1::interval
		ORDER BY created_at
		LIMIT $2
	`, fmt.Sprintf("%d seconds", int(age.Seconds())), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(
		&d.ID, &d.TeamID, &d.ProviderMessageID, &d.ContentHash,
		&d.StoragePath, &d.FileType, &d.Status, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
