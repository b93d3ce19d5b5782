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

// Package ingest moves an accepted message's attachments into the content
// store and records them for extraction. Every step is idempotent: content
// dedup runs before the upload, the upload tolerates pre-existing objects,
// and the record insert is a no-op on conflict. Running the same message
// through twice produces exactly one document.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/classify"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/connection"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/dedup"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/docstore"
)

// AttachmentSource fetches attachment bytes from the mail provider.
type AttachmentSource interface {
	Attachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// ContentStore uploads bytes. alreadyExists is success for our purposes.
type ContentStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (alreadyExists bool, err error)
}

// RecordStore inserts document records.
type RecordStore interface {
	Insert(ctx context.Context, doc *docstore.Document) (created bool, err error)
}

// ContentDeduper answers whether byte-identical content was seen before.
type ContentDeduper interface {
	IsDuplicateContent(ctx context.Context, teamID, contentHash string) (bool, error)
}

// ExtractionNotifier fires the best-effort extraction trigger.
type ExtractionNotifier interface {
	Notify(ctx context.Context, doc *docstore.Document)
}

// Handoff performs the classification-to-storage handoff.
type Handoff struct {
	content  ContentStore
	records  RecordStore
	deduper  ContentDeduper
	notifier ExtractionNotifier
}

// NewHandoff wires the handoff.
func NewHandoff(content ContentStore, records RecordStore, deduper ContentDeduper, notifier ExtractionNotifier) *Handoff {
	return &Handoff{content: content, records: records, deduper: deduper, notifier: notifier}
}

// Ingest stores every supported attachment of an accepted message. It
// returns the number of documents created. Unsupported attachment types
// and content duplicates are skipped silently; a provider or storage
// failure aborts with an error so the caller can decide whether to retry
// the whole message.
func (h *Handoff) Ingest(ctx context.Context, conn *connection.Connection, msg *classify.Message, source AttachmentSource) (int, error) {
	created := 0
	for _, att := range msg.Attachments {
		fileType := classify.DocumentType(att.Filename, att.MimeType)
		if fileType == "" {
			slog.Debug("skipping unsupported attachment",
				"message_id", msg.ID,
				"filename", att.Filename,
				"mime_type", att.MimeType,
			)
			continue
		}

		data, err := source.Attachment(ctx, msg.ID, att.ID)
		if err != nil {
			return created, fmt.Errorf("fetch attachment %q: %w", att.Filename, err)
		}

		hash := dedup.ContentHash(data)
		dup, err := h.deduper.IsDuplicateContent(ctx, conn.TeamID, hash)
		if err != nil {
			return created, err
		}
		if dup {
			slog.Debug("skipping duplicate content",
				"message_id", msg.ID,
				"filename", att.Filename,
				"content_hash", hash,
			)
			continue
		}

		path := storagePath(conn, msg.ID, att.Filename)
		if _, err := h.content.Upload(ctx, path, data, att.MimeType); err != nil {
			return created, fmt.Errorf("upload %q: %w", att.Filename, err)
		}

		doc := &docstore.Document{
			TeamID:            conn.TeamID,
			ProviderMessageID: msg.ID,
			ContentHash:       hash,
			StoragePath:       path,
			FileType:          fileType,
			Status:            docstore.StatusPending,
		}
		inserted, err := h.records.Insert(ctx, doc)
		if err != nil {
			return created, fmt.Errorf("record document: %w", err)
		}
		if !inserted {
			// A concurrent delivery won the race. Its record will get the
			// extraction trigger.
			continue
		}
		created++

		slog.Info("document ingested",
			"document_id", doc.ID,
			"team_id", conn.TeamID,
			"message_id", msg.ID,
			"file_type", fileType,
		)

		h.notifier.Notify(ctx, doc)
	}
	return created, nil
}

// storagePath builds the deterministic object path. Deterministic paths
// make retried uploads overwrite-or-collide instead of multiplying.
func storagePath(conn *connection.Connection, messageID, filename string) string {
	return fmt.Sprintf("teams/%s/mailboxes/%d/%s/%s",
		conn.TeamID, conn.ID, messageID, sanitizeFilename(filename))
}

// sanitizeFilename flattens path separators and control characters out of a
// user-supplied filename.
func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, name)
	if name == "" {
		name = "attachment"
	}
	return name
}
