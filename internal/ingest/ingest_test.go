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

package ingest

import (
	"context"
	"testing"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/classify"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/connection"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/dedup"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/docstore"
)

type mockSource struct {
	data map[string][]byte
}

func (m *mockSource) Attachment(_ context.Context, _, attachmentID string) ([]byte, error) {
	return m.data[attachmentID], nil
}

type mockContent struct {
	uploads      map[string][]byte
	alwaysExists bool
}

func (m *mockContent) Upload(_ context.Context, path string, data []byte, _ string) (bool, error) {
	if m.uploads == nil {
		m.uploads = make(map[string][]byte)
	}
	_, existed := m.uploads[path]
	m.uploads[path] = data
	return existed || m.alwaysExists, nil
}

type mockRecords struct {
	inserted []docstore.Document
	conflict bool
}

func (m *mockRecords) Insert(_ context.Context, doc *docstore.Document) (bool, error) {
	if m.conflict {
		return false, nil
	}
	doc.ID = "doc-" + doc.ContentHash[:8]
	m.inserted = append(m.inserted, *doc)
	return true, nil
}

type mockDeduper struct {
	seen map[string]bool
}

func (m *mockDeduper) IsDuplicateContent(_ context.Context, teamID, hash string) (bool, error) {
	return m.seen[teamID+":"+hash], nil
}

type mockNotifier struct {
	notified []string
}

func (m *mockNotifier) Notify(_ context.Context, doc *docstore.Document) {
	m.notified = append(m.notified, doc.ID)
}

func testConn() *connection.Connection {
	return &connection.Connection{ID: 42, TeamID: "team1"}
}

func TestIngestStoresSupportedAttachments(t *testing.T) {
	content := &mockContent{}
	records := &mockRecords{}
	notifier := &mockNotifier{}
	h := NewHandoff(content, records, &mockDeduper{}, notifier)

	msg := &classify.Message{
		ID: "msg1",
		Attachments: []classify.Attachment{
			{ID: "att1", Filename: "invoice.pdf", MimeType: "application/pdf"},
			{ID: "att2", Filename: "tracking.gif", MimeType: "image/gif"},
		},
	}
	source := &mockSource{data: map[string][]byte{
		"att1": []byte("pdf bytes"),
		"att2": []byte("gif bytes"),
	}}

	n, err := h.Ingest(context.Background(), testConn(), msg, source)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 1 {
		t.Errorf("created = %d, want 1 (gif is unsupported)", n)
	}

	if len(records.inserted) != 1 {
		t.Fatalf("records = %d, want 1", len(records.inserted))
	}
	rec := records.inserted[0]
	if rec.Status != docstore.StatusPending {
		t.Errorf("status = %q, want pending", rec.Status)
	}
	if rec.FileType != "pdf" {
		t.Errorf("file type = %q, want pdf", rec.FileType)
	}
	wantPath := "teams/team1/mailboxes/42/msg1/invoice.pdf"
	if rec.StoragePath != wantPath {
		t.Errorf("path = %q, want %q", rec.StoragePath, wantPath)
	}
	if rec.ContentHash != dedup.ContentHash([]byte("pdf bytes")) {
		t.Error("content hash not computed over the raw bytes")
	}

	if len(notifier.notified) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.notified))
	}
}

func TestIngestSkipsDuplicateContent(t *testing.T) {
	hash := dedup.ContentHash([]byte("pdf bytes"))
	content := &mockContent{}
	records := &mockRecords{}
	h := NewHandoff(content, records, &mockDeduper{
		seen: map[string]bool{"team1:" + hash: true},
	}, &mockNotifier{})

	msg := &classify.Message{
		ID: "msg1",
		Attachments: []classify.Attachment{
			{ID: "att1", Filename: "invoice.pdf", MimeType: "application/pdf"},
		},
	}
	source := &mockSource{data: map[string][]byte{"att1": []byte("pdf bytes")}}

	n, err := h.Ingest(context.Background(), testConn(), msg, source)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 0 {
		t.Errorf("created = %d, want 0", n)
	}
	if len(content.uploads) != 0 {
		t.Error("duplicate content was uploaded anyway")
	}
}

func TestIngestUploadRaceIsSuccess(t *testing.T) {
	content := &mockContent{alwaysExists: true}
	records := &mockRecords{}
	notifier := &mockNotifier{}
	h := NewHandoff(content, records, &mockDeduper{}, notifier)

	msg := &classify.Message{
		ID: "msg1",
		Attachments: []classify.Attachment{
			{ID: "att1", Filename: "invoice.pdf", MimeType: "application/pdf"},
		},
	}
	source := &mockSource{data: map[string][]byte{"att1": []byte("pdf bytes")}}

	n, err := h.Ingest(context.Background(), testConn(), msg, source)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 1 {
		t.Errorf("created = %d, want 1 (alreadyExists upload is success)", n)
	}
}

func TestIngestInsertConflictSkipsNotify(t *testing.T) {
	notifier := &mockNotifier{}
	h := NewHandoff(&mockContent{}, &mockRecords{conflict: true}, &mockDeduper{}, notifier)

	msg := &classify.Message{
		ID: "msg1",
		Attachments: []classify.Attachment{
			{ID: "att1", Filename: "invoice.pdf", MimeType: "application/pdf"},
		},
	}
	source := &mockSource{data: map[string][]byte{"att1": []byte("pdf bytes")}}

	n, err := h.Ingest(context.Background(), testConn(), msg, source)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 0 {
		t.Errorf("created = %d, want 0", n)
	}
	if len(notifier.notified) != 0 {
		t.Error("conflicting insert still triggered extraction")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"invoice.pdf", "invoice.pdf"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"a\\b.pdf", "a_b.pdf"},
		{"", "attachment"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
