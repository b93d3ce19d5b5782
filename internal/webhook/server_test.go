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

package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/connection"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/fullsync"
)

var testSecret = []byte("test-jwt-secret")

type mockSyncStarter struct {
	err    error
	userID string
	connID int64
}

func (m *mockSyncStarter) Start(_ context.Context, userID string, connectionID int64, _ fullsync.Options) (*connection.SyncState, error) {
	m.userID = userID
	m.connID = connectionID
	if m.err != nil {
		return nil, m.err
	}
	return &connection.SyncState{
		Status: connection.SyncRunning,
		Query:  "(invoice OR receipt)",
	}, nil
}

func newTestServer(syncs SyncStarter) *Server {
	ingestor := NewIngestor(&mockConns{}, &mockTokens{}, &mockClassifier{}, &mockMsgDeduper{}, &mockIngester{})
	return NewServer(ingestor, syncs, testSecret)
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestNotificationAlwaysAcknowledges(t *testing.T) {
	handler := newTestServer(&mockSyncStarter{}).Handler()

	payload, _ := json.Marshal(notification{EmailAddress: "box@example.com", HistoryID: 42})
	valid, _ := json.Marshal(map[string]any{
		"message": map[string]string{
			"data":      base64.StdEncoding.EncodeToString(payload),
			"messageId": "pubsub-1",
		},
	})

	tests := []struct {
		name string
		body string
	}{
		{"valid notification", string(valid)},
		{"garbage body", "not even json"},
		{"empty body", ""},
		{"bad base64", `{"message":{"data":"!!!","messageId":"x"}}`},
		{"payload not json", fmt.Sprintf(`{"message":{"data":"%s"}}`, base64.StdEncoding.EncodeToString([]byte("nope")))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhook/gmail", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", rec.Code)
			}
		})
	}
}

func TestSyncStartRequiresAuth(t *testing.T) {
	handler := newTestServer(&mockSyncStarter{}).Handler()

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"malformed token", "Bearer not-a-jwt"},
		{"wrong key", "Bearer " + signTokenWithKey(t, []byte("other-secret"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/sync/start", strings.NewReader(`{"connectionId":1}`))
			if tt.token != "" {
				req.Header.Set("Authorization", tt.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func signTokenWithKey(t *testing.T, key []byte) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "usr_1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestSyncStartAccepted(t *testing.T) {
	syncs := &mockSyncStarter{}
	handler := newTestServer(syncs).Handler()

	req := httptest.NewRequest(http.MethodPost, "/sync/start",
		strings.NewReader(`{"connectionId":7,"after":"2024-01-01"}`))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "usr_42"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body: %s)", rec.Code, rec.Body.String())
	}
	if syncs.userID != "usr_42" || syncs.connID != 7 {
		t.Errorf("Start called with (%q, %d), want (usr_42, 7)", syncs.userID, syncs.connID)
	}

	var resp syncStartResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != connection.SyncRunning {
		t.Errorf("status = %q, want syncing", resp.Status)
	}
}

func TestSyncStartErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"not found", fullsync.ErrNotFound, http.StatusNotFound},
		{"forbidden", fullsync.ErrForbidden, http.StatusForbidden},
		{"already syncing", fullsync.ErrAlreadySyncing, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestServer(&mockSyncStarter{err: tt.err}).Handler()

			req := httptest.NewRequest(http.MethodPost, "/sync/start", strings.NewReader(`{"connectionId":7}`))
			req.Header.Set("Authorization", "Bearer "+signToken(t, "usr_42"))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestSyncStartBadRequest(t *testing.T) {
	handler := newTestServer(&mockSyncStarter{}).Handler()

	tests := []struct {
		name string
		body string
	}{
		{"missing connection id", `{}`},
		{"not json", `hello`},
		{"bad date", `{"connectionId":7,"after":"not-a-date"}`},
		{"inverted window", `{"connectionId":7,"after":"2025-01-01","before":"2024-01-01"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/sync/start", strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+signToken(t, "usr_42"))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	handler := newTestServer(&mockSyncStarter{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
