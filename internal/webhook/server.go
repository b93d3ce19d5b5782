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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/connection"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/fullsync"
)

// SyncStarter begins a backfill on behalf of an authenticated user.
type SyncStarter interface {
	Start(ctx context.Context, userID string, connectionID int64, opts fullsync.Options) (*connection.SyncState, error)
}

// Server hosts the inbound HTTP surface.
type Server struct {
	ingestor  *Ingestor
	syncs     SyncStarter
	jwtSecret []byte
}

// NewServer wires the HTTP handlers.
func NewServer(ingestor *Ingestor, syncs SyncStarter, jwtSecret []byte) *Server {
	return &Server{ingestor: ingestor, syncs: syncs, jwtSecret: jwtSecret}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/gmail", s.handleNotification)
	mux.HandleFunc("POST /sync/start", s.handleSyncStart)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// pushEnvelope is the Pub/Sub push wrapper.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// notification is the Gmail payload inside the envelope.
type notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// handleNotification always acknowledges with 204. A non-success response
// would make Pub/Sub redeliver the same notification indefinitely, which
// helps nothing: every failure here is either retried by the next
// notification or covered by the backfill.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusNoContent)

	var env pushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		slog.Warn("undecodable push envelope", "error", err)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		slog.Warn("undecodable push payload", "message_id", env.Message.MessageID, "error", err)
		return
	}
	var n notification
	if err := json.Unmarshal(raw, &n); err != nil || n.EmailAddress == "" {
		slog.Warn("malformed push payload", "message_id", env.Message.MessageID, "error", err)
		return
	}

	if err := s.ingestor.Process(r.Context(), n.EmailAddress, n.HistoryID); err != nil {
		slog.Error("notification processing failed",
			"address", n.EmailAddress,
			"history_id", n.HistoryID,
			"error", err,
		)
	}
}

type syncStartRequest struct {
	ConnectionID int64  `json:"connectionId"`
	After        string `json:"after,omitempty"`
	Before       string `json:"before,omitempty"`
}

type syncStartResponse struct {
	Status         connection.SyncStatus `json:"status"`
	TotalEstimated int64                 `json:"totalEstimated"`
	MessagesSeen   int64                 `json:"messagesSeen"`
	MatchesFound   int64                 `json:"matchesFound"`
	Query          string                `json:"query"`
}

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		httpError(w, http.StatusUnauthorized, "invalid or missing credentials")
		return
	}

	var req syncStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionID == 0 {
		httpError(w, http.StatusBadRequest, "connectionId required")
		return
	}

	opts, err := parseOptions(req)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := s.syncs.Start(r.Context(), userID, req.ConnectionID, opts)
	switch {
	case errors.Is(err, fullsync.ErrNotFound):
		httpError(w, http.StatusNotFound, "connection not found")
		return
	case errors.Is(err, fullsync.ErrForbidden):
		httpError(w, http.StatusForbidden, "requires team owner or admin")
		return
	case errors.Is(err, fullsync.ErrAlreadySyncing):
		httpError(w, http.StatusConflict, "sync already in progress")
		return
	case err != nil:
		slog.Error("sync start failed", "connection_id", req.ConnectionID, "error", err)
		httpError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(syncStartResponse{
		Status:         state.Status,
		TotalEstimated: state.TotalEstimated,
		MessagesSeen:   state.MessagesSeen,
		MatchesFound:   state.MatchesFound,
		Query:          state.Query,
	})
}

// authenticate verifies the HMAC-signed bearer token and returns the
// caller's user id.
func (s *Server) authenticate(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		return "", fmt.Errorf("missing bearer token")
	}

	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return claims.Subject, nil
}

func parseOptions(req syncStartRequest) (fullsync.Options, error) {
	var opts fullsync.Options
	var err error
	if req.After != "" {
		if opts.After, err = parseDate(req.After); err != nil {
			return opts, fmt.Errorf("invalid after date: %w", err)
		}
	}
	if req.Before != "" {
		if opts.Before, err = parseDate(req.Before); err != nil {
			return opts, fmt.Errorf("invalid before date: %w", err)
		}
	}
	if !opts.After.IsZero() && !opts.Before.IsZero() && opts.Before.Before(opts.After) {
		return opts, fmt.Errorf("before date precedes after date")
	}
	return opts, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
