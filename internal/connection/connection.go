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

// Package connection provides a Postgres-backed store for per-mailbox
// connection records. A connection row is the single source of truth shared
// by the webhook, watch-renewal, and full-sync entry points: tokens, the
// history watermark, sender rules, and resumable sync progress all live here.
package connection

import (
	"time"
)

// Status is the lifecycle state of a mailbox connection.
type Status string

const (
	StatusActive  Status = "active"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusRevoked Status = "revoked"
)

// Team roles as stored in team_members. Starting a backfill is
// restricted to owners and admins; plain members read results only.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// RuleAction is what a matching sender rule does to classification.
type RuleAction string

const (
	ActionTrust  RuleAction = "trust"
	ActionIgnore RuleAction = "ignore"
)

// SenderRule is a per-mailbox override: a sender pattern and whether mail
// from it is always ingested or always dropped. Rules are ordered; the
// first match wins.
type SenderRule struct {
	Pattern string     `json:"pattern"`
	Action  RuleAction `json:"action"`
}

// SyncStatus tracks a historical backfill.
type SyncStatus string

const (
	SyncRunning   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// SyncState is the resumable progress of a full-history sync. PageToken
// empty means no further pages.
type SyncState struct {
	Status         SyncStatus
	TotalEstimated int64
	PageToken      string
	MessagesSeen   int64
	MatchesFound   int64
	StartedAt      time.Time
	Query          string
}

// Connection is one connected mailbox for a team.
type Connection struct {
	ID       int64
	TeamID   string
	UserID   string
	Provider string
	Address  string

	// Encrypted OAuth credentials (AES-GCM ciphertext, nonce prepended).
	AccessTokenEnc  []byte
	AccessExpiresAt time.Time
	RefreshTokenEnc []byte
	Scopes          []string

	// LastHistoryID is the provider-issued watermark. Zero means the
	// mailbox has never been seeded; the store only ever moves it forward.
	LastHistoryID uint64

	Status      Status
	SenderRules []SenderRule

	WatchExpiresAt *time.Time

	// SyncState is non-nil exactly when Status == StatusSyncing, or when a
	// finished sync has not been restarted yet.
	SyncState *SyncState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncStale reports whether an in-flight sync has been running since before
// the cutoff and is presumed abandoned by a crashed invocation.
func (c *Connection) SyncStale(timeout time.Duration, now time.Time) bool {
	if c.SyncState == nil || c.SyncState.Status != SyncRunning {
		return false
	}
	return now.Sub(c.SyncState.StartedAt) > timeout
}
