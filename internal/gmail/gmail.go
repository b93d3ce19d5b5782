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

// Package gmail wraps the Gmail REST API behind the handful of calls the
// pipeline needs: history deltas, message fetch, attachment fetch, watch
// registration, and query-driven listing for backfills. Every upstream
// error passes through ratelimit.Classify so callers can distinguish
// transient failures from terminal ones.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"golang.org/x/oauth2"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/classify"
	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/ratelimit"
)

const me = "me"

// Client is a per-mailbox Gmail API client bound to one access token.
type Client struct {
	svc *gmailapi.Service
}

// NewClient builds a client authenticated with a bearer access token. The
// token must be valid for the lifetime of the calls made on the client;
// callers mint a fresh one from the vault per unit of work.
func NewClient(ctx context.Context, accessToken string) (*Client, error) {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: accessToken},
	))
	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("init gmail service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// HistoryPage is one page of the incremental delta.
type HistoryPage struct {
	// MessageIDs are the messages added since the start watermark, in
	// history order, de-duplicated within the page.
	MessageIDs []string

	// HistoryID is the mailbox watermark as of this page.
	HistoryID uint64

	NextPageToken string
}

// ErrHistoryExpired means the start watermark is too old for the provider
// to compute a delta. Callers reseed the watermark and move on; the gap is
// covered by a backfill, not by the webhook path.
var ErrHistoryExpired = errors.New("history watermark expired")

// History lists messages added after the given watermark.
func (c *Client) History(ctx context.Context, startHistoryID uint64, pageToken string) (*HistoryPage, error) {
	call := c.svc.Users.History.List(me).
		Context(ctx).
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded")
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: start=%d", ErrHistoryExpired, startHistoryID)
		}
		return nil, ratelimit.Classify(fmt.Errorf("list history: %w", err))
	}

	page := &HistoryPage{
		HistoryID:     resp.HistoryId,
		NextPageToken: resp.NextPageToken,
	}
	seen := make(map[string]struct{})
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message == nil {
				continue
			}
			if _, dup := seen[added.Message.Id]; dup {
				continue
			}
			seen[added.Message.Id] = struct{}{}
			page.MessageIDs = append(page.MessageIDs, added.Message.Id)
		}
	}
	return page, nil
}

// Message fetches the full message and flattens it into the classifier's
// view: sender, subject, body excerpt, list headers, attachment metadata.
func (c *Client) Message(ctx context.Context, id string) (*classify.Message, error) {
	resp, err := c.svc.Users.Messages.Get(me, id).
		Context(ctx).
		Format("full").
		Do()
	if err != nil {
		return nil, ratelimit.Classify(fmt.Errorf("get message %s: %w", id, err))
	}
	return flatten(resp), nil
}

// Attachment fetches attachment bytes by id.
func (c *Client) Attachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	resp, err := c.svc.Users.Messages.Attachments.Get(me, messageID, attachmentID).
		Context(ctx).
		Do()
	if err != nil {
		return nil, ratelimit.Classify(fmt.Errorf("get attachment %s/%s: %w", messageID, attachmentID, err))
	}
	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s/%s: %w", messageID, attachmentID, err)
	}
	return data, nil
}

// WatchResult is the outcome of a watch registration.
type WatchResult struct {
	HistoryID uint64
	Expires   time.Time
}

// Watch registers (or renews) push notifications into the Pub/Sub topic.
// Gmail treats repeated calls as a renewal, so this is safe to run daily.
func (c *Client) Watch(ctx context.Context, topic string) (*WatchResult, error) {
	resp, err := c.svc.Users.Watch(me, &gmailapi.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return nil, ratelimit.Classify(fmt.Errorf("register watch: %w", err))
	}
	return &WatchResult{
		HistoryID: resp.HistoryId,
		Expires:   time.UnixMilli(resp.Expiration),
	}, nil
}

// Profile returns the mailbox's current history id, used to seed a
// watermark when none exists yet.
func (c *Client) Profile(ctx context.Context) (uint64, error) {
	resp, err := c.svc.Users.GetProfile(me).Context(ctx).Do()
	if err != nil {
		return 0, ratelimit.Classify(fmt.Errorf("get profile: %w", err))
	}
	return resp.HistoryId, nil
}

// SearchPage is one page of a query-driven listing.
type SearchPage struct {
	MessageIDs     []string
	NextPageToken  string
	ResultEstimate int64
}

// Search lists message ids matching a Gmail search query.
func (c *Client) Search(ctx context.Context, query, pageToken string, pageSize int64) (*SearchPage, error) {
	call := c.svc.Users.Messages.List(me).
		Context(ctx).
		Q(query).
		MaxResults(pageSize)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, ratelimit.Classify(fmt.Errorf("search messages: %w", err))
	}

	page := &SearchPage{
		NextPageToken:  resp.NextPageToken,
		ResultEstimate: int64(resp.ResultSizeEstimate),
	}
	for _, m := range resp.Messages {
		page.MessageIDs = append(page.MessageIDs, m.Id)
	}
	return page, nil
}

// flatten walks the MIME tree into the classifier's flat message view.
func flatten(m *gmailapi.Message) *classify.Message {
	out := &classify.Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
	}
	if m.Payload == nil {
		return out
	}

	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			out.Sender = h.Value
		case "subject":
			out.Subject = h.Value
		case "list-unsubscribe":
			out.HasListUnsubscribe = true
		}
	}

	var body strings.Builder
	collectParts(m.Payload, &body, out)
	out.BodyExcerpt = body.String()
	return out
}

// collectParts recurses through MIME parts, accumulating text bodies and
// attachment metadata.
func collectParts(part *gmailapi.MessagePart, body *strings.Builder, out *classify.Message) {
	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		out.Attachments = append(out.Attachments, classify.Attachment{
			ID:       part.Body.AttachmentId,
			Filename: part.Filename,
			MimeType: part.MimeType,
			Size:     part.Body.Size,
		})
	} else if part.Body != nil && part.Body.Data != "" {
		if part.MimeType == "text/plain" || (part.MimeType == "text/html" && body.Len() == 0) {
			if decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(part.Body.Data); err == nil {
				body.Write(decoded)
			}
		}
	}

	for _, child := range part.Parts {
		collectParts(child, body, out)
	}
}
