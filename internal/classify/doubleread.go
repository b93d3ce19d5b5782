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

package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// bodyExcerptLimit is how much of the body each read sees.
const bodyExcerptLimit = 2000

// Cross-reference point values. Two independent reads of the same input
// are compared field by field; the sum over 100 is the calibrated
// confidence.
const (
	crossAgreement             = 30
	crossVendor                = 15
	crossAmount                = 25
	crossDate                  = 15
	crossReceiptWithAttachment = 15
)

// ErrUnclassifiable means both reads failed and no AI verdict exists.
// Callers treat it as a reject.
var ErrUnclassifiable = errors.New("message unclassifiable: both reads failed")

// readVerdict is the structured verdict one AI call returns.
type readVerdict struct {
	IsReceipt  bool    `json:"is_receipt"`
	Confidence float64 `json:"confidence"`
	Vendor     string  `json:"vendor,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
	Date       string  `json:"date,omitempty"`
}

// DoubleReadResult is the merged outcome of the two reads.
type DoubleReadResult struct {
	IsReceipt  bool
	Confidence float64
	Vendor     string
	Amount     float64
	Date       string

	// Degraded is set when only one read survived.
	Degraded bool
}

// reader issues a single classification call. The production reader talks
// to OpenAI; tests substitute their own.
type reader interface {
	read(ctx context.Context, msg Message) (*readVerdict, error)
}

// DoubleRead issues two independent reads in parallel and cross-references
// the results into a calibrated confidence.
type DoubleRead struct {
	reader reader
}

// NewDoubleRead builds the double-reader on the OpenAI chat-completion API.
func NewDoubleRead(apiKey, model string) *DoubleRead {
	return &DoubleRead{reader: &openaiReader{
		client: openai.NewClient(apiKey),
		model:  model,
	}}
}

// Run performs the double-read. Both calls go out concurrently against the
// same input; the result is aggregated only after both settle.
func (d *DoubleRead) Run(ctx context.Context, msg Message) (*DoubleReadResult, error) {
	type outcome struct {
		verdict *readVerdict
		err     error
	}

	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			v, err := d.reader.read(ctx, msg)
			results <- outcome{verdict: v, err: err}
		}()
	}

	first := <-results
	second := <-results

	switch {
	case first.err != nil && second.err != nil:
		return nil, fmt.Errorf("%w: %v; %v", ErrUnclassifiable, first.err, second.err)

	case first.err != nil || second.err != nil:
		// One survivor: usable, but capped to 0.6x of its own confidence.
		v := first.verdict
		if first.err != nil {
			v = second.verdict
		}
		return &DoubleReadResult{
			IsReceipt:  v.IsReceipt,
			Confidence: v.Confidence * 0.6,
			Vendor:     v.Vendor,
			Amount:     v.Amount,
			Date:       v.Date,
			Degraded:   true,
		}, nil
	}

	return crossReference(first.verdict, second.verdict, len(msg.Attachments) > 0), nil
}

// crossReference scores agreement between the two reads.
func crossReference(a, b *readVerdict, hasAttachment bool) *DoubleReadResult {
	score := 0

	if a.IsReceipt == b.IsReceipt {
		score += crossAgreement
	}
	if vendorsMatch(a.Vendor, b.Vendor) {
		score += crossVendor
	}
	if a.Amount != 0 && math.Abs(a.Amount-b.Amount) <= 0.005 {
		score += crossAmount
	}
	if a.Date != "" && a.Date == b.Date {
		score += crossDate
	}
	if a.IsReceipt && b.IsReceipt && hasAttachment {
		score += crossReceiptWithAttachment
	}

	res := &DoubleReadResult{
		IsReceipt:  a.IsReceipt && b.IsReceipt,
		Confidence: float64(score) / 100,
		Vendor:     a.Vendor,
		Amount:     a.Amount,
		Date:       a.Date,
	}
	if res.Vendor == "" {
		res.Vendor = b.Vendor
	}
	return res
}

// vendorsMatch is a deliberately loose comparison: case-insensitive
// substring in either direction, so "Stripe" matches "Stripe, Inc.".
func vendorsMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	la, lb := strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	return strings.Contains(la, lb) || strings.Contains(lb, la)
}

// --- OpenAI reader ---

const readSystemPrompt = `You are a financial document detector. Given an email, decide whether it is a receipt or invoice (directly, or announcing an attached one). Respond with JSON only:
{
  "is_receipt": true|false,
  "confidence": 0.0-1.0,
  "vendor": "vendor name or empty",
  "amount": total amount as a number or 0,
  "date": "YYYY-MM-DD or empty"
}`

type openaiReader struct {
	client *openai.Client
	model  string
}

func (r *openaiReader) read(ctx context.Context, msg Message) (*readVerdict, error) {
	body := msg.BodyExcerpt
	if len(body) > bodyExcerptLimit {
		body = body[:bodyExcerptLimit]
	}
	userPrompt := fmt.Sprintf("From: %s\nSubject: %s\nAttachments: %d\n\nBody:\n%s",
		msg.Sender, msg.Subject, len(msg.Attachments), body)

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: readSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("classification call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("classification call returned no choices")
	}

	return parseVerdict(resp.Choices[0].Message.Content)
}

// parseVerdict decodes the model output, tolerating markdown code fences.
func parseVerdict(raw string) (*readVerdict, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var v readVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("parse verdict: %w", err)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, fmt.Errorf("verdict confidence %f out of range", v.Confidence)
	}
	return &v, nil
}
