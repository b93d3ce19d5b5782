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
	"errors"
	"log/slog"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/connection"
)

// Decision is the outcome of the threshold check on a rule score.
type Decision string

const (
	DecideAccept    Decision = "accept"
	DecideReject    Decision = "reject"
	DecideAmbiguous Decision = "ambiguous"
)

// Thresholds carve the 0-100 score range into the three decision bands and
// hold the fallback cut-off used when the AI confidence is too low to act on.
type Thresholds struct {
	Accept   int
	Reject   int
	Fallback int
}

// DefaultThresholds returns the original calibration: >=95 auto-accept,
// <=5 auto-reject, rule score >=40 as the low-AI-confidence tie-break.
func DefaultThresholds() Thresholds {
	return Thresholds{Accept: 95, Reject: 5, Fallback: 40}
}

// Result is the full classification outcome for one message.
type Result struct {
	Score    int
	Reasons  []string
	Decision Decision

	// Accept is the final verdict after any AI escalation.
	Accept bool

	// AI is set when the double-read ran.
	AI *DoubleReadResult
}

// Engine combines rule scoring with AI escalation for the ambiguous band.
type Engine struct {
	weights    Weights
	thresholds Thresholds
	doubleRead *DoubleRead
}

// NewEngine creates a classification engine. doubleRead may be nil, in
// which case ambiguous messages fall back to the rule-score threshold.
func NewEngine(weights Weights, thresholds Thresholds, doubleRead *DoubleRead) *Engine {
	return &Engine{
		weights:    weights,
		thresholds: thresholds,
		doubleRead: doubleRead,
	}
}

// Decide maps a rule score onto a decision band.
func (e *Engine) Decide(score int) Decision {
	switch {
	case score >= e.thresholds.Accept:
		return DecideAccept
	case score <= e.thresholds.Reject:
		return DecideReject
	default:
		return DecideAmbiguous
	}
}

// Classify runs the full pipeline: rule score, threshold decision, and the
// AI double-read for the ambiguous band. It never returns an error for an
// unclassifiable message — that is a reject, not a failure.
func (e *Engine) Classify(ctx context.Context, msg Message, rules []connection.SenderRule) (*Result, error) {
	score, reasons := e.Score(msg, rules)
	res := &Result{
		Score:    score,
		Reasons:  reasons,
		Decision: e.Decide(score),
	}

	switch res.Decision {
	case DecideAccept:
		res.Accept = true
		return res, nil
	case DecideReject:
		return res, nil
	}

	if e.doubleRead == nil {
		res.Accept = score >= e.thresholds.Fallback
		return res, nil
	}

	ai, err := e.doubleRead.Run(ctx, msg)
	if err != nil {
		if errors.Is(err, ErrUnclassifiable) {
			slog.Warn("message unclassifiable, rejecting",
				"message_id", msg.ID,
				"rule_score", score,
			)
			return res, nil
		}
		return nil, err
	}

	res.AI = ai

	// Below 0.5 the cross-referenced confidence is too weak to act on
	// either way; fall back to the rule score. This tie-break can disagree
	// with the AI verdict and that is deliberate.
	if ai.Confidence < 0.5 {
		res.Accept = score >= e.thresholds.Fallback
		return res, nil
	}

	res.Accept = ai.IsReceipt
	return res, nil
}
