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

// Package ratelimit classifies upstream errors as retryable or terminal and
// provides the shared retry driver. Cron-driven paths retry inline with
// backoff; the webhook path never does — it records the failure and leaves
// the watermark unadvanced so the next trigger reprocesses the same delta.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"
)

const (
	maxAttempts = 5
	baseBackoff = 1 * time.Second
	maxBackoff  = 32 * time.Second
	jitterFrac  = 0.2
)

// RetryableError wraps a transient upstream failure. Wait carries the
// server-specified delay when the response included one.
type RetryableError struct {
	Err  error
	Wait time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("transient upstream error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is (or wraps) a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Classify inspects an upstream API error. Rate limits and 5xx responses
// become RetryableError; everything else passes through untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable:
		return &RetryableError{Err: err, Wait: retryAfter(gerr)}
	}
	return err
}

// retryAfter reads the server wait hint, if any.
func retryAfter(gerr *googleapi.Error) time.Duration {
	if gerr.Header == nil {
		return 0
	}
	v := gerr.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Do runs fn with up to maxAttempts tries. Only RetryableError triggers a
// retry; the delay doubles from 1s to a 32s cap with ±20% jitter, and a
// server wait hint takes precedence over the computed backoff.
func Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt, lastErr)
			slog.Debug("retrying upstream call",
				"op", op,
				"attempt", attempt+1,
				"wait", wait,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, maxAttempts, lastErr)
}

// backoff computes the delay before the given attempt (1-based).
func backoff(attempt int, lastErr error) time.Duration {
	var re *RetryableError
	if errors.As(lastErr, &re) && re.Wait > 0 {
		return re.Wait
	}

	d := baseBackoff << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}

	jitter := time.Duration((rand.Float64()*2 - 1) * jitterFrac * float64(d))
	return d + jitter
}
