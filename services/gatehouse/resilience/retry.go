// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"
)

// RetryConfig configures the bounded-retry executor.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay seeds the exponential backoff schedule.
	BaseDelay time.Duration

	// MaxDelay caps any single backoff delay.
	MaxDelay time.Duration

	// Jitter is the symmetric jitter fraction applied to each delay
	// (0.5 means ±50%). Must be in [0, 1].
	Jitter float64

	// Classify reports whether an error is worth retrying. Nil means
	// DefaultRetryable.
	Classify func(error) bool

	// Logger receives a debug line per retry. Nil disables logging.
	Logger *slog.Logger
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Jitter:     0.5,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = def.Jitter
	}
	if c.Classify == nil {
		c.Classify = DefaultRetryable
	}
	return c
}

// Retry runs op up to 1+MaxRetries times with exponential backoff.
//
// Non-retryable errors (per Classify) short-circuit immediately and are
// returned unwrapped. Context cancellation during a backoff wait returns
// the context error joined with the last operation error. Exhausting all
// attempts wraps the final error.
func Retry(ctx context.Context, config RetryConfig, op func(context.Context) error) error {
	config = config.withDefaults()
	attempts := config.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(config, attempt-1)
			if config.Logger != nil {
				config.Logger.Debug("retrying after failure",
					"attempt", attempt,
					"of", attempts,
					"backoff", delay,
					"error", lastErr)
			}
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			case <-time.After(delay):
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !config.Classify(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// backoffDelay returns the delay before retry number retryNum (1-based):
// min(base * 2^(retryNum-1), max), then jittered by ±Jitter.
func backoffDelay(config RetryConfig, retryNum int) time.Duration {
	backoff := config.BaseDelay * time.Duration(1<<(retryNum-1))
	if backoff > config.MaxDelay || backoff <= 0 {
		backoff = config.MaxDelay
	}

	jitterRange := float64(backoff) * config.Jitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	backoff = time.Duration(float64(backoff) + jitter)

	if backoff < 0 {
		backoff = config.BaseDelay
	}
	return backoff
}

// DefaultRetryable classifies errors for retry purposes.
//
// Errors exposing Retryable() bool decide for themselves. Network
// timeouts and connection errors are retryable; cancellation and
// unrecognized application errors are not.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}

	// Connection errors: the far side may be starting or restarting.
	// Checked before net.Error since *net.OpError implements it.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
