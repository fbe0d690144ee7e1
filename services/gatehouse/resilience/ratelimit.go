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
	"sync"
	"time"
)

// RateLimiterConfig configures per-key sliding-window limiting.
type RateLimiterConfig struct {
	// MaxRequests is the number of acquisitions permitted per key
	// within any Window-sized interval.
	MaxRequests int

	// Window is the sliding interval length.
	Window time.Duration
}

// DefaultRateLimiterConfig returns production defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxRequests: 10,
		Window:      time.Minute,
	}
}

func (c RateLimiterConfig) withDefaults() RateLimiterConfig {
	def := DefaultRateLimiterConfig()
	if c.MaxRequests <= 0 {
		c.MaxRequests = def.MaxRequests
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	return c
}

// SlidingWindowLimiter tracks acquisition timestamps per key and admits a
// request only while fewer than MaxRequests timestamps fall inside the
// trailing window. Unlike a token bucket there is no burst credit: the
// count over any window-sized interval never exceeds the limit.
type SlidingWindowLimiter struct {
	config RateLimiterConfig

	mu      sync.Mutex
	buckets map[string][]time.Time

	// now is injectable for deterministic window tests.
	now func() time.Time
}

// NewSlidingWindowLimiter creates a limiter.
func NewSlidingWindowLimiter(config RateLimiterConfig) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		config:  config.withDefaults(),
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records an acquisition for key if a slot is free, without blocking.
func (l *SlidingWindowLimiter) Allow(key string) bool {
	ok, _ := l.tryAcquire(key)
	return ok
}

// Acquire blocks until a slot frees for key or ctx is done.
//
// Waiters sleep until the oldest in-window timestamp ages out rather than
// polling, so a blocked Acquire wakes once per freed slot.
func (l *SlidingWindowLimiter) Acquire(ctx context.Context, key string) error {
	for {
		ok, wait := l.tryAcquire(key)
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Pending returns how many in-window acquisitions key currently holds.
func (l *SlidingWindowLimiter) Pending(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(key, l.now()))
}

// tryAcquire attempts to record an acquisition. On refusal it returns how
// long until the oldest timestamp leaves the window.
func (l *SlidingWindowLimiter) tryAcquire(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	ts := l.pruneLocked(key, now)

	if len(ts) < l.config.MaxRequests {
		l.buckets[key] = append(ts, now)
		return true, 0
	}

	wait := ts[0].Add(l.config.Window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

// pruneLocked drops timestamps older than the window and stores the
// compacted slice. Must be called with mu held.
func (l *SlidingWindowLimiter) pruneLocked(key string, now time.Time) []time.Time {
	ts := l.buckets[key]
	cutoff := now.Add(-l.config.Window)

	keep := 0
	for keep < len(ts) && !ts[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		ts = append(ts[:0], ts[keep:]...)
	}

	if len(ts) == 0 {
		delete(l.buckets, key)
	} else {
		l.buckets[key] = ts
	}
	return ts
}
