// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits request rates per principal at the API edge.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	Rate            float64 // requests per second per key
	Burst           int
	CleanupInterval time.Duration
}

// KeyedLimiter keeps one token bucket per key. Keys unused for two cleanup
// intervals are forgotten.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	clock    clockwork.Clock
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a keyed limiter and starts its cleanup loop. A nil clock uses
// the real clock.
func New(cfg Config, clock clockwork.Clock) *KeyedLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	l := &KeyedLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
		cleanup:  cfg.CleanupInterval,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request for key may proceed now.
func (l *KeyedLimiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.limiters)
}

func (l *KeyedLimiter) cleanupLoop() {
	ticker := l.clock.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			l.removeStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *KeyedLimiter) removeStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.clock.Now().Add(-l.cleanup * 2)
	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *KeyedLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
