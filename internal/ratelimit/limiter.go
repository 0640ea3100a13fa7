// Package ratelimit implements the per-session token bucket described in
// spec §4.6.
package ratelimit

import (
	"sync"
	"time"
)

// bucket holds the mutable token-bucket state for a single session.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter owns one token bucket per session. The bucket is never shared
// across sessions and is deleted on disconnect (spec §4.6, §5).
type Limiter struct {
	maxTokens float64
	refillPerSec float64

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New builds a limiter with the given capacity and refill rate.
func New(maxTokens, refillPerSec float64) *Limiter {
	return &Limiter{
		maxTokens:    maxTokens,
		refillPerSec: refillPerSec,
		buckets:      make(map[string]*bucket),
	}
}

// Allow refills the session's bucket for elapsed time, then admits the
// request if at least one token is available.
func (l *Limiter) Allow(sessionID string) bool {
	return l.allowAt(sessionID, time.Now())
}

func (l *Limiter) allowAt(sessionID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[sessionID]
	if !ok {
		b = &bucket{tokens: l.maxTokens, lastRefill: now}
		l.buckets[sessionID] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(l.maxTokens, b.tokens+elapsed*l.refillPerSec)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Release deletes a session's bucket. Called on disconnect.
func (l *Limiter) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, sessionID)
}
