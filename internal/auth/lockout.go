// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"sync"
	"time"
)

const (
	// DefaultMaxAttempts is the number of consecutive failed sign-ins before
	// an email is locked.
	DefaultMaxAttempts = 5

	// DefaultLockoutDuration is how long a lockout lasts.
	DefaultLockoutDuration = 15 * time.Minute
)

// attemptRecord tracks failed sign-ins for one email.
type attemptRecord struct {
	count       int
	lastFailure time.Time
	lockedUntil time.Time
}

// stale reports whether rec no longer affects sign-in at now: any lockout
// has ended and the last failure is older than d.
func (rec *attemptRecord) stale(now time.Time, d time.Duration) bool {
	return !now.Before(rec.lockedUntil) && now.Sub(rec.lastFailure) >= d
}

// lockout counts consecutive failures per identifier and locks it for a
// fixed period once the limit is reached. Failures older than the lockout
// period are forgotten.
type lockout struct {
	mu        sync.Mutex
	attempts  map[string]*attemptRecord
	lastSweep time.Time
	max       int
	duration  time.Duration
}

func newLockout(max int, d time.Duration) *lockout {
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	if d <= 0 {
		d = DefaultLockoutDuration
	}
	return &lockout{attempts: make(map[string]*attemptRecord), max: max, duration: d}
}

// locked reports whether id is locked at now. Expired lockouts are cleared.
func (l *lockout) locked(id string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.attempts[id]
	if !ok || rec.lockedUntil.IsZero() {
		return false
	}
	if now.Before(rec.lockedUntil) {
		return true
	}
	delete(l.attempts, id)
	return false
}

// record notes an attempt. Success clears the history.
func (l *lockout) record(id string, success bool, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)
	if success {
		delete(l.attempts, id)
		return
	}
	rec, ok := l.attempts[id]
	if !ok || rec.stale(now, l.duration) {
		rec = &attemptRecord{}
		l.attempts[id] = rec
	}
	rec.count++
	rec.lastFailure = now
	if rec.count >= l.max {
		rec.lockedUntil = now.Add(l.duration)
	}
}

// sweepLocked drops stale records at most once per lockout period. Must be
// called with mu held.
func (l *lockout) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.duration {
		return
	}
	l.lastSweep = now
	for id, rec := range l.attempts {
		if rec.stale(now, l.duration) {
			delete(l.attempts, id)
		}
	}
}

// size returns the number of tracked identifiers.
func (l *lockout) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}
