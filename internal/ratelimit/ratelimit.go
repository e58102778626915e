// Package ratelimit provides a keyed token-bucket limiter for the public
// registration endpoints, where the key is typically a client address.
package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rule describes a window: at most Events requests per Per, with bursts up
// to the full window allowance.
type Rule struct {
	Events int
	Per    time.Duration
}

// Common rules for the registration surface.
var (
	// InitiateRule bounds how fast one address can open registration
	// windows.
	InitiateRule = Rule{Events: 5, Per: 15 * time.Minute}

	// CompleteRule bounds code claim attempts. The per-window failed
	// attempt cap does the real brute-force work; this only curbs
	// hammering.
	CompleteRule = Rule{Events: 30, Per: 15 * time.Minute}

	// StatusPollRule bounds registration status polling. Generous: a
	// well-behaved agent polls every few seconds for at most a minute.
	StatusPollRule = Rule{Events: 120, Per: 15 * time.Minute}
)

// entry pairs a bucket with its last use so idle keys can be reaped.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a set of token buckets, one per (key, rule) pair.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*entry
}

// New returns an empty limiter.
func New() *Limiter {
	return &Limiter{buckets: make(map[string]*entry)}
}

// Allow reports whether one more event for key fits within rule. Distinct
// rules never share a bucket even under the same key.
func (l *Limiter) Allow(key string, rule Rule) bool {
	bucketKey := key + "\x00" + rule.Per.String() + "/" + strconv.Itoa(rule.Events)

	l.mu.Lock()
	e, ok := l.buckets[bucketKey]
	if !ok {
		e = &entry{
			limiter: rate.NewLimiter(rate.Every(rule.Per/time.Duration(rule.Events)), rule.Events),
		}
		l.buckets[bucketKey] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

// Prune drops buckets idle for longer than maxIdle and returns how many
// were removed. Run it periodically; an abandoned bucket is refilled anyway
// so pruning only reclaims memory.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
