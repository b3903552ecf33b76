package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/relaycore/internal/config"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter keeps one session bucket and one request bucket per user name.
type Limiter struct {
	limits   config.Limits
	mu       sync.Mutex
	sessions map[string]*TokenBucket
	requests map[string]*TokenBucket
}

// New builds a limiter for l. Zero rates disable the corresponding check.
func New(l config.Limits) *Limiter {
	return &Limiter{
		limits:   l,
		sessions: make(map[string]*TokenBucket),
		requests: make(map[string]*TokenBucket),
	}
}

func (rl *Limiter) allow(m map[string]*TokenBucket, rate int, user string) bool {
	if rate <= 0 {
		return true
	}
	rl.mu.Lock()
	bucket, ok := m[user]
	if !ok {
		bucket = NewTokenBucket(rate, rl.limits.Burst)
		m[user] = bucket
	}
	rl.mu.Unlock()
	return bucket.Allow()
}

// AllowSession reports whether user may open another WebSocket session now.
func (rl *Limiter) AllowSession(user string) bool {
	return rl.allow(rl.sessions, rl.limits.ConnPerSec, user)
}

// AllowRequest reports whether user may send another REST request now.
func (rl *Limiter) AllowRequest(user string) bool {
	return rl.allow(rl.requests, rl.limits.ReqPerSec, user)
}

// Prune drops buckets of users that are no longer configured.
func (rl *Limiter) Prune(active map[string]bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for name := range rl.sessions {
		if !active[name] {
			delete(rl.sessions, name)
		}
	}
	for name := range rl.requests {
		if !active[name] {
			delete(rl.requests, name)
		}
	}
}

// Holder tracks the limiter for the active config. Buckets survive reloads
// that keep the same limits.
type Holder struct {
	cur atomic.Pointer[Limiter]
}

// NewHolder starts from snap and follows store reloads.
func NewHolder(store *config.Store) *Holder {
	h := &Holder{}
	h.Update(store.Snapshot())
	store.OnReload(h.Update)
	return h
}

// Update applies a new snapshot.
func (h *Holder) Update(snap *config.Snapshot) {
	cur := h.cur.Load()
	if cur != nil && cur.limits == snap.Config.Limits {
		cur.Prune(snap.UserNames())
		return
	}
	h.cur.Store(New(snap.Config.Limits))
}

// Limiter returns the active limiter.
func (h *Holder) Limiter() *Limiter { return h.cur.Load() }
