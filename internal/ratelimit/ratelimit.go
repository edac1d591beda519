// Package ratelimit provides per-client token-bucket rate limiting for the
// relay's mutating endpoints.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limiter implements a token bucket.
type Limiter struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	burst    int
	tokens   float64
	lastTime time.Time
}

// New creates a limiter allowing rate requests per second with the given burst.
func New(rate float64, burst int) *Limiter {
	return &Limiter{
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		lastTime: time.Now(),
	}
}

// Allow reports whether a request is allowed, consuming one token if so.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.tokens += now.Sub(l.lastTime).Seconds() * l.rate
	l.lastTime = now
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// KeyLimiter tracks one Limiter per key (client IP).
type KeyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     float64
	burst    int
	ttl      time.Duration
}

type entry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// NewKeyLimiter creates a per-key limiter. Inactive keys are dropped after ttl.
func NewKeyLimiter(rate float64, burst int, ttl time.Duration) *KeyLimiter {
	kl := &KeyLimiter{
		limiters: make(map[string]*entry),
		rate:     rate,
		burst:    burst,
		ttl:      ttl,
	}
	go kl.cleanup()
	return kl
}

// Allow checks whether a request for the given key is allowed.
func (kl *KeyLimiter) Allow(key string) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	e, ok := kl.limiters[key]
	if !ok {
		e = &entry{limiter: New(kl.rate, kl.burst)}
		kl.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

func (kl *KeyLimiter) cleanup() {
	ticker := time.NewTicker(kl.ttl)
	defer ticker.Stop()

	for range ticker.C {
		kl.mu.Lock()
		now := time.Now()
		for key, e := range kl.limiters {
			if now.Sub(e.lastSeen) > kl.ttl {
				delete(kl.limiters, key)
			}
		}
		kl.mu.Unlock()
	}
}

// clientIP extracts the rate-limit key from a request, preferring proxy
// headers over RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return xff[:i]
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// PerMinute returns middleware limiting each client IP to max requests per
// minute.
func PerMinute(max int) func(http.Handler) http.Handler {
	limiter := NewKeyLimiter(float64(max)/60, max, time.Hour)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientIP(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
