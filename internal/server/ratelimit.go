package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// multiLimiter keeps one token bucket per client key and forgets keys idle
// for longer than ttl. Idle keys are swept at most once per ttl/2.
type multiLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	entries   map[string]*limBucket
	lastSweep time.Time
	now       func() time.Time
}

type limBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newMultiLimiter(limit rate.Limit, burst int, ttl time.Duration) *multiLimiter {
	return &multiLimiter{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		entries: make(map[string]*limBucket),
		now:     time.Now,
	}
}

func (m *multiLimiter) allow(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.lastSweep.IsZero() {
		m.lastSweep = now
	}
	if now.Sub(m.lastSweep) >= m.ttl/2 {
		m.sweep(now)
	}

	b := m.entries[key]
	if b == nil {
		b = &limBucket{lim: rate.NewLimiter(m.limit, m.burst), lastSeen: now}
		m.entries[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// sweep drops idle buckets. Callers hold mu.
func (m *multiLimiter) sweep(now time.Time) {
	for k, v := range m.entries {
		if now.Sub(v.lastSeen) > m.ttl {
			delete(m.entries, k)
		}
	}
	m.lastSweep = now
}

// rateLimitMiddleware rejects clients over their request budget with 429
// before any token verification work is done.
func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.allow(clientIP(r)) {
			rateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			h.writeErrorWithRequest(w, r, http.StatusTooManyRequests, "BRIDGE_RATE_LIMITED", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP keys on the connection address. Forwarding headers are ignored
// since any client can set them.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
