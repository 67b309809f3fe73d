package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiters is a per-client-IP set of token buckets.
type ipLimiters struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*ipEntry
}

func (l *ipLimiters) get(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (l *ipLimiters) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.entries {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(l.entries, ip)
		}
	}
}

// RateLimiter returns a per-IP token-bucket rate-limiting middleware.
//
//   - rps: sustained allowed requests per second per IP.
//   - burst: maximum instantaneous burst above the sustained rate.
//
// Idle buckets are swept every few minutes until ctx is done.
func RateLimiter(ctx context.Context, rps float64, burst int) func(http.Handler) http.Handler {
	limiters := &ipLimiters{
		rps:     rate.Limit(rps),
		burst:   burst,
		entries: make(map[string]*ipEntry),
	}

	go func() {
		t := time.NewTicker(limiterSweepInterval)
		defer t.Stop()
		for {
			select {
			case now := <-t.C:
				limiters.sweep(now)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiters.get(ip, time.Now()).Allow() {
				slog.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the TCP peer address. Client-supplied forwarding headers are
// ignored so callers cannot pick their own bucket.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
