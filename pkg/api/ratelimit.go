package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorTTL = 10 * time.Minute

// visitor tracks one client IP's limiter and recency.
type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

// visitors maps client IPs to their limiters, evicting entries that have
// been idle longer than visitorTTL.
type visitors struct {
	mu    sync.Mutex
	byIP  map[string]*visitor
	limit rate.Limit
	burst int
}

func newVisitors(requestsPerMinute int) *visitors {
	v := &visitors{
		byIP: make(map[string]*visitor, 64),
		// Sustained rate spread over the minute; burst covers the full
		// per-minute allowance up front.
		limit: rate.Limit(float64(requestsPerMinute) / 60.0),
		burst: requestsPerMinute,
	}

	go v.evictLoop()

	return v
}

// allow reports whether a request from ip is within its budget.
func (v *visitors) allow(ip string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.byIP[ip]
	if !ok {
		entry = &visitor{limiter: rate.NewLimiter(v.limit, v.burst)}
		v.byIP[ip] = entry
	}

	entry.seen = time.Now()

	return entry.limiter.Allow()
}

func (v *visitors) evictLoop() {
	ticker := time.NewTicker(visitorTTL / 2)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-visitorTTL)

		v.mu.Lock()

		for ip, entry := range v.byIP {
			if entry.seen.Before(cutoff) {
				delete(v.byIP, ip)
			}
		}

		v.mu.Unlock()
	}
}

// rateLimitMiddleware returns a per-IP rate limiting middleware.
func (s *server) rateLimitMiddleware(
	requestsPerMinute int,
) func(http.Handler) http.Handler {
	reg := newVisitors(requestsPerMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !reg.allow(clientIP(r)) {
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the requesting client's IP, trusting the first
// X-Forwarded-For hop when a reverse proxy set one.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
