package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const clientLimiterTTL = 10 * time.Minute

// clientRateLimiter throttles inbound requests per client address so a
// misbehaving UI cannot turn every page load into a remote fetch storm.
type clientRateLimiter struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	clients  map[string]*rate.Limiter
	lastSeen map[string]time.Time
}

func newClientRateLimiter(requestsPerSec float64, burst int) *clientRateLimiter {
	if requestsPerSec <= 0 || burst <= 0 {
		return nil
	}

	return &clientRateLimiter{
		rps:      rate.Limit(requestsPerSec),
		burst:    burst,
		clients:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

func (l *clientRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientAddress(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *clientRateLimiter) allow(clientID string) bool {
	if clientID == "" {
		clientID = "unknown"
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.clients[clientID]
	if !exists {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.clients[clientID] = limiter
	}
	l.lastSeen[clientID] = now

	for key, seenAt := range l.lastSeen {
		if now.Sub(seenAt) > clientLimiterTTL {
			delete(l.lastSeen, key)
			delete(l.clients, key)
		}
	}

	return limiter.Allow()
}

func clientAddress(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	realIP := strings.TrimSpace(r.Header.Get("X-Real-IP"))
	if realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}

	return strings.TrimSpace(r.RemoteAddr)
}
