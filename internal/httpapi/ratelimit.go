package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ipRateLimiter keeps one token bucket per client address.
type ipRateLimiter struct {
	rps   float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newIPRateLimiter(rps float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		rps:     rps,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// allow takes one token from the client's bucket. Loopback and unknown
// clients are never limited.
func (l *ipRateLimiter) allow(clientIP string) bool {
	if l == nil || l.rps <= 0 || l.burst <= 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil || ip.IsLoopback() {
		return true
	}
	key := ip.String()
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.burst - 1, seen: now}
		return true
	}
	if elapsed := now.Sub(b.seen).Seconds(); elapsed > 0 {
		b.tokens = min(l.burst, b.tokens+elapsed*l.rps)
	}
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// cleanup forgets clients idle for longer than maxAge.
func (l *ipRateLimiter) cleanup(maxAge time.Duration) {
	if l == nil {
		return
	}
	cutoff := l.now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// realIP is the peer address of r. Forwarding headers are ignored since
// the server is not meant to sit behind a proxy.
func realIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.Trim(strings.TrimSpace(r.RemoteAddr), "[]")
	}
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return host
}
