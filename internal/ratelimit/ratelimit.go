// Package ratelimit guards the HTTP surface with a per-client token bucket.
// Buckets are in-memory and keyed by client IP; the map is capped and evicts
// the least recently seen client.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultMaxClients = 100000

// Limiter is a per-client token bucket rate limiter.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	seq     uint64 // recency counter, bumped on every allow

	rate     int           // tokens added per interval
	burst    int           // bucket capacity
	interval time.Duration // refill interval
	maxKeys  int
	stop     chan struct{}
	counter  prometheus.Counter // incremented per rejection, optional
	keyFunc  func(*http.Request) string
}

type bucket struct {
	tokens   int
	lastFill time.Time
	lastSeen uint64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter incremented on each 429.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithMaxKeys caps the number of tracked clients.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxKeys = n
		}
	}
}

// WithKeyFunc overrides how the client identity is derived from a request.
func WithKeyFunc(f func(*http.Request) string) Option {
	return func(l *Limiter) { l.keyFunc = f }
}

// New creates a rate limiter adding rate tokens per interval, bursting up to
// burst.
func New(rate, burst int, interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]*bucket),
		rate:     rate,
		burst:    burst,
		interval: interval,
		maxKeys:  defaultMaxClients,
		stop:     make(chan struct{}),
		keyFunc:  clientIP,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup()
	return l
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// Middleware enforces the limit per client and answers rejections with 429
// and a Retry-After hint.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(l.keyFunc(r)) {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictLeastRecent()
		}
		b = &bucket{tokens: l.burst, lastFill: time.Now()}
		l.buckets[key] = b
	}
	l.seq++
	b.lastSeen = l.seq

	elapsed := time.Since(b.lastFill)
	refill := int(elapsed/l.interval) * l.rate
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.lastFill = time.Now()
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// evictLeastRecent drops the client not seen for the longest. Caller holds
// l.mu.
func (l *Limiter) evictLeastRecent() {
	var victim string
	var oldest uint64
	first := true
	for k, b := range l.buckets {
		if first || b.lastSeen < oldest {
			victim = k
			oldest = b.lastSeen
			first = false
		}
	}
	if !first {
		delete(l.buckets, victim)
	}
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, b := range l.buckets {
				if b.lastFill.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
