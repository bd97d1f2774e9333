package rendezvous

import (
	"net"
	"net/http"
	"sync"
	"time"
)

type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	rate   float64
	burst  float64
}

func newTokenBucket(ratePerSec float64, burst int) *tokenBucket {
	if ratePerSec < 0 {
		ratePerSec = 0
	}
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{
		tokens: float64(burst),
		last:   time.Now(),
		rate:   ratePerSec,
		burst:  float64(burst),
	}
}

func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

// ipLimiter keeps one bucket per client address. A zero rate allows everything.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	rate    float64
	burst   int
}

func newIPLimiter(ratePerSec float64, burst int) *ipLimiter {
	return &ipLimiter{
		buckets: make(map[string]*tokenBucket),
		rate:    ratePerSec,
		burst:   burst,
	}
}

func (l *ipLimiter) Allow(ip string) bool {
	if l.rate <= 0 || ip == "" {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.buckets[ip]
	if !ok {
		bucket = newTokenBucket(l.rate, l.burst)
		l.buckets[ip] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type expiryManager struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newExpiryManager() *expiryManager {
	return &expiryManager{
		timers: make(map[string]*time.Timer),
	}
}

func (m *expiryManager) schedule(sessionID string, ttl time.Duration, fn func()) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	if existing := m.timers[sessionID]; existing != nil {
		existing.Stop()
	}
	m.timers[sessionID] = time.AfterFunc(ttl, func() {
		fn()
		m.mu.Lock()
		delete(m.timers, sessionID)
		m.mu.Unlock()
	})
	m.mu.Unlock()
}

func (m *expiryManager) cancel(sessionID string) {
	m.mu.Lock()
	if timer := m.timers[sessionID]; timer != nil {
		timer.Stop()
		delete(m.timers, sessionID)
	}
	m.mu.Unlock()
}

func (m *expiryManager) stopAll() {
	m.mu.Lock()
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
}
