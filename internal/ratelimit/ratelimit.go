package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket used to cap inbound frames per connection.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}

	return false
}

// OriginThrottle enforces a minimum interval between room creations coming
// from the same origin.
type OriginThrottle struct {
	interval        time.Duration
	last            map[string]time.Time
	now             func() time.Time
	mu              sync.Mutex
	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

type ThrottleOption func(*OriginThrottle)

func WithClock(now func() time.Time) ThrottleOption {
	return func(t *OriginThrottle) { t.now = now }
}

func WithCleanupInterval(d time.Duration) ThrottleOption {
	return func(t *OriginThrottle) { t.cleanupInterval = d }
}

func NewOriginThrottle(interval time.Duration, opts ...ThrottleOption) *OriginThrottle {
	t := &OriginThrottle{
		interval:        interval,
		last:            make(map[string]time.Time),
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.cleanup()
	return t
}

// Allow records a creation for origin and reports whether it is permitted.
// Rejected attempts do not restart the window.
func (t *OriginThrottle) Allow(origin string) bool {
	if t.interval <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.last[origin]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[origin] = now
	return true
}

func (t *OriginThrottle) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *OriginThrottle) cleanup() {
	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			now := t.now()
			for origin, last := range t.last {
				if now.Sub(last) >= t.interval {
					delete(t.last, origin)
				}
			}
			t.mu.Unlock()
		}
	}
}
