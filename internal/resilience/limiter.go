package resilience

import (
	"sync"
	"time"
)

// LimitConfig is a token bucket: Rate calls per second with Burst headroom.
type LimitConfig struct {
	Rate  float64 `yaml:"rate" toml:"rate" json:"rate"`
	Burst int     `yaml:"burst" toml:"burst" json:"burst"`
}

// Limiter keeps a token bucket per key. A zero Rate disables limiting.
type Limiter struct {
	mu      sync.Mutex
	cfg     LimitConfig
	now     func() time.Time
	buckets map[string]*tokenBucket
}

// NewLimiter creates a limiter. now may be nil to use the wall clock.
func NewLimiter(cfg LimitConfig, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.Rate)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	return &Limiter{cfg: cfg, now: now, buckets: make(map[string]*tokenBucket)}
}

// Allow takes one token for key, reporting false when none is available.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.cfg.Rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: float64(l.cfg.Burst), last: now}
		l.buckets[key] = b
	}
	b.refill(now, l.cfg.Rate, float64(l.cfg.Burst))
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func (b *tokenBucket) refill(now time.Time, rate, capacity float64) {
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens += elapsed * rate
		if b.tokens > capacity {
			b.tokens = capacity
		}
	}
	b.last = now
}
