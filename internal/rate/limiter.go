package rate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerKey enforces a minimum interval between requests per source (or host).
// Each key carries its own interval; a changed interval replaces the limiter.
type PerKey struct {
	mu         sync.Mutex
	m          map[string]*limitEntry
	maxEntries int
}

type limitEntry struct {
	limiter  *rate.Limiter
	interval time.Duration
	lastUsed time.Time
}

// New returns an empty per-key limiter set.
func New() *PerKey {
	return &PerKey{m: make(map[string]*limitEntry), maxEntries: 10000}
}

func (p *PerKey) get(key string, interval time.Duration) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	entry, ok := p.m[key]
	if !ok || entry.interval != interval {
		if len(p.m) >= p.maxEntries {
			p.evict(now.Add(-time.Hour))
		}
		lim := rate.NewLimiter(rate.Inf, 1)
		if interval > 0 {
			lim = rate.NewLimiter(rate.Every(interval), 1)
		}
		entry = &limitEntry{limiter: lim, interval: interval}
		p.m[key] = entry
	}
	entry.lastUsed = now
	return entry.limiter
}

func (p *PerKey) evict(cutoff time.Time) {
	for key, entry := range p.m {
		if entry.lastUsed.Before(cutoff) {
			delete(p.m, key)
		}
	}
}

// Allow reports whether a request for key may proceed now.
func (p *PerKey) Allow(key string, interval time.Duration) bool {
	return p.get(key, interval).Allow()
}

// Wait blocks until key may proceed or ctx ends.
func (p *PerKey) Wait(ctx context.Context, key string, interval time.Duration) error {
	return p.get(key, interval).Wait(ctx)
}
