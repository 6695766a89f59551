package auth

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

const (
	defaultLimiterTTL    = 10 * time.Minute
	defaultCleanupPeriod = time.Minute
	defaultRPS           = 200
	defaultBurst         = 400
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool is a per-identity token bucket pool. Identities are the
// member id for authenticated calls, the admin key, or the client IP.
// Entries unseen for ttl are evicted.
type limiterPool struct {
	rps   rate.Limit
	burst int
	clk   clock.Clock
	ttl   time.Duration

	mu   sync.Mutex
	m    map[string]*limiterEntry
	stop chan struct{}
	once sync.Once
}

func newLimiterPool(rps float64, burst int, clk clock.Clock) *limiterPool {
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &limiterPool{
		rps: rate.Limit(rps), burst: burst, clk: clk, ttl: defaultLimiterTTL,
		m: make(map[string]*limiterEntry), stop: make(chan struct{}),
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	now := p.clk.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: now}
	return l
}

// Allow reports whether key may make another request now.
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).AllowN(p.clk.Now(), 1)
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// evictIdle removes entries not seen since now-ttl.
func (p *limiterPool) evictIdle() int {
	cutoff := p.clk.Now().Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
			n++
		}
	}
	return n
}

func (p *limiterPool) cleanupLoop(period time.Duration) {
	for {
		select {
		case <-p.stop:
			return
		case <-p.clk.After(period):
			p.evictIdle()
		}
	}
}

func (p *limiterPool) Close() {
	p.once.Do(func() { close(p.stop) })
}
