// Package ratelimit throttles upstream requests per host.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sets the token bucket for every host.
type Config struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Limiter provides per-host token buckets plus a server-imposed cooldown.
// A host placed in cooldown by Penalize blocks Wait until the cooldown ends.
type Limiter struct {
	mu        sync.RWMutex
	limiters  map[string]*rate.Limiter
	cooldowns map[string]time.Time
	rps       float64
	burst     int
	now       func() time.Time
}

// NewLimiter creates a limiter with the given RPS and burst for each host.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		cooldowns: make(map[string]time.Time),
		rps:       rps,
		burst:     burst,
		now:       time.Now,
	}
}

// FromConfig builds a Limiter from cfg.
func FromConfig(cfg Config) *Limiter {
	return NewLimiter(cfg.RPS, cfg.Burst)
}

func (l *Limiter) getLimiter(host string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[host]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[host]; ok {
		return limiter
	}
	limit := rate.Limit(l.rps)
	if l.rps <= 0 {
		limit = rate.Inf
	}
	limiter = rate.NewLimiter(limit, l.burst)
	l.limiters[host] = limiter
	return limiter
}

// Allow reports whether a request to host may proceed now.
func (l *Limiter) Allow(host string) bool {
	if l.CooldownRemaining(host) > 0 {
		return false
	}
	return l.getLimiter(host).Allow()
}

// Wait blocks until host is out of cooldown and a token is available, or ctx ends.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if d := l.CooldownRemaining(host); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return l.getLimiter(host).Wait(ctx)
}

// Penalize places host in cooldown for d, extending any existing cooldown.
func (l *Limiter) Penalize(host string, d time.Duration) {
	if d <= 0 {
		return
	}
	until := l.now().Add(d)
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.cooldowns[host]; !ok || until.After(cur) {
		l.cooldowns[host] = until
	}
}

// CooldownRemaining returns how long host stays in cooldown.
func (l *Limiter) CooldownRemaining(host string) time.Duration {
	l.mu.RLock()
	until, ok := l.cooldowns[host]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	if d := until.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

// Stats returns a snapshot of every host limiter.
func (l *Limiter) Stats() map[string]Stats {
	l.mu.RLock()
	hosts := make([]string, 0, len(l.limiters))
	for host := range l.limiters {
		hosts = append(hosts, host)
	}
	l.mu.RUnlock()

	out := make(map[string]Stats, len(hosts))
	for _, host := range hosts {
		limiter := l.getLimiter(host)
		out[host] = Stats{
			Host:            host,
			RPS:             float64(limiter.Limit()),
			Burst:           limiter.Burst(),
			TokensAvailable: limiter.Tokens(),
			Cooldown:        l.CooldownRemaining(host),
		}
	}
	return out
}

// Reset clears all host state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = make(map[string]*rate.Limiter)
	l.cooldowns = make(map[string]time.Time)
}

// Stats describes one host limiter.
type Stats struct {
	Host            string        `json:"host"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	Cooldown        time.Duration `json:"cooldown"`
}

// IsThrottled reports whether the host is cooling down or out of tokens.
func (s Stats) IsThrottled() bool {
	return s.Cooldown > 0 || s.TokensAvailable < 1
}
