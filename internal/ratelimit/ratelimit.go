// Package ratelimit implements the per-tenant outbound limiter the Router
// consults before every execution publish. Each tenant owns a token bucket;
// the first overshoot gates the tenant outright for the configured window,
// after which the refilled bucket admits traffic again.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/titanlabs/titan/internal/config"
)

type tenantState struct {
	bucket     *rate.Limiter
	gatedUntil time.Time
}

// Limiter is safe for concurrent use across workers.
type Limiter struct {
	mu      sync.Mutex
	perSec  rate.Limit
	burst   int
	window  time.Duration
	log     zerolog.Logger
	tenants map[string]*tenantState
}

// New builds the limiter. Tenants are materialized lazily on first use.
func New(cfg config.RateLimitConfig, log zerolog.Logger) *Limiter {
	return &Limiter{
		perSec:  rate.Limit(cfg.PerSecond),
		burst:   cfg.Burst,
		window:  cfg.GateWindow,
		log:     log.With().Str("component", "tenant-rate-limiter").Logger(),
		tenants: make(map[string]*tenantState),
	}
}

// Allow reports whether the tenant may emit one more outbound call at now.
// A denial opens the gate: every call is refused until the window lapses.
func (l *Limiter) Allow(tenant string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tenants[tenant]
	if !ok {
		st = &tenantState{bucket: rate.NewLimiter(l.perSec, l.burst)}
		l.tenants[tenant] = st
	}
	if now.Before(st.gatedUntil) {
		return false
	}
	if st.bucket.AllowN(now, 1) {
		return true
	}
	st.gatedUntil = now.Add(l.window)
	l.log.Warn().Str("tenant", tenant).Time("until", st.gatedUntil).
		Msg("tenant rate limit overshot, outbound traffic gated")
	return false
}

// GatedUntil reports the end of the tenant's active gate, if any.
func (l *Limiter) GatedUntil(tenant string, now time.Time) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.tenants[tenant]
	if !ok || !now.Before(st.gatedUntil) {
		return time.Time{}, false
	}
	return st.gatedUntil, true
}
