package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"marketvane/internal/logging"
)

// ========== Provider Rate Limits ==========

// Limiter enforces a requests-per-window budget for one provider, e.g. the
// company enrichment API's 1000 requests per 60 seconds.
type Limiter struct {
	name string
	rl   *rate.Limiter
}

// NewLimiter builds a limiter allowing `requests` per `window`.
func NewLimiter(name string, requests int, window time.Duration) *Limiter {
	if requests <= 0 {
		requests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		name: name,
		rl:   rate.NewLimiter(rate.Limit(float64(requests)/window.Seconds()), requests),
	}
}

// Wait blocks until a slot is available or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	reserved := time.Now()
	if err := l.rl.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(reserved); waited > time.Second {
		logging.BreakerDebug("%s rate limit held a call for %s", l.name, waited.Round(time.Millisecond))
	}
	return nil
}

// Allow reports whether a slot is immediately available, consuming it if so.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.rl.Allow()
}
