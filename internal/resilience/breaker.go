// Package resilience wraps every outbound provider call: per-service circuit
// breakers whose state survives restarts, and a retry manager that classifies
// failures against the shared error taxonomy before backing off.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"marketvane/internal/config"
	"marketvane/internal/logging"
	"marketvane/internal/metrics"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

// ========== Circuit Breaker ==========

// Breaker guards one external service. Calls flow through the underlying
// three-state machine; every state change is persisted so a restarted process
// inherits an open decision for the remainder of its timeout window.
type Breaker struct {
	service string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
	store   *store.Store

	mu              sync.Mutex
	forcedOpenUntil time.Time        // restored open window, zero when inactive
	openedAt        *time.Time
	halfOpenedAt    *time.Time
	metrics         *metrics.Metrics // nil until the registry publishes

	// Lifetime totals. The underlying machine clears its window counts on
	// every state change, so the persisted snapshot and metrics use these.
	successes uint64
	failures  uint64
	rejected  uint64
}

func newBreaker(service string, cfg config.BreakerConfig, st *store.Store) *Breaker {
	b := &Breaker{
		service: service,
		timeout: cfg.TimeoutDuration(),
		store:   st,
	}

	maxRequests := cfg.SuccessThreshold
	if cfg.HalfOpenRequests > maxRequests {
		maxRequests = cfg.HalfOpenRequests
	}
	if maxRequests < 1 {
		maxRequests = 1
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: uint32(maxRequests),
		Timeout:     b.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		// Caller-side cancellation says nothing about the service's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

// Execute runs fn through the breaker. A rejected call returns an error
// wrapping types.ErrCircuitOpen without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if err := b.checkRestoredWindow(); err != nil {
		return nil, err
	}

	out, err := b.cb.Execute(func() (interface{}, error) {
		start := time.Now()
		v, err := fn(ctx)
		b.mu.Lock()
		if err == nil {
			b.successes++
		} else if !errors.Is(err, context.Canceled) {
			b.failures++
		}
		m := b.metrics
		b.mu.Unlock()
		if m != nil {
			m.ProviderLatency.WithLabelValues(b.service).Observe(time.Since(start).Seconds())
		}
		return v, err
	})
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", b.service, types.ErrCircuitOpen)
	}
	return out, err
}

// ExecuteWithFallback runs fn through the breaker; when the breaker rejects
// the call, fallback is used instead of surfacing the open error.
func (b *Breaker) ExecuteWithFallback(ctx context.Context, fn, fallback func(context.Context) (any, error)) (any, error) {
	out, err := b.Execute(ctx, fn)
	if err != nil && errors.Is(err, types.ErrCircuitOpen) && fallback != nil {
		logging.Breaker("%s open, using fallback", b.service)
		return fallback(ctx)
	}
	return out, err
}

// checkRestoredWindow enforces an open decision inherited from a previous
// process. Once the window passes, the fresh underlying breaker takes over.
func (b *Breaker) checkRestoredWindow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.forcedOpenUntil.IsZero() {
		return nil
	}
	if time.Now().Before(b.forcedOpenUntil) {
		b.rejected++
		return fmt.Errorf("%s: %w", b.service, types.ErrCircuitOpen)
	}
	b.forcedOpenUntil = time.Time{}
	logging.Breaker("%s restored open window expired, allowing probes", b.service)
	return nil
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	now := time.Now().UTC()

	b.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		b.openedAt = &now
	case gobreaker.StateHalfOpen:
		b.halfOpenedAt = &now
	case gobreaker.StateClosed:
		b.openedAt, b.halfOpenedAt = nil, nil
	}
	snap := store.BreakerSnapshot{
		Service:      b.service,
		State:        stateString(to),
		FailureCount: int(b.failures),
		SuccessCount: int(b.successes),
		OpenedAt:     b.openedAt,
		HalfOpenedAt: b.halfOpenedAt,
	}
	m := b.metrics
	b.mu.Unlock()

	if m != nil {
		m.ObserveBreaker(name, stateString(to))
	}

	if to == gobreaker.StateOpen {
		logging.BreakerWarn("%s: %s -> %s", name, stateString(from), stateString(to))
	} else {
		logging.Breaker("%s: %s -> %s", name, stateString(from), stateString(to))
	}

	if b.store != nil {
		if err := b.store.SaveBreakerState(snap); err != nil {
			logging.BreakerError("%s: failed to persist breaker state: %v", name, err)
		}
	}
}

// restore applies a persisted snapshot. Only a still-live open decision
// changes behavior; anything else just starts the breaker closed.
func (b *Breaker) restore(snap *store.BreakerSnapshot) {
	if snap == nil || snap.State != "open" || snap.OpenedAt == nil {
		return
	}
	until := snap.OpenedAt.Add(b.timeout)
	if !time.Now().Before(until) {
		return
	}

	b.mu.Lock()
	b.forcedOpenUntil = until
	b.openedAt = snap.OpenedAt
	b.mu.Unlock()
	logging.BreakerWarn("%s restored open (until %s)", b.service, until.UTC().Format(time.RFC3339))
}

// State reports closed, open, or half_open, accounting for a restored window.
func (b *Breaker) State() string {
	b.mu.Lock()
	if !b.forcedOpenUntil.IsZero() && time.Now().Before(b.forcedOpenUntil) {
		b.mu.Unlock()
		return "open"
	}
	b.mu.Unlock()
	return stateString(b.cb.State())
}

// BreakerMetrics is the live view of one breaker.
type BreakerMetrics struct {
	Service     string  `json:"service"`
	State       string  `json:"state"`
	Requests    uint64  `json:"requests"`
	Successes   uint64  `json:"successes"`
	Failures    uint64  `json:"failures"`
	Rejected    uint64  `json:"rejected"`
	SuccessRate float64 `json:"success_rate"`
}

// Metrics returns lifetime call totals and the live success rate.
func (b *Breaker) Metrics() BreakerMetrics {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()
	m := BreakerMetrics{
		Service:   b.service,
		State:     state,
		Requests:  b.successes + b.failures + b.rejected,
		Successes: b.successes,
		Failures:  b.failures,
		Rejected:  b.rejected,
	}
	if total := b.successes + b.failures; total > 0 {
		m.SuccessRate = float64(b.successes) / float64(total)
	}
	return m
}

func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ========== Registry ==========

// Registry owns one breaker per external service, created lazily with the
// service's configured thresholds and restored from the persisted snapshot.
type Registry struct {
	mu       sync.Mutex
	store    *store.Store
	cfg      config.BreakersConfig
	metrics  *metrics.Metrics
	breakers map[string]*Breaker
}

// NewRegistry builds the process-wide breaker registry.
func NewRegistry(st *store.Store, cfg config.BreakersConfig) *Registry {
	return &Registry{
		store:    st,
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// PublishMetrics routes breaker state changes and call latency to m, for
// breakers both live and created later.
func (r *Registry) PublishMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	for _, b := range r.breakers {
		b.mu.Lock()
		b.metrics = m
		b.mu.Unlock()
	}
}

// Get returns the breaker for a service, creating and restoring it on first
// use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}

	b := newBreaker(service, r.cfg.ForService(service), r.store)
	b.metrics = r.metrics
	if r.store != nil {
		snap, err := r.store.LoadBreakerState(service)
		if err != nil {
			logging.BreakerError("%s: failed to load persisted state: %v", service, err)
		} else {
			b.restore(snap)
		}
	}
	r.breakers[service] = b
	return b
}

// Metrics returns a snapshot of every live breaker.
func (r *Registry) Metrics() []BreakerMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerMetrics, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Metrics())
	}
	return out
}
