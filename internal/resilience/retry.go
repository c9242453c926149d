package resilience

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

// ========== Retry Manager ==========

// RetryManager classifies failures against the persisted error taxonomy and
// retries with the matched category's backoff strategy.
type RetryManager struct {
	store      *store.Store
	categories []store.ErrorCategory
	byCode     map[string]store.ErrorCategory
}

// NewRetryManager loads the taxonomy from the store.
func NewRetryManager(st *store.Store) (*RetryManager, error) {
	cats, err := st.ListErrorCategories()
	if err != nil {
		return nil, err
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i].Code < cats[j].Code })

	byCode := make(map[string]store.ErrorCategory, len(cats))
	for _, cat := range cats {
		byCode[cat.Code] = cat
	}
	return &RetryManager{store: st, categories: cats, byCode: byCode}, nil
}

// Categorize maps an error to its category. Order: an explicit category
// carried on the error, then HTTP status codes, then substring patterns, then
// a small built-in fallback, then UNKNOWN.
func (m *RetryManager) Categorize(err error) store.ErrorCategory {
	if err == nil {
		return m.category(types.CatUnknown)
	}

	if code := types.CategoryOf(err); code != "" {
		if cat, ok := m.byCode[code]; ok {
			return cat
		}
	}

	if status := types.StatusCodeOf(err); status != 0 {
		for _, cat := range m.categories {
			for _, c := range cat.StatusCodes {
				if c == status {
					return cat
				}
			}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, cat := range m.categories {
		for _, p := range cat.Patterns {
			if strings.Contains(msg, strings.ToLower(p)) {
				return cat
			}
		}
	}

	switch {
	case strings.Contains(msg, "timeout"):
		return m.category(types.CatTimeout)
	case strings.Contains(msg, "rate limit"):
		return m.category(types.CatRateLimit)
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"):
		return m.category(types.CatNetworkError)
	}
	return m.category(types.CatUnknown)
}

func (m *RetryManager) category(code string) store.ErrorCategory {
	if cat, ok := m.byCode[code]; ok {
		return cat
	}
	// Taxonomy row missing (fresh DB mid-migration): behave like the seed.
	return store.ErrorCategory{
		Code: types.CatUnknown, IsRecoverable: true, RetryStrategy: "exponential",
		MaxRetries: 3, BaseDelaySecs: 1, MaxDelaySecs: 60,
	}
}

// Delay computes the wait before the next attempt (attempt is 1-indexed).
func (m *RetryManager) Delay(cat store.ErrorCategory, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(cat.BaseDelaySecs * float64(time.Second))
	maxDelay := time.Duration(cat.MaxDelaySecs * float64(time.Second))

	switch cat.RetryStrategy {
	case "exponential":
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxDelay {
				d = maxDelay
				break
			}
		}
		if d > maxDelay {
			d = maxDelay
		}
		if span := int64(d / 10); span > 0 {
			d += time.Duration(rand.Int63n(span + 1))
		}
		return d
	case "linear":
		d := base * time.Duration(attempt)
		if d > maxDelay {
			d = maxDelay
		}
		return d
	case "constant":
		return base
	default: // none
		return 0
	}
}

// RetryScope names where a retried operation runs, for the retry history.
type RetryScope struct {
	RunID  string
	Phase  types.PhaseName
	ItemID string
}

// Do runs fn until it succeeds, the category's attempts are exhausted, the
// category is non-recoverable, or ctx ends. Each retry decision lands in the
// retry history.
func (m *RetryManager) Do(ctx context.Context, scope RetryScope, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logging.Retry("%s/%s succeeded on attempt %d", scope.Phase, scope.ItemID, attempt)
			}
			return nil
		}

		cat := m.Categorize(err)
		if !cat.IsRecoverable || cat.RetryStrategy == "none" {
			logging.RetryWarn("%s/%s: %s is not recoverable: %v", scope.Phase, scope.ItemID, cat.Code, err)
			return err
		}
		if attempt >= cat.MaxRetries {
			m.record(scope, cat.Code, attempt, 0, err)
			logging.RetryWarn("%s/%s: %s exhausted after %d attempts: %v",
				scope.Phase, scope.ItemID, cat.Code, attempt, err)
			return err
		}

		delay := m.Delay(cat, attempt)
		m.record(scope, cat.Code, attempt, delay, err)
		logging.Retry("%s/%s attempt %d failed (%s), retrying in %s: %v",
			scope.Phase, scope.ItemID, attempt, cat.Code, delay.Round(time.Millisecond), err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (m *RetryManager) record(scope RetryScope, category string, attempt int, delay time.Duration, err error) {
	if m.store == nil || scope.RunID == "" {
		return
	}
	if recErr := m.store.RecordRetryAttempt(
		scope.RunID, string(scope.Phase), scope.ItemID, category, attempt, delay.Seconds(), err.Error(),
	); recErr != nil {
		logging.RetryError("failed to record retry history: %v", recErr)
	}
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, m *RetryManager, scope RetryScope, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := m.Do(ctx, scope, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
