package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketvane/internal/store"
	"marketvane/internal/types"
)

func newRetryManager(t *testing.T) (*RetryManager, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	m, err := NewRetryManager(s)
	require.NoError(t, err)
	return m, s
}

// fastRetryManager shrinks every delay so retry loops finish in milliseconds.
func fastRetryManager(t *testing.T) (*RetryManager, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	_, err := s.DB().Exec("UPDATE error_categories SET base_delay_seconds = 0.001, max_delay_seconds = 0.005")
	require.NoError(t, err)
	m, err := NewRetryManager(s)
	require.NoError(t, err)
	return m, s
}

func TestCategorizeByStatusCode(t *testing.T) {
	m, _ := newRetryManager(t)

	cat := m.Categorize(&types.HTTPError{StatusCode: 429})
	assert.Equal(t, types.CatRateLimit, cat.Code)
	assert.True(t, cat.IsRecoverable)

	cat = m.Categorize(&types.HTTPError{StatusCode: 404})
	assert.Equal(t, types.CatNotFound, cat.Code)
	assert.False(t, cat.IsRecoverable)

	cat = m.Categorize(&types.HTTPError{StatusCode: 503})
	assert.Equal(t, types.CatNetworkError, cat.Code)
}

func TestCategorizeByPattern(t *testing.T) {
	m, _ := newRetryManager(t)

	assert.Equal(t, types.CatNetworkError, m.Categorize(errors.New("dial tcp: connection refused")).Code)
	assert.Equal(t, types.CatQuotaExceeded, m.Categorize(errors.New("googleapi: dailyLimitExceeded")).Code)
	assert.Equal(t, types.CatCircuitOpen, m.Categorize(errors.New("scale_serp: circuit breaker is open")).Code)
	assert.Equal(t, types.CatTimeout, m.Categorize(context.DeadlineExceeded).Code)
}

func TestCategorizeExplicitKindWins(t *testing.T) {
	m, _ := newRetryManager(t)

	// The carried category beats anything the message would match.
	err := types.NewPipelineError(types.PhaseSerpCollection, types.CatRateLimit,
		errors.New("request timeout talking to provider"))
	assert.Equal(t, types.CatRateLimit, m.Categorize(err).Code)
}

func TestCategorizeFallsBackToUnknown(t *testing.T) {
	m, _ := newRetryManager(t)

	cat := m.Categorize(errors.New("something inexplicable"))
	assert.Equal(t, types.CatUnknown, cat.Code)
	assert.True(t, cat.IsRecoverable)
	assert.Equal(t, 3, cat.MaxRetries)
}

func TestDelayFormulas(t *testing.T) {
	m, _ := newRetryManager(t)

	exp := store.ErrorCategory{RetryStrategy: "exponential", BaseDelaySecs: 2, MaxDelaySecs: 30}
	d := m.Delay(exp, 1)
	assert.GreaterOrEqual(t, d, 2*time.Second)
	assert.LessOrEqual(t, d, 2200*time.Millisecond) // + up to 10% jitter

	d = m.Delay(exp, 4) // 2*2^3 = 16s
	assert.GreaterOrEqual(t, d, 16*time.Second)
	assert.LessOrEqual(t, d, 17600*time.Millisecond)

	d = m.Delay(exp, 10) // capped at 30s
	assert.GreaterOrEqual(t, d, 30*time.Second)
	assert.LessOrEqual(t, d, 33*time.Second)

	lin := store.ErrorCategory{RetryStrategy: "linear", BaseDelaySecs: 5, MaxDelaySecs: 12}
	assert.Equal(t, 5*time.Second, m.Delay(lin, 1))
	assert.Equal(t, 10*time.Second, m.Delay(lin, 2))
	assert.Equal(t, 12*time.Second, m.Delay(lin, 3)) // capped

	con := store.ErrorCategory{RetryStrategy: "constant", BaseDelaySecs: 60, MaxDelaySecs: 60}
	assert.Equal(t, time.Minute, m.Delay(con, 1))
	assert.Equal(t, time.Minute, m.Delay(con, 7))

	none := store.ErrorCategory{RetryStrategy: "none"}
	assert.Equal(t, time.Duration(0), m.Delay(none, 1))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	m, s := fastRetryManager(t)

	attempts := 0
	err := m.Do(context.Background(), RetryScope{RunID: "run-1", Phase: types.PhaseSerpCollection, ItemID: "kw:US:organic"},
		func(context.Context) error {
			attempts++
			if attempts < 3 {
				return &types.HTTPError{StatusCode: 503}
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	counts, err := s.RetryCountsByCategory("run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.CatNetworkError])
}

func TestDoNonRecoverableFailsImmediately(t *testing.T) {
	m, _ := newRetryManager(t)

	attempts := 0
	authErr := &types.HTTPError{StatusCode: 401}
	err := m.Do(context.Background(), RetryScope{RunID: "run-1"}, func(context.Context) error {
		attempts++
		return authErr
	})
	require.ErrorIs(t, err, authErr)
	assert.Equal(t, 1, attempts)
}

func TestDoExhaustsCategoryBudget(t *testing.T) {
	m, _ := fastRetryManager(t)

	attempts := 0
	err := m.Do(context.Background(), RetryScope{RunID: "run-1"}, func(context.Context) error {
		attempts++
		return &types.HTTPError{StatusCode: 503}
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts) // NETWORK_ERROR allows 3 attempts
}

func TestDoStopsOnContextCancel(t *testing.T) {
	m, _ := newRetryManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- m.Do(ctx, RetryScope{}, func(context.Context) error {
			attempts++
			cancel()
			return &types.HTTPError{StatusCode: 503} // would wait 2s before retrying
		})
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	case <-time.After(time.Second):
		t.Fatal("Do did not honor context cancellation")
	}
}

func TestDoValue(t *testing.T) {
	m, _ := fastRetryManager(t)

	attempts := 0
	got, err := DoValue(context.Background(), m, RetryScope{}, func(context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			return 0, &types.HTTPError{StatusCode: 429}
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, attempts)
}
