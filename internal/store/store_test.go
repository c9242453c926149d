package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{
		"pipeline_executions", "pipeline_phase_status", "pipeline_state",
		"pipeline_checkpoints", "job_queue", "circuit_breakers",
		"error_categories", "retry_history", "keywords", "serp_results",
		"scraped_content", "content_analysis", "optimized_dimension_analysis",
		"company_profiles", "company_domains", "youtube_channel_companies",
		"video_snapshots", "dsi_scores", "historical_page_dsi_snapshots",
		"schedules",
	} {
		assert.True(t, tableExists(s.db, table), "missing table %s", table)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")

	s1, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(path)
	require.NoError(t, err)
	defer s2.Close()

	cats, err := s2.ListErrorCategories()
	require.NoError(t, err)
	assert.Len(t, cats, 10)
}

func TestSeededErrorCategories(t *testing.T) {
	s := newTestStore(t)

	cats, err := s.ListErrorCategories()
	require.NoError(t, err)

	byCode := make(map[string]ErrorCategory)
	for _, c := range cats {
		byCode[c.Code] = c
	}

	rl, ok := byCode["RATE_LIMIT"]
	require.True(t, ok)
	assert.True(t, rl.IsRecoverable)
	assert.Equal(t, "exponential", rl.RetryStrategy)
	assert.Equal(t, 5, rl.MaxRetries)
	assert.Contains(t, rl.StatusCodes, 429)

	auth, ok := byCode["AUTH"]
	require.True(t, ok)
	assert.False(t, auth.IsRecoverable)
	assert.Equal(t, "none", auth.RetryStrategy)

	unknown, ok := byCode["UNKNOWN"]
	require.True(t, ok)
	assert.Equal(t, 3, unknown.MaxRetries)
}

func TestBreakerStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	none, err := s.LoadBreakerState("scale_serp")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.SaveBreakerState(BreakerSnapshot{
		Service: "scale_serp", State: "open", FailureCount: 5,
	}))

	snap, err := s.LoadBreakerState("scale_serp")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "open", snap.State)
	assert.Equal(t, 5, snap.FailureCount)

	// Upsert replaces in place
	require.NoError(t, s.SaveBreakerState(BreakerSnapshot{
		Service: "scale_serp", State: "half_open", FailureCount: 0, SuccessCount: 1,
	}))
	snap, err = s.LoadBreakerState("scale_serp")
	require.NoError(t, err)
	assert.Equal(t, "half_open", snap.State)
	assert.Equal(t, 1, snap.SuccessCount)

	all, err := s.LoadAllBreakerStates()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["pipeline_executions"])
	assert.Contains(t, stats, "job_queue")
}
