package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketvane/internal/types"
)

func allEnabled(types.PhaseName) bool { return true }

func TestInitPhasesCreatesAllRows(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InitPhases("run-1", allEnabled))

	statuses, err := s.ListPhaseStatuses("run-1")
	require.NoError(t, err)
	require.Len(t, statuses, len(types.AllPhases))
	for _, ps := range statuses {
		assert.Equal(t, types.PhasePending, ps.State)
	}
}

func TestInitPhasesDisabledBecomeSkipped(t *testing.T) {
	s := newTestStore(t)

	enabled := func(p types.PhaseName) bool { return p != types.PhaseYouTubeEnrichment }
	require.NoError(t, s.InitPhases("run-1", enabled))

	ps, err := s.GetPhaseStatus("run-1", types.PhaseYouTubeEnrichment)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseSkipped, ps.State)
	assert.Contains(t, ps.SkipReasons, "disabled by configuration")
}

func TestInitPhasesPreservesTerminalOnResume(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InitPhases("run-1", allEnabled))
	require.NoError(t, s.MarkPhaseCompleted("run-1", types.PhaseSerpCollection, map[string]any{"results": 50}))
	require.NoError(t, s.MarkPhaseFailed("run-1", types.PhaseContentScraping, "fetch storm"))
	require.NoError(t, s.MarkPhaseRunning("run-1", types.PhaseKeywordMetrics))

	// Re-initialization after restart.
	require.NoError(t, s.InitPhases("run-1", allEnabled))

	completed, err := s.GetPhaseStatus("run-1", types.PhaseSerpCollection)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, completed.State)
	assert.Equal(t, float64(50), completed.Result["results"])

	failed, err := s.GetPhaseStatus("run-1", types.PhaseContentScraping)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseFailed, failed.State)

	// Non-terminal running rows reset to pending for re-entry.
	interrupted, err := s.GetPhaseStatus("run-1", types.PhaseKeywordMetrics)
	require.NoError(t, err)
	assert.Equal(t, types.PhasePending, interrupted.State)
}

func TestPhaseTransitions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitPhases("run-1", allEnabled))

	require.NoError(t, s.MarkPhaseRunning("run-1", types.PhaseSerpCollection))
	ps, err := s.GetPhaseStatus("run-1", types.PhaseSerpCollection)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRunning, ps.State)
	require.NotNil(t, ps.StartedAt)
	assert.Nil(t, ps.CompletedAt)

	require.NoError(t, s.MarkPhaseCompleted("run-1", types.PhaseSerpCollection, nil))
	ps, err = s.GetPhaseStatus("run-1", types.PhaseSerpCollection)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, ps.State)
	require.NotNil(t, ps.CompletedAt)
}

func TestMarkPhaseCompletedSummarizesOversizedResult(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitPhases("run-1", allEnabled))

	result := map[string]any{
		"pages_scraped": 12,
		"debug_dump":    strings.Repeat("x", maxPhaseResultBytes+1),
	}
	require.NoError(t, s.MarkPhaseCompleted("run-1", types.PhaseContentScraping, result))

	ps, err := s.GetPhaseStatus("run-1", types.PhaseContentScraping)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, ps.State)
	assert.Equal(t, true, ps.Result["summarized"])
	assert.Equal(t, []any{"debug_dump", "pages_scraped"}, ps.Result["keys"])
	assert.Greater(t, ps.Result["original_bytes"], float64(maxPhaseResultBytes))
}

func TestMarkPhaseBlockedOnlyFromPending(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitPhases("run-1", allEnabled))

	require.NoError(t, s.MarkPhaseCompleted("run-1", types.PhaseKeywordMetrics, nil))

	// Cascade must not overwrite a completed phase.
	require.NoError(t, s.MarkPhaseBlocked("run-1", types.PhaseKeywordMetrics, "upstream failed"))
	ps, err := s.GetPhaseStatus("run-1", types.PhaseKeywordMetrics)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, ps.State)

	require.NoError(t, s.MarkPhaseBlocked("run-1", types.PhaseDSICalculation, "upstream failed"))
	ps, err = s.GetPhaseStatus("run-1", types.PhaseDSICalculation)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseBlocked, ps.State)
}

func TestPhaseSkippedWithReasons(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitPhases("run-1", allEnabled))

	reasons := []string{"no video results", "quota exhausted"}
	require.NoError(t, s.MarkPhaseSkipped("run-1", types.PhaseYouTubeEnrichment, reasons))

	ps, err := s.GetPhaseStatus("run-1", types.PhaseYouTubeEnrichment)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseSkipped, ps.State)
	assert.Equal(t, reasons, ps.SkipReasons)
}

func TestPhaseStateCounts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitPhases("run-1", allEnabled))
	require.NoError(t, s.MarkPhaseCompleted("run-1", types.PhaseKeywordMetrics, nil))
	require.NoError(t, s.MarkPhaseFailed("run-1", types.PhaseSerpCollection, "boom"))

	counts, err := s.PhaseStateCounts("run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.PhaseCompleted])
	assert.Equal(t, 1, counts[types.PhaseFailed])
	assert.Equal(t, len(types.AllPhases)-2, counts[types.PhasePending])
}
