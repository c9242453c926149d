package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketvane/internal/types"
)

func testRun(id string) *types.PipelineRun {
	return &types.PipelineRun{
		ID:       id,
		ClientID: "client-1",
		Mode:     types.ModeManual,
		Status:   types.RunPending,
		Config: types.PipelineConfig{
			ClientID:     "client-1",
			Keywords:     []string{"cloud storage"},
			Regions:      []string{"US"},
			ContentTypes: []types.ContentType{types.ContentOrganic},
		},
		StartedAt: time.Now().UTC(),
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateRun(testRun("run-1")))

	run, err := s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunPending, run.Status)
	assert.Equal(t, "client-1", run.ClientID)
	assert.Equal(t, []string{"cloud storage"}, run.Config.Keywords)
	assert.Nil(t, run.CompletedAt)

	require.NoError(t, s.UpdateRunStatus("run-1", types.RunRunning))
	run, err = s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, run.Status)
	assert.Nil(t, run.CompletedAt)

	require.NoError(t, s.UpdateRunStatus("run-1", types.RunCompleted))
	run, err = s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	require.NotNil(t, run.CompletedAt, "terminal status must stamp completed_at")
}

func TestRunCounters(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(testRun("run-1")))

	require.NoError(t, s.IncrementRunCounter("run-1", "serp_results_collected", 40))
	require.NoError(t, s.IncrementRunCounter("run-1", "serp_results_collected", 10))
	// Negative deltas are ignored: counters never decrease.
	require.NoError(t, s.IncrementRunCounter("run-1", "serp_results_collected", -5))

	run, err := s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, 50, run.Counters.SerpResultsCollected)

	err = s.IncrementRunCounter("run-1", "nonsense_counter", 1)
	require.Error(t, err)
}

func TestRunErrorsAndWarnings(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(testRun("run-1")))

	require.NoError(t, s.AppendRunError("run-1", "serp batch timed out"))
	require.NoError(t, s.AppendRunWarning("run-1", "video quota exhausted"))
	require.NoError(t, s.AppendRunError("run-1", strings.Repeat("x", 2000)))

	run, err := s.GetRun("run-1")
	require.NoError(t, err)
	require.Len(t, run.Errors, 2)
	assert.Equal(t, "serp batch timed out", run.Errors[0])
	assert.Len(t, run.Errors[1], 1000, "errors are truncated to 1000 chars")
	require.Len(t, run.Warnings, 1)
}

func TestRunPhaseResults(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(testRun("run-1")))

	results := map[string]types.PhaseResultSummary{
		"serp_collection": {Success: true, Counts: map[string]int{"results": 50}},
	}
	require.NoError(t, s.SaveRunPhaseResults("run-1", results))

	run, err := s.GetRun("run-1")
	require.NoError(t, err)
	require.Contains(t, run.PhaseResults, "serp_collection")
	assert.True(t, run.PhaseResults["serp_collection"].Success)
	assert.Equal(t, 50, run.PhaseResults["serp_collection"].Counts["results"])
}

func TestListRecentRuns(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"run-a", "run-b", "run-c"} {
		run := testRun(id)
		require.NoError(t, s.CreateRun(run))
	}

	runs, err := s.ListRecentRuns(2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestInterruptedRuns(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateRun(testRun("run-1")))
	require.NoError(t, s.CreateRun(testRun("run-2")))
	require.NoError(t, s.CreateRun(testRun("run-3")))
	require.NoError(t, s.UpdateRunStatus("run-1", types.RunRunning))
	require.NoError(t, s.UpdateRunStatus("run-2", types.RunCompleted))

	ids, err := s.InterruptedRuns()
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, ids)
}

func TestDeleteAllRuns(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateRun(testRun("run-1")))
	require.NoError(t, s.InitPhases("run-1", func(types.PhaseName) bool { return true }))

	n, err := s.DeleteAllRuns()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetRun("run-1")
	require.Error(t, err)

	counts, err := s.PhaseStateCounts("run-1")
	require.NoError(t, err)
	assert.Empty(t, counts)
}
