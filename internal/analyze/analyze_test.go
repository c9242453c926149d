package analyze

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketvane/internal/ai"
	"marketvane/internal/config"
	"marketvane/internal/resilience"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

// fakeAI replies with canned JSON keyed by schema name.
type fakeAI struct {
	mu      sync.Mutex
	replies map[string]string
	calls   []string
	err     error
}

func (f *fakeAI) Name() string { return "fake:test" }

func (f *fakeAI) CompleteJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, schemaName)
	if f.err != nil {
		return "", f.err
	}
	if reply, ok := f.replies[schemaName]; ok {
		return reply, nil
	}
	return "{}", nil
}

func (f *fakeAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testSettings() config.AnalysisSettings {
	return config.AnalysisSettings{
		Concurrency:     4,
		MonitorInterval: "20ms",
		FlexibleAfter:   "1h",
		HardTimeout:     "30s",
	}
}

func newTestAnalyzer(t *testing.T, client ai.Client, reg *Registry, settings config.AnalysisSettings) (*Analyzer, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	retry, err := resilience.NewRetryManager(st)
	require.NoError(t, err)
	breakers := resilience.NewRegistry(st, config.BreakersConfig{})

	if reg == nil {
		reg, err = LoadRegistry("", false)
		require.NoError(t, err)
	}
	return NewAnalyzer(st, client, breakers, retry, reg, settings), st
}

func registryFrom(t *testing.T, yamlText string) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dims.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlText), 0o644))
	reg, err := LoadRegistry(path, false)
	require.NoError(t, err)
	return reg
}

func longContent() string {
	return strings.Repeat("Recovery time objectives shape every backup architecture decision worth making. ", 4)
}

func seedScraped(t *testing.T, st *store.Store, runID, url, content string) {
	t.Helper()
	require.NoError(t, st.UpsertScrapedContent(types.ScrapedContent{
		URL:       url,
		Domain:    "example.com",
		Title:     "Backup Guide",
		Content:   content,
		WordCount: len(strings.Fields(content)),
		Status:    types.ScrapeCompleted,
		RunID:     runID,
		ScrapedAt: time.Now().UTC(),
	}))
}

func analysisReply(persona, jtbd float64, words int) string {
	return fmt.Sprintf(`{"classification": "article", "source_classification": "independent",
		"sentiment": "positive", "confidence": 0.9, "mentions": {"Acme Backup": 3},
		"dimensions": [
			{"name": "persona", "score": %g, "relevant_words": %d, "rationale": "speaks to ops leaders"},
			{"name": "jtbd", "score": %g, "relevant_words": %d, "rationale": "covers the evaluation job"}
		]}`, persona, words, jtbd, words)
}

func runConfig() *types.PipelineConfig {
	return &types.PipelineConfig{
		ClientID:     "acme",
		Regions:      []string{"US"},
		ContentTypes: []types.ContentType{types.ContentOrganic},
	}
}

func TestRunAnalyzesBacklog(t *testing.T) {
	fake := &fakeAI{replies: map[string]string{
		"content_analysis": analysisReply(8, 6, 200),
	}}
	a, st := newTestAnalyzer(t, fake, nil, testSettings())
	seedScraped(t, st, "run-1", "https://example.com/alpha", longContent())
	seedScraped(t, st, "run-1", "https://example.com/beta", longContent())

	flexible, err := a.Run(context.Background(), "run-1", runConfig())
	require.NoError(t, err)
	assert.False(t, flexible)

	n, err := st.CountAnalyses("run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	analysis, err := st.GetContentAnalysis("https://example.com/alpha", "acme")
	require.NoError(t, err)
	require.NotNil(t, analysis)
	assert.Equal(t, 8.0, analysis.PersonaScore)
	assert.Equal(t, 6.0, analysis.JTBDScore)
	assert.Equal(t, "article", analysis.Classification)
	assert.Equal(t, "independent", analysis.SourceClass)
	assert.Equal(t, "positive", analysis.Sentiment)
	assert.InDelta(t, 0.9, analysis.Confidence, 0.001)
	assert.Equal(t, float64(3), analysis.Mentions["Acme Backup"])
	assert.Equal(t, "run-1", analysis.RunID)
	require.Len(t, analysis.Dimensions, 2)

	item, err := st.GetStateItem("run-1", types.PhaseContentAnalysis, "https://example.com/alpha")
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, item.Status)
	assert.Equal(t, 8.0, item.ProgressData["persona_score"])

	cp, err := st.GetCheckpoint("run-1", types.PhaseContentAnalysis, "completion")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.Counters["items_total"])
	assert.Equal(t, 2, cp.Counters["items_done"])
	assert.Equal(t, false, cp.StateData["flexible_completion"])
}

func TestRunEvidenceFloorCapsScore(t *testing.T) {
	fake := &fakeAI{replies: map[string]string{
		"content_analysis": analysisReply(9, 7, 50),
	}}
	settings := testSettings()
	settings.MinEvidenceWords = 120
	settings.EvidenceCapScore = 4
	a, st := newTestAnalyzer(t, fake, nil, settings)
	seedScraped(t, st, "run-1", "https://example.com/thin", longContent())

	_, err := a.Run(context.Background(), "run-1", runConfig())
	require.NoError(t, err)

	analysis, err := st.GetContentAnalysis("https://example.com/thin", "acme")
	require.NoError(t, err)
	require.NotNil(t, analysis)
	assert.Equal(t, 4.0, analysis.PersonaScore, "50 relevant words is under the 120 floor")
	require.Len(t, analysis.Dimensions, 2)
	for _, d := range analysis.Dimensions {
		assert.True(t, d.EvidenceCapped, "dimension %s", d.Dimension)
		assert.LessOrEqual(t, d.Score, 4.0)
		assert.Equal(t, 50, d.EvidenceWords)
	}
}

func TestRunRecordsScoringBreakdown(t *testing.T) {
	reg := registryFrom(t, `
dimensions:
  - name: persona
    context: Buyer alignment.
    evidence:
      min_words: 30
    rules:
      - name: press_release_discount
        field: classification
        equals: press_release
        adjust: -1.5
        rationale: Press releases announce rather than advise
`)
	fake := &fakeAI{replies: map[string]string{
		"content_analysis": `{"classification": "press_release", "source_classification": "vendor",
			"sentiment": "neutral", "confidence": 0.8,
			"dimensions": [{"name": "persona", "score": 8, "relevant_words": 200, "rationale": "solid persona fit"}]}`,
	}}
	a, st := newTestAnalyzer(t, fake, reg, testSettings())
	seedScraped(t, st, "run-1", "https://example.com/pr", longContent())

	_, err := a.Run(context.Background(), "run-1", runConfig())
	require.NoError(t, err)

	analysis, err := st.GetContentAnalysis("https://example.com/pr", "acme")
	require.NoError(t, err)
	require.NotNil(t, analysis)
	require.Len(t, analysis.Dimensions, 1)

	persona := analysis.Dimensions[0]
	assert.Equal(t, 6.5, persona.Score, "8 raw minus the 1.5 press-release discount")
	assert.False(t, persona.EvidenceCapped)
	assert.Equal(t, "solid persona fit", persona.Rationale)
	require.Len(t, persona.ScoringBreakdown, 1)
	assert.Equal(t, "press_release_discount", persona.ScoringBreakdown[0].Rule)
	assert.Equal(t, -1.5, persona.ScoringBreakdown[0].Delta)
	assert.Equal(t, "Press releases announce rather than advise", persona.ScoringBreakdown[0].Rationale)
	assert.Equal(t, 6.5, analysis.PersonaScore)
}

func TestRunAIFailureMarksItemAndCompletesFlexibly(t *testing.T) {
	fake := &fakeAI{err: &types.HTTPError{StatusCode: 401, Body: "bad key"}}
	settings := testSettings()
	settings.FlexibleAfter = "150ms"
	a, st := newTestAnalyzer(t, fake, nil, settings)
	seedScraped(t, st, "run-1", "https://example.com/alpha", longContent())

	flexible, err := a.Run(context.Background(), "run-1", runConfig())
	require.NoError(t, err)
	assert.True(t, flexible, "nothing analyzed, so only the time cut completes the phase")

	n, err := st.CountAnalyses("run-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, fake.callCount(), 1)

	item, err := st.GetStateItem("run-1", types.PhaseContentAnalysis, "https://example.com/alpha")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, item.Status)
	assert.Equal(t, types.CatAuth, item.ErrorCategory)
	assert.Contains(t, item.LastError, "401")
}

func TestRunInvalidModelJSONFailsValidation(t *testing.T) {
	fake := &fakeAI{replies: map[string]string{
		"content_analysis": "sorry, I cannot help with that",
	}}
	settings := testSettings()
	settings.FlexibleAfter = "150ms"
	a, st := newTestAnalyzer(t, fake, nil, settings)
	seedScraped(t, st, "run-1", "https://example.com/alpha", longContent())

	_, err := a.Run(context.Background(), "run-1", runConfig())
	require.NoError(t, err)

	item, err := st.GetStateItem("run-1", types.PhaseContentAnalysis, "https://example.com/alpha")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, item.Status)
	assert.Equal(t, types.CatValidation, item.ErrorCategory)
	assert.Contains(t, item.LastError, "invalid JSON")
}

func TestRunWithoutAIClientFailsItems(t *testing.T) {
	settings := testSettings()
	settings.FlexibleAfter = "150ms"
	a, st := newTestAnalyzer(t, nil, nil, settings)
	seedScraped(t, st, "run-1", "https://example.com/alpha", longContent())

	flexible, err := a.Run(context.Background(), "run-1", runConfig())
	require.NoError(t, err)
	assert.True(t, flexible)

	item, err := st.GetStateItem("run-1", types.PhaseContentAnalysis, "https://example.com/alpha")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, item.Status)
	assert.Equal(t, types.CatDependencyMissing, item.ErrorCategory)
}

func TestRunSkipsShortContent(t *testing.T) {
	fake := &fakeAI{replies: map[string]string{
		"content_analysis": analysisReply(8, 6, 200),
	}}
	a, st := newTestAnalyzer(t, fake, nil, testSettings())
	seedScraped(t, st, "run-1", "https://example.com/stub", "too thin")

	flexible, err := a.Run(context.Background(), "run-1", runConfig())
	require.NoError(t, err)
	assert.False(t, flexible)
	assert.Zero(t, fake.callCount(), "pages under the content floor never reach the model")

	n, err := st.CountAnalyses("run-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWaitFlexibleRatioCut(t *testing.T) {
	fake := &fakeAI{err: &types.HTTPError{StatusCode: 403, Body: "quota"}}
	settings := testSettings()
	settings.HardTimeout = "10s"
	a, st := newTestAnalyzer(t, fake, nil, settings)

	// 19 of 20 pages already analyzed; the straggler always fails.
	for i := 0; i < 20; i++ {
		url := fmt.Sprintf("https://example.com/p%d", i)
		seedScraped(t, st, "run-1", url, longContent())
		if i < 19 {
			require.NoError(t, st.SaveContentAnalysis(types.ContentAnalysis{
				URL: url, ProjectID: "acme", Domain: "example.com",
				PersonaScore: 5, RunID: "run-1",
			}, "fake:test"))
		}
	}

	start := time.Now()
	flexible, err := a.Run(context.Background(), "run-1", runConfig())
	require.NoError(t, err)
	assert.True(t, flexible, "19/20 meets the 95% ratio cut")
	assert.Less(t, time.Since(start), 5*time.Second, "the ratio cut must not wait for the clock")

	cp, err := st.GetCheckpoint("run-1", types.PhaseContentAnalysis, "completion")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, true, cp.StateData["flexible_completion"])
}

func TestWaitHardTimeoutFailsPhase(t *testing.T) {
	fake := &fakeAI{err: &types.HTTPError{StatusCode: 401, Body: "bad key"}}
	settings := testSettings()
	settings.FlexibleAfter = "1h"
	settings.HardTimeout = "200ms"
	a, st := newTestAnalyzer(t, fake, nil, settings)
	seedScraped(t, st, "run-1", "https://example.com/alpha", longContent())

	_, err := a.Run(context.Background(), "run-1", runConfig())
	require.Error(t, err)
	assert.Equal(t, types.CatTimeout, types.CategoryOf(err))
	assert.Contains(t, err.Error(), "analysis incomplete")
}

func TestWaitBlocksFullCompletionOnUnresolvedChannels(t *testing.T) {
	fake := &fakeAI{replies: map[string]string{
		"content_analysis": analysisReply(8, 6, 200),
	}}
	a, st := newTestAnalyzer(t, fake, nil, testSettings())
	seedScraped(t, st, "run-1", "https://example.com/alpha", longContent())
	require.NoError(t, st.UpsertVideoSnapshot(types.VideoSnapshot{
		VideoID:   "vid-1",
		URL:       "https://www.youtube.com/watch?v=vid-1",
		ChannelID: "UC9",
		RunID:     "run-1",
	}))

	flexible, err := a.Run(context.Background(), "run-1", runConfig())
	require.NoError(t, err)
	assert.True(t, flexible, "an unmapped channel blocks full completion, leaving the ratio cut")

	n, err := st.CountAnalyses("run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMonitorPicksUpLateScrapes(t *testing.T) {
	fake := &fakeAI{replies: map[string]string{
		"content_analysis": analysisReply(7, 5, 150),
	}}
	a, st := newTestAnalyzer(t, fake, nil, testSettings())

	m := a.StartMonitor(context.Background(), "run-1", runConfig())
	defer m.Stop()

	// Nothing scraped yet; the monitor idles.
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, fake.callCount())

	seedScraped(t, st, "run-1", "https://example.com/late", longContent())
	require.Eventually(t, func() bool {
		n, err := st.CountAnalyses("run-1")
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond, "rows landing mid-run are analyzed without a restart")

	flexible, err := m.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, flexible)
}

func TestWaitHonorsCanceledContext(t *testing.T) {
	fake := &fakeAI{err: &types.HTTPError{StatusCode: 401, Body: "bad key"}}
	a, st := newTestAnalyzer(t, fake, nil, testSettings())
	seedScraped(t, st, "run-1", "https://example.com/alpha", longContent())

	ctx, cancel := context.WithCancel(context.Background())
	m := a.StartMonitor(context.Background(), "run-1", runConfig())
	defer m.Stop()

	go func() {
		time.Sleep(80 * time.Millisecond)
		cancel()
	}()
	_, err := m.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestScoreDimensionEvidenceFloor(t *testing.T) {
	a := &Analyzer{settings: config.AnalysisSettings{MinEvidenceWords: 120, EvidenceCapScore: 4}}

	ds := a.scoreDimension(Dimension{Name: "persona"},
		modelDimension{Name: "persona", Score: 9, RelevantWords: 50}, &modelResponse{})
	assert.Equal(t, 4.0, ds.Score)
	assert.True(t, ds.EvidenceCapped)
	assert.Equal(t, 50, ds.EvidenceWords)

	ds = a.scoreDimension(Dimension{Name: "persona"},
		modelDimension{Name: "persona", Score: 9, RelevantWords: 150}, &modelResponse{})
	assert.Equal(t, 9.0, ds.Score)
	assert.False(t, ds.EvidenceCapped)

	// A low score under thin evidence stays put; the floor only caps.
	ds = a.scoreDimension(Dimension{Name: "persona"},
		modelDimension{Name: "persona", Score: 2, RelevantWords: 10}, &modelResponse{})
	assert.Equal(t, 2.0, ds.Score)
	assert.False(t, ds.EvidenceCapped)

	// Per-dimension evidence beats the settings defaults.
	strict := Dimension{Name: "persona", Evidence: EvidenceRule{MinWords: 300, CapScore: 2}}
	ds = a.scoreDimension(strict,
		modelDimension{Name: "persona", Score: 9, RelevantWords: 150}, &modelResponse{})
	assert.Equal(t, 2.0, ds.Score)
	assert.True(t, ds.EvidenceCapped)
}

func TestScoreDimensionRuleAdjustments(t *testing.T) {
	a := &Analyzer{settings: config.AnalysisSettings{}}
	dim := Dimension{
		Name: "persona",
		Rules: []ContextualRule{
			{Name: "bonus", Field: FieldSource, Equals: "independent", Adjust: 1.5, Rationale: "independent voice"},
			{Name: "penalty", Field: FieldSentiment, Equals: "negative", Adjust: -2},
		},
	}

	resp := &modelResponse{Source: "Independent", Sentiment: "positive"}
	ds := a.scoreDimension(dim, modelDimension{Name: "persona", Score: 7, RelevantWords: 500}, resp)
	assert.Equal(t, 8.5, ds.Score, "field matching is case-insensitive")
	require.Len(t, ds.ScoringBreakdown, 1)
	assert.Equal(t, "bonus", ds.ScoringBreakdown[0].Rule)
	assert.Equal(t, 1.5, ds.ScoringBreakdown[0].Delta)

	resp = &modelResponse{Source: "vendor", Sentiment: "negative"}
	ds = a.scoreDimension(dim, modelDimension{Name: "persona", Score: 1, RelevantWords: 500}, resp)
	assert.Equal(t, 0.0, ds.Score, "adjustments clamp to the 0-10 range")
	require.Len(t, ds.ScoringBreakdown, 1)
	assert.Equal(t, "penalty", ds.ScoringBreakdown[0].Rule)
}

func TestWorkerCountRespectsOverrides(t *testing.T) {
	a := &Analyzer{settings: config.AnalysisSettings{Concurrency: 4}}
	assert.Equal(t, 4, a.workerCount(nil))
	assert.Equal(t, 7, a.workerCount(&types.PipelineConfig{AnalysisConcurrency: 7}))
	assert.Equal(t, maxWorkers, a.workerCount(&types.PipelineConfig{AnalysisConcurrency: 500}))

	a = &Analyzer{settings: config.AnalysisSettings{}}
	assert.Equal(t, defaultWorkers, a.workerCount(nil))
}

func TestUserPromptCarriesDimensionLadder(t *testing.T) {
	row := store.AnalyzableRow{
		URL:     "https://example.com/alpha",
		Domain:  "example.com",
		Title:   "Backup Guide",
		Content: "Recovery objectives matter.",
	}
	prompt := userPrompt(row, DefaultDimensions())
	assert.Contains(t, prompt, "## persona (Persona Alignment)")
	assert.Contains(t, prompt, "## jtbd")
	assert.Contains(t, prompt, "0: No connection to the persona")
	assert.Contains(t, prompt, "https://example.com/alpha")
	assert.Contains(t, prompt, "Recovery objectives matter.")
}

func TestAnalysisSchemaEnumeratesDimensionNames(t *testing.T) {
	schema := analysisSchema(DefaultDimensions())
	props := schema["properties"].(map[string]any)
	items := props["dimensions"].(map[string]any)["items"].(map[string]any)
	nameProp := items["properties"].(map[string]any)["name"].(map[string]any)
	assert.Equal(t, []string{"persona", "jtbd"}, nameProp["enum"])
}

func TestTruncateCutsAtWordBoundary(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 100))

	long := strings.Repeat("word ", 100)
	want := strings.TrimSuffix(strings.Repeat("word ", 10), " ") + " ..."
	assert.Equal(t, want, truncate(long, 52), "the cut backs up to the last full word")
}
