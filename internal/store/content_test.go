package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketvane/internal/types"
)

func scrapedPage(url, runID string, chars int) types.ScrapedContent {
	return types.ScrapedContent{
		URL:       url,
		Domain:    "acme.com",
		Title:     "Acme CRM",
		Content:   strings.Repeat("x", chars),
		WordCount: chars / 5,
		Status:    types.ScrapeCompleted,
		RunID:     runID,
	}
}

func TestScrapedContentUpsert(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertScrapedContent(scrapedPage("https://acme.com/crm", "run-1", 500)))
	require.NoError(t, s.UpsertScrapedContent(scrapedPage("https://acme.com/crm", "run-2", 800)))

	sc, err := s.GetScrapedContent("https://acme.com/crm")
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, "run-2", sc.RunID)
	assert.Len(t, sc.Content, 800)

	missing, err := s.GetScrapedContent("https://never.example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFailedScrapesPersist(t *testing.T) {
	s := newTestStore(t)

	failed := types.ScrapedContent{
		URL:          "https://blocked.example.com",
		Domain:       "blocked.example.com",
		Status:       types.ScrapeFailed,
		ErrorMessage: strings.Repeat("403 forbidden ", 100),
		RunID:        "run-1",
	}
	require.NoError(t, s.UpsertScrapedContent(failed))

	sc, err := s.GetScrapedContent("https://blocked.example.com")
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, types.ScrapeFailed, sc.Status)
	assert.Len(t, sc.ErrorMessage, 1000)

	n, err := s.CountScrapedContent("run-1", types.ScrapeFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPendingAnalysisFiltersShortAndAnalyzed(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertScrapedContent(scrapedPage("https://acme.com/long", "run-1", 500)))
	require.NoError(t, s.UpsertScrapedContent(scrapedPage("https://acme.com/short", "run-1", 40)))
	require.NoError(t, s.UpsertScrapedContent(scrapedPage("https://acme.com/done", "run-1", 500)))

	require.NoError(t, s.SaveContentAnalysis(types.ContentAnalysis{
		URL: "https://acme.com/done", ProjectID: "client-1", Domain: "acme.com",
		PersonaScore: 7.5, Confidence: 0.9, RunID: "run-1",
	}, "gpt-4o-mini"))

	pending, err := s.PendingAnalysis("run-1", 100, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "https://acme.com/long", pending[0].URL)
}

func TestSaveContentAnalysisWithDimensions(t *testing.T) {
	s := newTestStore(t)

	a := types.ContentAnalysis{
		URL:            "https://acme.com/crm",
		ProjectID:      "client-1",
		Domain:         "acme.com",
		Classification: "product_page",
		PersonaScore:   8.2,
		JTBDScore:      6.5,
		Mentions:       map[string]any{"acme": float64(3)},
		SourceClass:    string(types.SourceCompetitor),
		Sentiment:      "positive",
		Confidence:     0.92,
		RunID:          "run-1",
		Dimensions: []types.DimensionScore{
			{Dimension: "persona_alignment", Score: 8.2, EvidenceWords: 45},
			{Dimension: "strategic_alignment", Score: 4.0, EvidenceWords: 12, EvidenceCapped: true,
				ScoringBreakdown: []types.ScoreAdjust{{Rule: "evidence_floor", Delta: -2, Rationale: "thin evidence"}}},
		},
	}
	require.NoError(t, s.SaveContentAnalysis(a, "gpt-4o-mini"))

	// Re-analysis replaces the row, not duplicates it.
	a.PersonaScore = 9.0
	require.NoError(t, s.SaveContentAnalysis(a, "gpt-4o-mini"))

	got, err := s.GetContentAnalysis("https://acme.com/crm", "client-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 9.0, got.PersonaScore)
	assert.Equal(t, "acme.com", got.Domain)
	require.Len(t, got.Dimensions, 2)

	capped := false
	for _, d := range got.Dimensions {
		if d.Dimension == "strategic_alignment" {
			capped = d.EvidenceCapped
			assert.Equal(t, 4.0, d.Score)
		}
	}
	assert.True(t, capped)

	n, err := s.CountAnalyses("run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	scores, err := s.PersonaScoreByURL("run-1")
	require.NoError(t, err)
	assert.Equal(t, 9.0, scores["https://acme.com/crm"])
}

func TestHasAnalyzableBacklog(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertScrapedContent(scrapedPage("https://acme.com/crm", "run-1", 500)))

	// No company profile yet: the domain is not part of the analyzable set.
	backlog, err := s.HasAnalyzableBacklog("run-1")
	require.NoError(t, err)
	assert.False(t, backlog)

	require.NoError(t, s.UpsertCompanyProfile(types.CompanyProfile{
		Domain: "acme.com", CompanyName: "Acme", SourceType: types.SourceCompetitor, Confidence: 0.8,
	}))
	backlog, err = s.HasAnalyzableBacklog("run-1")
	require.NoError(t, err)
	assert.True(t, backlog)

	require.NoError(t, s.SaveContentAnalysis(types.ContentAnalysis{
		URL: "https://acme.com/crm", ProjectID: "client-1", Domain: "acme.com", RunID: "run-1",
	}, "gpt-4o-mini"))
	backlog, err = s.HasAnalyzableBacklog("run-1")
	require.NoError(t, err)
	assert.False(t, backlog)
}
