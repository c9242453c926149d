package dsi

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketvane/internal/store"
	"marketvane/internal/types"
)

const testRun = "run-dsi-1"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "dsi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedKeyword(t *testing.T, st *store.Store, keyword string, volume int) int64 {
	t.Helper()
	id, err := st.UpsertKeyword("acme", keyword, "US", "core")
	require.NoError(t, err)
	require.NoError(t, st.SaveKeywordMetrics(id, volume, "MEDIUM", 2.50))
	return id
}

func serpRow(kwID int64, keyword string, typ types.ContentType, url, domain string, pos int) types.SerpResult {
	return types.SerpResult{
		KeywordID:  kwID,
		Keyword:    keyword,
		SearchDate: time.Now().UTC(),
		Location:   "United States",
		SerpType:   typ,
		URL:        url,
		Domain:     domain,
		Position:   pos,
		Title:      "Result for " + keyword,
		RunID:      testRun,
	}
}

func seedSerp(t *testing.T, st *store.Store, rows ...types.SerpResult) {
	t.Helper()
	n, err := st.UpsertSerpResults(rows)
	require.NoError(t, err)
	require.Equal(t, len(rows), n)
}

func seedAnalysis(t *testing.T, st *store.Store, url string, persona float64) {
	t.Helper()
	err := st.SaveContentAnalysis(types.ContentAnalysis{
		URL:          url,
		ProjectID:    "acme",
		RunID:        testRun,
		PersonaScore: persona,
		JTBDScore:    persona,
		Confidence:   0.9,
		AnalyzedAt:   time.Now().UTC(),
	}, "fake:test")
	require.NoError(t, err)
}

func scoreFor(t *testing.T, scores []types.DSIScore, domain string) types.DSIScore {
	t.Helper()
	for _, s := range scores {
		if s.CompanyDomain == domain {
			return s
		}
	}
	t.Fatalf("no score for domain %s", domain)
	return types.DSIScore{}
}

func TestRunSkipsWhenNothingCollected(t *testing.T) {
	st := newTestStore(t)
	calc := NewCalculator(st)

	res, err := calc.Run(context.Background(), testRun)
	require.NoError(t, err)

	assert.True(t, res.Skipped())
	require.Len(t, res.SkipReasons, 2)
	assert.Contains(t, res.SkipReasons[0], "no serp results")
	assert.Contains(t, res.SkipReasons[1], "no content analyses")

	n, err := st.CountDSIScores(testRun)
	require.NoError(t, err)
	assert.Zero(t, n)

	cp, err := st.GetCheckpoint(testRun, types.PhaseDSICalculation, "calc")
	require.NoError(t, err)
	assert.Nil(t, cp, "a skipped pass leaves no checkpoint")
}

func TestRunSkipsWithoutAnalyses(t *testing.T) {
	st := newTestStore(t)
	kw := seedKeyword(t, st, "backup software", 1000)
	seedSerp(t, st, serpRow(kw, "backup software", types.ContentOrganic, "https://alpha.com/a", "alpha.com", 1))

	res, err := NewCalculator(st).Run(context.Background(), testRun)
	require.NoError(t, err)

	assert.True(t, res.Skipped())
	require.Len(t, res.SkipReasons, 1)
	assert.Contains(t, res.SkipReasons[0], "no content analyses")
}

func TestRunScoresOrganicMarket(t *testing.T) {
	st := newTestStore(t)
	kw1 := seedKeyword(t, st, "backup software", 1000)
	kw2 := seedKeyword(t, st, "disaster recovery", 500)
	seedSerp(t, st,
		serpRow(kw1, "backup software", types.ContentOrganic, "https://alpha.com/a", "alpha.com", 1),
		serpRow(kw1, "backup software", types.ContentOrganic, "https://beta.com/b", "beta.com", 2),
		serpRow(kw2, "disaster recovery", types.ContentOrganic, "https://alpha.com/c", "alpha.com", 1),
	)
	seedAnalysis(t, st, "https://alpha.com/a", 8)
	seedAnalysis(t, st, "https://alpha.com/c", 6)
	require.NoError(t, st.UpsertCompanyProfile(types.CompanyProfile{
		Domain: "alpha.com", CompanyName: "Alpha Data", SourceType: types.SourceCompetitor, Confidence: 0.9,
	}))

	res, err := NewCalculator(st).Run(context.Background(), testRun)
	require.NoError(t, err)

	assert.False(t, res.Skipped())
	assert.Equal(t, 2, res.OrganicCompanies)
	assert.Zero(t, res.NewsPublishers)
	assert.Equal(t, 2, res.CompaniesRanked)
	assert.Equal(t, 3, res.PagesScored)

	trafficAlpha := EstimatedTraffic(1000, 1) + EstimatedTraffic(500, 1)
	trafficBeta := EstimatedTraffic(1000, 2)
	total := trafficAlpha + trafficBeta

	scores, err := st.GetDSIScores(testRun)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "alpha.com", scores[0].CompanyDomain, "ranked by score descending")
	assert.Equal(t, 1, scores[0].Rank)
	assert.Equal(t, 2, scores[1].Rank)

	alpha := scoreFor(t, scores, "alpha.com")
	assert.Equal(t, "Alpha Data", alpha.CompanyName)
	assert.InDelta(t, 100.0, alpha.KeywordOverlap, 1e-9)
	assert.InDelta(t, 100*trafficAlpha/total, alpha.TrafficShare, 1e-9)
	assert.InDelta(t, 7.0, alpha.ContentRelevance, 1e-9, "mean persona over the two analyzed pages")
	assert.InDelta(t, 100*2.0/3, alpha.MarketPresence, 1e-9)
	assert.InDelta(t, 100.0, alpha.SerpVisibility, 1e-9)
	assert.InDelta(t, 1.0*(trafficAlpha/total)*(7.0/10), alpha.Score, 1e-9)
	assert.Equal(t, "organic", alpha.Metadata["channel"])
	assert.Equal(t, float64(2), alpha.Metadata["results"])
	assert.Equal(t, float64(2), alpha.Metadata["pages"])

	beta := scoreFor(t, scores, "beta.com")
	assert.Empty(t, beta.CompanyName, "unenriched domains rank without a name")
	assert.InDelta(t, 50.0, beta.KeywordOverlap, 1e-9)
	assert.InDelta(t, 5.0, beta.ContentRelevance, 1e-9, "no analyzed page falls back to neutral")
	assert.InDelta(t, 0.5*(trafficBeta/total)*0.5, beta.Score, 1e-9)
	assert.Greater(t, alpha.Score, beta.Score)

	cp, err := st.GetCheckpoint(testRun, types.PhaseDSICalculation, "calc")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.Counters["items_total"])
	assert.Equal(t, 2, cp.Counters["items_done"])
	assert.Equal(t, float64(2), cp.StateData["companies_ranked"])
	assert.Equal(t, float64(3), cp.StateData["pages_scored"])
}

func TestRunScoresNewsPublishers(t *testing.T) {
	st := newTestStore(t)
	kw1 := seedKeyword(t, st, "backup software", 1000)
	kw2 := seedKeyword(t, st, "disaster recovery", 500)
	seedSerp(t, st,
		serpRow(kw1, "backup software", types.ContentNews, "https://reuters.com/n1", "reuters.com", 1),
		serpRow(kw2, "disaster recovery", types.ContentNews, "https://reuters.com/n2", "reuters.com", 2),
		serpRow(kw1, "backup software", types.ContentNews, "https://blog.com/n3", "blog.com", 3),
	)
	seedAnalysis(t, st, "https://reuters.com/n1", 9)

	res, err := NewCalculator(st).Run(context.Background(), testRun)
	require.NoError(t, err)

	assert.Zero(t, res.OrganicCompanies)
	assert.Equal(t, 2, res.NewsPublishers)

	scores, err := st.GetDSIScores(testRun)
	require.NoError(t, err)

	reuters := scoreFor(t, scores, "reuters.com")
	assert.InDelta(t, (2.0/3)*1.0*(9.0/10), reuters.Score, 1e-9, "appearance share x coverage x relevance")
	assert.InDelta(t, 100*2.0/3, reuters.MarketPresence, 1e-9)
	assert.InDelta(t, 100.0, reuters.KeywordOverlap, 1e-9)
	assert.Equal(t, "news", reuters.Metadata["channel"])

	blog := scoreFor(t, scores, "blog.com")
	assert.InDelta(t, (1.0/3)*0.5*0.5, blog.Score, 1e-9)
}

func TestRunKeepsBestScoreAcrossChannels(t *testing.T) {
	st := newTestStore(t)
	kw1 := seedKeyword(t, st, "backup software", 1000)
	kw2 := seedKeyword(t, st, "disaster recovery", 500)
	seedSerp(t, st,
		serpRow(kw1, "backup software", types.ContentOrganic, "https://other.com/a", "other.com", 1),
		serpRow(kw2, "disaster recovery", types.ContentOrganic, "https://other.com/b", "other.com", 1),
		serpRow(kw1, "backup software", types.ContentOrganic, "https://hybrid.com/page", "hybrid.com", 20),
		serpRow(kw1, "backup software", types.ContentNews, "https://hybrid.com/story", "hybrid.com", 1),
	)
	seedAnalysis(t, st, "https://hybrid.com/story", 10)

	res, err := NewCalculator(st).Run(context.Background(), testRun)
	require.NoError(t, err)
	assert.Equal(t, 2, res.OrganicCompanies)
	assert.Equal(t, 1, res.NewsPublishers)
	assert.Equal(t, 2, res.CompaniesRanked, "one row per domain across channels")

	scores, err := st.GetDSIScores(testRun)
	require.NoError(t, err)
	require.Len(t, scores, 2)

	// As the only news publisher with a perfectly aligned page, hybrid's news
	// score is 1.0 and displaces its own weak organic row.
	hybrid := scoreFor(t, scores, "hybrid.com")
	assert.InDelta(t, 1.0, hybrid.Score, 1e-9)
	assert.Equal(t, "news", hybrid.Metadata["channel"])
	assert.InDelta(t, 10.0, hybrid.ContentRelevance, 1e-9)
	assert.Equal(t, 1, hybrid.Rank)
	assert.Equal(t, 2, scoreFor(t, scores, "other.com").Rank)
}

func TestRunScoresVideoCompanies(t *testing.T) {
	st := newTestStore(t)
	kw1 := seedKeyword(t, st, "backup software", 1000)
	kw2 := seedKeyword(t, st, "disaster recovery", 500)
	seedSerp(t, st,
		serpRow(kw1, "backup software", types.ContentVideo, "https://www.youtube.com/watch?v=aTc3k9qGvd0", "youtube.com", 1),
		serpRow(kw2, "disaster recovery", types.ContentVideo, "https://www.youtube.com/watch?v=aTc3k9qGvd0", "youtube.com", 2),
		serpRow(kw1, "backup software", types.ContentVideo, "https://www.youtube.com/watch?v=Zx8yW2mPq14", "youtube.com", 3),
	)
	require.NoError(t, st.UpsertVideoSnapshot(types.VideoSnapshot{
		VideoID: "aTc3k9qGvd0", URL: "https://www.youtube.com/watch?v=aTc3k9qGvd0",
		ChannelID: "UCtechcorp", ChannelTitle: "TechCorp", Views: 10000, Likes: 400, Comments: 100,
		RunID: testRun, CapturedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.UpsertVideoSnapshot(types.VideoSnapshot{
		VideoID: "Zx8yW2mPq14", URL: "https://www.youtube.com/watch?v=Zx8yW2mPq14",
		ChannelID: "UCmystery", Views: 1000, Likes: 10,
		RunID: testRun, CapturedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.SaveChannelMapping(types.ChannelMapping{
		ChannelID: "UCtechcorp", ChannelTitle: "TechCorp", CompanyName: "TechCorp",
		CompanyDomain: "techcorp.com", ChannelType: "brand", Confidence: 0.92,
		ResolvedAt: time.Now().UTC(),
	}))
	seedAnalysis(t, st, "https://somewhere.com/context", 7) // satisfies the analysis precondition

	res, err := NewCalculator(st).Run(context.Background(), testRun)
	require.NoError(t, err)
	assert.Equal(t, 1, res.VideoCompanies, "the unmapped channel drops out of the ranking")
	assert.Equal(t, 2, res.PagesScored)

	scores, err := st.GetDSIScores(testRun)
	require.NoError(t, err)
	require.Len(t, scores, 1)

	tech := scoreFor(t, scores, "techcorp.com")
	assert.Equal(t, "TechCorp", tech.CompanyName)
	assert.InDelta(t, 100.0, tech.KeywordOverlap, 1e-9)
	assert.InDelta(t, 100*2.0/3, tech.MarketPresence, 1e-9)
	assert.InDelta(t, 5.0, tech.ContentRelevance, 1e-9, "no text pages to borrow persona from")
	assert.Zero(t, tech.TrafficShare)
	assert.InDelta(t, (2.0/3)*1.0*0.5, tech.Score, 1e-9)
	assert.Equal(t, "video", tech.Metadata["channel"])

	// Page snapshots: 2 appearances x 10000 views x 0.05 engagement = 1000
	// raw for the first video, 1 x 1000 x 0.01 = 10 for the second. Min-max
	// over the run puts them at 100 and 0.
	history, err := st.PageSnapshotHistory("https://www.youtube.com/watch?v=aTc3k9qGvd0", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.InDelta(t, 100.0, history[0].Score, 1e-9)
	assert.Equal(t, types.ContentVideo, history[0].ContentType)
	assert.Equal(t, "techcorp.com", history[0].Domain)

	history, err = st.PageSnapshotHistory("https://www.youtube.com/watch?v=Zx8yW2mPq14", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Zero(t, history[0].Score)
	assert.Empty(t, history[0].Domain)
}

func TestRunSnapshotsTextPages(t *testing.T) {
	st := newTestStore(t)
	kw := seedKeyword(t, st, "backup software", 1000)
	seedSerp(t, st,
		serpRow(kw, "backup software", types.ContentOrganic, "https://alpha.com/p1", "alpha.com", 1),
		serpRow(kw, "backup software", types.ContentOrganic, "https://alpha.com/p2", "alpha.com", 2),
	)
	seedAnalysis(t, st, "https://alpha.com/p1", 8)

	res, err := NewCalculator(st).Run(context.Background(), testRun)
	require.NoError(t, err)
	assert.Equal(t, 2, res.PagesScored)

	t1 := EstimatedTraffic(1000, 1)
	t2 := EstimatedTraffic(1000, 2)
	total := t1 + t2

	history, err := st.PageSnapshotHistory("https://alpha.com/p1", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	p1 := history[0]
	assert.Equal(t, testRun, p1.RunID)
	assert.Equal(t, "alpha.com", p1.Domain)
	assert.Equal(t, types.ContentOrganic, p1.ContentType)
	assert.Equal(t, store.SnapshotDateFor(time.Now()), p1.SnapshotDate)
	assert.InDelta(t, 100*t1/total, p1.TrafficShare, 1e-9)
	assert.InDelta(t, 8.0, p1.PersonaScore, 1e-9)
	assert.InDelta(t, (100*t1/total)*(8.0/10), p1.Score, 1e-9)

	history, err = st.PageSnapshotHistory("https://alpha.com/p2", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.InDelta(t, 5.0, history[0].PersonaScore, 1e-9)
	assert.InDelta(t, (100*t2/total)*0.5, history[0].Score, 1e-9)
}

func TestRunHonorsCanceledContext(t *testing.T) {
	st := newTestStore(t)
	kw := seedKeyword(t, st, "backup software", 1000)
	seedSerp(t, st, serpRow(kw, "backup software", types.ContentOrganic, "https://alpha.com/a", "alpha.com", 1))
	seedAnalysis(t, st, "https://alpha.com/a", 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCalculator(st).Run(ctx, testRun)
	require.ErrorIs(t, err, context.Canceled)

	n, err := st.CountDSIScores(testRun)
	require.NoError(t, err)
	assert.Zero(t, n, "cancellation lands before any score is written")
}

func TestPersonaAverage(t *testing.T) {
	persona := map[string]float64{
		"https://a.com/1": 8,
		"https://a.com/2": 4,
	}
	urls := map[string]struct{}{
		"https://a.com/1": {},
		"https://a.com/2": {},
		"https://a.com/3": {}, // never analyzed, excluded from the mean
	}
	assert.InDelta(t, 6.0, personaAverage(urls, persona), 1e-9)
	assert.InDelta(t, defaultPersonaScore, personaAverage(map[string]struct{}{}, persona), 1e-9)
	assert.InDelta(t, defaultPersonaScore, personaAverage(map[string]struct{}{"https://b.com": {}}, persona), 1e-9)
}

func TestMarketAddAggregates(t *testing.T) {
	m := newMarket()
	for i, pos := range []int{1, 4, 12} {
		m.add(store.SerpTrafficRow{
			KeywordID:          int64(i%2 + 1),
			SerpType:           types.ContentOrganic,
			URL:                fmt.Sprintf("https://alpha.com/%d", i),
			Domain:             "alpha.com",
			Position:           pos,
			AvgMonthlySearches: 1000,
		})
	}

	assert.Equal(t, 3, m.results)
	assert.Len(t, m.keywords, 2)
	e := m.byDomain["alpha.com"]
	require.NotNil(t, e)
	assert.Equal(t, 2, e.top10, "position 12 misses the first page")
	assert.Len(t, e.urls, 3)
	want := EstimatedTraffic(1000, 1) + EstimatedTraffic(1000, 4) + EstimatedTraffic(1000, 12)
	assert.InDelta(t, want, e.traffic, 1e-9)

	m.add(store.SerpTrafficRow{KeywordID: 9, URL: "https://x", Position: 1, AvgMonthlySearches: 100})
	assert.Equal(t, 4, m.results, "blank domains count toward the market but rank nothing")
	assert.NotContains(t, m.byDomain, "")
}
