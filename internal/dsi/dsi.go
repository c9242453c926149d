package dsi

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/serp"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

// defaultPersonaScore is the neutral relevance assigned to entities with no
// analyzed page.
const defaultPersonaScore = 5.0

const (
	channelOrganic = "organic"
	channelNews    = "news"
	channelVideo   = "video"
)

// Calculator produces a run's DSI rankings from stored pipeline data. It
// makes no external calls; everything it needs is already in the store.
type Calculator struct {
	st *store.Store
}

func NewCalculator(st *store.Store) *Calculator {
	return &Calculator{st: st}
}

// Result summarizes one DSI pass for the phase record. A non-empty
// SkipReasons means no scores were produced and the phase should be marked
// skipped rather than failed.
type Result struct {
	SkipReasons      []string
	OrganicCompanies int
	NewsPublishers   int
	VideoCompanies   int
	CompaniesRanked  int
	PagesScored      int
}

func (r *Result) Skipped() bool { return len(r.SkipReasons) > 0 }

// Counts flattens the result for the phase summary row.
func (r *Result) Counts() map[string]int {
	return map[string]int{
		"organic_companies": r.OrganicCompanies,
		"news_publishers":   r.NewsPublishers,
		"video_companies":   r.VideoCompanies,
		"companies_ranked":  r.CompaniesRanked,
		"pages_scored":      r.PagesScored,
	}
}

// Run scores the run's companies and pages across all channels, then ranks
// the company table. Missing predecessor data skips the pass instead of
// failing it.
func (c *Calculator) Run(ctx context.Context, runID string) (*Result, error) {
	rows, err := c.st.SerpTrafficRows(runID)
	if err != nil {
		return nil, fmt.Errorf("load serp rows: %w", err)
	}
	analyses, err := c.st.CountAnalyses(runID)
	if err != nil {
		return nil, fmt.Errorf("count analyses: %w", err)
	}

	res := &Result{}
	if len(rows) == 0 {
		res.SkipReasons = append(res.SkipReasons, "no serp results collected for this run")
	}
	if analyses == 0 {
		res.SkipReasons = append(res.SkipReasons, "no content analyses stored for this run")
	}
	if res.Skipped() {
		logging.DSI("Run %s: dsi calculation skipped: %s", runID, strings.Join(res.SkipReasons, "; "))
		return res, nil
	}

	persona, err := c.st.PersonaScoreByURL(runID)
	if err != nil {
		return nil, fmt.Errorf("load persona scores: %w", err)
	}
	snapshots, err := c.st.VideoSnapshotsForRun(runID)
	if err != nil {
		return nil, fmt.Errorf("load video snapshots: %w", err)
	}
	channelCompany, err := c.channelMappings(snapshots)
	if err != nil {
		return nil, err
	}

	organic, news := newMarket(), newMarket()
	var videoRows []store.SerpTrafficRow
	for _, row := range rows {
		switch row.SerpType {
		case types.ContentOrganic:
			organic.add(row)
		case types.ContentNews:
			news.add(row)
		case types.ContentVideo:
			videoRows = append(videoRows, row)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Persona alignment looks across both text channels: a publisher's
	// organic pages vouch for its news presence and vice versa.
	textURLs := map[string]map[string]struct{}{}
	mergeURLs(textURLs, organic)
	mergeURLs(textURLs, news)

	if res.OrganicCompanies, err = c.scoreCompanies(runID, organic, persona, channelOrganic); err != nil {
		return nil, err
	}
	if res.NewsPublishers, err = c.scoreCompanies(runID, news, persona, channelNews); err != nil {
		return nil, err
	}
	if res.VideoCompanies, err = c.scoreVideoCompanies(runID, videoRows, snapshots, channelCompany, textURLs, persona); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	date := store.SnapshotDateFor(time.Now())
	nOrganic, err := c.scoreTextPages(runID, organic, persona, types.ContentOrganic, date)
	if err != nil {
		return nil, err
	}
	nNews, err := c.scoreTextPages(runID, news, persona, types.ContentNews, date)
	if err != nil {
		return nil, err
	}
	nVideo, err := c.scoreVideoPages(runID, videoRows, snapshots, channelCompany, date)
	if err != nil {
		return nil, err
	}
	res.PagesScored = nOrganic + nNews + nVideo

	if err := c.st.AssignDSIRanks(runID); err != nil {
		return nil, fmt.Errorf("assign ranks: %w", err)
	}
	if res.CompaniesRanked, err = c.st.CountDSIScores(runID); err != nil {
		return nil, fmt.Errorf("count scores: %w", err)
	}

	c.checkpoint(runID, res)
	logging.DSI("Run %s: ranked %d companies (%d organic, %d news, %d video), scored %d pages",
		runID, res.CompaniesRanked, res.OrganicCompanies, res.NewsPublishers, res.VideoCompanies, res.PagesScored)
	return res, nil
}

func (c *Calculator) checkpoint(runID string, res *Result) {
	data := map[string]any{}
	for k, v := range res.Counts() {
		data[k] = v
	}
	if err := c.st.SaveCheckpoint(runID, types.PhaseDSICalculation, "calc", data, res.CompaniesRanked, res.CompaniesRanked); err != nil {
		logging.DSIWarn("Run %s: failed to checkpoint dsi results: %v", runID, err)
	}
}

// channelMappings resolves every channel referenced by the run's snapshots
// to its cached company, keyed by channel id. Unresolved channels map to
// nil and drop out of the company ranking.
func (c *Calculator) channelMappings(snaps []types.VideoSnapshot) (map[string]*types.ChannelMapping, error) {
	out := map[string]*types.ChannelMapping{}
	for _, s := range snaps {
		if s.ChannelID == "" {
			continue
		}
		if _, ok := out[s.ChannelID]; ok {
			continue
		}
		m, err := c.st.GetChannelMapping(s.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("load channel mapping %s: %w", s.ChannelID, err)
		}
		out[s.ChannelID] = m
	}
	return out, nil
}

// market aggregates one SERP channel for a run.
type market struct {
	rows     []store.SerpTrafficRow
	keywords map[int64]struct{}
	traffic  float64
	results  int
	byDomain map[string]*entity
}

type entity struct {
	keywords map[int64]struct{}
	traffic  float64
	results  int
	top10    int
	urls     map[string]struct{}
}

func newMarket() *market {
	return &market{keywords: map[int64]struct{}{}, byDomain: map[string]*entity{}}
}

func (m *market) add(row store.SerpTrafficRow) {
	t := EstimatedTraffic(row.AvgMonthlySearches, row.Position)
	m.rows = append(m.rows, row)
	m.keywords[row.KeywordID] = struct{}{}
	m.traffic += t
	m.results++

	if row.Domain == "" {
		return
	}
	e := m.byDomain[row.Domain]
	if e == nil {
		e = &entity{keywords: map[int64]struct{}{}, urls: map[string]struct{}{}}
		m.byDomain[row.Domain] = e
	}
	e.keywords[row.KeywordID] = struct{}{}
	e.traffic += t
	e.results++
	if row.Position >= 1 && row.Position <= 10 {
		e.top10++
	}
	e.urls[row.URL] = struct{}{}
}

func (m *market) domains() []string {
	out := make([]string, 0, len(m.byDomain))
	for d := range m.byDomain {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func mergeURLs(dst map[string]map[string]struct{}, m *market) {
	for domain, e := range m.byDomain {
		set := dst[domain]
		if set == nil {
			set = map[string]struct{}{}
			dst[domain] = set
		}
		for u := range e.urls {
			set[u] = struct{}{}
		}
	}
}

// scoreCompanies writes one DSI row per domain in the channel's market.
// Organic weighs keyword coverage against traffic share; news weighs
// appearance share against keyword coverage. Both scale by persona
// relevance and store in [0,1].
func (c *Calculator) scoreCompanies(runID string, m *market, persona map[string]float64, channel string) (int, error) {
	if m.results == 0 {
		return 0, nil
	}
	names, err := c.st.CompanyNamesByDomain(m.domains())
	if err != nil {
		logging.DSIWarn("Run %s: company name lookup failed: %v", runID, err)
		names = map[string]string{}
	}

	count := 0
	for domain, e := range m.byDomain {
		kc := share(float64(len(e.keywords)), float64(len(m.keywords)))
		ts := share(e.traffic, m.traffic)
		appearance := share(float64(e.results), float64(m.results))
		pr := personaAverage(e.urls, persona)

		var score float64
		if channel == channelOrganic {
			score = kc * ts * (pr / 10)
		} else {
			score = appearance * kc * (pr / 10)
		}

		row := types.DSIScore{
			RunID:            runID,
			CompanyDomain:    domain,
			CompanyName:      names[domain],
			KeywordOverlap:   pct(kc),
			TrafficShare:     pct(ts),
			ContentRelevance: pr,
			MarketPresence:   pct(appearance),
			SerpVisibility:   pct(share(float64(e.top10), float64(e.results))),
			Score:            score,
			Metadata: map[string]any{
				"channel":  channel,
				"results":  e.results,
				"keywords": len(e.keywords),
				"pages":    len(e.urls),
			},
		}
		if err := c.st.UpsertDSIScore(row); err != nil {
			return count, fmt.Errorf("upsert %s score for %s: %w", channel, domain, err)
		}
		count++
	}
	return count, nil
}

// scoreVideoCompanies attributes the run's video results to companies via
// their resolved channels and scores them like a news publisher: share of
// appearances, keyword coverage, persona alignment from the company's text
// pages.
func (c *Calculator) scoreVideoCompanies(runID string, rows []store.SerpTrafficRow, snaps []types.VideoSnapshot,
	channelCompany map[string]*types.ChannelMapping, textURLs map[string]map[string]struct{}, persona map[string]float64) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	idChannel := make(map[string]string, len(snaps))
	for _, s := range snaps {
		idChannel[s.VideoID] = s.ChannelID
	}

	type videoEntity struct {
		name     string
		keywords map[int64]struct{}
		results  int
	}
	byDomain := map[string]*videoEntity{}
	marketKeywords := map[int64]struct{}{}
	unmapped := 0
	for _, row := range rows {
		marketKeywords[row.KeywordID] = struct{}{}
		mapping := channelCompany[idChannel[serp.VideoIDFromURL(row.URL)]]
		if mapping == nil || mapping.CompanyDomain == "" {
			unmapped++
			continue
		}
		e := byDomain[mapping.CompanyDomain]
		if e == nil {
			e = &videoEntity{name: mapping.CompanyName, keywords: map[int64]struct{}{}}
			byDomain[mapping.CompanyDomain] = e
		}
		e.keywords[row.KeywordID] = struct{}{}
		e.results++
	}
	if unmapped > 0 {
		logging.DSIDebug("Run %s: %d video results without a company mapping", runID, unmapped)
	}

	count := 0
	for domain, e := range byDomain {
		kc := share(float64(len(e.keywords)), float64(len(marketKeywords)))
		appearance := share(float64(e.results), float64(len(rows)))
		pr := personaAverage(textURLs[domain], persona)

		row := types.DSIScore{
			RunID:            runID,
			CompanyDomain:    domain,
			CompanyName:      e.name,
			KeywordOverlap:   pct(kc),
			ContentRelevance: pr,
			MarketPresence:   pct(appearance),
			Score:            appearance * kc * (pr / 10),
			Metadata: map[string]any{
				"channel":  channelVideo,
				"results":  e.results,
				"keywords": len(e.keywords),
			},
		}
		if err := c.st.UpsertDSIScore(row); err != nil {
			return count, fmt.Errorf("upsert video score for %s: %w", domain, err)
		}
		count++
	}
	return count, nil
}

// personaAverage is the mean persona score across an entity's analyzed
// pages. Entities with no analyzed page sit at the neutral default.
func personaAverage(urls map[string]struct{}, persona map[string]float64) float64 {
	var sum float64
	var n int
	for u := range urls {
		if s, ok := persona[u]; ok {
			sum += s
			n++
		}
	}
	if n == 0 {
		return defaultPersonaScore
	}
	return sum / float64(n)
}

func share(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole
}

func pct(frac float64) float64 { return frac * 100 }
