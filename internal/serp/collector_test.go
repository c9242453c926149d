package serp

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketvane/internal/config"
	"marketvane/internal/resilience"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

// fakeProvider scripts the batch lifecycle without a network.
type fakeProvider struct {
	mu         sync.Mutex
	created    int
	searches   map[string][]Search
	started    map[string]bool
	resultSets map[string][]ResultSet
	pages      map[string][]byte
	readyAfter int32 // GetBatch polls before the batch reports idle
	polls      atomic.Int32
	createErr  error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		searches:   make(map[string][]Search),
		started:    make(map[string]bool),
		resultSets: make(map[string][]ResultSet),
		pages:      make(map[string][]byte),
		readyAfter: 1,
	}
}

func (f *fakeProvider) CreateBatch(ctx context.Context, name string, opts BatchOptions) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("B%d", f.created), nil
}

func (f *fakeProvider) AddSearches(ctx context.Context, batchID string, searches []Search) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches[batchID] = append(f.searches[batchID], searches...)
	return nil
}

func (f *fakeProvider) StartBatch(ctx context.Context, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[batchID] = true
	return nil
}

func (f *fakeProvider) GetBatch(ctx context.Context, batchID string) (*BatchInfo, error) {
	status, results := "running", 0
	if f.polls.Add(1) >= f.readyAfter {
		status, results = "idle", 1
	}
	return &BatchInfo{ID: batchID, Status: status, ResultsCount: results}, nil
}

func (f *fakeProvider) ListResultSets(ctx context.Context, batchID string) ([]ResultSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resultSets[batchID], nil
}

func (f *fakeProvider) Download(ctx context.Context, link string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.pages[link]
	if !ok {
		return nil, fmt.Errorf("no such page: %s", link)
	}
	return data, nil
}

func newTestCollector(t *testing.T, provider Provider, cfg config.SerpProviderConfig) (*Collector, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	retry, err := resilience.NewRetryManager(st)
	require.NoError(t, err)
	breakers := resilience.NewRegistry(st, config.BreakersConfig{})
	return NewCollector(st, provider, breakers, retry, cfg), st
}

func fastSerpConfig() config.SerpProviderConfig {
	return config.SerpProviderConfig{
		MaxResultsPerType: 5,
		PollInterval:      2 * time.Millisecond,
		PollTimeout:       2 * time.Second,
	}
}

func TestCollectEndToEnd(t *testing.T) {
	fake := newFakeProvider()
	fake.readyAfter = 3 // stay "running" for two polls first
	c, st := newTestCollector(t, fake, fastSerpConfig())

	kwID, err := st.UpsertKeyword("acme", "cloud storage", "US", "")
	require.NoError(t, err)

	endedAt := time.Date(2025, 6, 15, 10, 20, 0, 0, time.UTC)
	fake.resultSets["B1"] = []ResultSet{{
		ID:      "7",
		EndedAt: endedAt,
		Links:   DownloadLinks{CSVPages: []string{"p1.csv"}},
	}}
	fake.pages["p1.csv"] = []byte(fmt.Sprintf(
		"custom_id,query,link,position\n%d|US,cloud storage,https://example.com/a,1\n%d|US,cloud storage,https://example.com/b,2\n",
		kwID, kwID,
	))

	cfg := &types.PipelineConfig{
		ClientID:     "acme",
		ContentTypes: []types.ContentType{types.ContentOrganic},
	}
	n, err := c.Collect(context.Background(), "run-1", cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Provider saw the searches and the batch was started.
	require.Len(t, fake.searches["B1"], 1)
	assert.Equal(t, "cloud storage", fake.searches["B1"][0].Query)
	assert.Equal(t, fmt.Sprintf("%d|US", kwID), fake.searches["B1"][0].CustomID)
	assert.Equal(t, 5, fake.searches["B1"][0].MaxResults)
	assert.True(t, fake.started["B1"])

	// Rows landed with the provider's ended_at as search_date.
	rows, err := st.SerpResultsForRun("run-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].SearchDate.Equal(endedAt), "search_date should come from the result set")

	// The per-search tracking row completed with its result count.
	item, err := st.GetStateItem("run-1", types.PhaseSerpCollection, "cloud storage:US:organic")
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, item.Status)
	assert.Equal(t, float64(2), item.ProgressData["results"])
}

func TestCollectReattachesToCheckpointedBatch(t *testing.T) {
	fake := newFakeProvider()
	c, st := newTestCollector(t, fake, fastSerpConfig())

	kwID, err := st.UpsertKeyword("acme", "cloud storage", "US", "")
	require.NoError(t, err)

	// A previous attempt created and started batch B9, checkpointed it, and
	// died before ingesting anything.
	fake.started["B9"] = true
	fake.resultSets["B9"] = []ResultSet{{
		ID:      "7",
		EndedAt: time.Date(2025, 6, 15, 10, 20, 0, 0, time.UTC),
		Links:   DownloadLinks{CSVPages: []string{"p1.csv"}},
	}}
	fake.pages["p1.csv"] = []byte(fmt.Sprintf(
		"custom_id,query,link,position\n%d|US,cloud storage,https://example.com/a,1\n", kwID,
	))
	require.NoError(t, st.SaveCheckpoint("run-1", types.PhaseSerpCollection, "batch_organic",
		map[string]any{"batch_id": "B9", "searches": 1}, 1, 0))

	cfg := &types.PipelineConfig{
		ClientID:     "acme",
		ContentTypes: []types.ContentType{types.ContentOrganic},
	}
	n, err := c.Collect(context.Background(), "run-1", cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, fake.created, "resume must reuse the checkpointed batch, not buy a new one")
}

func TestCollectVideoFallsBackToJSON(t *testing.T) {
	fake := newFakeProvider()
	c, st := newTestCollector(t, fake, fastSerpConfig())

	kwID, err := st.UpsertKeyword("acme", "best crm", "US", "")
	require.NoError(t, err)

	fake.resultSets["B1"] = []ResultSet{{
		ID:      "9",
		EndedAt: time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC),
		Links:   DownloadLinks{JSONPages: []string{"p1.json"}},
	}}
	fake.pages["p1.json"] = []byte(fmt.Sprintf(`[{
		"search": {"q": "best crm", "custom_id": "%d|US"},
		"result": {"video_results": [
			{"position": 1, "title": "CRM Review", "link": "https://www.youtube.com/watch?v=abc123",
			 "length": "12:34", "channel": {"id": "UC123", "title": "Tech Channel"}}
		]}
	}]`, kwID))

	cfg := &types.PipelineConfig{
		ClientID:     "acme",
		ContentTypes: []types.ContentType{types.ContentVideo},
	}
	n, err := c.Collect(context.Background(), "run-v", cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := st.VideoSerpResults("run-v")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "abc123", rows[0].Provider["video_id"])
	assert.Equal(t, "UC123", rows[0].Provider["channel_id"])
}

func TestCollectMarksEmptySearchesCompleted(t *testing.T) {
	fake := newFakeProvider()
	c, st := newTestCollector(t, fake, fastSerpConfig())

	kwA, err := st.UpsertKeyword("acme", "cloud storage", "US", "")
	require.NoError(t, err)
	_, err = st.UpsertKeyword("acme", "obscure nonsense query", "US", "")
	require.NoError(t, err)

	fake.resultSets["B1"] = []ResultSet{{
		ID:    "3",
		Links: DownloadLinks{CSVPages: []string{"p1.csv"}},
	}}
	// Only the first keyword produced anything.
	fake.pages["p1.csv"] = []byte(fmt.Sprintf(
		"custom_id,query,link,position\n%d|US,cloud storage,https://example.com/a,1\n", kwA,
	))

	cfg := &types.PipelineConfig{
		ClientID:     "acme",
		ContentTypes: []types.ContentType{types.ContentOrganic},
	}
	_, err = c.Collect(context.Background(), "run-2", cfg)
	require.NoError(t, err)

	progress, err := st.PhaseItemProgress("run-2", types.PhaseSerpCollection)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 2, progress.ByStatus[types.StateCompleted])

	empty, err := st.GetStateItem("run-2", types.PhaseSerpCollection, "obscure nonsense query:US:organic")
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, empty.Status)
	assert.Equal(t, float64(0), empty.ProgressData["results"])
}

func TestProcessWebhookBatchIngests(t *testing.T) {
	fake := newFakeProvider()
	c, st := newTestCollector(t, fake, fastSerpConfig())

	kwID, err := st.UpsertKeyword("acme", "cloud storage", "US", "")
	require.NoError(t, err)
	fake.pages["hook.csv"] = []byte(fmt.Sprintf(
		"custom_id,query,link,position\n%d|US,cloud storage,https://example.com/a,1\n", kwID,
	))

	cfg := &types.PipelineConfig{ClientID: "acme"}
	keywords, err := st.KeywordsForClient("acme")
	require.NoError(t, err)
	_, err = c.CreateBatchOnly(context.Background(), "run-w", cfg, types.ContentOrganic, keywords)
	require.NoError(t, err)

	n, err := c.ProcessWebhookBatch(context.Background(), "run-w", types.ContentOrganic, ResultSet{
		ID:      "11",
		EndedAt: time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC),
		Links:   DownloadLinks{CSVPages: []string{"hook.csv"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := st.GetStateItem("run-w", types.PhaseSerpCollection, "cloud storage:US:organic")
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, item.Status)
}

func TestMonitorBatchTimesOut(t *testing.T) {
	fake := newFakeProvider()
	fake.readyAfter = 1 << 30 // never ready
	cfg := fastSerpConfig()
	cfg.PollTimeout = 20 * time.Millisecond
	c, _ := newTestCollector(t, fake, cfg)

	_, err := c.MonitorBatch(context.Background(), "run-t", types.ContentOrganic, "B1")
	require.Error(t, err)

	var pe *types.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, types.CatTimeout, pe.Category)
}

func TestCollectCreateFailurePropagates(t *testing.T) {
	fake := newFakeProvider()
	fake.createErr = &types.HTTPError{StatusCode: 400, Body: "bad batch"}
	c, st := newTestCollector(t, fake, fastSerpConfig())

	_, err := st.UpsertKeyword("acme", "cloud storage", "US", "")
	require.NoError(t, err)

	cfg := &types.PipelineConfig{
		ClientID:     "acme",
		ContentTypes: []types.ContentType{types.ContentOrganic},
	}
	_, err = c.Collect(context.Background(), "run-f", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prepare organic batch")
}

func TestCollectWithoutKeywordsFails(t *testing.T) {
	c, _ := newTestCollector(t, newFakeProvider(), fastSerpConfig())

	_, err := c.Collect(context.Background(), "run-0", &types.PipelineConfig{ClientID: "ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no keywords")
}

func TestCollectFiltersKeywordsAndRegions(t *testing.T) {
	fake := newFakeProvider()
	c, st := newTestCollector(t, fake, fastSerpConfig())

	_, err := st.UpsertKeyword("acme", "cloud storage", "US", "")
	require.NoError(t, err)
	_, err = st.UpsertKeyword("acme", "cloud storage", "UK", "")
	require.NoError(t, err)
	_, err = st.UpsertKeyword("acme", "unrelated", "US", "")
	require.NoError(t, err)

	cfg := &types.PipelineConfig{
		ClientID: "acme",
		Keywords: []string{"Cloud Storage"},
		Regions:  []string{"US"},
	}
	keywords, err := c.keywordsFor(cfg)
	require.NoError(t, err)
	require.Len(t, keywords, 1)
	assert.Equal(t, "cloud storage", keywords[0].Keyword)
	assert.Equal(t, "US", keywords[0].Region)
}

func TestWebhookURLCarriesRunAndType(t *testing.T) {
	cfg := fastSerpConfig()
	cfg.WebhookURL = "https://vane.example.com/webhooks/serp?token=s3cret"
	c, _ := newTestCollector(t, newFakeProvider(), cfg)

	raw := c.webhookFor("run-9", types.ContentNews)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "run-9", u.Query().Get("run_id"))
	assert.Equal(t, "news", u.Query().Get("content_type"))
	assert.Equal(t, "s3cret", u.Query().Get("token"))
}

func TestProviderScheduleType(t *testing.T) {
	assert.Equal(t, "daily", providerScheduleType(types.FreqDaily))
	assert.Equal(t, "weekly", providerScheduleType(types.FreqWeekly))
	assert.Equal(t, "monthly", providerScheduleType(types.FreqMonthly))
	assert.Equal(t, "monthly", providerScheduleType(types.FreqQuarterly))
	assert.Equal(t, "", providerScheduleType(""))
}

func TestNewestResultSet(t *testing.T) {
	early := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	sets := []ResultSet{
		{ID: "1", EndedAt: early},
		{ID: "2", EndedAt: late},
		{ID: "3", EndedAt: early},
	}
	got := newestResultSet(sets)
	require.NotNil(t, got)
	assert.Equal(t, "2", got.ID)

	// Ties on ended_at fall back to started_at, then id.
	sets = []ResultSet{
		{ID: "4", EndedAt: late, StartedAt: early},
		{ID: "5", EndedAt: late, StartedAt: late},
	}
	assert.Equal(t, "5", newestResultSet(sets).ID)

	assert.Nil(t, newestResultSet(nil))
}
