package serp

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"marketvane/internal/config"
	"marketvane/internal/logging"
	"marketvane/internal/resilience"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

// serviceName is the circuit-breaker identity for the batch search provider.
const serviceName = "scale_serp"

// Collector drives the batch search provider for one pipeline run: create a
// batch per content type, fan the searches in, start, then either poll or
// accept a webhook push for the finished result sets.
type Collector struct {
	st       *store.Store
	provider Provider
	breakers *resilience.Registry
	retry    *resilience.RetryManager
	cfg      config.SerpProviderConfig
}

func NewCollector(st *store.Store, provider Provider, breakers *resilience.Registry, retry *resilience.RetryManager, cfg config.SerpProviderConfig) *Collector {
	return &Collector{st: st, provider: provider, breakers: breakers, retry: retry, cfg: cfg}
}

// call runs one provider operation through the circuit breaker, retried per
// the error taxonomy. The breaker sits inside the retry loop so every attempt
// counts against it and an open circuit fails the whole scope fast.
func (c *Collector) call(ctx context.Context, scope resilience.RetryScope, fn func(context.Context) error) error {
	return c.retry.Do(ctx, scope, func(ctx context.Context) error {
		_, err := c.breakers.Get(serviceName).Execute(ctx, func(ctx context.Context) (any, error) {
			return nil, fn(ctx)
		})
		return err
	})
}

// callValue is call for provider operations that return a value.
func callValue[T any](ctx context.Context, c *Collector, scope resilience.RetryScope, fn func(context.Context) (T, error)) (T, error) {
	return resilience.DoValue(ctx, c.retry, scope, func(ctx context.Context) (T, error) {
		v, err := c.breakers.Get(serviceName).Execute(ctx, func(ctx context.Context) (any, error) {
			return fn(ctx)
		})
		if err != nil {
			var zero T
			return zero, err
		}
		out, _ := v.(T)
		return out, nil
	})
}

// Collect runs the whole phase for a run: one provider batch per requested
// content type, created in parallel, then monitored concurrently until every
// batch delivers or times out. Returns the number of rows upserted.
func (c *Collector) Collect(ctx context.Context, runID string, cfg *types.PipelineConfig) (int, error) {
	keywords, err := c.keywordsFor(cfg)
	if err != nil {
		return 0, fmt.Errorf("load keywords: %w", err)
	}
	if len(keywords) == 0 {
		return 0, fmt.Errorf("no keywords registered for client %s", cfg.ClientID)
	}

	contentTypes := cfg.ContentTypes
	if len(contentTypes) == 0 {
		contentTypes = []types.ContentType{types.ContentOrganic}
	}

	logging.Serp("Collecting %d content types x %d searches for run %s",
		len(contentTypes), len(keywords), runID)

	var mu sync.Mutex
	batches := make(map[types.ContentType]string, len(contentTypes))

	g, gctx := errgroup.WithContext(ctx)
	for _, ct := range contentTypes {
		g.Go(func() error {
			id, err := c.batchFor(gctx, runID, cfg, ct, keywords)
			if err != nil {
				return fmt.Errorf("prepare %s batch: %w", ct, err)
			}
			mu.Lock()
			batches[ct] = id
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var total atomic.Int64
	g, gctx = errgroup.WithContext(ctx)
	for ct, id := range batches {
		g.Go(func() error {
			n, err := c.MonitorBatch(gctx, runID, ct, id)
			if err != nil {
				return fmt.Errorf("monitor %s batch: %w", ct, err)
			}
			total.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(total.Load()), err
	}
	return int(total.Load()), nil
}

// batchFor reattaches to the batch a previous attempt already started for
// this content type, creating a fresh one only when no usable checkpoint
// exists. Reattaching keeps a resumed run from re-submitting searches the
// provider has already executed. The probe is raw: any failure means create
// fresh.
func (c *Collector) batchFor(ctx context.Context, runID string, cfg *types.PipelineConfig, ct types.ContentType, keywords []store.KeywordRow) (string, error) {
	cp, err := c.st.GetCheckpoint(runID, types.PhaseSerpCollection, "batch_"+string(ct))
	if err == nil && cp != nil {
		if id, _ := cp.StateData["batch_id"].(string); id != "" {
			if _, gerr := c.provider.GetBatch(ctx, id); gerr == nil {
				logging.Serp("Run %s: reattached to existing %s batch %s", runID, ct, id)
				return id, nil
			}
			logging.SerpWarn("Run %s: checkpointed %s batch %s is gone, creating a fresh one", runID, ct, id)
		}
	}
	return c.CreateBatchOnly(ctx, runID, cfg, ct, keywords)
}

// CreateBatchOnly creates, fills, and starts one provider batch, returning
// its id without waiting for results. Per-search tracking rows are seeded
// before the first provider call so a crash mid-create is resumable.
func (c *Collector) CreateBatchOnly(ctx context.Context, runID string, cfg *types.PipelineConfig, ct types.ContentType, keywords []store.KeywordRow) (string, error) {
	searches := c.buildSearches(cfg, ct, keywords)
	if len(searches) == 0 {
		return "", fmt.Errorf("no searches to submit for %s", ct)
	}

	seeds := make([]store.StateItemSeed, len(keywords))
	for i, kw := range keywords {
		key := searchKey{KeywordID: kw.ID, Keyword: kw.Keyword, Region: kw.Region}
		seeds[i] = store.StateItemSeed{ItemID: key.itemID(ct), ItemType: types.ItemSerpSearch}
	}
	if _, err := c.st.InitStateItems(runID, types.PhaseSerpCollection, seeds); err != nil {
		return "", fmt.Errorf("seed state items: %w", err)
	}

	name := fmt.Sprintf("mv_%s_%s_%s", cfg.ClientID, ct, time.Now().UTC().Format("20060102T150405"))
	opts := BatchOptions{
		ScheduleType: providerScheduleType(cfg.ScheduleFrequency),
		WebhookURL:   c.webhookFor(runID, ct),
	}
	scope := resilience.RetryScope{RunID: runID, Phase: types.PhaseSerpCollection, ItemID: "batch:" + string(ct)}

	batchID, err := callValue(ctx, c, scope, func(ctx context.Context) (string, error) {
		return c.provider.CreateBatch(ctx, name, opts)
	})
	if err != nil {
		return "", err
	}

	if err := c.call(ctx, scope, func(ctx context.Context) error {
		return c.provider.AddSearches(ctx, batchID, searches)
	}); err != nil {
		return "", err
	}

	if err := c.call(ctx, scope, func(ctx context.Context) error {
		return c.provider.StartBatch(ctx, batchID)
	}); err != nil {
		return "", err
	}

	if err := c.st.SaveCheckpoint(runID, types.PhaseSerpCollection, "batch_"+string(ct), map[string]any{
		"batch_id": batchID,
		"searches": len(searches),
	}, len(searches), 0); err != nil {
		logging.SerpWarn("Failed to checkpoint batch %s: %v", batchID, err)
	}

	logging.Serp("Batch %s (%s) started with %d searches for run %s", batchID, ct, len(searches), runID)
	return batchID, nil
}

// MonitorBatch polls the provider until the batch goes idle with results,
// then ingests the newest result set. A batch that produces nothing inside
// the poll timeout is a timeout failure, not an empty success.
func (c *Collector) MonitorBatch(ctx context.Context, runID string, ct types.ContentType, batchID string) (int, error) {
	interval := c.cfg.GetPollInterval()
	timeout := c.cfg.GetPollTimeout()
	deadline := time.Now().Add(timeout)
	scope := resilience.RetryScope{RunID: runID, Phase: types.PhaseSerpCollection, ItemID: "batch:" + string(ct)}

	logging.Serp("Monitoring batch %s (%s): poll %s, timeout %s", batchID, ct, interval, timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		info, err := callValue(ctx, c, scope, func(ctx context.Context) (*BatchInfo, error) {
			return c.provider.GetBatch(ctx, batchID)
		})
		if err != nil {
			return 0, fmt.Errorf("poll batch %s: %w", batchID, err)
		}
		if info.Ready() {
			return c.ingestNewest(ctx, runID, ct, batchID)
		}
		logging.SerpDebug("Batch %s is %s (%d/%d results)", batchID, info.Status, info.ResultsCount, info.SearchCount)

		if time.Now().After(deadline) {
			return 0, types.NewPipelineError(types.PhaseSerpCollection, types.CatTimeout,
				fmt.Errorf("batch %s (%s) produced no results within %s", batchID, ct, timeout))
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessWebhookBatch ingests a result set announced by the provider's push
// notification, skipping the polling loop entirely.
func (c *Collector) ProcessWebhookBatch(ctx context.Context, runID string, ct types.ContentType, rs ResultSet) (int, error) {
	logging.Serp("Webhook delivery for run %s (%s): result set %s", runID, ct, rs.ID)
	return c.ingest(ctx, runID, ct, rs)
}

func (c *Collector) ingestNewest(ctx context.Context, runID string, ct types.ContentType, batchID string) (int, error) {
	scope := resilience.RetryScope{RunID: runID, Phase: types.PhaseSerpCollection, ItemID: "batch:" + string(ct)}
	sets, err := callValue(ctx, c, scope, func(ctx context.Context) ([]ResultSet, error) {
		return c.provider.ListResultSets(ctx, batchID)
	})
	if err != nil {
		return 0, fmt.Errorf("list result sets for batch %s: %w", batchID, err)
	}
	rs := newestResultSet(sets)
	if rs == nil {
		return 0, fmt.Errorf("batch %s reported results but has no result sets", batchID)
	}
	return c.ingest(ctx, runID, ct, *rs)
}

// ingest downloads every page of one result set, parses it, and upserts the
// rows. CSV pages are preferred; JSON is the fallback for searches (video)
// that publish no CSV. The provider's ended_at becomes search_date on every
// row so re-ingesting the same set is idempotent.
func (c *Collector) ingest(ctx context.Context, runID string, ct types.ContentType, rs ResultSet) (int, error) {
	scope := resilience.RetryScope{RunID: runID, Phase: types.PhaseSerpCollection, ItemID: "ingest:" + string(ct)}

	links := rs.Links.CSVPages
	parse := parseCSVResults
	if len(links) == 0 {
		links = rs.Links.JSONPages
		parse = parseJSONResults
	}
	if len(links) == 0 {
		return 0, fmt.Errorf("result set %s has no download links", rs.ID)
	}

	now := time.Now().UTC()
	var results []types.SerpResult
	for _, link := range links {
		data, err := callValue(ctx, c, scope, func(ctx context.Context) ([]byte, error) {
			return c.provider.Download(ctx, link)
		})
		if err != nil {
			return 0, fmt.Errorf("download result page: %w", err)
		}
		page, err := parse(data, ct, now)
		if err != nil {
			return 0, fmt.Errorf("parse result page: %w", err)
		}
		results = append(results, page...)
	}

	searchDate := rs.EndedAt
	if searchDate.IsZero() {
		searchDate = now
	}
	for i := range results {
		results[i].SearchDate = searchDate
		results[i].RunID = runID
	}

	upserted, err := c.st.UpsertSerpResults(results)
	if err != nil {
		return 0, fmt.Errorf("upsert serp results: %w", err)
	}

	c.markSearchesDone(runID, ct, results)

	if err := c.st.SaveCheckpoint(runID, types.PhaseSerpCollection, "ingest_"+string(ct), map[string]any{
		"result_set_id": rs.ID,
		"rows":          len(results),
		"upserted":      upserted,
	}, len(results), len(results)); err != nil {
		logging.SerpWarn("Failed to checkpoint ingest for %s: %v", ct, err)
	}

	logging.Serp("Ingested result set %s (%s): %d rows, %d upserted", rs.ID, ct, len(results), upserted)
	return upserted, nil
}

// markSearchesDone completes the per-search tracking rows. Searches that
// produced rows record their counts; the batch as a whole ran, so remaining
// pending rows for this content type complete with zero results.
func (c *Collector) markSearchesDone(runID string, ct types.ContentType, results []types.SerpResult) {
	counts := make(map[string]int)
	for _, r := range results {
		key := searchKey{KeywordID: r.KeywordID, Keyword: r.Keyword, Region: r.Location}
		counts[key.itemID(ct)]++
	}
	for itemID, n := range counts {
		item, err := c.st.GetStateItem(runID, types.PhaseSerpCollection, itemID)
		if err != nil {
			logging.SerpWarn("No tracking row for %s: %v", itemID, err)
			continue
		}
		if err := c.st.UpdateStateItem(item.ID, types.StateCompleted, map[string]any{"results": n}, "", ""); err != nil {
			logging.SerpWarn("Failed to complete %s: %v", itemID, err)
		}
	}
	if n, err := c.st.CompleteMatchingPending(runID, types.PhaseSerpCollection, "%:"+string(ct),
		map[string]any{"results": 0}); err != nil {
		logging.SerpWarn("Failed to complete empty searches for %s: %v", ct, err)
	} else if n > 0 {
		logging.SerpDebug("%d searches returned no results (%s)", n, ct)
	}
}

// keywordsFor loads the client's keyword rows, narrowed to the run's keyword
// and region lists when the config names them.
func (c *Collector) keywordsFor(cfg *types.PipelineConfig) ([]store.KeywordRow, error) {
	rows, err := c.st.KeywordsForClient(cfg.ClientID)
	if err != nil {
		return nil, err
	}
	if len(cfg.Keywords) == 0 && len(cfg.Regions) == 0 {
		return rows, nil
	}

	keywords := make(map[string]bool, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		keywords[strings.ToLower(k)] = true
	}
	regions := make(map[string]bool, len(cfg.Regions))
	for _, r := range cfg.Regions {
		regions[r] = true
	}

	var out []store.KeywordRow
	for _, row := range rows {
		if len(keywords) > 0 && !keywords[strings.ToLower(row.Keyword)] {
			continue
		}
		if len(regions) > 0 && !regions[row.Region] {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (c *Collector) buildSearches(cfg *types.PipelineConfig, ct types.ContentType, keywords []store.KeywordRow) []Search {
	maxResults := c.cfg.MaxResultsPerType
	if maxResults <= 0 {
		maxResults = 50
	}
	timePeriod := ""
	if ct == types.ContentNews {
		timePeriod = newsTimePeriod(cfg.ScheduleFrequency, cfg.IsInitialRun)
	}

	searches := make([]Search, 0, len(keywords))
	for _, kw := range keywords {
		searches = append(searches, Search{
			Query:      kw.Keyword,
			Location:   kw.Region,
			SearchType: providerSearchType(ct),
			TimePeriod: timePeriod,
			MaxResults: maxResults,
			CustomID:   searchKey{KeywordID: kw.ID, Keyword: kw.Keyword, Region: kw.Region}.customID(),
		})
	}
	return searches
}

// webhookFor tags the configured webhook URL with the run and content type
// so the push handler can route the notification without a reverse lookup.
func (c *Collector) webhookFor(runID string, ct types.ContentType) string {
	if c.cfg.WebhookURL == "" {
		return ""
	}
	u, err := url.Parse(c.cfg.WebhookURL)
	if err != nil {
		return c.cfg.WebhookURL
	}
	q := u.Query()
	q.Set("run_id", runID)
	q.Set("content_type", string(ct))
	u.RawQuery = q.Encode()
	return u.String()
}

// providerScheduleType maps a schedule frequency onto the provider's batch
// schedule. The provider has no quarterly cadence; the pipeline scheduler
// gates those runs, so monthly is the closest provider-side hint.
func providerScheduleType(freq types.ScheduleFrequency) string {
	switch freq {
	case types.FreqDaily:
		return "daily"
	case types.FreqWeekly:
		return "weekly"
	case types.FreqMonthly, types.FreqQuarterly:
		return "monthly"
	default:
		return ""
	}
}

// newestResultSet picks the most recent set, preferring ended_at, falling
// back to started_at, then to the highest id.
func newestResultSet(sets []ResultSet) *ResultSet {
	var best *ResultSet
	for i := range sets {
		rs := &sets[i]
		if best == nil {
			best = rs
			continue
		}
		switch {
		case rs.EndedAt.After(best.EndedAt):
			best = rs
		case rs.EndedAt.Equal(best.EndedAt) && rs.StartedAt.After(best.StartedAt):
			best = rs
		case rs.EndedAt.Equal(best.EndedAt) && rs.StartedAt.Equal(best.StartedAt) && rs.ID > best.ID:
			best = rs
		}
	}
	return best
}
