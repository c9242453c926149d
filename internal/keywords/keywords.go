// Package keywords owns the keyword_metrics phase. It registers the run's
// keyword/region pairs in the store and, when a metrics provider is
// configured, refreshes stale search-volume data before SERP collection
// starts. The pipeline runs fine without a provider; downstream consumers
// fall back to a default volume for keywords that never got metrics.
package keywords

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"marketvane/internal/config"
	"marketvane/internal/logging"
	"marketvane/internal/resilience"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

const (
	serviceName    = "keyword_metrics"
	refreshWorkers = 10
)

// Metrics is the refreshed search-demand data for one keyword/region pair.
type Metrics struct {
	AvgMonthlySearches int
	CompetitionLevel   string
	CPC                float64
}

// MetricsProvider supplies search-volume metrics for a keyword in a region.
// Implementations wrap an external ads/keyword-planner API.
type MetricsProvider interface {
	KeywordMetrics(ctx context.Context, keyword, region string) (*Metrics, error)
}

// Service executes the keyword_metrics phase for a run.
type Service struct {
	st       *store.Store
	provider MetricsProvider // nil disables refresh
	breakers *resilience.Registry
	retry    *resilience.RetryManager
	cfg      config.KeywordsSettings
}

// New builds a keyword metrics service. provider may be nil, in which case
// Run only registers keywords and completes every item without refreshing.
func New(st *store.Store, provider MetricsProvider, breakers *resilience.Registry, retry *resilience.RetryManager, cfg config.KeywordsSettings) *Service {
	return &Service{st: st, provider: provider, breakers: breakers, retry: retry, cfg: cfg}
}

// Run registers the run's keywords, seeds per-keyword state items, and
// refreshes metrics that are missing or older than the configured max age.
// Individual refresh failures mark their item failed but do not fail the
// phase. Returns the number of keywords in scope.
func (s *Service) Run(ctx context.Context, runID string, cfg *types.PipelineConfig) (int, error) {
	if err := s.register(cfg); err != nil {
		return 0, err
	}

	all, err := s.st.KeywordsForClient(cfg.ClientID)
	if err != nil {
		return 0, fmt.Errorf("load keywords: %w", err)
	}
	rows := scopedRows(all, cfg)
	if len(rows) == 0 {
		return 0, fmt.Errorf("no keywords registered for client %s", cfg.ClientID)
	}

	seeds := make([]store.StateItemSeed, 0, len(rows))
	for _, kw := range rows {
		seeds = append(seeds, store.StateItemSeed{ItemID: itemID(kw), ItemType: types.ItemKeywordRegion})
	}
	if _, err := s.st.InitStateItems(runID, types.PhaseKeywordMetrics, seeds); err != nil {
		return 0, err
	}

	if s.provider == nil {
		logging.Keyword("No keyword metrics provider configured, keeping stored metrics for %d keywords", len(rows))
		_, err := s.st.CompleteMatchingPending(runID, types.PhaseKeywordMetrics, "%:metrics",
			map[string]any{"refreshed": false})
		return len(rows), err
	}

	maxAge := s.cfg.GetMetricsMaxAge()
	if cfg.ForceRefresh {
		maxAge = 0
	}
	staleRows, err := s.st.KeywordsNeedingMetrics(cfg.ClientID, maxAge)
	if err != nil {
		return 0, fmt.Errorf("find stale keywords: %w", err)
	}
	stale := make(map[int64]bool, len(staleRows))
	for _, kw := range staleRows {
		stale[kw.ID] = true
	}

	var refreshed, failed atomic.Int64
	sem := make(chan struct{}, refreshWorkers)
	var wg sync.WaitGroup

	for _, kw := range rows {
		if !stale[kw.ID] {
			s.completeItem(runID, kw, map[string]any{"refreshed": false})
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			if s.refreshOne(ctx, runID, kw) {
				refreshed.Add(1)
			} else {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return int(refreshed.Load()), err
	}
	logging.Keyword("Keyword metrics done for %s: %d in scope, %d refreshed, %d failed",
		cfg.ClientID, len(rows), refreshed.Load(), failed.Load())
	return len(rows), nil
}

// register upserts every keyword/region pair named by the run config.
// Clients with pre-seeded keyword lists may omit cfg.Keywords entirely.
func (s *Service) register(cfg *types.PipelineConfig) error {
	for _, kw := range cfg.Keywords {
		for _, region := range cfg.Regions {
			if _, err := s.st.UpsertKeyword(cfg.ClientID, kw, region, ""); err != nil {
				return fmt.Errorf("register keyword %q in %s: %w", kw, region, err)
			}
		}
	}
	return nil
}

// refreshOne fetches metrics for a single keyword under breaker and retry
// protection, persisting the result and the item outcome. Reports success.
func (s *Service) refreshOne(ctx context.Context, runID string, kw store.KeywordRow) bool {
	id := itemID(kw)
	item, err := s.st.GetStateItem(runID, types.PhaseKeywordMetrics, id)
	if err != nil {
		logging.KeywordWarn("State item missing for keyword %s: %v", id, err)
		return false
	}
	if err := s.st.UpdateStateItem(item.ID, types.StateProcessing, nil, "", ""); err != nil {
		logging.KeywordWarn("Failed to mark keyword %s processing: %v", id, err)
	}

	scope := resilience.RetryScope{RunID: runID, Phase: types.PhaseKeywordMetrics, ItemID: id}
	var m *Metrics
	err = s.retry.Do(ctx, scope, func(ctx context.Context) error {
		v, err := s.breakers.Get(serviceName).Execute(ctx, func(ctx context.Context) (any, error) {
			return s.provider.KeywordMetrics(ctx, kw.Keyword, kw.Region)
		})
		if err != nil {
			return err
		}
		m, _ = v.(*Metrics)
		return nil
	})
	if err != nil {
		cat := s.retry.Categorize(err)
		if uerr := s.st.UpdateStateItem(item.ID, types.StateFailed, nil, err.Error(), cat.Category); uerr != nil {
			logging.KeywordWarn("Failed to mark keyword %s failed: %v", id, uerr)
		}
		logging.KeywordWarn("Keyword metrics refresh failed for %s: %v", id, err)
		return false
	}
	if m == nil {
		if uerr := s.st.UpdateStateItem(item.ID, types.StateFailed, nil, "provider returned no metrics", types.CatUnknown); uerr != nil {
			logging.KeywordWarn("Failed to mark keyword %s failed: %v", id, uerr)
		}
		return false
	}

	if err := s.st.SaveKeywordMetrics(kw.ID, m.AvgMonthlySearches, m.CompetitionLevel, m.CPC); err != nil {
		cat := s.retry.Categorize(err)
		if uerr := s.st.UpdateStateItem(item.ID, types.StateFailed, nil, err.Error(), cat.Category); uerr != nil {
			logging.KeywordWarn("Failed to mark keyword %s failed: %v", id, uerr)
		}
		return false
	}
	if err := s.st.UpdateStateItem(item.ID, types.StateCompleted,
		map[string]any{"refreshed": true, "avg_monthly_searches": m.AvgMonthlySearches}, "", ""); err != nil {
		logging.KeywordWarn("Failed to mark keyword %s completed: %v", id, err)
	}
	return true
}

func (s *Service) completeItem(runID string, kw store.KeywordRow, progress map[string]any) {
	item, err := s.st.GetStateItem(runID, types.PhaseKeywordMetrics, itemID(kw))
	if err != nil {
		return
	}
	if item.Status == types.StateCompleted {
		return
	}
	if err := s.st.UpdateStateItem(item.ID, types.StateCompleted, progress, "", ""); err != nil {
		logging.KeywordWarn("Failed to complete keyword item %s: %v", itemID(kw), err)
	}
}

// scopedRows narrows client keywords to the run's keyword and region lists.
// Empty lists leave that axis unfiltered.
func scopedRows(rows []store.KeywordRow, cfg *types.PipelineConfig) []store.KeywordRow {
	want := make(map[string]bool, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		want[strings.ToLower(kw)] = true
	}
	regions := make(map[string]bool, len(cfg.Regions))
	for _, r := range cfg.Regions {
		regions[strings.ToLower(r)] = true
	}

	var out []store.KeywordRow
	for _, kw := range rows {
		if len(want) > 0 && !want[strings.ToLower(kw.Keyword)] {
			continue
		}
		if len(regions) > 0 && !regions[strings.ToLower(kw.Region)] {
			continue
		}
		out = append(out, kw)
	}
	return out
}

func itemID(kw store.KeywordRow) string {
	return fmt.Sprintf("%s:%s:metrics", kw.Keyword, kw.Region)
}
