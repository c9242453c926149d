package pipeline

import (
	"context"
	"errors"
	"fmt"

	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// Phase handlers. Each returns the result map persisted on the phase row;
// run-level counters are bumped here so the run row stays consistent even
// when a later phase fails.

func (s *Service) runKeywordPhase(ctx context.Context, runID string, cfg *types.PipelineConfig) (map[string]any, error) {
	if s.deps.Keywords == nil {
		return nil, errors.New("keyword metrics component not configured")
	}
	n, err := s.deps.Keywords.Run(ctx, runID, cfg)
	if err != nil {
		return nil, err
	}
	s.bumpCounter(runID, "keywords_processed", n)
	return map[string]any{"keywords_processed": n}, nil
}

func (s *Service) runSerpPhase(ctx context.Context, runID string, cfg *types.PipelineConfig) (map[string]any, error) {
	if cfg.ReuseSerpFromRunID != "" {
		n, err := s.st.RelinkSerpResults(cfg.ReuseSerpFromRunID, runID)
		if err != nil {
			return nil, fmt.Errorf("reuse serp from %s: %w", cfg.ReuseSerpFromRunID, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("run %s has no serp results to reuse", cfg.ReuseSerpFromRunID)
		}
		s.bumpCounter(runID, "serp_results_collected", int(n))
		logging.Pipeline("Run %s: reused %d serp results from run %s", runID, n, cfg.ReuseSerpFromRunID)
		return map[string]any{
			"serp_results": int(n),
			"reused_from":  cfg.ReuseSerpFromRunID,
		}, nil
	}

	if s.deps.Serp == nil {
		return nil, errors.New("serp collector not configured")
	}
	n, err := s.deps.Serp.Run(ctx, runID, cfg)
	if err != nil {
		return nil, err
	}
	s.bumpCounter(runID, "serp_results_collected", n)
	return map[string]any{"serp_results": n}, nil
}

func (s *Service) runCompanyPhase(ctx context.Context, runID string, cfg *types.PipelineConfig) (map[string]any, error) {
	if s.deps.Companies == nil {
		return nil, errors.New("company enricher not configured")
	}
	n, err := s.deps.Companies.Run(ctx, runID, cfg)
	if err != nil {
		return nil, err
	}
	s.bumpCounter(runID, "companies_enriched", n)
	return map[string]any{"companies_enriched": n}, nil
}

// runVideoPhase never fails the run: video enrichment is non-critical, so
// provider trouble degrades to a skip and the calculation proceeds on
// whatever landed.
func (s *Service) runVideoPhase(ctx context.Context, runID string, cfg *types.PipelineConfig) (map[string]any, error) {
	if s.deps.Videos == nil {
		return nil, Skip("video enrichment not configured")
	}
	n, err := s.deps.Videos.Run(ctx, runID, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, Skip("video enrichment aborted: " + err.Error())
	}
	s.bumpCounter(runID, "videos_enriched", n)

	progress, perr := s.st.PhaseItemProgress(runID, types.PhaseYouTubeEnrichment)
	if perr == nil && progress.ByStatus[types.StateFailed] > 0 {
		return nil, Skip(fmt.Sprintf("low success rate: %d of %d videos enriched", n, progress.Total))
	}
	return map[string]any{"videos_enriched": n}, nil
}

func (s *Service) runScrapePhase(ctx context.Context, runID string, cfg *types.PipelineConfig) (map[string]any, error) {
	if s.deps.Scraper == nil {
		return nil, errors.New("scraper not configured")
	}
	// Analysis streams behind scraping instead of waiting for it.
	s.stageMonitor(ctx, runID, cfg)

	var before map[types.StateStatus]int
	if s.metrics != nil {
		if p, err := s.st.PhaseItemProgress(runID, types.PhaseContentScraping); err == nil {
			before = p.ByStatus
		}
	}

	n, err := s.deps.Scraper.Run(ctx, runID, cfg)
	if err != nil {
		return nil, err
	}
	s.observeScrapes(runID, before)
	return map[string]any{"pages_scraped": n}, nil
}

// observeScrapes publishes this pass's newly terminal scrape items, so a
// resume does not recount the previous attempt's pages.
func (s *Service) observeScrapes(runID string, before map[types.StateStatus]int) {
	if s.metrics == nil {
		return
	}
	after, err := s.st.PhaseItemProgress(runID, types.PhaseContentScraping)
	if err != nil {
		return
	}
	for _, status := range []types.StateStatus{types.StateCompleted, types.StateFailed} {
		if d := after.ByStatus[status] - before[status]; d > 0 {
			s.metrics.PagesScraped.WithLabelValues(string(status)).Add(float64(d))
		}
	}
}

// runAnalysisPhase waits for the monitor staged during scraping. When the
// phase runs without one (analysis-only resume, or scraping skipped), a
// monitor is started here over the stored backlog.
func (s *Service) runAnalysisPhase(ctx context.Context, runID string, cfg *types.PipelineConfig) (map[string]any, error) {
	if s.deps.Analyzer == nil {
		return nil, errors.New("analyzer not configured")
	}
	m := s.takeMonitor(runID)
	if m == nil {
		pending, err := s.st.HasAnalyzableBacklog(runID)
		if err != nil {
			return nil, err
		}
		if !pending {
			return nil, Skip("no scraped content awaiting analysis")
		}
		m = s.deps.Analyzer.StartMonitor(ctx, runID, cfg)
	}
	defer m.Stop()

	flexible, err := m.Wait(ctx)
	if err != nil {
		return nil, err
	}

	analyzed, err := s.st.CountAnalyses(runID)
	if err != nil {
		return nil, err
	}
	run, err := s.st.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if delta := analyzed - run.Counters.ContentAnalyzed; delta > 0 {
		s.bumpCounter(runID, "content_analyzed", delta)
		if s.metrics != nil {
			s.metrics.ContentAnalyzed.Add(float64(delta))
		}
	}
	return map[string]any{
		"analyzed":            analyzed,
		"flexible_completion": flexible,
	}, nil
}

func (s *Service) runDSIPhase(ctx context.Context, runID string, cfg *types.PipelineConfig) (map[string]any, error) {
	if s.deps.DSI == nil {
		return nil, errors.New("dsi calculator not configured")
	}
	res, err := s.deps.DSI.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	if res.Skipped() {
		return nil, Skip(res.SkipReasons...)
	}
	s.bumpCounter(runID, "landscapes_calculated", res.CompaniesRanked)

	result := make(map[string]any)
	for k, v := range res.Counts() {
		result[k] = v
	}
	return result, nil
}
