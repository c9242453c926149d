// Package scrape fetches the organic and news pages a run's SERP
// collection discovered and persists their extracted text for analysis.
// Pages on protected domains render through a headless browser; everything
// else goes through a plain HTTP client.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"marketvane/internal/browser"
	"marketvane/internal/config"
	"marketvane/internal/logging"
	"marketvane/internal/resilience"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

const (
	// maxBodyBytes bounds how much of a response body is read.
	maxBodyBytes = 5 << 20

	maxWorkers     = 200
	defaultWorkers = 50
)

// HeadlessFetcher renders a page in a real browser.
// *browser.SessionManager implements it.
type HeadlessFetcher interface {
	FetchHTML(ctx context.Context, url string) (*browser.Snapshot, error)
}

// Scraper drives the content_scraping phase.
type Scraper struct {
	st       *store.Store
	retry    *resilience.RetryManager
	headless HeadlessFetcher
	client   *http.Client
	settings config.ScraperSettings
}

// NewScraper wires the scraper. headless may be nil, which fails items
// on protected domains instead of rendering them.
func NewScraper(st *store.Store, retry *resilience.RetryManager, headless HeadlessFetcher, settings config.ScraperSettings) *Scraper {
	return &Scraper{
		st:       st,
		retry:    retry,
		headless: headless,
		client:   &http.Client{Timeout: settings.GetRequestTimeout()},
		settings: settings,
	}
}

// page is one normalized URL to fetch.
type page struct {
	url    string
	domain string
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeScraped
	outcomeRendered
	outcomeSkipped
)

// Run scrapes every organic and news URL of a run. Individual page
// failures persist as failed rows and never abort the sweep.
func (s *Scraper) Run(ctx context.Context, runID string, cfg *types.PipelineConfig) (int, error) {
	raw, err := s.st.ScrapableURLs(runID)
	if err != nil {
		return 0, err
	}
	pages, malformed := normalizeTargets(raw)
	if malformed > 0 {
		logging.ScrapeWarn("Run %s: %d serp urls were malformed and skipped", runID, malformed)
	}
	if len(pages) == 0 {
		logging.Scrape("Run %s has no scrapable urls", runID)
		return 0, nil
	}

	seeds := make([]store.StateItemSeed, 0, len(pages))
	for _, p := range pages {
		seeds = append(seeds, store.StateItemSeed{ItemID: p.url, ItemType: types.ItemURL})
	}
	if _, err := s.st.InitStateItems(runID, types.PhaseContentScraping, seeds); err != nil {
		return 0, err
	}

	workers := s.workers(cfg)
	logging.Scrape("Scraping %d pages for run %s (%d workers, browser enabled %v)",
		len(pages), runID, workers, s.browserAllowed())

	var scraped, rendered, skipped, failed atomic.Int64
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, p := range pages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			switch s.scrapePage(ctx, runID, p) {
			case outcomeScraped:
				scraped.Add(1)
			case outcomeRendered:
				rendered.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	done := int(scraped.Load() + rendered.Load() + skipped.Load())
	_ = s.st.SaveCheckpoint(runID, types.PhaseContentScraping, "scrape", map[string]any{
		"rendered": rendered.Load(),
		"failed":   failed.Load(),
	}, len(pages), done)

	if err := ctx.Err(); err != nil {
		return done, err
	}
	logging.Scrape("Scraping done for run %s: %d fetched, %d rendered, %d already done, %d failed",
		runID, scraped.Load(), rendered.Load(), skipped.Load(), failed.Load())
	return done, nil
}

// scrapePage fetches one page end to end and records the item outcome.
func (s *Scraper) scrapePage(ctx context.Context, runID string, p page) outcome {
	item, err := s.st.GetStateItem(runID, types.PhaseContentScraping, p.url)
	if err != nil {
		logging.ScrapeWarn("State item missing for %s: %v", p.url, err)
		return outcomeFailed
	}
	if item.Status == types.StateCompleted {
		return outcomeSkipped
	}
	if err := s.st.UpdateStateItem(item.ID, types.StateProcessing, nil, "", ""); err != nil {
		logging.ScrapeWarn("Failed to mark %s processing: %v", p.url, err)
	}

	protected := s.isProtected(p.domain)
	if protected && !s.browserAllowed() {
		msg := fmt.Sprintf("%s needs a browser session and none is configured", p.domain)
		s.persistFailure(runID, p, msg)
		s.failItem(item.ID, p.url, msg, types.CatDependencyMissing)
		return outcomeFailed
	}

	scope := resilience.RetryScope{RunID: runID, Phase: types.PhaseContentScraping, ItemID: p.url}
	var doc fetchedDoc
	usedBrowser := protected
	if protected {
		doc, err = resilience.DoValue(ctx, s.retry, scope, func(ctx context.Context) (fetchedDoc, error) {
			return s.fetchRendered(ctx, p.url)
		})
	} else {
		doc, err = resilience.DoValue(ctx, s.retry, scope, func(ctx context.Context) (fetchedDoc, error) {
			return s.fetchStatic(ctx, p.url)
		})
		// A bot wall on a plain fetch is worth one render attempt.
		if err != nil && s.browserAllowed() && isBotWall(err) {
			logging.ScrapeDebug("Plain fetch of %s refused (%v), retrying in browser", p.url, err)
			if rdoc, rerr := s.fetchRendered(ctx, p.url); rerr == nil {
				doc, err, usedBrowser = rdoc, nil, true
			}
		}
	}
	if err != nil {
		s.persistFailure(runID, p, err.Error())
		s.failItem(item.ID, p.url, err.Error(), s.retry.Categorize(err).Code)
		return outcomeFailed
	}
	if doc.finalURL != "" && doc.finalURL != p.url {
		logging.ScrapeDebug("%s redirected to %s", p.url, doc.finalURL)
	}

	title, text := ExtractContent(doc.html)
	words := len(strings.Fields(text))
	sc := types.ScrapedContent{
		URL:       p.url,
		Domain:    p.domain,
		Title:     title,
		Content:   text,
		HTML:      doc.html,
		WordCount: words,
		RunID:     runID,
	}

	if len(text) < s.minContentLength() {
		sc.Status = types.ScrapeFailed
		sc.ErrorMessage = fmt.Sprintf("content too short: %d chars after extraction", len(text))
		if err := s.st.UpsertScrapedContent(sc); err != nil {
			logging.ScrapeWarn("Failed to persist short-content row for %s: %v", p.url, err)
		}
		s.failItem(item.ID, p.url, sc.ErrorMessage, types.CatValidation)
		return outcomeFailed
	}

	sc.Status = types.ScrapeCompleted
	if err := s.st.UpsertScrapedContent(sc); err != nil {
		s.failItem(item.ID, p.url, "failed to store content: "+err.Error(), types.CatUnknown)
		return outcomeFailed
	}
	progress := map[string]any{"word_count": words}
	if usedBrowser {
		progress["rendered"] = true
	}
	s.completeItem(item.ID, p.url, progress)
	if usedBrowser {
		return outcomeRendered
	}
	return outcomeScraped
}

// fetchedDoc is raw page HTML plus where it finally came from.
type fetchedDoc struct {
	html     string
	finalURL string
}

func (s *Scraper) fetchStatic(ctx context.Context, url string) (fetchedDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fetchedDoc{}, types.NewPipelineError(types.PhaseContentScraping, types.CatValidation, err)
	}
	req.Header.Set("User-Agent", s.userAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := s.client.Do(req)
	if err != nil {
		return fetchedDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fetchedDoc{}, &types.HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(preview))}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !isHTMLContentType(ct) {
		return fetchedDoc{}, types.NewPipelineError(types.PhaseContentScraping, types.CatValidation,
			fmt.Errorf("unsupported content type %q", ct))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fetchedDoc{}, fmt.Errorf("read body: %w", err)
	}
	return fetchedDoc{html: string(body), finalURL: resp.Request.URL.String()}, nil
}

func (s *Scraper) fetchRendered(ctx context.Context, url string) (fetchedDoc, error) {
	if s.headless == nil {
		return fetchedDoc{}, types.NewPipelineError(types.PhaseContentScraping, types.CatDependencyMissing,
			errors.New("headless browser not configured"))
	}
	snap, err := s.headless.FetchHTML(ctx, url)
	if err != nil {
		return fetchedDoc{}, fmt.Errorf("render %s: %w", url, err)
	}
	return fetchedDoc{html: snap.HTML, finalURL: snap.URL}, nil
}

// isBotWall reports whether a plain fetch was refused in a way a real
// browser often gets past.
func isBotWall(err error) bool {
	switch types.StatusCodeOf(err) {
	case http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

func isHTMLContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.Contains(ct, "html")
	}
	switch mt {
	case "text/html", "application/xhtml+xml":
		return true
	}
	return false
}

func (s *Scraper) browserAllowed() bool {
	return s.settings.BrowserEnabled && s.headless != nil
}

func (s *Scraper) isProtected(domain string) bool {
	return IsProtectedDomain(domain, s.settings.ProtectedDomains)
}

func (s *Scraper) workers(cfg *types.PipelineConfig) int {
	workers := s.settings.Concurrency
	if cfg != nil && cfg.ScraperConcurrency > 0 {
		workers = cfg.ScraperConcurrency
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	return workers
}

func (s *Scraper) minContentLength() int {
	if s.settings.MinContentLength > 0 {
		return s.settings.MinContentLength
	}
	return 100
}

func (s *Scraper) userAgent() string {
	if s.settings.UserAgent != "" {
		return s.settings.UserAgent
	}
	return "Mozilla/5.0 (compatible; marketvane/1.0)"
}

// persistFailure stores a failed row so the analyzer can tell "failed"
// from "never attempted".
func (s *Scraper) persistFailure(runID string, p page, msg string) {
	sc := types.ScrapedContent{
		URL:          p.url,
		Domain:       p.domain,
		Status:       types.ScrapeFailed,
		ErrorMessage: msg,
		RunID:        runID,
	}
	if err := s.st.UpsertScrapedContent(sc); err != nil {
		logging.ScrapeWarn("Failed to persist failure row for %s: %v", p.url, err)
	}
}

func (s *Scraper) completeItem(stateID int64, url string, progress map[string]any) {
	if err := s.st.UpdateStateItem(stateID, types.StateCompleted, progress, "", ""); err != nil {
		logging.ScrapeWarn("Failed to complete scrape item %s: %v", url, err)
	}
}

func (s *Scraper) failItem(stateID int64, url, msg, category string) {
	if err := s.st.UpdateStateItem(stateID, types.StateFailed, nil, msg, category); err != nil {
		logging.ScrapeWarn("Failed to mark scrape item %s failed: %v", url, err)
	}
	logging.ScrapeWarn("Scrape failed for %s: %s", url, msg)
}
