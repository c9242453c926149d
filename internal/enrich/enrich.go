// Package enrich implements company enrichment for domains surfaced by SERP
// collection. Each distinct domain is normalized to its registrable form,
// resolved through a process-local cache and the shared profile store, and
// otherwise looked up via the provider's search-then-redeem flow, classified,
// and upserted as a CompanyProfile keyed by domain.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"marketvane/internal/ai"
	"marketvane/internal/config"
	"marketvane/internal/logging"
	"marketvane/internal/resilience"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

const serviceName = "company_data"

// Enricher executes the company_enrichment_serp phase for a run.
type Enricher struct {
	st       *store.Store
	provider Provider
	ai       ai.Client // nil disables AI ranking and classification
	breakers *resilience.Registry
	retry    *resilience.RetryManager
	limiter  *resilience.Limiter
	cache    *gocache.Cache
	flight   singleflight.Group
	settings config.EnrichSettings
}

// NewEnricher builds an enricher. aiClient may be nil; selection and
// classification then rely on the deterministic fallbacks alone.
func NewEnricher(st *store.Store, provider Provider, aiClient ai.Client, breakers *resilience.Registry,
	retry *resilience.RetryManager, providerCfg config.CompanyProviderConfig, settings config.EnrichSettings) *Enricher {
	rateLimit := providerCfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = 1000
	}
	ttl := providerCfg.GetCacheTTL()
	return &Enricher{
		st:       st,
		provider: provider,
		ai:       aiClient,
		breakers: breakers,
		retry:    retry,
		limiter:  resilience.NewLimiter(serviceName, rateLimit, providerCfg.GetRateWindow()),
		cache:    gocache.New(ttl, 2*ttl),
		settings: settings,
	}
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeEnriched
	outcomeCached
)

// Run enriches every distinct SERP domain of the run. Per-domain failures
// mark their state item failed without failing the phase; the calculator
// treats unprofiled domains as OTHER. Returns the number of domains with a
// profile after the phase (enriched plus cache hits).
func (e *Enricher) Run(ctx context.Context, runID string, cfg *types.PipelineConfig) (int, error) {
	all, err := e.st.DistinctSerpDomains(runID)
	if err != nil {
		return 0, fmt.Errorf("load serp domains: %w", err)
	}
	if len(all) == 0 {
		return 0, fmt.Errorf("run %s has no serp domains to enrich", runID)
	}

	seeds := make([]store.StateItemSeed, 0, len(all))
	for _, d := range all {
		seeds = append(seeds, store.StateItemSeed{ItemID: d, ItemType: types.ItemDomain})
	}
	if _, err := e.st.InitStateItems(runID, types.PhaseCompanyEnrichment, seeds); err != nil {
		return 0, err
	}

	// Domains already profiled (directly or through an alias) skip the
	// provider entirely.
	needing, err := e.st.DomainsNeedingEnrichment(runID)
	if err != nil {
		return 0, fmt.Errorf("find unprofiled domains: %w", err)
	}
	needsLookup := make(map[string]bool, len(needing))
	for _, d := range needing {
		needsLookup[d] = true
	}

	owned := domainSet(cfg.OwnedDomains)
	competitors := domainSet(cfg.CompetitorDomains)

	workers := e.settings.Concurrency
	if cfg.CompanyConcurrency > 0 {
		workers = cfg.CompanyConcurrency
	}
	if workers <= 0 {
		workers = 15
	}

	logging.Enrich("Enriching %d domains for run %s (%d need provider lookup, %d workers)",
		len(all), runID, len(needing), workers)

	var enriched, cached, failed atomic.Int64
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, domain := range all {
		if !needsLookup[domain] {
			e.completeItem(runID, domain, map[string]any{"cached": true})
			cached.Add(1)
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

			switch e.enrichDomain(ctx, runID, domain, owned, competitors) {
			case outcomeEnriched:
				enriched.Add(1)
			case outcomeCached:
				cached.Add(1)
			default:
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return int(enriched.Load() + cached.Load()), err
	}
	logging.Enrich("Company enrichment done for run %s: %d domains, %d enriched, %d cached, %d failed",
		runID, len(all), enriched.Load(), cached.Load(), failed.Load())
	return int(enriched.Load() + cached.Load()), nil
}

// enrichDomain resolves one raw SERP domain end to end and records the item
// outcome.
func (e *Enricher) enrichDomain(ctx context.Context, runID, rawDomain string, owned, competitors map[string]bool) outcome {
	item, err := e.st.GetStateItem(runID, types.PhaseCompanyEnrichment, rawDomain)
	if err != nil {
		logging.EnrichWarn("State item missing for domain %s: %v", rawDomain, err)
		return outcomeFailed
	}
	if item.Status == types.StateCompleted {
		return outcomeCached
	}
	if err := e.st.UpdateStateItem(item.ID, types.StateProcessing, nil, "", ""); err != nil {
		logging.EnrichWarn("Failed to mark domain %s processing: %v", rawDomain, err)
	}

	domain := RegistrableDomain(rawDomain)
	if domain == "" {
		e.failItem(item.ID, rawDomain, "no registrable domain", types.CatValidation)
		return outcomeFailed
	}

	if name, ok := e.cache.Get(domain); ok {
		e.aliasIfNeeded(rawDomain, domain)
		e.completeItemID(item.ID, rawDomain, map[string]any{"cached": true, "company": name})
		return outcomeCached
	}
	if p, err := e.st.GetCompanyProfile(domain); err == nil && p != nil {
		e.cache.Set(domain, p.CompanyName, gocache.DefaultExpiration)
		e.aliasIfNeeded(rawDomain, domain)
		e.completeItemID(item.ID, rawDomain, map[string]any{"cached": true, "company": p.CompanyName})
		return outcomeCached
	}

	// Subdomains of one registrable domain collapse to a single provider
	// lookup per run.
	v, err, _ := e.flight.Do(domain, func() (any, error) {
		return e.fetchAndPersist(ctx, runID, domain, owned, competitors)
	})
	if err != nil {
		cat := e.retry.Categorize(err)
		e.failItem(item.ID, rawDomain, err.Error(), cat.Category)
		return outcomeFailed
	}
	profile := v.(*types.CompanyProfile)

	e.aliasIfNeeded(rawDomain, domain)
	e.completeItemID(item.ID, rawDomain, map[string]any{
		"company":     profile.CompanyName,
		"source_type": string(profile.SourceType),
	})
	return outcomeEnriched
}

// fetchAndPersist is the provider path: search candidates, pick one, redeem
// the full record, classify, and upsert the profile.
func (e *Enricher) fetchAndPersist(ctx context.Context, runID, domain string, owned, competitors map[string]bool) (*types.CompanyProfile, error) {
	// A sibling subdomain may have persisted the profile while this call
	// waited on the flight group.
	if p, err := e.st.GetCompanyProfile(domain); err == nil && p != nil {
		e.cache.Set(domain, p.CompanyName, gocache.DefaultExpiration)
		return p, nil
	}

	scope := resilience.RetryScope{RunID: runID, Phase: types.PhaseCompanyEnrichment, ItemID: domain}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	candidates, err := callValue(ctx, e, scope, func(ctx context.Context) ([]Candidate, error) {
		return e.provider.SearchCompanies(ctx, domain)
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, types.NewPipelineError(types.PhaseCompanyEnrichment, types.CatNotFound,
			fmt.Errorf("no company candidates for %s", domain))
	}

	pick, confidence := e.pickCandidate(ctx, domain, candidates)

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	data, err := callValue(ctx, e, scope, func(ctx context.Context) (*CompanyData, error) {
		return e.provider.RedeemCompany(ctx, pick.ID)
	})
	if err != nil {
		return nil, err
	}

	profile := types.CompanyProfile{
		Domain:         domain,
		CompanyName:    data.Name,
		Industry:       data.Industry,
		SizeRange:      data.SizeRange,
		RevenueRange:   data.RevenueRange,
		Description:    data.Description,
		Confidence:     confidence,
		Technologies:   data.Technologies,
		SocialProfiles: data.SocialProfiles,
		Headquarters:   data.Headquarters,
		ParentCompany:  data.ParentCompany,
	}
	profile.SourceType = e.classifySourceType(ctx, domain, data, owned, competitors)

	if err := e.st.UpsertCompanyProfile(profile); err != nil {
		return nil, err
	}
	e.cache.Set(domain, profile.CompanyName, gocache.DefaultExpiration)
	return &profile, nil
}

// pickCandidate selects the company operating the domain. Exact registrable
// matches win outright; ambiguous sets go to the AI ranker when available,
// then to the leading-label rule.
func (e *Enricher) pickCandidate(ctx context.Context, domain string, candidates []Candidate) (Candidate, float64) {
	if len(candidates) == 1 {
		return candidates[0], 0.9
	}
	for _, c := range candidates {
		if RegistrableDomain(c.Domain) == domain {
			return c, 0.95
		}
	}
	if e.ai != nil {
		pick, confidence, err := e.rankWithAI(ctx, domain, candidates)
		if err == nil {
			return pick, confidence
		}
		logging.EnrichWarn("AI candidate ranking failed for %s, using label rule: %v", domain, err)
	}
	label := leadingLabel(domain)
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(c.Name), label) {
			return c, 0.7
		}
	}
	return candidates[0], 0.5
}

var candidateRankSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"index":      map[string]any{"type": "integer"},
		"confidence": map[string]any{"type": "number"},
		"reasoning":  map[string]any{"type": "string"},
	},
	"required":             []string{"index", "confidence"},
	"additionalProperties": false,
}

func (e *Enricher) rankWithAI(ctx context.Context, domain string, candidates []Candidate) (Candidate, float64, error) {
	var list strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&list, "%d: %s (domain=%s, industry=%s)\n", i, c.Name, c.Domain, c.Industry)
	}
	system := "You match a website domain to the company operating it. " +
		"Prefer the operating brand over a holding or parent company. Answer with JSON only."
	user := fmt.Sprintf("Domain: %s\nCandidates:\n%s", domain, list.String())

	raw, err := e.ai.CompleteJSON(ctx, system, user, "candidate_rank", candidateRankSchema)
	if err != nil {
		return Candidate{}, 0, err
	}
	var resp struct {
		Index      int     `json:"index"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(ai.CleanJSON(raw)), &resp); err != nil {
		return Candidate{}, 0, fmt.Errorf("decode ranking: %w", err)
	}
	if resp.Index < 0 || resp.Index >= len(candidates) {
		return Candidate{}, 0, fmt.Errorf("ranker returned index %d of %d candidates", resp.Index, len(candidates))
	}
	return candidates[resp.Index], resp.Confidence, nil
}

func (e *Enricher) aliasIfNeeded(rawDomain, domain string) {
	if rawDomain == domain {
		return
	}
	if err := e.st.LinkCompanyAlias(rawDomain, domain); err != nil {
		logging.EnrichWarn("Failed to alias %s -> %s: %v", rawDomain, domain, err)
	}
}

func (e *Enricher) completeItem(runID, rawDomain string, progress map[string]any) {
	item, err := e.st.GetStateItem(runID, types.PhaseCompanyEnrichment, rawDomain)
	if err != nil {
		return
	}
	if item.Status == types.StateCompleted {
		return
	}
	e.completeItemID(item.ID, rawDomain, progress)
}

func (e *Enricher) completeItemID(stateID int64, rawDomain string, progress map[string]any) {
	if err := e.st.UpdateStateItem(stateID, types.StateCompleted, progress, "", ""); err != nil {
		logging.EnrichWarn("Failed to complete domain item %s: %v", rawDomain, err)
	}
}

func (e *Enricher) failItem(stateID int64, rawDomain, msg, category string) {
	if err := e.st.UpdateStateItem(stateID, types.StateFailed, nil, msg, category); err != nil {
		logging.EnrichWarn("Failed to mark domain item %s failed: %v", rawDomain, err)
	}
	logging.EnrichWarn("Enrichment failed for %s: %s", rawDomain, msg)
}

// callValue wraps a provider call in retry and breaker protection.
func callValue[T any](ctx context.Context, e *Enricher, scope resilience.RetryScope, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.retry.Do(ctx, scope, func(ctx context.Context) error {
		v, err := e.breakers.Get(serviceName).Execute(ctx, func(ctx context.Context) (any, error) {
			return fn(ctx)
		})
		if err != nil {
			return err
		}
		out, _ = v.(T)
		return nil
	})
	return out, err
}

// domainSet normalizes a configured domain list to registrable form for O(1)
// membership checks.
func domainSet(domains []string) map[string]bool {
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		if reg := RegistrableDomain(d); reg != "" {
			set[reg] = true
		}
	}
	return set
}
