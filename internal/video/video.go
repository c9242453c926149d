// Package video enriches a run's video SERP results with statistics from
// the video data API and resolves channels to the companies behind them.
// The API meters calls in daily quota units; the enricher spends them
// through a persisted ledger and falls back to previously captured
// snapshots once the budget is gone.
package video

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"marketvane/internal/ai"
	"marketvane/internal/config"
	"marketvane/internal/logging"
	"marketvane/internal/resilience"
	"marketvane/internal/serp"
	"marketvane/internal/store"
	"marketvane/internal/types"
	"marketvane/internal/usage"
)

const (
	serviceName = "youtube"

	// Every list call costs one unit regardless of how many ids it carries.
	listCallCost = 1

	maxBatchSize      = 50
	defaultDailyQuota = 10_000
)

// Enricher drives the youtube_enrichment phase.
type Enricher struct {
	st       *store.Store
	provider Provider
	ai       ai.Client
	breakers *resilience.Registry
	retry    *resilience.RetryManager
	quota    *usage.Tracker
	cache    *gocache.Cache
	cfg      config.VideoProviderConfig
	settings config.VideoSettings
}

// NewEnricher wires the video enricher. provider may be nil, which
// limits the phase to previously captured snapshots. aiClient may be
// nil, which limits channel resolution to the title heuristic. quota
// may be nil to disable metering.
func NewEnricher(st *store.Store, provider Provider, aiClient ai.Client, breakers *resilience.Registry, retry *resilience.RetryManager, quota *usage.Tracker, cfg config.VideoProviderConfig, settings config.VideoSettings) *Enricher {
	if quota != nil {
		limit := int64(cfg.DailyQuota)
		if limit <= 0 {
			limit = defaultDailyQuota
		}
		quota.SetLimit(serviceName, limit)
	}
	return &Enricher{
		st:       st,
		provider: provider,
		ai:       aiClient,
		breakers: breakers,
		retry:    retry,
		quota:    quota,
		cache:    gocache.New(24*time.Hour, 48*time.Hour),
		cfg:      cfg,
		settings: settings,
	}
}

// target is one video to enrich and the SERP url it came from.
type target struct {
	id  string
	url string
}

// Run enriches every video SERP result of a run, then resolves the
// channels the fresh snapshots reference. Individual video failures
// mark their state item and never fail the phase.
func (e *Enricher) Run(ctx context.Context, runID string, cfg *types.PipelineConfig) (int, error) {
	rows, err := e.st.VideoSerpResults(runID)
	if err != nil {
		return 0, err
	}
	targets, unparsed := videoTargets(rows)
	if unparsed > 0 {
		logging.VideoWarn("Run %s: %d video serp rows carry no recognizable video id", runID, unparsed)
	}
	if len(targets) == 0 {
		logging.Video("Run %s has no video serp results to enrich", runID)
		return 0, nil
	}

	seeds := make([]store.StateItemSeed, 0, len(targets))
	for _, v := range targets {
		seeds = append(seeds, store.StateItemSeed{ItemID: v.id, ItemType: types.ItemVideo})
	}
	if _, err := e.st.InitStateItems(runID, types.PhaseYouTubeEnrichment, seeds); err != nil {
		return 0, err
	}

	// Resume support: skip targets a previous attempt already finished.
	pending := make([]target, 0, len(targets))
	for _, v := range targets {
		item, err := e.st.GetStateItem(runID, types.PhaseYouTubeEnrichment, v.id)
		if err == nil && item.Status == types.StateCompleted {
			continue
		}
		pending = append(pending, v)
	}
	done := len(targets) - len(pending)

	blocked, blockMsg, blockCat := false, "", ""
	if e.provider == nil {
		blocked, blockMsg, blockCat = true, "video provider not configured", types.CatDependencyMissing
	}

	fetched := make(map[string]Item, len(pending))
	batchErr := make(map[string]error)
	ids := make([]string, len(pending))
	for i, v := range pending {
		ids[i] = v.id
	}
	batch := e.batchSize()
	for start := 0; start < len(ids) && !blocked; start += batch {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		chunk := ids[start:min(start+batch, len(ids))]
		if !e.reserveCall() {
			blocked, blockMsg, blockCat = true, "daily video API quota exhausted", types.CatQuotaExceeded
			logging.VideoWarn("Run %s: %s with %d videos left, serving cached snapshots", runID, blockMsg, len(ids)-start)
			break
		}
		e.markProcessing(runID, chunk)

		scope := resilience.RetryScope{RunID: runID, Phase: types.PhaseYouTubeEnrichment, ItemID: fmt.Sprintf("videos_%d", start/batch)}
		items, err := callValue(ctx, e, scope, func(ctx context.Context) ([]Item, error) {
			return e.provider.ListVideos(ctx, chunk)
		})
		if err != nil {
			for _, id := range chunk {
				batchErr[id] = err
			}
			logging.VideoWarn("Run %s: video batch of %d failed: %v", runID, len(chunk), err)
			continue
		}
		for _, it := range items {
			fetched[it.ID] = it
		}
	}

	subscribers := e.fetchSubscribers(ctx, runID, fetched, blocked)

	var enriched, cachedServed, failed int
	for _, v := range pending {
		item, err := e.st.GetStateItem(runID, types.PhaseYouTubeEnrichment, v.id)
		if err != nil {
			continue
		}
		it, ok := fetched[v.id]
		switch {
		case ok:
			snap := snapshotFrom(it, v.url, runID)
			snap.Subscribers = subscribers[it.ChannelID]
			if err := e.st.UpsertVideoSnapshot(snap); err != nil {
				e.failItem(item.ID, v.id, "failed to store snapshot: "+err.Error(), types.CatUnknown)
				failed++
				continue
			}
			e.completeItem(item.ID, v.id, map[string]any{
				"views":            snap.Views,
				"duration_seconds": snap.DurationSecs,
			})
			enriched++
		case blocked:
			if e.serveFromCache(runID, v, item.ID) {
				cachedServed++
				continue
			}
			e.failItem(item.ID, v.id, blockMsg, blockCat)
			failed++
		case batchErr[v.id] != nil:
			cause := batchErr[v.id]
			e.failItem(item.ID, v.id, cause.Error(), e.retry.Categorize(cause).Code)
			failed++
		default:
			e.failItem(item.ID, v.id, fmt.Sprintf("video %s not returned by provider", v.id), types.CatNotFound)
			failed++
		}
	}

	if blocked && blockCat == types.CatQuotaExceeded {
		_ = e.st.SaveCheckpoint(runID, types.PhaseYouTubeEnrichment, "quota", map[string]any{
			"exhausted":         true,
			"used_today":        e.quota.UsedToday(serviceName),
			"served_from_cache": cachedServed,
		}, len(targets), done+enriched+cachedServed)
	}

	resolved := 0
	if e.resolverEnabled(cfg) {
		resolved, err = e.resolveChannels(ctx, runID, cfg)
		if err != nil {
			return done + enriched + cachedServed, err
		}
	}

	logging.Video("Run %s video enrichment: %d fresh, %d cached, %d failed, %d channels resolved",
		runID, enriched, cachedServed, failed, resolved)
	return done + enriched + cachedServed, ctx.Err()
}

// fetchSubscribers batch-loads subscriber counts for the channels the
// fetched videos belong to. Failures leave counts at zero; subscriber
// data is best effort.
func (e *Enricher) fetchSubscribers(ctx context.Context, runID string, fetched map[string]Item, blocked bool) map[string]int64 {
	subs := make(map[string]int64)
	if blocked || len(fetched) == 0 {
		return subs
	}

	seen := make(map[string]bool)
	var channelIDs []string
	for _, it := range fetched {
		if it.ChannelID != "" && !seen[it.ChannelID] {
			seen[it.ChannelID] = true
			channelIDs = append(channelIDs, it.ChannelID)
		}
	}

	batch := e.batchSize()
	for start := 0; start < len(channelIDs); start += batch {
		if ctx.Err() != nil {
			return subs
		}
		chunk := channelIDs[start:min(start+batch, len(channelIDs))]
		if !e.reserveCall() {
			logging.VideoWarn("Run %s: quota exhausted before subscriber counts for %d channels", runID, len(channelIDs)-start)
			return subs
		}
		scope := resilience.RetryScope{RunID: runID, Phase: types.PhaseYouTubeEnrichment, ItemID: fmt.Sprintf("channels_%d", start/batch)}
		stats, err := callValue(ctx, e, scope, func(ctx context.Context) ([]ChannelStats, error) {
			return e.provider.ListChannels(ctx, chunk)
		})
		if err != nil {
			logging.VideoWarn("Run %s: channel batch of %d failed: %v", runID, len(chunk), err)
			continue
		}
		for _, cs := range stats {
			subs[cs.ID] = cs.Subscribers
		}
	}
	return subs
}

// serveFromCache copies the most recent snapshot of a video into the
// current run. Used when the quota is gone or no provider is wired.
func (e *Enricher) serveFromCache(runID string, v target, stateID int64) bool {
	prev, err := e.st.CachedVideoSnapshot(v.id)
	if err != nil || prev == nil {
		return false
	}
	snap := *prev
	snap.RunID = runID
	snap.URL = v.url
	if err := e.st.UpsertVideoSnapshot(snap); err != nil {
		logging.VideoWarn("Failed to reuse cached snapshot for %s: %v", v.id, err)
		return false
	}
	e.completeItem(stateID, v.id, map[string]any{
		"views":  snap.Views,
		"cached": true,
	})
	return true
}

func (e *Enricher) resolverEnabled(cfg *types.PipelineConfig) bool {
	if cfg != nil && cfg.ChannelResolverEnabled != nil {
		return *cfg.ChannelResolverEnabled
	}
	return e.settings.ChannelResolverEnabled
}

func (e *Enricher) batchSize() int {
	if e.cfg.BatchSize > 0 && e.cfg.BatchSize <= maxBatchSize {
		return e.cfg.BatchSize
	}
	return maxBatchSize
}

func (e *Enricher) reserveCall() bool {
	if e.quota == nil {
		return true
	}
	return e.quota.Reserve(serviceName, listCallCost)
}

func (e *Enricher) markProcessing(runID string, chunk []string) {
	for _, id := range chunk {
		item, err := e.st.GetStateItem(runID, types.PhaseYouTubeEnrichment, id)
		if err != nil {
			continue
		}
		if err := e.st.UpdateStateItem(item.ID, types.StateProcessing, nil, "", ""); err != nil {
			logging.VideoWarn("Failed to mark video item %s processing: %v", id, err)
		}
	}
}

func (e *Enricher) completeItem(stateID int64, videoID string, progress map[string]any) {
	if err := e.st.UpdateStateItem(stateID, types.StateCompleted, progress, "", ""); err != nil {
		logging.VideoWarn("Failed to complete video item %s: %v", videoID, err)
	}
}

func (e *Enricher) failItem(stateID int64, videoID, msg, category string) {
	if err := e.st.UpdateStateItem(stateID, types.StateFailed, nil, msg, category); err != nil {
		logging.VideoWarn("Failed to mark video item %s failed: %v", videoID, err)
	}
	logging.VideoWarn("Video enrichment failed for %s: %s", videoID, msg)
}

// videoTargets extracts unique video ids from SERP rows, preferring the
// provider metadata and falling back to the URL shape. The second value
// counts rows no id could be pulled from.
func videoTargets(rows []types.SerpResult) ([]target, int) {
	var targets []target
	seen := make(map[string]bool)
	unparsed := 0
	for _, r := range rows {
		id, _ := r.Provider["video_id"].(string)
		if id == "" {
			id = serp.VideoIDFromURL(r.URL)
		}
		if id == "" {
			unparsed++
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		targets = append(targets, target{id: id, url: r.URL})
	}
	return targets, unparsed
}

func snapshotFrom(it Item, url, runID string) types.VideoSnapshot {
	return types.VideoSnapshot{
		VideoID:      it.ID,
		URL:          url,
		Title:        it.Title,
		ChannelID:    it.ChannelID,
		ChannelTitle: it.ChannelTitle,
		Views:        it.Views,
		Likes:        it.Likes,
		Comments:     it.Comments,
		DurationSecs: it.DurationSecs,
		PublishedAt:  it.PublishedAt,
		RunID:        runID,
	}
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
