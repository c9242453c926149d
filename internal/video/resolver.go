package video

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"marketvane/internal/ai"
	"marketvane/internal/enrich"
	"marketvane/internal/logging"
	"marketvane/internal/types"
)

const defaultResolverWorkers = 5

var channelTypes = []string{"brand", "media", "creator", "unknown"}

var channelCompanySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"company_name": map[string]any{
			"type":        "string",
			"description": "Name of the company operating the channel",
		},
		"company_domain": map[string]any{
			"type":        "string",
			"description": "Primary website domain of that company, empty if unknown",
		},
		"channel_type": map[string]any{
			"type": "string",
			"enum": channelTypes,
		},
		"confidence": map[string]any{
			"type":        "number",
			"description": "0 to 1",
		},
		"reasoning": map[string]any{
			"type": "string",
		},
	},
	"required":             []string{"company_name", "channel_type", "confidence"},
	"additionalProperties": false,
}

// channelInfo aggregates what a run observed about one channel.
type channelInfo struct {
	title  string
	videos []string
}

// resolveChannels maps every still-unresolved channel referenced by the
// run's snapshots to a company. Mappings persist across runs, so each
// channel costs at most one model call ever.
func (e *Enricher) resolveChannels(ctx context.Context, runID string, cfg *types.PipelineConfig) (int, error) {
	channelIDs, err := e.st.UnresolvedChannelIDs(runID)
	if err != nil {
		return 0, err
	}
	if len(channelIDs) == 0 {
		return 0, nil
	}

	snaps, err := e.st.VideoSnapshotsForRun(runID)
	if err != nil {
		return 0, err
	}
	info := make(map[string]channelInfo, len(channelIDs))
	for _, s := range snaps {
		if s.ChannelID == "" {
			continue
		}
		ci := info[s.ChannelID]
		if ci.title == "" {
			ci.title = s.ChannelTitle
		}
		if s.Title != "" && len(ci.videos) < 5 {
			ci.videos = append(ci.videos, s.Title)
		}
		info[s.ChannelID] = ci
	}

	workers := defaultResolverWorkers
	if cfg != nil && cfg.VideoConcurrency > 0 {
		workers = cfg.VideoConcurrency
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved int
	)
	sem := make(chan struct{}, workers)
	for _, channelID := range channelIDs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return resolved, ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if e.resolveOne(ctx, channelID, info[channelID]) {
				mu.Lock()
				resolved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	_ = e.st.SaveCheckpoint(runID, types.PhaseYouTubeEnrichment, "channel_resolution", map[string]any{
		"unresolved_before": len(channelIDs),
	}, len(channelIDs), resolved)
	return resolved, ctx.Err()
}

// resolveOne produces and persists a mapping for a single channel. The
// title heuristic guarantees an answer even without a model, just a low
// confidence one.
func (e *Enricher) resolveOne(ctx context.Context, channelID string, info channelInfo) bool {
	if m, _ := e.ChannelCompany(channelID); m != nil {
		return false
	}

	mapping := ruleResolve(channelID, info)
	if e.ai != nil {
		aiMapping, err := e.resolveWithAI(ctx, channelID, info)
		switch {
		case err != nil:
			logging.VideoWarn("Model resolution failed for channel %s, using title heuristic: %v", channelID, err)
		case aiMapping.Confidence < e.confidenceFloor():
			logging.VideoDebug("Channel %s: model confidence %.2f below floor %.2f, using title heuristic",
				channelID, aiMapping.Confidence, e.confidenceFloor())
		default:
			mapping = *aiMapping
		}
	}

	mapping.ResolvedAt = time.Now().UTC()
	if err := e.st.SaveChannelMapping(mapping); err != nil {
		logging.VideoWarn("Failed to save mapping for channel %s: %v", channelID, err)
		return false
	}
	e.cache.Set(channelKey(channelID), &mapping, gocache.DefaultExpiration)
	logging.VideoDebug("Channel %s resolved to %q (%s, %.2f)",
		channelID, mapping.CompanyName, mapping.ChannelType, mapping.Confidence)
	return true
}

// ChannelCompany returns the stored company mapping for a channel,
// reading through the process-local cache. Nil when never resolved.
func (e *Enricher) ChannelCompany(channelID string) (*types.ChannelMapping, error) {
	if v, ok := e.cache.Get(channelKey(channelID)); ok {
		return v.(*types.ChannelMapping), nil
	}
	m, err := e.st.GetChannelMapping(channelID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		e.cache.Set(channelKey(channelID), m, gocache.DefaultExpiration)
	}
	return m, nil
}

func (e *Enricher) resolveWithAI(ctx context.Context, channelID string, info channelInfo) (*types.ChannelMapping, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Channel title: %s\n", info.title)
	if len(info.videos) > 0 {
		sb.WriteString("Recent video titles:\n")
		for _, t := range info.videos {
			fmt.Fprintf(&sb, "- %s\n", t)
		}
	}

	system := "You identify the company behind a video channel. Use channel_type " +
		"brand for a company-operated channel, media for a publisher or news outlet, " +
		"creator for an individual, unknown otherwise. Answer with JSON only."
	raw, err := e.ai.CompleteJSON(ctx, system, sb.String(), "channel_company", channelCompanySchema)
	if err != nil {
		return nil, err
	}

	var resp struct {
		CompanyName   string  `json:"company_name"`
		CompanyDomain string  `json:"company_domain"`
		ChannelType   string  `json:"channel_type"`
		Confidence    float64 `json:"confidence"`
		Reasoning     string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(ai.CleanJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("channel resolver returned invalid JSON: %w", err)
	}
	if strings.TrimSpace(resp.CompanyName) == "" {
		return nil, fmt.Errorf("channel resolver returned no company name")
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		return nil, fmt.Errorf("channel resolver confidence %v out of range", resp.Confidence)
	}
	channelType := resp.ChannelType
	if !slices.Contains(channelTypes, channelType) {
		channelType = "unknown"
	}

	return &types.ChannelMapping{
		ChannelID:     channelID,
		ChannelTitle:  info.title,
		CompanyName:   strings.TrimSpace(resp.CompanyName),
		CompanyDomain: enrich.RegistrableDomain(resp.CompanyDomain),
		ChannelType:   channelType,
		Confidence:    resp.Confidence,
		Reasoning:     resp.Reasoning,
	}, nil
}

func (e *Enricher) confidenceFloor() float64 {
	if e.settings.ChannelConfidenceFloor > 0 {
		return e.settings.ChannelConfidenceFloor
	}
	return 0.7
}

// ruleResolve names the company from the channel title when no model is
// available. The low confidence keeps these mappings advisory.
func ruleResolve(channelID string, info channelInfo) types.ChannelMapping {
	name := cleanChannelTitle(info.title)
	confidence := 0.5
	if name == "" {
		name = channelID
		confidence = 0.1
	}
	return types.ChannelMapping{
		ChannelID:    channelID,
		ChannelTitle: info.title,
		CompanyName:  name,
		ChannelType:  "unknown",
		Confidence:   confidence,
		Reasoning:    "derived from channel title",
	}
}

var channelSuffixes = []string{"official", "tv", "channel", "media", "videos", "hq", "youtube"}

// cleanChannelTitle strips the decorations channels append to brand
// names, so "Acme Corp Official" and "Acme Corp TV" both yield the
// brand.
func cleanChannelTitle(title string) string {
	name := strings.TrimSpace(title)
	for {
		fields := strings.Fields(name)
		if len(fields) < 2 {
			break
		}
		last := strings.ToLower(strings.Trim(fields[len(fields)-1], "-|:"))
		if !slices.Contains(channelSuffixes, last) {
			break
		}
		name = strings.TrimSpace(strings.TrimRight(strings.Join(fields[:len(fields)-1], " "), " -|:"))
	}
	return name
}

func channelKey(channelID string) string {
	return "channel:" + channelID
}
