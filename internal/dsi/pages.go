package dsi

import (
	"fmt"

	"marketvane/internal/serp"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

// scoreTextPages snapshots every organic or news page: traffic share within
// its channel times persona relevance, on a 0-100 scale.
func (c *Calculator) scoreTextPages(runID string, m *market, persona map[string]float64, contentType types.ContentType, date string) (int, error) {
	if m.results == 0 {
		return 0, nil
	}

	type page struct {
		domain  string
		traffic float64
	}
	pages := map[string]*page{}
	for _, row := range m.rows {
		p := pages[row.URL]
		if p == nil {
			p = &page{domain: row.Domain}
			pages[row.URL] = p
		}
		p.traffic += EstimatedTraffic(row.AvgMonthlySearches, row.Position)
	}

	count := 0
	for url, p := range pages {
		ts := share(p.traffic, m.traffic)
		ps, analyzed := persona[url]
		if !analyzed {
			ps = defaultPersonaScore
		}
		snap := types.PageDSISnapshot{
			URL:          url,
			SnapshotDate: date,
			RunID:        runID,
			Domain:       p.domain,
			ContentType:  contentType,
			Score:        pct(ts) * (ps / 10),
			TrafficShare: pct(ts),
			PersonaScore: ps,
		}
		if err := c.st.SavePageSnapshot(snap); err != nil {
			return count, fmt.Errorf("snapshot %s: %w", url, err)
		}
		count++
	}
	return count, nil
}

// scoreVideoPages snapshots every video page: appearances times peak views
// times engagement, min-max normalized to 0-100 across the run so the scale
// survives wildly different view counts.
func (c *Calculator) scoreVideoPages(runID string, rows []store.SerpTrafficRow, snaps []types.VideoSnapshot,
	channelCompany map[string]*types.ChannelMapping, date string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	snapByID := make(map[string]types.VideoSnapshot, len(snaps))
	for _, s := range snaps {
		snapByID[s.VideoID] = s
	}

	type videoPage struct {
		url         string
		domain      string
		appearances int
		views       int64
		engagement  float64
		raw         float64
	}
	pages := map[string]*videoPage{}
	for _, row := range rows {
		id := serp.VideoIDFromURL(row.URL)
		key := id
		if key == "" {
			key = row.URL
		}
		p := pages[key]
		if p == nil {
			p = &videoPage{url: row.URL}
			if s, ok := snapByID[id]; ok {
				if s.URL != "" {
					p.url = s.URL
				}
				p.views = s.Views
				p.engagement = s.EngagementRate()
				if m := channelCompany[s.ChannelID]; m != nil {
					p.domain = m.CompanyDomain
				}
			}
			pages[key] = p
		}
		p.appearances++
	}

	lo, hi := 0.0, 0.0
	first := true
	for _, p := range pages {
		p.raw = float64(p.appearances) * float64(p.views) * p.engagement
		if first {
			lo, hi = p.raw, p.raw
			first = false
			continue
		}
		if p.raw < lo {
			lo = p.raw
		}
		if p.raw > hi {
			hi = p.raw
		}
	}

	count := 0
	for _, p := range pages {
		snap := types.PageDSISnapshot{
			URL:          p.url,
			SnapshotDate: date,
			RunID:        runID,
			Domain:       p.domain,
			ContentType:  types.ContentVideo,
			Score:        minMaxScale(p.raw, lo, hi),
		}
		if err := c.st.SavePageSnapshot(snap); err != nil {
			return count, fmt.Errorf("snapshot %s: %w", p.url, err)
		}
		count++
	}
	return count, nil
}

// minMaxScale maps raw into [0,100] across the run. A degenerate range puts
// pages with signal at the top and the rest at zero.
func minMaxScale(raw, lo, hi float64) float64 {
	if hi == lo {
		if raw > 0 {
			return 100
		}
		return 0
	}
	return (raw - lo) / (hi - lo) * 100
}
