package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// ========== Company Profiles ==========

// UpsertCompanyProfile stores an enriched company keyed by registrable domain
// and registers the domain as its own alias.
func (s *Store) UpsertCompanyProfile(p types.CompanyProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var techJSON, socialJSON sql.NullString
	if len(p.Technologies) > 0 {
		data, _ := json.Marshal(p.Technologies)
		techJSON = sql.NullString{String: string(data), Valid: true}
	}
	if len(p.SocialProfiles) > 0 {
		data, _ := json.Marshal(p.SocialProfiles)
		socialJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO company_profiles
		 (domain, company_name, industry, employee_range, revenue_range, description,
		  source_type, confidence_score, technologies, social_profiles, headquarters_location,
		  parent_company, enriched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(domain) DO UPDATE SET
		 company_name = excluded.company_name,
		 industry = excluded.industry,
		 employee_range = excluded.employee_range,
		 revenue_range = excluded.revenue_range,
		 description = excluded.description,
		 source_type = excluded.source_type,
		 confidence_score = excluded.confidence_score,
		 technologies = excluded.technologies,
		 social_profiles = excluded.social_profiles,
		 headquarters_location = excluded.headquarters_location,
		 parent_company = COALESCE(NULLIF(excluded.parent_company, ''), company_profiles.parent_company),
		 enriched_at = CURRENT_TIMESTAMP`,
		p.Domain, p.CompanyName, p.Industry, p.SizeRange, p.RevenueRange, p.Description,
		string(p.SourceType), p.Confidence, techJSON, socialJSON, p.Headquarters, p.ParentCompany,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert company profile: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO company_domains (domain, canonical_domain) VALUES (?, ?)`,
		p.Domain, p.Domain,
	)
	if err != nil {
		return fmt.Errorf("failed to register company domain: %w", err)
	}

	logging.Enrich("Upserted company %s (%s, source=%s)", p.CompanyName, p.Domain, p.SourceType)
	return nil
}

// GetCompanyProfile loads one profile by domain, following aliases. Returns
// nil when the domain has never been enriched.
func (s *Store) GetCompanyProfile(domain string) (*types.CompanyProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	canonical := domain
	var mapped string
	if err := s.db.QueryRow(
		"SELECT canonical_domain FROM company_domains WHERE domain = ?", domain,
	).Scan(&mapped); err == nil {
		canonical = mapped
	}

	row := s.db.QueryRow(
		`SELECT domain, company_name, industry, employee_range, revenue_range, description,
		        source_type, confidence_score, technologies, social_profiles, headquarters_location,
		        parent_company, enriched_at
		 FROM company_profiles WHERE domain = ?`,
		canonical,
	)

	var p types.CompanyProfile
	var name, industry, empRange, revRange, desc, sourceType, hq, parent sql.NullString
	var techJSON, socialJSON sql.NullString
	err := row.Scan(&p.Domain, &name, &industry, &empRange, &revRange, &desc,
		&sourceType, &p.Confidence, &techJSON, &socialJSON, &hq, &parent, &p.EnrichedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load company profile: %w", err)
	}

	p.CompanyName = name.String
	p.Industry = industry.String
	p.SizeRange = empRange.String
	p.RevenueRange = revRange.String
	p.Description = desc.String
	p.SourceType = types.SourceType(sourceType.String)
	p.Headquarters = hq.String
	p.ParentCompany = parent.String
	if techJSON.Valid && techJSON.String != "" {
		json.Unmarshal([]byte(techJSON.String), &p.Technologies)
	}
	if socialJSON.Valid && socialJSON.String != "" {
		json.Unmarshal([]byte(socialJSON.String), &p.SocialProfiles)
	}
	return &p, nil
}

// LinkCompanyAlias maps an alias domain to the canonical company domain.
func (s *Store) LinkCompanyAlias(alias, canonical string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO company_domains (domain, canonical_domain) VALUES (?, ?)
		 ON CONFLICT(domain) DO UPDATE SET canonical_domain = excluded.canonical_domain`,
		alias, canonical,
	)
	if err != nil {
		return fmt.Errorf("failed to link company alias: %w", err)
	}
	return nil
}

// CompanyNamesByDomain returns domain -> company name for every profiled
// domain in the given list.
func (s *Store) CompanyNamesByDomain(domains []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(domains))
	for _, d := range domains {
		var name sql.NullString
		err := s.db.QueryRow(
			"SELECT company_name FROM company_profiles WHERE domain = ?", d,
		).Scan(&name)
		if err != nil {
			continue
		}
		out[d] = name.String
	}
	return out, nil
}

// DomainsNeedingEnrichment returns a run's SERP domains without a profile.
func (s *Store) DomainsNeedingEnrichment(runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT DISTINCT sr.domain FROM serp_results sr
		 WHERE sr.pipeline_execution_id = ? AND sr.domain IS NOT NULL AND sr.domain != ''
		   AND NOT EXISTS (SELECT 1 FROM company_profiles cp WHERE cp.domain = sr.domain)
		   AND NOT EXISTS (SELECT 1 FROM company_domains cd WHERE cd.domain = sr.domain)
		 ORDER BY sr.domain`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			continue
		}
		domains = append(domains, d)
	}
	return domains, nil
}

// ========== Channel Mappings ==========

// SaveChannelMapping caches a channel-to-company resolution.
func (s *Store) SaveChannelMapping(m types.ChannelMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO youtube_channel_companies
		 (channel_id, channel_title, company_name, company_domain, channel_type, confidence, reasoning, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
		 channel_title = excluded.channel_title,
		 company_name = excluded.company_name,
		 company_domain = excluded.company_domain,
		 channel_type = excluded.channel_type,
		 confidence = excluded.confidence,
		 reasoning = excluded.reasoning,
		 resolved_at = excluded.resolved_at`,
		m.ChannelID, m.ChannelTitle, m.CompanyName, m.CompanyDomain,
		m.ChannelType, m.Confidence, m.Reasoning, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save channel mapping: %w", err)
	}

	logging.Video("Resolved channel %s -> %s (confidence=%.2f)", m.ChannelID, m.CompanyName, m.Confidence)
	return nil
}

// GetChannelMapping loads one cached resolution; nil when unresolved.
func (s *Store) GetChannelMapping(channelID string) (*types.ChannelMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT channel_id, channel_title, company_name, company_domain, channel_type, confidence, reasoning, resolved_at
		 FROM youtube_channel_companies WHERE channel_id = ?`,
		channelID,
	)

	var m types.ChannelMapping
	var title, name, domain, chType, reasoning sql.NullString
	err := row.Scan(&m.ChannelID, &title, &name, &domain, &chType, &m.Confidence, &reasoning, &m.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel mapping: %w", err)
	}

	m.ChannelTitle = title.String
	m.CompanyName = name.String
	m.CompanyDomain = domain.String
	m.ChannelType = chType.String
	m.Reasoning = reasoning.String
	return &m, nil
}

// UnresolvedChannelIDs returns channel ids referenced by a run's video
// snapshots that have no cached mapping yet.
func (s *Store) UnresolvedChannelIDs(runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT DISTINCT vs.channel_id FROM video_snapshots vs
		 WHERE vs.pipeline_execution_id = ? AND vs.channel_id IS NOT NULL AND vs.channel_id != ''
		   AND NOT EXISTS (SELECT 1 FROM youtube_channel_companies cc WHERE cc.channel_id = vs.channel_id)
		 ORDER BY vs.channel_id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
