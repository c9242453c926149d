package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// ========== DSI Scores ==========

// UpsertDSIScore stores a company's score for a run. When the same domain is
// scored by more than one channel the row keeps the best dsi_score, and the
// component scores travel with the winning channel.
func (s *Store) UpsertDSIScore(score types.DSIScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metaJSON sql.NullString
	if score.Metadata != nil {
		data, _ := json.Marshal(score.Metadata)
		metaJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO dsi_scores
		 (pipeline_execution_id, company_domain, company_name, keyword_overlap, content_relevance,
		  market_presence, traffic_share, serp_visibility, dsi_score, metadata, calculated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(pipeline_execution_id, company_domain) DO UPDATE SET
		 company_name = CASE WHEN excluded.dsi_score > dsi_scores.dsi_score THEN excluded.company_name ELSE dsi_scores.company_name END,
		 keyword_overlap = CASE WHEN excluded.dsi_score > dsi_scores.dsi_score THEN excluded.keyword_overlap ELSE dsi_scores.keyword_overlap END,
		 content_relevance = CASE WHEN excluded.dsi_score > dsi_scores.dsi_score THEN excluded.content_relevance ELSE dsi_scores.content_relevance END,
		 market_presence = CASE WHEN excluded.dsi_score > dsi_scores.dsi_score THEN excluded.market_presence ELSE dsi_scores.market_presence END,
		 traffic_share = CASE WHEN excluded.dsi_score > dsi_scores.dsi_score THEN excluded.traffic_share ELSE dsi_scores.traffic_share END,
		 serp_visibility = CASE WHEN excluded.dsi_score > dsi_scores.dsi_score THEN excluded.serp_visibility ELSE dsi_scores.serp_visibility END,
		 metadata = CASE WHEN excluded.dsi_score > dsi_scores.dsi_score THEN excluded.metadata ELSE dsi_scores.metadata END,
		 dsi_score = MAX(dsi_scores.dsi_score, excluded.dsi_score),
		 calculated_at = CURRENT_TIMESTAMP`,
		score.RunID, score.CompanyDomain, score.CompanyName,
		score.KeywordOverlap, score.ContentRelevance, score.MarketPresence,
		score.TrafficShare, score.SerpVisibility, score.Score, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert DSI score: %w", err)
	}
	return nil
}

// AssignDSIRanks orders a run's scores and writes dense ranks.
func (s *Store) AssignDSIRanks(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT company_domain FROM dsi_scores
		 WHERE pipeline_execution_id = ?
		 ORDER BY dsi_score DESC, company_domain`,
		runID,
	)
	if err != nil {
		return err
	}
	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			continue
		}
		domains = append(domains, d)
	}
	rows.Close()

	for i, d := range domains {
		if _, err := s.db.Exec(
			"UPDATE dsi_scores SET rank = ? WHERE pipeline_execution_id = ? AND company_domain = ?",
			i+1, runID, d,
		); err != nil {
			return fmt.Errorf("failed to assign rank: %w", err)
		}
	}

	logging.DSI("Assigned ranks to %d companies (run %s)", len(domains), runID)
	return nil
}

// CountDSIScores counts a run's company score rows.
func (s *Store) CountDSIScores(runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM dsi_scores WHERE pipeline_execution_id = ?", runID,
	).Scan(&count)
	return count, err
}

// GetDSIScores returns a run's scores in rank order.
func (s *Store) GetDSIScores(runID string) ([]types.DSIScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT company_domain, company_name, keyword_overlap, content_relevance,
		        market_presence, traffic_share, serp_visibility, dsi_score, rank, metadata, calculated_at
		 FROM dsi_scores WHERE pipeline_execution_id = ?
		 ORDER BY rank, dsi_score DESC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []types.DSIScore
	for rows.Next() {
		sc := types.DSIScore{RunID: runID}
		var name, metaJSON sql.NullString
		if err := rows.Scan(&sc.CompanyDomain, &name, &sc.KeywordOverlap, &sc.ContentRelevance,
			&sc.MarketPresence, &sc.TrafficShare, &sc.SerpVisibility, &sc.Score, &sc.Rank,
			&metaJSON, &sc.CalculatedAt); err != nil {
			continue
		}
		sc.CompanyName = name.String
		if metaJSON.Valid && metaJSON.String != "" {
			json.Unmarshal([]byte(metaJSON.String), &sc.Metadata)
		}
		scores = append(scores, sc)
	}
	return scores, nil
}

// ========== Page Snapshots ==========

// SavePageSnapshot upserts one per-page historical score keyed by
// (url, snapshot_date).
func (s *Store) SavePageSnapshot(snap types.PageDSISnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO historical_page_dsi_snapshots
		 (url, snapshot_date, pipeline_execution_id, domain, content_type, dsi_score, traffic_share, persona_score)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url, snapshot_date) DO UPDATE SET
		 pipeline_execution_id = excluded.pipeline_execution_id,
		 domain = excluded.domain,
		 content_type = excluded.content_type,
		 dsi_score = excluded.dsi_score,
		 traffic_share = excluded.traffic_share,
		 persona_score = excluded.persona_score`,
		snap.URL, snap.SnapshotDate, snap.RunID, snap.Domain, string(snap.ContentType),
		snap.Score, snap.TrafficShare, snap.PersonaScore,
	)
	if err != nil {
		return fmt.Errorf("failed to save page snapshot: %w", err)
	}
	return nil
}

// PageSnapshotHistory returns a URL's snapshots ordered by date.
func (s *Store) PageSnapshotHistory(url string, limit int) ([]types.PageDSISnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 30
	}

	rows, err := s.db.Query(
		`SELECT url, snapshot_date, pipeline_execution_id, domain, content_type,
		        dsi_score, traffic_share, persona_score, created_at
		 FROM historical_page_dsi_snapshots WHERE url = ?
		 ORDER BY snapshot_date DESC LIMIT ?`,
		url, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []types.PageDSISnapshot
	for rows.Next() {
		var snap types.PageDSISnapshot
		var domain, contentType sql.NullString
		if err := rows.Scan(&snap.URL, &snap.SnapshotDate, &snap.RunID, &domain, &contentType,
			&snap.Score, &snap.TrafficShare, &snap.PersonaScore, &snap.CreatedAt); err != nil {
			continue
		}
		snap.Domain = domain.String
		snap.ContentType = types.ContentType(contentType.String)
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// ========== Calculator Inputs ==========

// SerpTrafficRow joins one SERP row with its keyword's search volume; the
// calculator applies the CTR curve and volume default on top.
type SerpTrafficRow struct {
	Keyword            string
	KeywordID          int64
	SerpType           types.ContentType
	URL                string
	Domain             string
	Position           int
	AvgMonthlySearches int // 0 when metrics were never fetched
}

// SerpTrafficRows returns every SERP row for a run with keyword volumes.
func (s *Store) SerpTrafficRows(runID string) ([]SerpTrafficRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT sr.keyword, sr.keyword_id, sr.serp_type, sr.url,
		        COALESCE(sr.domain, ''), sr.position,
		        COALESCE(k.avg_monthly_searches, 0)
		 FROM serp_results sr
		 LEFT JOIN keywords k ON k.id = sr.keyword_id
		 WHERE sr.pipeline_execution_id = ?`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SerpTrafficRow
	for rows.Next() {
		var r SerpTrafficRow
		var serpType string
		if err := rows.Scan(&r.Keyword, &r.KeywordID, &serpType, &r.URL,
			&r.Domain, &r.Position, &r.AvgMonthlySearches); err != nil {
			continue
		}
		r.SerpType = types.ContentType(serpType)
		out = append(out, r)
	}
	return out, nil
}

// SnapshotDateFor formats a run's snapshot date (UTC day).
func SnapshotDateFor(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
