package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// ========== Keywords ==========

// UpsertKeyword registers a (client, keyword, region) triple and returns its id.
func (s *Store) UpsertKeyword(clientID, keyword, region, category string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO keywords (client_id, keyword, region, category)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(client_id, keyword, region) DO UPDATE SET
		 category = COALESCE(NULLIF(excluded.category, ''), keywords.category)`,
		clientID, keyword, region, category,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert keyword: %w", err)
	}

	var id int64
	err = s.db.QueryRow(
		"SELECT id FROM keywords WHERE client_id = ? AND keyword = ? AND region = ?",
		clientID, keyword, region,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read keyword id: %w", err)
	}
	return id, nil
}

// SaveKeywordMetrics stores search volume data for a keyword.
func (s *Store) SaveKeywordMetrics(keywordID int64, avgMonthlySearches int, competitionLevel string, cpc float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE keywords
		 SET avg_monthly_searches = ?, competition_level = ?, cpc = ?, metrics_updated_at = ?
		 WHERE id = ?`,
		avgMonthlySearches, competitionLevel, cpc, time.Now().UTC(), keywordID,
	)
	if err != nil {
		return fmt.Errorf("failed to save keyword metrics: %w", err)
	}
	return nil
}

// KeywordRow is one keyword with its stored metrics.
type KeywordRow struct {
	ID                 int64
	ClientID           string
	Keyword            string
	Region             string
	Category           string
	AvgMonthlySearches int // 0 when never fetched
	CompetitionLevel   string
	CPC                float64
	MetricsUpdatedAt   *time.Time
}

// KeywordsForClient returns every registered keyword row for a client.
func (s *Store) KeywordsForClient(clientID string) ([]KeywordRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, client_id, keyword, region, category, avg_monthly_searches,
		        competition_level, cpc, metrics_updated_at
		 FROM keywords WHERE client_id = ? ORDER BY keyword, region`,
		clientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKeywordRows(rows)
}

// KeywordsNeedingMetrics returns keywords whose metrics are absent or older
// than maxAge.
func (s *Store) KeywordsNeedingMetrics(clientID string, maxAge time.Duration) ([]KeywordRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := s.db.Query(
		`SELECT id, client_id, keyword, region, category, avg_monthly_searches,
		        competition_level, cpc, metrics_updated_at
		 FROM keywords
		 WHERE client_id = ? AND (metrics_updated_at IS NULL OR metrics_updated_at < ?)
		 ORDER BY keyword, region`,
		clientID, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKeywordRows(rows)
}

func scanKeywordRows(rows *sql.Rows) ([]KeywordRow, error) {
	var out []KeywordRow
	for rows.Next() {
		var kw KeywordRow
		var category, competition sql.NullString
		var searches sql.NullInt64
		var cpc sql.NullFloat64
		var updatedAt sql.NullTime
		if err := rows.Scan(&kw.ID, &kw.ClientID, &kw.Keyword, &kw.Region, &category,
			&searches, &competition, &cpc, &updatedAt); err != nil {
			continue
		}
		kw.Category = category.String
		kw.AvgMonthlySearches = int(searches.Int64)
		kw.CompetitionLevel = competition.String
		kw.CPC = cpc.Float64
		kw.MetricsUpdatedAt = nullTime(updatedAt)
		out = append(out, kw)
	}
	return out, nil
}

// ========== SERP Results ==========

// UpsertSerpResults ingests a batch of SERP rows. The conflict key
// (keyword_id, search_date, location, serp_type, url) makes re-ingestion a
// no-op apart from refreshing position data and the owning run.
func (s *Store) UpsertSerpResults(results []types.SerpResult) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO serp_results
		 (keyword_id, keyword, search_date, location, serp_type, url, domain, position,
		  title, snippet, published_at, provider_metadata, pipeline_execution_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(keyword_id, search_date, location, serp_type, url) DO UPDATE SET
		 position = excluded.position,
		 title = excluded.title,
		 snippet = excluded.snippet,
		 published_at = COALESCE(excluded.published_at, serp_results.published_at),
		 provider_metadata = excluded.provider_metadata,
		 pipeline_execution_id = excluded.pipeline_execution_id`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare serp upsert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, r := range results {
		var providerJSON sql.NullString
		if r.Provider != nil {
			data, _ := json.Marshal(r.Provider)
			providerJSON = sql.NullString{String: string(data), Valid: true}
		}
		var publishedAt interface{}
		if r.PublishedAt != nil {
			publishedAt = r.PublishedAt.UTC()
		}

		_, err := stmt.Exec(
			r.KeywordID, r.Keyword, r.SearchDate.UTC().Format("2006-01-02"), r.Location,
			string(r.SerpType), r.URL, r.Domain, r.Position, r.Title, r.Snippet,
			publishedAt, providerJSON, nullString(r.RunID),
		)
		if err != nil {
			return written, fmt.Errorf("failed to upsert serp result %s: %w", r.URL, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return written, fmt.Errorf("failed to commit serp results: %w", err)
	}

	logging.Serp("Upserted %d SERP rows", written)
	return written, nil
}

// RelinkSerpResults re-labels a previous run's SERP rows as belonging to a
// new run, supporting SERP reuse without calling the provider again.
func (s *Store) RelinkSerpResults(fromRunID, toRunID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE serp_results SET pipeline_execution_id = ? WHERE pipeline_execution_id = ?",
		toRunID, fromRunID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to relink serp results: %w", err)
	}
	n, _ := res.RowsAffected()
	logging.Serp("Relinked %d SERP rows from run %s to run %s", n, fromRunID, toRunID)
	return n, nil
}

// CountSerpResults returns the number of SERP rows owned by a run, optionally
// filtered by serp type ("" counts all).
func (s *Store) CountSerpResults(runID string, serpType types.ContentType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	var err error
	if serpType == "" {
		err = s.db.QueryRow(
			"SELECT COUNT(*) FROM serp_results WHERE pipeline_execution_id = ?", runID,
		).Scan(&count)
	} else {
		err = s.db.QueryRow(
			"SELECT COUNT(*) FROM serp_results WHERE pipeline_execution_id = ? AND serp_type = ?",
			runID, string(serpType),
		).Scan(&count)
	}
	return count, err
}

// DistinctSerpDomains returns every domain a run's SERP rows reference.
func (s *Store) DistinctSerpDomains(runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT DISTINCT domain FROM serp_results
		 WHERE pipeline_execution_id = ? AND domain IS NOT NULL AND domain != ''
		 ORDER BY domain`,
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

// ScrapableURLs returns distinct organic and news URLs for a run.
func (s *Store) ScrapableURLs(runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT DISTINCT url FROM serp_results
		 WHERE pipeline_execution_id = ? AND serp_type IN ('organic', 'news')
		 ORDER BY url`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			continue
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// VideoSerpResults returns a run's video-type SERP rows.
func (s *Store) VideoSerpResults(runID string) ([]types.SerpResult, error) {
	return s.serpResultsByType(runID, types.ContentVideo)
}

// SerpResultsForRun returns every SERP row a run owns.
func (s *Store) SerpResultsForRun(runID string) ([]types.SerpResult, error) {
	return s.serpResultsByType(runID, "")
}

func (s *Store) serpResultsByType(runID string, serpType types.ContentType) ([]types.SerpResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, keyword_id, keyword, search_date, location, serp_type, url, domain,
	                 position, title, snippet, published_at, provider_metadata, pipeline_execution_id
	          FROM serp_results WHERE pipeline_execution_id = ?`
	args := []interface{}{runID}
	if serpType != "" {
		query += " AND serp_type = ?"
		args = append(args, string(serpType))
	}
	query += " ORDER BY keyword, position"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []types.SerpResult
	for rows.Next() {
		var r types.SerpResult
		var serpT, searchDate string
		var domain, title, snippet, providerJSON, runRef sql.NullString
		var publishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.KeywordID, &r.Keyword, &searchDate, &r.Location, &serpT,
			&r.URL, &domain, &r.Position, &title, &snippet, &publishedAt, &providerJSON, &runRef); err != nil {
			continue
		}
		r.SerpType = types.ContentType(serpT)
		r.Domain = domain.String
		r.Title = title.String
		r.Snippet = snippet.String
		r.PublishedAt = nullTime(publishedAt)
		r.RunID = runRef.String
		if providerJSON.Valid {
			_ = json.Unmarshal([]byte(providerJSON.String), &r.Provider)
		}
		if t, err := time.Parse("2006-01-02", searchDate); err == nil {
			r.SearchDate = t
		}
		results = append(results, r)
	}
	return results, nil
}
