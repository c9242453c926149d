package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// ========== Scraped Content ==========

// UpsertScrapedContent stores one fetched page, keyed by URL. Failed fetches
// persist too so the analyzer can tell "failed" from "never attempted".
func (s *Store) UpsertScrapedContent(sc types.ScrapedContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sc.ErrorMessage) > 1000 {
		sc.ErrorMessage = sc.ErrorMessage[:1000]
	}

	_, err := s.db.Exec(
		`INSERT INTO scraped_content
		 (url, domain, title, content, html, word_count, status, error_message, pipeline_execution_id, scraped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(url) DO UPDATE SET
		 domain = excluded.domain,
		 title = excluded.title,
		 content = excluded.content,
		 html = excluded.html,
		 word_count = excluded.word_count,
		 status = excluded.status,
		 error_message = excluded.error_message,
		 pipeline_execution_id = excluded.pipeline_execution_id,
		 scraped_at = CURRENT_TIMESTAMP`,
		sc.URL, sc.Domain, sc.Title, sc.Content, sc.HTML, sc.WordCount,
		sc.Status, nullString(sc.ErrorMessage), nullString(sc.RunID),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert scraped content: %w", err)
	}
	return nil
}

// GetScrapedContent loads one page by URL; nil when never scraped.
func (s *Store) GetScrapedContent(url string) (*types.ScrapedContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT url, domain, title, content, html, word_count, status, error_message,
		        pipeline_execution_id, scraped_at
		 FROM scraped_content WHERE url = ?`,
		url,
	)

	var sc types.ScrapedContent
	var title, content, html, errMsg, runID sql.NullString
	err := row.Scan(&sc.URL, &sc.Domain, &title, &content, &html, &sc.WordCount,
		&sc.Status, &errMsg, &runID, &sc.ScrapedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scraped content: %w", err)
	}

	sc.Title = title.String
	sc.Content = content.String
	sc.HTML = html.String
	sc.ErrorMessage = errMsg.String
	sc.RunID = runID.String
	return &sc, nil
}

// CountScrapedContent counts a run's scraped rows by status ("" for all).
func (s *Store) CountScrapedContent(runID, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	var err error
	if status == "" {
		err = s.db.QueryRow(
			"SELECT COUNT(*) FROM scraped_content WHERE pipeline_execution_id = ?", runID,
		).Scan(&count)
	} else {
		err = s.db.QueryRow(
			"SELECT COUNT(*) FROM scraped_content WHERE pipeline_execution_id = ? AND status = ?",
			runID, status,
		).Scan(&count)
	}
	return count, err
}

// CountAnalyzableContent counts a run's completed scrapes carrying at least
// minChars of content. This is the denominator of the analysis completion
// ratio.
func (s *Store) CountAnalyzableContent(runID string, minChars int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM scraped_content
		 WHERE pipeline_execution_id = ? AND status = 'completed' AND LENGTH(content) >= ?`,
		runID, minChars,
	).Scan(&count)
	return count, err
}

// AnalyzableRow is one scraped page ready for AI analysis.
type AnalyzableRow struct {
	URL     string
	Domain  string
	Title   string
	Content string
}

// PendingAnalysis returns the run's completed scrapes with at least minChars
// of content that have no analysis row yet. This is the query the concurrent
// analysis monitor polls.
func (s *Store) PendingAnalysis(runID string, minChars, limit int) ([]AnalyzableRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT sc.url, sc.domain, COALESCE(sc.title, ''), sc.content
		 FROM scraped_content sc
		 WHERE sc.pipeline_execution_id = ?
		   AND sc.status = 'completed'
		   AND LENGTH(sc.content) >= ?
		   AND NOT EXISTS (SELECT 1 FROM content_analysis ca WHERE ca.url = sc.url)
		 ORDER BY sc.scraped_at
		 LIMIT ?`,
		runID, minChars, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AnalyzableRow
	for rows.Next() {
		var r AnalyzableRow
		if err := rows.Scan(&r.URL, &r.Domain, &r.Title, &r.Content); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// HasAnalyzableBacklog reports whether any completed scrape for a profiled
// domain still lacks an analysis row. Used as an out-of-phase precondition.
func (s *Store) HasAnalyzableBacklog(runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM scraped_content sc
		 JOIN company_profiles cp ON cp.domain = sc.domain
		 WHERE sc.pipeline_execution_id = ?
		   AND sc.status = 'completed'
		   AND NOT EXISTS (SELECT 1 FROM content_analysis ca WHERE ca.url = sc.url)
		 LIMIT 1`,
		runID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ========== Content Analysis ==========

// SaveContentAnalysis upserts an analysis row and its dimension scores.
func (s *Store) SaveContentAnalysis(a types.ContentAnalysis, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var mentionsJSON sql.NullString
	if a.Mentions != nil {
		data, _ := json.Marshal(a.Mentions)
		mentionsJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err = tx.Exec(
		`INSERT INTO content_analysis
		 (url, project_id, domain, content_classification, persona_score, jtbd_score,
		  mentions, source_classification, sentiment, confidence, model, pipeline_execution_id, analyzed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url, project_id) DO UPDATE SET
		 domain = excluded.domain,
		 content_classification = excluded.content_classification,
		 persona_score = excluded.persona_score,
		 jtbd_score = excluded.jtbd_score,
		 mentions = excluded.mentions,
		 source_classification = excluded.source_classification,
		 sentiment = excluded.sentiment,
		 confidence = excluded.confidence,
		 model = excluded.model,
		 pipeline_execution_id = excluded.pipeline_execution_id,
		 analyzed_at = excluded.analyzed_at`,
		a.URL, a.ProjectID, a.Domain, a.Classification, a.PersonaScore, a.JTBDScore,
		mentionsJSON, a.SourceClass, a.Sentiment, a.Confidence, model,
		nullString(a.RunID), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert analysis: %w", err)
	}

	var analysisID int64
	if err := tx.QueryRow(
		"SELECT id FROM content_analysis WHERE url = ? AND project_id = ?",
		a.URL, a.ProjectID,
	).Scan(&analysisID); err != nil {
		return fmt.Errorf("failed to read analysis id: %w", err)
	}

	for _, dim := range a.Dimensions {
		var rationale sql.NullString
		if dim.Rationale != "" || len(dim.ScoringBreakdown) > 0 {
			payload := map[string]any{"rationale": dim.Rationale}
			if len(dim.ScoringBreakdown) > 0 {
				payload["scoring_breakdown"] = dim.ScoringBreakdown
			}
			data, _ := json.Marshal(payload)
			rationale = sql.NullString{String: string(data), Valid: true}
		}
		_, err := tx.Exec(
			`INSERT INTO optimized_dimension_analysis
			 (analysis_id, dimension_name, score, evidence_words, evidence_capped, rationale)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(analysis_id, dimension_name) DO UPDATE SET
			 score = excluded.score,
			 evidence_words = excluded.evidence_words,
			 evidence_capped = excluded.evidence_capped,
			 rationale = excluded.rationale`,
			analysisID, dim.Dimension, dim.Score, dim.EvidenceWords, boolToInt(dim.EvidenceCapped), rationale,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert dimension %s: %w", dim.Dimension, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit analysis: %w", err)
	}

	logging.Analyze("Saved analysis for %s (persona=%.1f, %d dimensions)", a.URL, a.PersonaScore, len(a.Dimensions))
	return nil
}

// GetContentAnalysis loads one analysis row with its dimensions; nil if absent.
func (s *Store) GetContentAnalysis(url, projectID string) (*types.ContentAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, url, project_id, domain, content_classification, persona_score, jtbd_score,
		        mentions, source_classification, sentiment, confidence, pipeline_execution_id, analyzed_at
		 FROM content_analysis WHERE url = ? AND project_id = ?`,
		url, projectID,
	)

	var a types.ContentAnalysis
	var id int64
	var domain, classification, mentionsJSON, sourceClass, sentiment, runID sql.NullString
	err := row.Scan(&id, &a.URL, &a.ProjectID, &domain, &classification, &a.PersonaScore, &a.JTBDScore,
		&mentionsJSON, &sourceClass, &sentiment, &a.Confidence, &runID, &a.AnalyzedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis: %w", err)
	}

	a.Domain = domain.String
	a.Classification = classification.String
	a.SourceClass = sourceClass.String
	a.Sentiment = sentiment.String
	a.RunID = runID.String
	if mentionsJSON.Valid && mentionsJSON.String != "" {
		json.Unmarshal([]byte(mentionsJSON.String), &a.Mentions)
	}

	dims, err := s.db.Query(
		"SELECT dimension_name, score, evidence_words, evidence_capped, rationale FROM optimized_dimension_analysis WHERE analysis_id = ?",
		id,
	)
	if err != nil {
		return &a, nil
	}
	defer dims.Close()
	for dims.Next() {
		var d types.DimensionScore
		var capped int
		var rationale sql.NullString
		if err := dims.Scan(&d.Dimension, &d.Score, &d.EvidenceWords, &capped, &rationale); err != nil {
			continue
		}
		d.EvidenceCapped = capped != 0
		if rationale.Valid && rationale.String != "" {
			var payload struct {
				Rationale        string              `json:"rationale"`
				ScoringBreakdown []types.ScoreAdjust `json:"scoring_breakdown"`
			}
			if json.Unmarshal([]byte(rationale.String), &payload) == nil {
				d.Rationale = payload.Rationale
				d.ScoringBreakdown = payload.ScoringBreakdown
			}
		}
		a.Dimensions = append(a.Dimensions, d)
	}
	return &a, nil
}

// CountAnalyses counts analysis rows attributed to a run.
func (s *Store) CountAnalyses(runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM content_analysis WHERE pipeline_execution_id = ?", runID,
	).Scan(&count)
	return count, err
}

// PersonaScoreByURL returns url -> persona score for a run's analyses.
func (s *Store) PersonaScoreByURL(runID string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT url, persona_score FROM content_analysis
		 WHERE pipeline_execution_id = ? AND persona_score IS NOT NULL`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var url string
		var score float64
		if err := rows.Scan(&url, &score); err != nil {
			continue
		}
		scores[url] = score
	}
	return scores, nil
}
