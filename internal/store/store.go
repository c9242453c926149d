// Package store persists all pipeline state in SQLite: runs, phase status,
// per-item tracking, the job queue, circuit breakers, and every collected
// artifact from SERP rows through DSI scores. It is the single source of
// truth that makes runs resumable after restart.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"marketvane/internal/logging"
)

// Store wraps the SQLite database shared by every pipeline component.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New opens (creating if needed) the SQLite database at the given path.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; serialized access through the store mutex.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seedErrorCategories(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store opened at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	runsTable := `
	CREATE TABLE IF NOT EXISTS pipeline_executions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'manual',
		status TEXT NOT NULL DEFAULT 'pending',
		config TEXT,
		keywords_processed INTEGER DEFAULT 0,
		serp_results_collected INTEGER DEFAULT 0,
		companies_enriched INTEGER DEFAULT 0,
		videos_enriched INTEGER DEFAULT 0,
		content_analyzed INTEGER DEFAULT 0,
		landscapes_calculated INTEGER DEFAULT 0,
		phase_results TEXT,
		errors TEXT,
		warnings TEXT,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_exec_status ON pipeline_executions(status);
	CREATE INDEX IF NOT EXISTS idx_exec_client ON pipeline_executions(client_id);
	`

	phaseTable := `
	CREATE TABLE IF NOT EXISTS pipeline_phase_status (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline_execution_id TEXT NOT NULL,
		phase_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		result TEXT,
		error TEXT,
		skip_reason TEXT,
		started_at DATETIME,
		completed_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(pipeline_execution_id, phase_name)
	);
	CREATE INDEX IF NOT EXISTS idx_phase_exec ON pipeline_phase_status(pipeline_execution_id);
	`

	stateTable := `
	CREATE TABLE IF NOT EXISTS pipeline_state (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline_execution_id TEXT NOT NULL,
		phase_name TEXT NOT NULL,
		item_identifier TEXT NOT NULL,
		item_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER DEFAULT 0,
		last_attempt_at DATETIME,
		completed_at DATETIME,
		last_error TEXT,
		error_category TEXT,
		progress_data TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(pipeline_execution_id, phase_name, item_identifier)
	);
	CREATE INDEX IF NOT EXISTS idx_state_exec_phase ON pipeline_state(pipeline_execution_id, phase_name);
	CREATE INDEX IF NOT EXISTS idx_state_status ON pipeline_state(status);
	`

	checkpointTable := `
	CREATE TABLE IF NOT EXISTS pipeline_checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline_execution_id TEXT NOT NULL,
		phase_name TEXT NOT NULL,
		checkpoint_name TEXT NOT NULL,
		state_data TEXT,
		items_total INTEGER DEFAULT 0,
		items_done INTEGER DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(pipeline_execution_id, phase_name, checkpoint_name)
	);
	`

	jobTable := `
	CREATE TABLE IF NOT EXISTS job_queue (
		id TEXT PRIMARY KEY,
		queue_name TEXT NOT NULL DEFAULT 'default',
		job_type TEXT NOT NULL,
		payload TEXT,
		priority INTEGER DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER DEFAULT 0,
		max_attempts INTEGER DEFAULT 3,
		dead_letter INTEGER DEFAULT 0,
		scheduled_for DATETIME DEFAULT CURRENT_TIMESTAMP,
		locked_at DATETIME,
		locked_by TEXT,
		last_error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON job_queue(queue_name, status, scheduled_for, priority);
	`

	breakerTable := `
	CREATE TABLE IF NOT EXISTS circuit_breakers (
		service_name TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT 'closed',
		failure_count INTEGER DEFAULT 0,
		success_count INTEGER DEFAULT 0,
		opened_at DATETIME,
		half_opened_at DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	errorTable := `
	CREATE TABLE IF NOT EXISTS error_categories (
		code TEXT PRIMARY KEY,
		is_recoverable INTEGER NOT NULL DEFAULT 0,
		retry_strategy TEXT NOT NULL DEFAULT 'none',
		max_retries INTEGER DEFAULT 0,
		base_delay_seconds REAL DEFAULT 1,
		max_delay_seconds REAL DEFAULT 60,
		status_codes TEXT,
		patterns TEXT
	);
	CREATE TABLE IF NOT EXISTS retry_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline_execution_id TEXT,
		phase_name TEXT,
		item_identifier TEXT,
		error_category TEXT,
		attempt INTEGER,
		delay_seconds REAL,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_retry_exec ON retry_history(pipeline_execution_id);
	`

	keywordTable := `
	CREATE TABLE IF NOT EXISTS keywords (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id TEXT NOT NULL,
		keyword TEXT NOT NULL,
		region TEXT NOT NULL,
		category TEXT,
		avg_monthly_searches INTEGER,
		competition_level TEXT,
		cpc REAL,
		metrics_updated_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(client_id, keyword, region)
	);
	CREATE INDEX IF NOT EXISTS idx_keywords_client ON keywords(client_id);
	`

	serpTable := `
	CREATE TABLE IF NOT EXISTS serp_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		keyword_id INTEGER NOT NULL,
		keyword TEXT NOT NULL,
		search_date DATE NOT NULL,
		location TEXT NOT NULL,
		serp_type TEXT NOT NULL,
		url TEXT NOT NULL,
		domain TEXT,
		position INTEGER,
		title TEXT,
		snippet TEXT,
		published_at DATETIME,
		provider_metadata TEXT,
		pipeline_execution_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(keyword_id, search_date, location, serp_type, url)
	);
	CREATE INDEX IF NOT EXISTS idx_serp_exec ON serp_results(pipeline_execution_id);
	CREATE INDEX IF NOT EXISTS idx_serp_type ON serp_results(serp_type);
	CREATE INDEX IF NOT EXISTS idx_serp_domain ON serp_results(domain);
	`

	scrapedTable := `
	CREATE TABLE IF NOT EXISTS scraped_content (
		url TEXT PRIMARY KEY,
		domain TEXT,
		title TEXT,
		content TEXT,
		html TEXT,
		word_count INTEGER DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'completed',
		error_message TEXT,
		pipeline_execution_id TEXT,
		scraped_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_scraped_domain ON scraped_content(domain);
	CREATE INDEX IF NOT EXISTS idx_scraped_status ON scraped_content(status);
	`

	analysisTable := `
	CREATE TABLE IF NOT EXISTS content_analysis (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		domain TEXT,
		content_classification TEXT,
		persona_score REAL,
		jtbd_score REAL,
		mentions TEXT,
		source_classification TEXT,
		sentiment TEXT,
		confidence REAL,
		model TEXT,
		pipeline_execution_id TEXT,
		analyzed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(url, project_id)
	);
	CREATE INDEX IF NOT EXISTS idx_analysis_exec ON content_analysis(pipeline_execution_id);
	CREATE INDEX IF NOT EXISTS idx_analysis_domain ON content_analysis(domain);
	CREATE TABLE IF NOT EXISTS optimized_dimension_analysis (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		analysis_id INTEGER NOT NULL,
		dimension_name TEXT NOT NULL,
		score REAL NOT NULL,
		evidence_words INTEGER DEFAULT 0,
		evidence_capped INTEGER DEFAULT 0,
		rationale TEXT,
		UNIQUE(analysis_id, dimension_name)
	);
	`

	companyTable := `
	CREATE TABLE IF NOT EXISTS company_profiles (
		domain TEXT PRIMARY KEY,
		company_name TEXT,
		industry TEXT,
		employee_range TEXT,
		revenue_range TEXT,
		description TEXT,
		source_type TEXT DEFAULT 'OTHER',
		confidence_score REAL DEFAULT 0,
		technologies TEXT,
		social_profiles TEXT,
		headquarters_location TEXT,
		parent_company TEXT,
		enriched_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS company_domains (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL UNIQUE,
		canonical_domain TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_company_domains_canonical ON company_domains(canonical_domain);
	`

	channelTable := `
	CREATE TABLE IF NOT EXISTS youtube_channel_companies (
		channel_id TEXT PRIMARY KEY,
		channel_title TEXT,
		company_name TEXT,
		company_domain TEXT,
		channel_type TEXT,
		confidence REAL DEFAULT 0,
		reasoning TEXT,
		resolved_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	videoTable := `
	CREATE TABLE IF NOT EXISTS video_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		video_id TEXT NOT NULL,
		pipeline_execution_id TEXT,
		url TEXT,
		title TEXT,
		channel_id TEXT,
		channel_title TEXT,
		view_count INTEGER DEFAULT 0,
		like_count INTEGER DEFAULT 0,
		comment_count INTEGER DEFAULT 0,
		duration_seconds INTEGER DEFAULT 0,
		subscriber_count INTEGER DEFAULT 0,
		published_at DATETIME,
		captured_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(video_id, pipeline_execution_id)
	);
	CREATE INDEX IF NOT EXISTS idx_videos_channel ON video_snapshots(channel_id);
	`

	dsiTable := `
	CREATE TABLE IF NOT EXISTS dsi_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline_execution_id TEXT NOT NULL,
		company_domain TEXT NOT NULL,
		company_name TEXT,
		keyword_overlap REAL DEFAULT 0,
		content_relevance REAL DEFAULT 0,
		market_presence REAL DEFAULT 0,
		traffic_share REAL DEFAULT 0,
		serp_visibility REAL DEFAULT 0,
		dsi_score REAL DEFAULT 0,
		rank INTEGER DEFAULT 0,
		metadata TEXT,
		calculated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(pipeline_execution_id, company_domain)
	);
	CREATE TABLE IF NOT EXISTS historical_page_dsi_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL,
		snapshot_date DATE NOT NULL,
		pipeline_execution_id TEXT NOT NULL,
		domain TEXT,
		content_type TEXT,
		dsi_score REAL DEFAULT 0,
		traffic_share REAL DEFAULT 0,
		persona_score REAL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(url, snapshot_date)
	);
	CREATE INDEX IF NOT EXISTS idx_dsi_exec ON dsi_scores(pipeline_execution_id);
	`

	scheduleTable := `
	CREATE TABLE IF NOT EXISTS schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id TEXT NOT NULL,
		frequency TEXT NOT NULL,
		config TEXT,
		enabled INTEGER DEFAULT 1,
		run_count INTEGER DEFAULT 0,
		last_run_at DATETIME,
		next_run_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	tables := []string{
		runsTable, phaseTable, stateTable, checkpointTable, jobTable,
		breakerTable, errorTable, keywordTable, serpTable, scrapedTable,
		analysisTable, companyTable, channelTable, videoTable, dsiTable,
		scheduleTable,
	}
	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for read-only reporting queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats returns row counts per table.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"pipeline_executions", "pipeline_phase_status", "pipeline_state",
		"job_queue", "serp_results", "scraped_content", "content_analysis",
		"company_profiles", "video_snapshots", "dsi_scores",
	}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// nullTime converts a nullable scan target to *time.Time.
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
