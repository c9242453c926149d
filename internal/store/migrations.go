package store

import (
	"database/sql"
	"fmt"

	"marketvane/internal/logging"
)

// Migration defines a database schema migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists all schema migrations to apply.
// These handle cases where tables exist but are missing newer columns.
var pendingMigrations = []Migration{
	// Keyword metrics columns (added when keyword_metrics became a phase)
	{"keywords", "avg_monthly_searches", "INTEGER"},
	{"keywords", "competition_level", "TEXT"},
	{"keywords", "cpc", "REAL"},
	{"keywords", "metrics_updated_at", "DATETIME"},
	// Phase skip reasons (added for non-critical phase reporting)
	{"pipeline_phase_status", "skip_reason", "TEXT"},
	// State item error categorization (added with the retry manager)
	{"pipeline_state", "error_category", "TEXT"},
	// Job lease columns (added when workers moved out of process)
	{"job_queue", "locked_at", "DATETIME"},
	{"job_queue", "locked_by", "TEXT"},
	{"job_queue", "dead_letter", "INTEGER DEFAULT 0"},
	// Breaker half-open timestamp
	{"circuit_breakers", "half_opened_at", "DATETIME"},
	// Parent/subsidiary relationships surfaced by the enrichment provider
	{"company_profiles", "parent_company", "TEXT"},
	// Analysis provenance
	{"content_analysis", "model", "TEXT"},
	// Evidence floor bookkeeping
	{"optimized_dimension_analysis", "evidence_capped", "INTEGER DEFAULT 0"},
}

// RunMigrations applies schema migrations for existing databases.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	logging.Store("Running schema migrations (%d pending)", len(pendingMigrations))

	appliedCount := 0
	skippedCount := 0

	for _, m := range pendingMigrations {
		// If the table doesn't exist in this DB, skip quietly.
		if !tableExists(db, m.Table) {
			skippedCount++
			continue
		}

		if !columnExists(db, m.Table, m.Column) {
			query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
			if _, err := db.Exec(query); err != nil {
				logging.Get(logging.CategoryStore).Warn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
				skippedCount++
			} else {
				logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
				appliedCount++
			}
		} else {
			skippedCount++
		}
	}

	logging.Store("Schema migrations complete: applied=%d, skipped=%d", appliedCount, skippedCount)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	query := fmt.Sprintf("PRAGMA table_info(%s)", table)
	rows, err := db.Query(query)
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}
