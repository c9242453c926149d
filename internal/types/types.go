// Package types provides shared type definitions used across marketvane packages.
// This package exists to break import cycles between pipeline, store, and the
// phase workers. Types in this package should be foundational data structures
// with no complex dependencies.
package types

import (
	"time"
)

// =============================================================================
// PIPELINE RUN
// =============================================================================

// RunMode describes how a pipeline run was started.
type RunMode string

const (
	ModeBatch     RunMode = "batch"     // Full batch collection
	ModeScheduled RunMode = "scheduled" // Started by the scheduler
	ModeManual    RunMode = "manual"    // Started by an operator
	ModeTesting   RunMode = "testing"   // Reduced limits, test overrides
)

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunCounters aggregates per-run progress counters. Counters only grow
// during a run.
type RunCounters struct {
	KeywordsProcessed    int `json:"keywords_processed"`
	SerpResultsCollected int `json:"serp_results_collected"`
	CompaniesEnriched    int `json:"companies_enriched"`
	VideosEnriched       int `json:"videos_enriched"`
	ContentAnalyzed      int `json:"content_analyzed"`
	LandscapesCalculated int `json:"landscapes_calculated"`
}

// PipelineRun is one end-to-end execution of the pipeline.
type PipelineRun struct {
	ID           string                        `json:"id"`
	ClientID     string                        `json:"client_id"`
	Mode         RunMode                       `json:"mode"`
	Status       RunStatus                     `json:"status"`
	Config       PipelineConfig                `json:"config"`
	Counters     RunCounters                   `json:"counters"`
	PhaseResults map[string]PhaseResultSummary `json:"phase_results,omitempty"`
	Errors       []string                      `json:"errors,omitempty"`
	Warnings     []string                      `json:"warnings,omitempty"`
	StartedAt    time.Time                     `json:"started_at"`
	CompletedAt  *time.Time                    `json:"completed_at,omitempty"`
	CreatedAt    time.Time                     `json:"created_at"`
}

// PhaseResultSummary is the bounded form of a phase result kept on the run
// row. Full payloads live on the phase status row; runs keep only counts.
type PhaseResultSummary struct {
	Success bool           `json:"success"`
	Counts  map[string]int `json:"counts,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// =============================================================================
// PHASES
// =============================================================================

// PhaseName identifies one of the seven pipeline phases.
type PhaseName string

const (
	PhaseKeywordMetrics    PhaseName = "keyword_metrics"
	PhaseSerpCollection    PhaseName = "serp_collection"
	PhaseCompanyEnrichment PhaseName = "company_enrichment_serp"
	PhaseYouTubeEnrichment PhaseName = "youtube_enrichment"
	PhaseContentScraping   PhaseName = "content_scraping"
	PhaseContentAnalysis   PhaseName = "content_analysis"
	PhaseDSICalculation    PhaseName = "dsi_calculation"
)

// AllPhases lists every phase in topological order.
var AllPhases = []PhaseName{
	PhaseKeywordMetrics,
	PhaseSerpCollection,
	PhaseCompanyEnrichment,
	PhaseYouTubeEnrichment,
	PhaseContentScraping,
	PhaseContentAnalysis,
	PhaseDSICalculation,
}

// CriticalPhases fail the whole run when they do not complete.
var CriticalPhases = map[PhaseName]bool{
	PhaseSerpCollection:  true,
	PhaseContentScraping: true,
	PhaseContentAnalysis: true,
	PhaseDSICalculation:  true,
}

// PhaseState is the lifecycle state of a phase within a run.
type PhaseState string

const (
	PhasePending   PhaseState = "pending"
	PhaseQueued    PhaseState = "queued"
	PhaseRunning   PhaseState = "running"
	PhaseCompleted PhaseState = "completed"
	PhaseFailed    PhaseState = "failed"
	PhaseSkipped   PhaseState = "skipped"
	PhaseBlocked   PhaseState = "blocked"
)

// Terminal reports whether the phase state is final.
func (s PhaseState) Terminal() bool {
	switch s {
	case PhaseCompleted, PhaseFailed, PhaseSkipped, PhaseBlocked:
		return true
	}
	return false
}

// PhaseStatus is one row per (run, phase).
type PhaseStatus struct {
	RunID       string         `json:"run_id"`
	Phase       PhaseName      `json:"phase"`
	State       PhaseState     `json:"state"`
	Message     string         `json:"message,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	SkipReasons []string       `json:"skip_reasons,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// =============================================================================
// STATE ITEMS
// =============================================================================

// ItemType classifies the unit of work tracked per phase.
type ItemType string

const (
	ItemSerpSearch    ItemType = "serp_search"
	ItemVideo         ItemType = "video"
	ItemURL           ItemType = "url"
	ItemDomain        ItemType = "domain"
	ItemKeywordRegion ItemType = "keyword_region"
)

// StateStatus is the lifecycle of a single tracked item.
type StateStatus string

const (
	StatePending    StateStatus = "pending"
	StateQueued     StateStatus = "queued"
	StateProcessing StateStatus = "processing"
	StateCompleted  StateStatus = "completed"
	StateFailed     StateStatus = "failed"
	StateSkipped    StateStatus = "skipped"
)

// StateItem is a granular unit of work for a (run, phase).
type StateItem struct {
	ID            int64          `json:"id"`
	RunID         string         `json:"run_id"`
	Phase         PhaseName      `json:"phase"`
	ItemID        string         `json:"item_identifier"`
	ItemType      ItemType       `json:"item_type"`
	Status        StateStatus    `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	ErrorCategory string         `json:"error_category,omitempty"`
	ProgressData  map[string]any `json:"progress_data,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// PhaseProgress summarizes item completion for a (run, phase).
type PhaseProgress struct {
	Total       int                 `json:"total"`
	ByStatus    map[StateStatus]int `json:"by_status"`
	PercentDone float64             `json:"percent_done"`
}

// Checkpoint lets a phase re-enter mid-way after a restart.
type Checkpoint struct {
	RunID     string         `json:"run_id"`
	Phase     PhaseName      `json:"phase"`
	Name      string         `json:"checkpoint_name"`
	StateData map[string]any `json:"state_data,omitempty"`
	Counters  map[string]int `json:"counters,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// =============================================================================
// JOB QUEUE
// =============================================================================

// JobStatus is the lifecycle of a queued job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// Job is one durable unit of background work.
type Job struct {
	ID           string         `json:"id"`
	QueueName    string         `json:"queue_name"`
	JobType      string         `json:"job_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     int            `json:"priority"`
	Status       JobStatus      `json:"status"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	LockedAt     *time.Time     `json:"locked_at,omitempty"`
	LockedBy     string         `json:"locked_by,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	DeadLetter   bool           `json:"dead_letter"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// =============================================================================
// SERP & CONTENT
// =============================================================================

// ContentType partitions SERP results by vertical.
type ContentType string

const (
	ContentOrganic ContentType = "organic"
	ContentNews    ContentType = "news"
	ContentVideo   ContentType = "video"
)

// SerpResult is one ranked search result. Unique per
// (keyword_id, search_date, location, serp_type, url).
type SerpResult struct {
	ID          int64          `json:"id"`
	KeywordID   int64          `json:"keyword_id"`
	Keyword     string         `json:"keyword"`
	SearchDate  time.Time      `json:"search_date"`
	Location    string         `json:"location"`
	SerpType    ContentType    `json:"serp_type"`
	URL         string         `json:"url"`
	Domain      string         `json:"domain"`
	Position    int            `json:"position"`
	Title       string         `json:"title"`
	Snippet     string         `json:"snippet,omitempty"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	Provider    map[string]any `json:"provider,omitempty"`
	RunID       string         `json:"pipeline_execution_id,omitempty"`
}

// Keyword is a tracked search term for a client.
type Keyword struct {
	ID                 int64    `json:"id"`
	ClientID           string   `json:"client_id"`
	Text               string   `json:"keyword"`
	Regions            []string `json:"regions,omitempty"`
	AvgMonthlySearches int      `json:"avg_monthly_searches"`
	Category           string   `json:"category,omitempty"`
	IsActive           bool     `json:"is_active"`
}

// ScrapedContent is one fetched page, keyed by URL.
type ScrapedContent struct {
	URL          string    `json:"url"`
	Domain       string    `json:"domain"`
	Title        string    `json:"title,omitempty"`
	Content      string    `json:"content,omitempty"`
	HTML         string    `json:"html,omitempty"`
	WordCount    int       `json:"word_count"`
	Status       string    `json:"status"` // completed | failed
	ErrorMessage string    `json:"error_message,omitempty"`
	RunID        string    `json:"pipeline_execution_id,omitempty"`
	ScrapedAt    time.Time `json:"scraped_at"`
}

// ScrapeCompleted / ScrapeFailed are the two persisted scrape outcomes.
const (
	ScrapeCompleted = "completed"
	ScrapeFailed    = "failed"
)

// DimensionScore is one scored dimension for an analyzed URL.
type DimensionScore struct {
	Dimension        string        `json:"dimension"`
	Score            float64       `json:"score"` // 0-10
	EvidenceWords    int           `json:"evidence_words"`
	EvidenceCapped   bool          `json:"evidence_capped,omitempty"`
	ScoringBreakdown []ScoreAdjust `json:"scoring_breakdown,omitempty"`
	Rationale        string        `json:"rationale,omitempty"`
}

// ScoreAdjust is one explicit adjustment applied by a contextual rule.
type ScoreAdjust struct {
	Rule      string  `json:"rule"`
	Delta     float64 `json:"delta"`
	Rationale string  `json:"rationale"`
}

// ContentAnalysis is the AI analysis output for one URL.
type ContentAnalysis struct {
	URL            string           `json:"url"`
	ProjectID      string           `json:"project_id"`
	Domain         string           `json:"domain,omitempty"`
	Classification string           `json:"classification,omitempty"`
	PersonaScore   float64          `json:"persona_score"`
	JTBDScore      float64          `json:"jtbd_score"`
	Mentions       map[string]any   `json:"mentions,omitempty"`
	SourceClass    string           `json:"source_classification,omitempty"`
	Sentiment      string           `json:"sentiment,omitempty"`
	Confidence     float64          `json:"confidence"`
	Dimensions     []DimensionScore `json:"dimensions,omitempty"`
	RunID          string           `json:"pipeline_execution_id,omitempty"`
	AnalyzedAt     time.Time        `json:"analyzed_at"`
}

// =============================================================================
// COMPANIES & CHANNELS
// =============================================================================

// SourceType classifies a domain's provenance.
type SourceType string

const (
	SourceOwned            SourceType = "OWNED"
	SourceCompetitor       SourceType = "COMPETITOR"
	SourcePremiumPublisher SourceType = "PREMIUM_PUBLISHER"
	SourceTechnology       SourceType = "TECHNOLOGY"
	SourceFinance          SourceType = "FINANCE"
	SourceProfessionalBody SourceType = "PROFESSIONAL_BODY"
	SourceSocialMedia      SourceType = "SOCIAL_MEDIA"
	SourceEducation        SourceType = "EDUCATION"
	SourceNonProfit        SourceType = "NON_PROFIT"
	SourceGovernment       SourceType = "GOVERNMENT"
	SourceOther            SourceType = "OTHER"
)

// CompanyProfile is the enriched record for a registrable domain.
type CompanyProfile struct {
	Domain         string            `json:"domain"`
	CompanyName    string            `json:"company_name"`
	Industry       string            `json:"industry,omitempty"`
	SizeRange      string            `json:"size_range,omitempty"`
	RevenueRange   string            `json:"revenue_range,omitempty"`
	Description    string            `json:"description,omitempty"`
	SourceType     SourceType        `json:"source_type"`
	Confidence     float64           `json:"confidence_score"`
	Technologies   []string          `json:"technologies,omitempty"`
	SocialProfiles map[string]string `json:"social_profiles,omitempty"`
	Headquarters   string            `json:"headquarters_location,omitempty"`
	ParentCompany  string            `json:"parent_company,omitempty"`
	EnrichedAt     time.Time         `json:"enriched_at"`
}

// ChannelMapping resolves a video channel to a company.
type ChannelMapping struct {
	ChannelID     string    `json:"channel_id"`
	ChannelTitle  string    `json:"channel_title,omitempty"`
	CompanyName   string    `json:"company_name"`
	CompanyDomain string    `json:"company_domain,omitempty"`
	ChannelType   string    `json:"channel_type,omitempty"`
	Confidence    float64   `json:"confidence"`
	Reasoning     string    `json:"reasoning,omitempty"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// Authoritative reports whether the mapping confidence clears the reuse bar.
func (m ChannelMapping) Authoritative() bool {
	return m.Confidence >= 0.7
}

// VideoSnapshot is the enriched statistics for one video result.
type VideoSnapshot struct {
	VideoID      string     `json:"video_id"`
	URL          string     `json:"url"`
	Title        string     `json:"title,omitempty"`
	ChannelID    string     `json:"channel_id"`
	ChannelTitle string     `json:"channel_title,omitempty"`
	Views        int64      `json:"views"`
	Likes        int64      `json:"likes"`
	Comments     int64      `json:"comments"`
	DurationSecs int        `json:"duration_seconds"`
	Subscribers  int64      `json:"subscribers"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	RunID        string     `json:"pipeline_execution_id,omitempty"`
	CapturedAt   time.Time  `json:"captured_at"`
}

// EngagementRate is (likes+comments)/views, 0 when views are 0.
func (v VideoSnapshot) EngagementRate() float64 {
	if v.Views == 0 {
		return 0
	}
	return float64(v.Likes+v.Comments) / float64(v.Views)
}

// =============================================================================
// DSI
// =============================================================================

// DSIScore is the per-company ranking output, unique per (run, domain).
type DSIScore struct {
	RunID            string         `json:"pipeline_execution_id"`
	CompanyDomain    string         `json:"company_domain"`
	CompanyName      string         `json:"company_name,omitempty"`
	KeywordOverlap   float64        `json:"keyword_overlap"`
	ContentRelevance float64        `json:"content_relevance"`
	MarketPresence   float64        `json:"market_presence"`
	TrafficShare     float64        `json:"traffic_share"`
	SerpVisibility   float64        `json:"serp_visibility"`
	Score            float64        `json:"dsi_score"` // normalized [0,1]
	Rank             int            `json:"rank,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CalculatedAt     time.Time      `json:"calculated_at"`
}

// PageDSISnapshot is the historical per-page score, keyed (url, snapshot_date).
type PageDSISnapshot struct {
	URL          string      `json:"url"`
	SnapshotDate string      `json:"snapshot_date"` // YYYY-MM-DD
	RunID        string      `json:"pipeline_execution_id"`
	Domain       string      `json:"domain"`
	ContentType  ContentType `json:"content_type"`
	Score        float64     `json:"dsi_score"`
	TrafficShare float64     `json:"traffic_share"`
	PersonaScore float64     `json:"persona_score"`
	CreatedAt    time.Time   `json:"created_at"`
}

// =============================================================================
// SCHEDULING
// =============================================================================

// ScheduleFrequency is how often a scheduled pipeline recurs.
type ScheduleFrequency string

const (
	FreqDaily     ScheduleFrequency = "daily"
	FreqWeekly    ScheduleFrequency = "weekly"
	FreqMonthly   ScheduleFrequency = "monthly"
	FreqQuarterly ScheduleFrequency = "quarterly"
)

// Interval returns the wall-clock gap between runs of this frequency.
func (f ScheduleFrequency) Interval() time.Duration {
	switch f {
	case FreqDaily:
		return 24 * time.Hour
	case FreqWeekly:
		return 7 * 24 * time.Hour
	case FreqMonthly:
		return 30 * 24 * time.Hour
	case FreqQuarterly:
		return 90 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// Schedule drives recurring pipeline runs.
type Schedule struct {
	ID        int64             `json:"id"`
	ClientID  string            `json:"client_id"`
	Frequency ScheduleFrequency `json:"frequency"`
	Config    PipelineConfig    `json:"config"`
	NextRunAt time.Time         `json:"next_run_at"`
	LastRunAt *time.Time        `json:"last_run_at,omitempty"`
	RunCount  int               `json:"run_count"`
	Enabled   bool              `json:"enabled"`
}

// IsInitialRun reports whether the schedule has never fired.
func (s Schedule) IsInitialRun() bool { return s.RunCount == 0 }
