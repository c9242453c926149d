package types

// PipelineConfig is the explicit, serialized configuration for one run.
// It is stored with the run for auditability; unrecognized JSON keys are a
// validation error at the API boundary.
type PipelineConfig struct {
	ClientID     string        `json:"client_id" validate:"required"`
	Keywords     []string      `json:"keywords,omitempty"`
	Regions      []string      `json:"regions" validate:"required,min=1,dive,min=2"`
	ContentTypes []ContentType `json:"content_types" validate:"required,min=1,dive,oneof=organic news video"`
	Mode         RunMode       `json:"mode,omitempty" validate:"omitempty,oneof=batch scheduled manual testing"`

	// Phase selection. Empty means all phases enabled.
	EnabledPhases []PhaseName `json:"enabled_phases,omitempty"`

	// Concurrency overrides. Zero means use the service default.
	SerpConcurrency     int `json:"serp_concurrency,omitempty" validate:"omitempty,min=1,max=100"`
	CompanyConcurrency  int `json:"company_concurrency,omitempty" validate:"omitempty,min=1,max=100"`
	ScraperConcurrency  int `json:"scraper_concurrency,omitempty" validate:"omitempty,min=1,max=200"`
	AnalysisConcurrency int `json:"analysis_concurrency,omitempty" validate:"omitempty,min=1,max=100"`
	VideoConcurrency    int `json:"video_concurrency,omitempty" validate:"omitempty,min=1,max=100"`

	// Scheduling metadata, present on scheduler-started runs.
	ScheduleFrequency ScheduleFrequency `json:"schedule_frequency,omitempty" validate:"omitempty,oneof=daily weekly monthly quarterly"`
	IsInitialRun      bool              `json:"is_initial_run,omitempty"`

	// Feature flags.
	ChannelResolverEnabled *bool `json:"channel_resolver_enabled,omitempty"`
	ForceRefresh           bool  `json:"force_refresh,omitempty"`

	// Reuse SERP rows collected by a previous run instead of re-collecting.
	ReuseSerpFromRunID string `json:"reuse_serp_from_pipeline_id,omitempty"`

	// Classification inputs.
	OwnedDomains      []string `json:"owned_domains,omitempty"`
	CompetitorDomains []string `json:"competitor_domains,omitempty"`

	// Testing overrides (ModeTesting only).
	Testing *TestingOverrides `json:"testing,omitempty"`
}

// TestingOverrides shrink external interactions for test runs.
type TestingOverrides struct {
	MaxKeywords       int  `json:"max_keywords,omitempty"`
	MaxResultsPerType int  `json:"max_results_per_type,omitempty"`
	SkipEnrichment    bool `json:"skip_enrichment,omitempty"`
	SkipAnalysis      bool `json:"skip_analysis,omitempty"`
}

// PhaseEnabled reports whether a phase participates in this run.
func (c PipelineConfig) PhaseEnabled(p PhaseName) bool {
	if len(c.EnabledPhases) == 0 {
		return true
	}
	for _, e := range c.EnabledPhases {
		if e == p {
			return true
		}
	}
	return false
}

// ChannelResolver reports the effective channel-resolver flag, defaulting on.
func (c PipelineConfig) ChannelResolver() bool {
	if c.ChannelResolverEnabled == nil {
		return true
	}
	return *c.ChannelResolverEnabled
}
