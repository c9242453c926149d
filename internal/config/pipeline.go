package config

import "time"

// PipelineSettings carries per-phase tuning knobs.
type PipelineSettings struct {
	Scraper  ScraperSettings  `yaml:"scraper"`
	Analysis AnalysisSettings `yaml:"analysis"`
	Video    VideoSettings    `yaml:"video"`
	Enrich   EnrichSettings   `yaml:"enrich"`
	Keywords KeywordsSettings `yaml:"keywords"`
}

// ScraperSettings configures the content scraping phase.
type ScraperSettings struct {
	Concurrency      int      `yaml:"concurrency"`
	MinContentLength int      `yaml:"min_content_length"`
	RequestTimeout   string   `yaml:"request_timeout"`
	ProtectedDomains []string `yaml:"protected_domains"`
	UserAgent        string   `yaml:"user_agent"`
	BrowserEnabled   bool     `yaml:"browser_enabled"`
	BrowserPoolSize  int      `yaml:"browser_pool_size"`
}

// GetRequestTimeout returns the per-page fetch timeout as a duration.
func (s ScraperSettings) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(s.RequestTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// AnalysisSettings configures the concurrent AI analysis phase.
type AnalysisSettings struct {
	Concurrency               int    `yaml:"concurrency"`
	FlexibleCompletionPercent int    `yaml:"flexible_completion_percent"`
	FlexibleAfter             string `yaml:"flexible_after"`
	HardTimeout               string `yaml:"hard_timeout"`
	MonitorInterval           string `yaml:"monitor_interval"`
	DimensionsPath            string `yaml:"dimensions_path"`
	HotReload                 bool   `yaml:"hot_reload"`
	MinEvidenceWords          int    `yaml:"min_evidence_words"`
	EvidenceCapScore          int    `yaml:"evidence_cap_score"`
}

// GetFlexibleAfter returns the flexible-completion window as a duration.
func (a AnalysisSettings) GetFlexibleAfter() time.Duration {
	d, err := time.ParseDuration(a.FlexibleAfter)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// GetHardTimeout returns the analysis hard deadline as a duration.
func (a AnalysisSettings) GetHardTimeout() time.Duration {
	d, err := time.ParseDuration(a.HardTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetMonitorInterval returns the completion monitor tick as a duration.
func (a AnalysisSettings) GetMonitorInterval() time.Duration {
	d, err := time.ParseDuration(a.MonitorInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// VideoSettings configures the video enrichment phase.
type VideoSettings struct {
	ChannelResolverEnabled bool    `yaml:"channel_resolver_enabled"`
	ChannelConfidenceFloor float64 `yaml:"channel_confidence_floor"`
}

// EnrichSettings configures company enrichment.
type EnrichSettings struct {
	Concurrency int `yaml:"concurrency"`
}

// KeywordsSettings configures keyword metrics handling.
type KeywordsSettings struct {
	DefaultSearchVolume int    `yaml:"default_search_volume"`
	MetricsMaxAge       string `yaml:"metrics_max_age"`
}

// GetMetricsMaxAge returns the keyword metrics staleness window as a duration.
func (k KeywordsSettings) GetMetricsMaxAge() time.Duration {
	d, err := time.ParseDuration(k.MetricsMaxAge)
	if err != nil {
		return 30 * 24 * time.Hour
	}
	return d
}

// DefaultPipelineSettings returns phase tuning defaults.
func DefaultPipelineSettings() PipelineSettings {
	return PipelineSettings{
		Scraper: ScraperSettings{
			Concurrency:      50,
			MinContentLength: 100,
			RequestTimeout:   "30s",
			ProtectedDomains: []string{"linkedin.com", "facebook.com", "instagram.com", "twitter.com", "x.com"},
			UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			BrowserEnabled:   false,
			BrowserPoolSize:  2,
		},
		Analysis: AnalysisSettings{
			Concurrency:               25,
			FlexibleCompletionPercent: 95,
			FlexibleAfter:             "15m",
			HardTimeout:               "30m",
			MonitorInterval:           "30s",
			DimensionsPath:            "config/dimensions.yaml",
			HotReload:                 true,
			MinEvidenceWords:          20,
			EvidenceCapScore:          4,
		},
		Video: VideoSettings{
			ChannelResolverEnabled: true,
			ChannelConfidenceFloor: 0.7,
		},
		Enrich: EnrichSettings{
			Concurrency: 15,
		},
		Keywords: KeywordsSettings{
			DefaultSearchVolume: 1000,
			MetricsMaxAge:       "720h",
		},
	}
}
