package config

import "time"

// ValidAIProviders lists the supported analysis backends.
var ValidAIProviders = []string{"openai", "gemini"}

// ProvidersConfig groups all external provider settings.
type ProvidersConfig struct {
	Serp    SerpProviderConfig    `yaml:"serp"`
	Company CompanyProviderConfig `yaml:"company"`
	Video   VideoProviderConfig   `yaml:"video"`
	AI      AIProviderConfig      `yaml:"ai"`
}

// SerpProviderConfig configures the batch SERP provider.
type SerpProviderConfig struct {
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	MaxResultsPerType int    `yaml:"max_results_per_type"`
	BatchChunkSize    int    `yaml:"batch_chunk_size"`
	PollInterval      string `yaml:"poll_interval"`
	PollTimeout       string `yaml:"poll_timeout"`
	WebhookURL        string `yaml:"webhook_url"`
	RequestTimeout    string `yaml:"request_timeout"`
}

// GetPollInterval returns the batch poll interval as a duration.
func (s SerpProviderConfig) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(s.PollInterval)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetPollTimeout returns the overall batch wait ceiling as a duration.
func (s SerpProviderConfig) GetPollTimeout() time.Duration {
	d, err := time.ParseDuration(s.PollTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetRequestTimeout returns the per-request HTTP timeout as a duration.
func (s SerpProviderConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(s.RequestTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// CompanyProviderConfig configures the company enrichment provider.
type CompanyProviderConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	RateLimit      int    `yaml:"rate_limit"`  // requests per window
	RateWindow     string `yaml:"rate_window"` // e.g. "60s"
	CacheTTL       string `yaml:"cache_ttl"`   // in-process lookup cache
	RequestTimeout string `yaml:"request_timeout"`
}

// GetRateWindow returns the rate limiter window as a duration.
func (c CompanyProviderConfig) GetRateWindow() time.Duration {
	d, err := time.ParseDuration(c.RateWindow)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetCacheTTL returns the enrichment cache TTL as a duration.
func (c CompanyProviderConfig) GetCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.CacheTTL)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetRequestTimeout returns the per-request HTTP timeout as a duration.
func (c CompanyProviderConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// VideoProviderConfig configures the video data provider.
type VideoProviderConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	BatchSize      int    `yaml:"batch_size"`
	DailyQuota     int    `yaml:"daily_quota"`
	QuotaStatePath string `yaml:"quota_state_path"`
	RequestTimeout string `yaml:"request_timeout"`
}

// GetRequestTimeout returns the per-request HTTP timeout as a duration.
func (v VideoProviderConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(v.RequestTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// AIProviderConfig configures the content analysis backend.
type AIProviderConfig struct {
	Provider       string  `yaml:"provider"` // openai or gemini
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	MaxRetries     int     `yaml:"max_retries"`
	RateLimitDelay string  `yaml:"rate_limit_delay"`
	RequestTimeout string  `yaml:"request_timeout"`
}

// GetRateLimitDelay returns the minimum gap between requests as a duration.
func (a AIProviderConfig) GetRateLimitDelay() time.Duration {
	d, err := time.ParseDuration(a.RateLimitDelay)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetRequestTimeout returns the per-request timeout as a duration.
func (a AIProviderConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(a.RequestTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// DefaultProvidersConfig returns provider defaults.
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		Serp: SerpProviderConfig{
			BaseURL:           "https://api.scaleserp.com",
			MaxResultsPerType: 50,
			BatchChunkSize:    1000,
			PollInterval:      "120s",
			PollTimeout:       "30m",
			RequestTimeout:    "60s",
		},
		Company: CompanyProviderConfig{
			BaseURL:        "https://api.cognism.com",
			RateLimit:      1000,
			RateWindow:     "60s",
			CacheTTL:       "24h",
			RequestTimeout: "30s",
		},
		Video: VideoProviderConfig{
			BaseURL:        "https://www.googleapis.com/youtube/v3",
			BatchSize:      50,
			DailyQuota:     10000,
			QuotaStatePath: "data/video_quota.json",
			RequestTimeout: "30s",
		},
		AI: AIProviderConfig{
			Provider:       "openai",
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			Temperature:    0.1,
			MaxTokens:      4096,
			MaxRetries:     3,
			RateLimitDelay: "500ms",
			RequestTimeout: "120s",
		},
	}
}
