// Package serp collects search results through an external batch search
// provider. Batches are created per content type, filled with up to a
// thousand searches per request, started, then polled (or pushed via
// webhook) until a result set is ready to download and ingest.
package serp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"marketvane/internal/config"
	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// Search is one query submitted to a batch.
type Search struct {
	Query      string
	Location   string
	SearchType string // "" (web), "news", "videos"
	TimePeriod string // news only
	MaxResults int
	CustomID   string // echoed back in results for correlation
}

// BatchOptions carries batch-level scheduling metadata.
type BatchOptions struct {
	ScheduleType string // manual, daily, weekly, monthly
	Priority     string
	WebhookURL   string
}

// BatchInfo is the provider's view of a batch.
type BatchInfo struct {
	ID           string
	Name         string
	Status       string // manual, queued, running, idle
	SearchCount  int
	ResultsCount int
}

// Ready reports whether the batch has a downloadable result set.
func (b *BatchInfo) Ready() bool {
	return b.Status == "idle" && b.ResultsCount > 0
}

// DownloadLinks are the per-format page links of one result set.
type DownloadLinks struct {
	CSVPages  []string `json:"csv_pages,omitempty"`
	JSONPages []string `json:"json_pages,omitempty"`
}

// ResultSet is one completed collection cycle of a batch.
type ResultSet struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	Links     DownloadLinks
}

// Provider abstracts the external batch search service.
type Provider interface {
	CreateBatch(ctx context.Context, name string, opts BatchOptions) (string, error)
	AddSearches(ctx context.Context, batchID string, searches []Search) error
	StartBatch(ctx context.Context, batchID string) error
	GetBatch(ctx context.Context, batchID string) (*BatchInfo, error)
	ListResultSets(ctx context.Context, batchID string) ([]ResultSet, error)
	Download(ctx context.Context, link string) ([]byte, error)
}

// maxSearchesPerRequest is the provider's hard cap on one add-searches call.
const maxSearchesPerRequest = 1000

// HTTPProvider implements Provider against the batch search REST API.
type HTTPProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewHTTPProvider builds a provider from config.
func NewHTTPProvider(cfg config.SerpProviderConfig) *HTTPProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.scaleserp.com"
	}
	return &HTTPProvider{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: cfg.GetRequestTimeout(),
		},
	}
}

type wireSearch struct {
	Q          string `json:"q"`
	Location   string `json:"location,omitempty"`
	SearchType string `json:"search_type,omitempty"`
	TimePeriod string `json:"time_period,omitempty"`
	Num        int    `json:"num,omitempty"`
	CustomID   string `json:"custom_id,omitempty"`
}

type wireBatch struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	SearchCount  int    `json:"searches_total_count"`
	ResultsCount int    `json:"results_count"`
}

type wireResultSet struct {
	ID            json.Number `json:"id"`
	StartedAt     string      `json:"started_at"`
	EndedAt       string      `json:"ended_at"`
	DownloadLinks struct {
		CSV struct {
			Pages []string `json:"pages"`
		} `json:"csv"`
		JSON struct {
			Pages []string `json:"pages"`
		} `json:"json"`
	} `json:"download_links"`
}

// CreateBatch creates a named batch and returns its id.
func (p *HTTPProvider) CreateBatch(ctx context.Context, name string, opts BatchOptions) (string, error) {
	priority := opts.Priority
	if priority == "" {
		priority = "normal"
	}
	body := map[string]any{
		"name":     name,
		"enabled":  true,
		"priority": priority,
	}
	if opts.ScheduleType != "" && opts.ScheduleType != "manual" {
		body["schedule_type"] = opts.ScheduleType
	}
	if opts.WebhookURL != "" {
		body["notification_webhook"] = opts.WebhookURL
		body["notification_as_json"] = true
	}

	var resp struct {
		Batch wireBatch `json:"batch"`
	}
	if err := p.do(ctx, "POST", "/batches", nil, body, &resp); err != nil {
		return "", fmt.Errorf("create batch %q: %w", name, err)
	}
	if resp.Batch.ID == "" {
		return "", fmt.Errorf("create batch %q: provider returned no batch id", name)
	}
	logging.Serp("Created batch %s (%s)", resp.Batch.ID, name)
	return resp.Batch.ID, nil
}

// AddSearches appends searches to a batch, chunking at the provider cap.
func (p *HTTPProvider) AddSearches(ctx context.Context, batchID string, searches []Search) error {
	for start := 0; start < len(searches); start += maxSearchesPerRequest {
		end := start + maxSearchesPerRequest
		if end > len(searches) {
			end = len(searches)
		}
		chunk := make([]wireSearch, 0, end-start)
		for _, s := range searches[start:end] {
			chunk = append(chunk, wireSearch{
				Q:          s.Query,
				Location:   s.Location,
				SearchType: s.SearchType,
				TimePeriod: s.TimePeriod,
				Num:        s.MaxResults,
				CustomID:   s.CustomID,
			})
		}
		body := map[string]any{"searches": chunk}
		if err := p.do(ctx, "PUT", "/batches/"+batchID, nil, body, nil); err != nil {
			return fmt.Errorf("add searches to batch %s (%d-%d): %w", batchID, start, end, err)
		}
		logging.SerpDebug("Added %d searches to batch %s", end-start, batchID)
	}
	return nil
}

// StartBatch transitions the batch from manual to running.
func (p *HTTPProvider) StartBatch(ctx context.Context, batchID string) error {
	if err := p.do(ctx, "GET", "/batches/"+batchID+"/start", nil, nil, nil); err != nil {
		return fmt.Errorf("start batch %s: %w", batchID, err)
	}
	logging.Serp("Started batch %s", batchID)
	return nil
}

// GetBatch fetches current batch status.
func (p *HTTPProvider) GetBatch(ctx context.Context, batchID string) (*BatchInfo, error) {
	var resp struct {
		Batch wireBatch `json:"batch"`
	}
	if err := p.do(ctx, "GET", "/batches/"+batchID, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	return &BatchInfo{
		ID:           resp.Batch.ID,
		Name:         resp.Batch.Name,
		Status:       resp.Batch.Status,
		SearchCount:  resp.Batch.SearchCount,
		ResultsCount: resp.Batch.ResultsCount,
	}, nil
}

// ListResultSets returns the batch's result sets, newest first.
func (p *HTTPProvider) ListResultSets(ctx context.Context, batchID string) ([]ResultSet, error) {
	var resp struct {
		Results []wireResultSet `json:"results"`
	}
	if err := p.do(ctx, "GET", "/batches/"+batchID+"/results", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("list result sets for batch %s: %w", batchID, err)
	}

	sets := make([]ResultSet, 0, len(resp.Results))
	for _, r := range resp.Results {
		rs := ResultSet{
			ID: r.ID.String(),
			Links: DownloadLinks{
				CSVPages:  r.DownloadLinks.CSV.Pages,
				JSONPages: r.DownloadLinks.JSON.Pages,
			},
		}
		if t, err := time.Parse(time.RFC3339, r.StartedAt); err == nil {
			rs.StartedAt = t.UTC()
		}
		if t, err := time.Parse(time.RFC3339, r.EndedAt); err == nil {
			rs.EndedAt = t.UTC()
		}
		sets = append(sets, rs)
	}
	return sets, nil
}

// Download fetches one result page by its link.
func (p *HTTPProvider) Download(ctx context.Context, link string) ([]byte, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("invalid download link: %w", err)
	}
	q := u.Query()
	if q.Get("api_key") == "" {
		q.Set("api_key", p.apiKey)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &types.HTTPError{StatusCode: resp.StatusCode, Body: previewBody(data)}
	}
	return data, nil
}

// do issues one JSON API call with the api key attached.
func (p *HTTPProvider) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if p.apiKey == "" {
		return fmt.Errorf("API key not configured")
	}

	u, err := url.Parse(p.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid request URL: %w", err)
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", p.apiKey)
	u.RawQuery = query.Encode()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &types.HTTPError{StatusCode: resp.StatusCode, Body: previewBody(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func previewBody(data []byte) string {
	const max = 500
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max])
}
