package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"marketvane/internal/config"
	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// Candidate is one company the provider matched against a domain search.
type Candidate struct {
	ID       string
	Name     string
	Domain   string
	Industry string
}

// CompanyData is the full enrichment record redeemed for one candidate.
type CompanyData struct {
	ID             string
	Name           string
	Domain         string
	Industry       string
	SizeRange      string
	RevenueRange   string
	Description    string
	Technologies   []string
	SocialProfiles map[string]string
	Headquarters   string
	ParentCompany  string
}

// Provider abstracts the external company data service. The service bills
// per redeem, so lookups are split: a cheap search returns candidates, and
// a second call by id unlocks the full record.
type Provider interface {
	SearchCompanies(ctx context.Context, domain string) ([]Candidate, error)
	RedeemCompany(ctx context.Context, id string) (*CompanyData, error)
}

// HTTPProvider implements Provider against the company data REST API.
type HTTPProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewHTTPProvider builds a provider from config.
func NewHTTPProvider(cfg config.CompanyProviderConfig) *HTTPProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.companydata.example.com/v2"
	}
	return &HTTPProvider{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: cfg.GetRequestTimeout(),
		},
	}
}

type wireCandidate struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Industry string `json:"industry"`
}

type wireCompany struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Domain         string            `json:"domain"`
	Industry       string            `json:"industry"`
	EmployeeRange  string            `json:"employee_range"`
	RevenueRange   string            `json:"revenue_range"`
	Description    string            `json:"description"`
	Technologies   []string          `json:"technologies"`
	SocialProfiles map[string]string `json:"social_profiles"`
	Headquarters   string            `json:"headquarters"`
	ParentCompany  string            `json:"parent_company"`
}

// SearchCompanies returns candidate companies operating under a domain.
func (p *HTTPProvider) SearchCompanies(ctx context.Context, domain string) ([]Candidate, error) {
	q := url.Values{}
	q.Set("domain", domain)

	var resp struct {
		Results []wireCandidate `json:"results"`
	}
	if err := p.do(ctx, "GET", "/companies/search", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("search companies for %s: %w", domain, err)
	}

	out := make([]Candidate, 0, len(resp.Results))
	for _, c := range resp.Results {
		if c.ID == "" {
			continue
		}
		out = append(out, Candidate{ID: c.ID, Name: c.Name, Domain: c.Domain, Industry: c.Industry})
	}
	logging.EnrichDebug("Search for %s returned %d candidates", domain, len(out))
	return out, nil
}

// RedeemCompany unlocks and returns the full record for a candidate id.
func (p *HTTPProvider) RedeemCompany(ctx context.Context, id string) (*CompanyData, error) {
	var resp struct {
		Company wireCompany `json:"company"`
	}
	if err := p.do(ctx, "POST", "/companies/"+id+"/redeem", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("redeem company %s: %w", id, err)
	}
	if resp.Company.ID == "" {
		return nil, fmt.Errorf("redeem company %s: provider returned no record", id)
	}
	c := resp.Company
	return &CompanyData{
		ID:             c.ID,
		Name:           c.Name,
		Domain:         c.Domain,
		Industry:       c.Industry,
		SizeRange:      c.EmployeeRange,
		RevenueRange:   c.RevenueRange,
		Description:    c.Description,
		Technologies:   c.Technologies,
		SocialProfiles: c.SocialProfiles,
		Headquarters:   c.Headquarters,
		ParentCompany:  c.ParentCompany,
	}, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if p.apiKey == "" {
		return fmt.Errorf("company data API key not configured")
	}

	endpoint := p.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &types.HTTPError{StatusCode: resp.StatusCode, Body: previewBody(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func previewBody(data []byte) string {
	const max = 500
	if len(data) > max {
		return string(data[:max])
	}
	return string(data)
}
