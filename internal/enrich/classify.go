package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"marketvane/internal/ai"
	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// allSourceTypes is the closed enumeration the classifier must stay inside.
var allSourceTypes = []types.SourceType{
	types.SourceOwned,
	types.SourceCompetitor,
	types.SourcePremiumPublisher,
	types.SourceTechnology,
	types.SourceFinance,
	types.SourceProfessionalBody,
	types.SourceSocialMedia,
	types.SourceEducation,
	types.SourceNonProfit,
	types.SourceGovernment,
	types.SourceOther,
}

func validSourceType(s string) bool {
	for _, t := range allSourceTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

var socialDomains = map[string]bool{
	"facebook.com":  true,
	"instagram.com": true,
	"linkedin.com":  true,
	"pinterest.com": true,
	"reddit.com":    true,
	"tiktok.com":    true,
	"twitter.com":   true,
	"x.com":         true,
	"youtube.com":   true,
}

// classifySourceType decides a domain's provenance. Owned and competitor
// lists are authoritative; everything else goes to the AI classifier when
// one is configured, with the rule set as fallback.
func (e *Enricher) classifySourceType(ctx context.Context, domain string, data *CompanyData, owned, competitors map[string]bool) types.SourceType {
	if owned[domain] {
		return types.SourceOwned
	}
	if competitors[domain] {
		return types.SourceCompetitor
	}
	if e.ai != nil {
		st, err := e.classifyWithAI(ctx, domain, data)
		if err == nil {
			return st
		}
		logging.EnrichWarn("AI source classification failed for %s, using rules: %v", domain, err)
	}
	return ruleClassify(domain, data)
}

var sourceTypeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"source_type": map[string]any{
			"type": "string",
			"enum": sourceTypeNames(),
		},
		"confidence": map[string]any{"type": "number"},
		"reasoning":  map[string]any{"type": "string"},
	},
	"required":             []string{"source_type", "confidence"},
	"additionalProperties": false,
}

func sourceTypeNames() []string {
	names := make([]string, len(allSourceTypes))
	for i, t := range allSourceTypes {
		names[i] = string(t)
	}
	return names
}

func (e *Enricher) classifyWithAI(ctx context.Context, domain string, data *CompanyData) (types.SourceType, error) {
	system := "You classify companies by the role their website plays in search results. " +
		"Answer with JSON only. OWNED and COMPETITOR are assigned upstream; never use them."
	user := fmt.Sprintf(
		"Classify the company behind the domain %q.\nName: %s\nIndustry: %s\nDescription: %s",
		domain, data.Name, data.Industry, data.Description,
	)

	raw, err := e.ai.CompleteJSON(ctx, system, user, "source_classification", sourceTypeSchema)
	if err != nil {
		return "", err
	}
	var resp struct {
		SourceType string  `json:"source_type"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(ai.CleanJSON(raw)), &resp); err != nil {
		return "", fmt.Errorf("decode classification: %w", err)
	}
	if !validSourceType(resp.SourceType) {
		return "", fmt.Errorf("classifier returned %q, outside the enumeration", resp.SourceType)
	}
	if resp.SourceType == string(types.SourceOwned) || resp.SourceType == string(types.SourceCompetitor) {
		return "", fmt.Errorf("classifier returned reserved type %s", resp.SourceType)
	}
	return types.SourceType(resp.SourceType), nil
}

// ruleClassify is the deterministic fallback: domain suffixes first, then
// the social domain list, then industry keywords.
func ruleClassify(domain string, data *CompanyData) types.SourceType {
	for _, suffix := range []string{".gov", ".gov.uk", ".mil"} {
		if strings.HasSuffix(domain, suffix) {
			return types.SourceGovernment
		}
	}
	for _, suffix := range []string{".edu", ".ac.uk"} {
		if strings.HasSuffix(domain, suffix) {
			return types.SourceEducation
		}
	}
	if socialDomains[domain] {
		return types.SourceSocialMedia
	}

	// Industry is the reliable signal; descriptions mention "technology"
	// and "news" far too freely.
	haystack := strings.ToLower(data.Industry)
	if haystack == "" {
		haystack = strings.ToLower(data.Description)
	}
	rules := []struct {
		keywords []string
		source   types.SourceType
	}{
		{[]string{"news", "publishing", "media", "broadcast", "journalism"}, types.SourcePremiumPublisher},
		{[]string{"bank", "financial", "insurance", "investment", "capital market", "fintech"}, types.SourceFinance},
		{[]string{"software", "saas", "cloud", "information technology", "it services", "computer", "technology"}, types.SourceTechnology},
		{[]string{"association", "institute", "professional body", "chamber of"}, types.SourceProfessionalBody},
		{[]string{"university", "college", "school", "education", "academy"}, types.SourceEducation},
		{[]string{"non-profit", "nonprofit", "charity", "foundation", "ngo"}, types.SourceNonProfit},
		{[]string{"government", "public sector", "municipal", "public administration"}, types.SourceGovernment},
	}
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(haystack, kw) {
				return r.source
			}
		}
	}
	return types.SourceOther
}
