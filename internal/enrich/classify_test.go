package enrich

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"marketvane/internal/types"
)

// fakeAI replies with canned JSON per schema name.
type fakeAI struct {
	mu      sync.Mutex
	replies map[string]string
	calls   []string
	err     error
}

func newFakeAI() *fakeAI {
	return &fakeAI{replies: make(map[string]string)}
}

func (f *fakeAI) Name() string { return "fake:test" }

func (f *fakeAI) CompleteJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, schemaName)
	if f.err != nil {
		return "", f.err
	}
	if reply, ok := f.replies[schemaName]; ok {
		return reply, nil
	}
	return "{}", nil
}

func TestRuleClassify(t *testing.T) {
	cases := []struct {
		domain   string
		industry string
		desc     string
		want     types.SourceType
	}{
		{"agency.gov", "", "", types.SourceGovernment},
		{"hmrc.gov.uk", "", "", types.SourceGovernment},
		{"navy.mil", "", "", types.SourceGovernment},
		{"mit.edu", "", "", types.SourceEducation},
		{"ox.ac.uk", "", "", types.SourceEducation},
		{"x.com", "", "", types.SourceSocialMedia},
		{"youtube.com", "", "", types.SourceSocialMedia},
		{"herald.net", "News & Publishing", "", types.SourcePremiumPublisher},
		{"bigbank.com", "Banking", "", types.SourceFinance},
		{"acme.io", "Software Development", "", types.SourceTechnology},
		{"guild.org", "Trade Association", "", types.SourceProfessionalBody},
		{"college.net", "Higher Education", "", types.SourceEducation},
		{"help.org", "Charity", "", types.SourceNonProfit},
		{"city.us", "Municipal Government", "", types.SourceGovernment},
		// Description is consulted only when industry is empty.
		{"widget.com", "", "A fintech startup", types.SourceFinance},
		{"widget.com", "Manufacturing", "A fintech startup", types.SourceOther},
		{"mystery.net", "", "", types.SourceOther},
	}
	for _, tc := range cases {
		got := ruleClassify(tc.domain, &CompanyData{Industry: tc.industry, Description: tc.desc})
		assert.Equal(t, tc.want, got, "domain %s industry %q", tc.domain, tc.industry)
	}
}

func TestClassifySourceTypeOwnedBeatsEverything(t *testing.T) {
	fake := newFakeAI()
	fake.replies["source_classification"] = `{"source_type": "FINANCE", "confidence": 0.9}`
	e := &Enricher{ai: fake}

	owned := map[string]bool{"acme.com": true}
	competitors := map[string]bool{"rival.io": true}

	got := e.classifySourceType(context.Background(), "acme.com", &CompanyData{}, owned, competitors)
	assert.Equal(t, types.SourceOwned, got)
	got = e.classifySourceType(context.Background(), "rival.io", &CompanyData{}, owned, competitors)
	assert.Equal(t, types.SourceCompetitor, got)
	assert.Empty(t, fake.calls, "owned/competitor must not consult the AI")
}

func TestClassifySourceTypeUsesAI(t *testing.T) {
	fake := newFakeAI()
	fake.replies["source_classification"] = `{"source_type": "FINANCE", "confidence": 0.92}`
	e := &Enricher{ai: fake}

	got := e.classifySourceType(context.Background(), "bigbank.com", &CompanyData{Name: "Big Bank"}, nil, nil)
	assert.Equal(t, types.SourceFinance, got)
	assert.Equal(t, []string{"source_classification"}, fake.calls)
}

func TestClassifySourceTypeRejectsInvalidAIAnswer(t *testing.T) {
	fake := newFakeAI()
	fake.replies["source_classification"] = `{"source_type": "STARTUP", "confidence": 0.9}`
	e := &Enricher{ai: fake}

	got := e.classifySourceType(context.Background(), "acme.io", &CompanyData{Industry: "Software"}, nil, nil)
	assert.Equal(t, types.SourceTechnology, got, "invalid enum value must fall back to rules")
}

func TestClassifySourceTypeRejectsReservedAIAnswer(t *testing.T) {
	fake := newFakeAI()
	fake.replies["source_classification"] = `{"source_type": "OWNED", "confidence": 0.9}`
	e := &Enricher{ai: fake}

	got := e.classifySourceType(context.Background(), "herald.net", &CompanyData{Industry: "News"}, nil, nil)
	assert.Equal(t, types.SourcePremiumPublisher, got)
}

func TestClassifySourceTypeWithoutAI(t *testing.T) {
	e := &Enricher{}
	got := e.classifySourceType(context.Background(), "guild.org", &CompanyData{Industry: "Professional Body"}, nil, nil)
	assert.Equal(t, types.SourceProfessionalBody, got)
}
