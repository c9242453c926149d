package serp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketvane/internal/types"
)

func TestCustomIDRoundTrip(t *testing.T) {
	key := searchKey{KeywordID: 42, Keyword: "cloud storage", Region: "United States"}

	id, region, ok := parseCustomID(key.customID())
	require.True(t, ok)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "United States", region)

	_, _, ok = parseCustomID("no-separator")
	assert.False(t, ok)
	_, _, ok = parseCustomID("abc|US")
	assert.False(t, ok)
}

func TestItemIDConvention(t *testing.T) {
	key := searchKey{KeywordID: 7, Keyword: "cloud storage", Region: "US"}
	assert.Equal(t, "cloud storage:US:organic", key.itemID(types.ContentOrganic))
	assert.Equal(t, "cloud storage:US:video", key.itemID(types.ContentVideo))
}

func TestNewsTimePeriod(t *testing.T) {
	tests := []struct {
		name    string
		freq    types.ScheduleFrequency
		initial bool
		want    string
	}{
		{"daily", types.FreqDaily, false, "last_day"},
		{"weekly", types.FreqWeekly, false, "last_week"},
		{"monthly", types.FreqMonthly, false, "last_month"},
		{"quarterly", types.FreqQuarterly, false, "last_year"},
		{"initial run widens weekly", types.FreqWeekly, true, "last_month"},
		{"initial run widens monthly", types.FreqMonthly, true, "last_year"},
		{"initial run keeps daily", types.FreqDaily, true, "last_day"},
		{"unset frequency defaults", "", false, "last_month"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newsTimePeriod(tt.freq, tt.initial))
		})
	}
}

func TestProviderSearchType(t *testing.T) {
	assert.Equal(t, "", providerSearchType(types.ContentOrganic))
	assert.Equal(t, "news", providerSearchType(types.ContentNews))
	assert.Equal(t, "videos", providerSearchType(types.ContentVideo))
}

func TestNormalizeDateRelativePhrases(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		raw  string
		want time.Time
	}{
		{"2 days ago", time.Date(2025, 6, 13, 12, 0, 0, 0, time.UTC)},
		{"an hour ago", time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)},
		{"a minute ago", time.Date(2025, 6, 15, 11, 59, 0, 0, time.UTC)},
		{"3 weeks ago", time.Date(2025, 5, 25, 12, 0, 0, 0, time.UTC)},
		{"1 month ago", time.Date(2025, 5, 15, 12, 0, 0, 0, time.UTC)},
		{"2 years ago", time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)},
		{"Yesterday", time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)},
		{"just now", now},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := normalizeDate(tt.raw, now)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestNormalizeDateAbsoluteLayouts(t *testing.T) {
	now := time.Now()

	got := normalizeDate("2024-03-05T10:30:00Z", now)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC), *got)

	got = normalizeDate("2024-03-05", now)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), *got)

	got = normalizeDate("Mar 5, 2024", now)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), *got)

	assert.Nil(t, normalizeDate("", now))
	assert.Nil(t, normalizeDate("sometime soon", now))
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", domainOf("https://www.Example.com/a/b?c=d"))
	assert.Equal(t, "sub.example.co.uk", domainOf("http://sub.example.co.uk/"))
	assert.Equal(t, "", domainOf("not a url"))
}

func TestParseCSVResults(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	data := []byte(`custom_id,query,link,position,domain,title,snippet,date
7|US,cloud storage,https://www.example.com/post,1,example.com,Title A,Snippet A,2 days ago
7|US,cloud storage,https://other.org/x,2,,Title B,Snippet B,
bogus,cloud storage,https://skip.me/1,3,,,,
8|UK,cloud backup,,4,,,,
`)

	results, err := parseCSVResults(data, types.ContentOrganic, now)
	require.NoError(t, err)
	require.Len(t, results, 2)

	first := results[0]
	assert.Equal(t, int64(7), first.KeywordID)
	assert.Equal(t, "cloud storage", first.Keyword)
	assert.Equal(t, "US", first.Location)
	assert.Equal(t, types.ContentOrganic, first.SerpType)
	assert.Equal(t, "https://www.example.com/post", first.URL)
	assert.Equal(t, "example.com", first.Domain)
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, "Title A", first.Title)
	require.NotNil(t, first.PublishedAt)
	assert.Equal(t, time.Date(2025, 6, 13, 12, 0, 0, 0, time.UTC), *first.PublishedAt)

	// Domain falls back to the URL host when the column is empty.
	assert.Equal(t, "other.org", results[1].Domain)
	assert.Nil(t, results[1].PublishedAt)
}

func TestParseCSVResultsVideoMetadata(t *testing.T) {
	now := time.Now()
	data := []byte(`custom_id,query,link,position,video_id,channel
9|US,best crm,https://www.youtube.com/watch?v=abc123,1,abc123,Tech Channel
`)

	results, err := parseCSVResults(data, types.ContentVideo, now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.ContentVideo, results[0].SerpType)
	assert.Equal(t, "abc123", results[0].Provider["video_id"])
	assert.Equal(t, "Tech Channel", results[0].Provider["channel_title"])
}

func TestParseCSVResultsBadHeader(t *testing.T) {
	_, err := parseCSVResults([]byte(""), types.ContentOrganic, time.Now())
	assert.Error(t, err)
}

func TestParseJSONResultsOrganic(t *testing.T) {
	now := time.Now()
	data := []byte(`[
		{
			"search": {"q": "cloud storage", "location": "United States", "custom_id": "7|US"},
			"result": {
				"organic_results": [
					{"position": 1, "title": "Title A", "link": "https://www.example.com/a", "snippet": "S"},
					{"position": 2, "title": "No link"}
				],
				"news_results": [
					{"position": 1, "title": "News", "link": "https://news.example.com/n"}
				]
			}
		},
		{
			"search": {"q": "orphan", "custom_id": "nope"},
			"result": {"organic_results": [{"position": 1, "link": "https://x.example.com"}]}
		}
	]`)

	results, err := parseJSONResults(data, types.ContentOrganic, now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(7), results[0].KeywordID)
	assert.Equal(t, "US", results[0].Location)
	assert.Equal(t, "example.com", results[0].Domain)
	assert.Equal(t, "Title A", results[0].Title)
}

func TestParseJSONResultsVideo(t *testing.T) {
	now := time.Now()
	data := []byte(`[
		{
			"search": {"q": "best crm", "custom_id": "9|US"},
			"result": {
				"video_results": [
					{
						"position": 1,
						"title": "CRM Review",
						"link": "https://www.youtube.com/watch?v=abc123",
						"length": "12:34",
						"channel": {"id": "UC123", "title": "Tech Channel"}
					}
				]
			}
		}
	]`)

	results, err := parseJSONResults(data, types.ContentVideo, now)
	require.NoError(t, err)
	require.Len(t, results, 1)

	meta := results[0].Provider
	require.NotNil(t, meta)
	assert.Equal(t, "abc123", meta["video_id"]) // recovered from the URL
	assert.Equal(t, "12:34", meta["length"])
	assert.Equal(t, "UC123", meta["channel_id"])
	assert.Equal(t, "Tech Channel", meta["channel_title"])
	assert.Equal(t, "youtube.com", results[0].Domain)
}

func TestParseJSONResultsSingleObject(t *testing.T) {
	page := map[string]any{
		"search": map[string]any{"q": "solo", "custom_id": "3|DE"},
		"result": map[string]any{
			"organic_results": []map[string]any{
				{"position": 1, "link": "https://solo.example.com/page"},
			},
		},
	}
	data, err := json.Marshal(page)
	require.NoError(t, err)

	results, err := parseJSONResults(data, types.ContentOrganic, time.Now())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(3), results[0].KeywordID)
	assert.Equal(t, "DE", results[0].Location)
}

func TestParseJSONResultsGarbage(t *testing.T) {
	_, err := parseJSONResults([]byte("not json"), types.ContentOrganic, time.Now())
	assert.Error(t, err)
}

func TestVideoIDFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/abc/extra", "abc"},
		{"https://www.youtube.com/watch?v=abc123", "abc123"},
		{"https://m.youtube.com/watch?v=abc123", "abc123"},
		{"https://music.youtube.com/watch?v=mmm", "mmm"},
		{"https://www.youtube.com/embed/xyz?start=5", "xyz"},
		{"https://youtube.com/shorts/sss", "sss"},
		{"https://www.youtube.com/live/lll", "lll"},
		{"https://vimeo.com/12345", ""},
		{"not a url at all ://", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, VideoIDFromURL(tt.url))
		})
	}
}
