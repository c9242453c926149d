package serp

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// searchKey correlates a downloaded result row back to its originating
// search via the echoed custom_id.
type searchKey struct {
	KeywordID int64
	Keyword   string
	Region    string
}

// customID encodes the correlation key submitted with each search.
func (k searchKey) customID() string {
	return fmt.Sprintf("%d|%s", k.KeywordID, k.Region)
}

// itemID is the canonical state-tracker identifier for this search.
func (k searchKey) itemID(ct types.ContentType) string {
	return fmt.Sprintf("%s:%s:%s", k.Keyword, k.Region, ct)
}

func parseCustomID(s string) (int64, string, bool) {
	id, region, ok := strings.Cut(s, "|")
	if !ok {
		return 0, "", false
	}
	kid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return kid, region, true
}

// newsTimePeriod maps a schedule frequency onto the provider's news window.
// The first run of a schedule requests a wider window so history is not
// empty until the second cycle.
func newsTimePeriod(freq types.ScheduleFrequency, initialRun bool) string {
	if initialRun {
		switch freq {
		case types.FreqWeekly:
			return "last_month"
		case types.FreqMonthly:
			return "last_year"
		}
	}
	switch freq {
	case types.FreqDaily:
		return "last_day"
	case types.FreqWeekly:
		return "last_week"
	case types.FreqMonthly:
		return "last_month"
	case types.FreqQuarterly:
		return "last_year"
	}
	return "last_month"
}

// providerSearchType maps a content type onto the provider's search_type
// parameter; web search has no explicit type.
func providerSearchType(ct types.ContentType) string {
	switch ct {
	case types.ContentNews:
		return "news"
	case types.ContentVideo:
		return "videos"
	}
	return ""
}

var relativeDateRe = regexp.MustCompile(`^(\d+|an?)\s+(minute|hour|day|week|month|year)s?\s+ago$`)

// normalizeDate turns a provider-published date into an absolute UTC
// timestamp. Relative phrases ("2 days ago") are resolved against now;
// unparseable input yields nil rather than an error.
func normalizeDate(raw string, now time.Time) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	lower := strings.ToLower(raw)

	if lower == "yesterday" {
		t := now.AddDate(0, 0, -1).UTC()
		return &t
	}
	if lower == "today" || lower == "just now" {
		t := now.UTC()
		return &t
	}

	if m := relativeDateRe.FindStringSubmatch(lower); m != nil {
		n := 1
		if m[1] != "a" && m[1] != "an" {
			n, _ = strconv.Atoi(m[1])
		}
		var t time.Time
		switch m[2] {
		case "minute":
			t = now.Add(-time.Duration(n) * time.Minute)
		case "hour":
			t = now.Add(-time.Duration(n) * time.Hour)
		case "day":
			t = now.AddDate(0, 0, -n)
		case "week":
			t = now.AddDate(0, 0, -7*n)
		case "month":
			t = now.AddDate(0, -n, 0)
		case "year":
			t = now.AddDate(-n, 0, 0)
		}
		t = t.UTC()
		return &t
	}

	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
		"Jan 2, 2006",
		"2 Jan 2006",
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// domainOf extracts the bare hostname of a URL, without the www prefix.
func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// =============================================================================
// CSV RESULT PAGES
// =============================================================================

// parseCSVResults parses one downloaded CSV page into SerpResult rows.
// Rows whose custom_id cannot be correlated are skipped with a warning.
func parseCSVResults(data []byte, serpType types.ContentType, now time.Time) ([]types.SerpResult, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}

	field := func(record []string, names ...string) string {
		for _, name := range names {
			if i, ok := col[name]; ok && i < len(record) {
				return strings.TrimSpace(record[i])
			}
		}
		return ""
	}

	var results []types.SerpResult
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			logging.SerpWarn("Skipping malformed CSV record: %v", err)
			continue
		}

		customID := field(record, "custom_id", "search.custom_id")
		keywordID, region, ok := parseCustomID(customID)
		if !ok {
			logging.SerpWarn("Skipping CSV row with uncorrelatable custom_id %q", customID)
			continue
		}

		link := field(record, "link", "result.link", "url")
		if link == "" {
			continue
		}
		position, _ := strconv.Atoi(field(record, "position", "result.position"))

		domain := field(record, "domain", "result.domain")
		if domain == "" {
			domain = domainOf(link)
		}

		row := types.SerpResult{
			KeywordID:   keywordID,
			Keyword:     field(record, "query", "q", "search.q"),
			Location:    region,
			SerpType:    serpType,
			URL:         link,
			Domain:      domain,
			Position:    position,
			Title:       field(record, "title", "result.title"),
			Snippet:     field(record, "snippet", "result.snippet"),
			PublishedAt: normalizeDate(field(record, "date", "result.date"), now),
		}
		if serpType == types.ContentVideo {
			provider := map[string]any{}
			if v := field(record, "video_id", "result.video_id"); v != "" {
				provider["video_id"] = v
			}
			if v := field(record, "channel", "result.channel"); v != "" {
				provider["channel_title"] = v
			}
			if len(provider) > 0 {
				row.Provider = provider
			}
		}
		results = append(results, row)
	}
	return results, nil
}

// =============================================================================
// JSON RESULT PAGES
// =============================================================================

type jsonPage struct {
	Search struct {
		Q        string `json:"q"`
		Location string `json:"location"`
		CustomID string `json:"custom_id"`
	} `json:"search"`
	Result struct {
		OrganicResults []jsonResult `json:"organic_results"`
		NewsResults    []jsonResult `json:"news_results"`
		VideoResults   []jsonResult `json:"video_results"`
	} `json:"result"`
}

type jsonResult struct {
	Position int    `json:"position"`
	Title    string `json:"title"`
	Link     string `json:"link"`
	Domain   string `json:"domain"`
	Snippet  string `json:"snippet"`
	Date     string `json:"date"`
	VideoID  string `json:"video_id"`
	Length   string `json:"length"`
	Channel  *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Link  string `json:"link"`
	} `json:"channel"`
}

// parseJSONResults parses one downloaded JSON page into SerpResult rows.
// The JSON path carries video metadata the CSV format drops.
func parseJSONResults(data []byte, serpType types.ContentType, now time.Time) ([]types.SerpResult, error) {
	var pages []jsonPage
	if err := json.Unmarshal(data, &pages); err != nil {
		// A single-search page is an object, not an array.
		var single jsonPage
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("failed to parse JSON results: %w", err)
		}
		pages = []jsonPage{single}
	}

	var results []types.SerpResult
	for _, page := range pages {
		keywordID, region, ok := parseCustomID(page.Search.CustomID)
		if !ok {
			logging.SerpWarn("Skipping JSON page with uncorrelatable custom_id %q", page.Search.CustomID)
			continue
		}

		var items []jsonResult
		switch serpType {
		case types.ContentNews:
			items = page.Result.NewsResults
		case types.ContentVideo:
			items = page.Result.VideoResults
		default:
			items = page.Result.OrganicResults
		}

		for _, item := range items {
			if item.Link == "" {
				continue
			}
			domain := item.Domain
			if domain == "" {
				domain = domainOf(item.Link)
			}
			row := types.SerpResult{
				KeywordID:   keywordID,
				Keyword:     page.Search.Q,
				Location:    region,
				SerpType:    serpType,
				URL:         item.Link,
				Domain:      domain,
				Position:    item.Position,
				Title:       item.Title,
				Snippet:     item.Snippet,
				PublishedAt: normalizeDate(item.Date, now),
			}
			if serpType == types.ContentVideo {
				provider := map[string]any{}
				if item.VideoID != "" {
					provider["video_id"] = item.VideoID
				} else if id := VideoIDFromURL(item.Link); id != "" {
					provider["video_id"] = id
				}
				if item.Length != "" {
					provider["length"] = item.Length
				}
				if item.Channel != nil {
					if item.Channel.ID != "" {
						provider["channel_id"] = item.Channel.ID
					}
					if item.Channel.Title != "" {
						provider["channel_title"] = item.Channel.Title
					}
				}
				if len(provider) > 0 {
					row.Provider = provider
				}
			}
			results = append(results, row)
		}
	}
	return results, nil
}

// VideoIDFromURL pulls the platform video id out of common URL shapes.
func VideoIDFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := strings.Trim(u.Path, "/")

	switch host {
	case "youtu.be":
		if i := strings.IndexByte(path, '/'); i >= 0 {
			path = path[:i]
		}
		return path
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		if v := u.Query().Get("v"); v != "" {
			return v
		}
		for _, prefix := range []string{"embed/", "shorts/", "v/", "live/"} {
			if rest, ok := strings.CutPrefix(path, prefix); ok {
				if i := strings.IndexByte(rest, '/'); i >= 0 {
					rest = rest[:i]
				}
				return rest
			}
		}
	}
	return ""
}
