package video

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketvane/internal/config"
	"marketvane/internal/logging"
	"marketvane/internal/types"
)

// Item carries one video's snippet, statistics and duration as returned
// by the data API.
type Item struct {
	ID           string
	Title        string
	ChannelID    string
	ChannelTitle string
	PublishedAt  *time.Time
	Views        int64
	Likes        int64
	Comments     int64
	DurationSecs int
}

// ChannelStats carries the per-channel counters used for subscriber
// enrichment.
type ChannelStats struct {
	ID          string
	Subscribers int64
}

// Provider fetches video and channel statistics in id batches. Both
// calls cost quota units, so callers batch as many ids as the API
// accepts per request.
type Provider interface {
	ListVideos(ctx context.Context, ids []string) ([]Item, error)
	ListChannels(ctx context.Context, ids []string) ([]ChannelStats, error)
}

// HTTPProvider talks to a YouTube-compatible data API. Authentication
// is an API key query parameter, not a bearer header.
type HTTPProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewHTTPProvider builds a provider from config.
func NewHTTPProvider(cfg config.VideoProviderConfig) *HTTPProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://www.googleapis.com/youtube/v3"
	}
	return &HTTPProvider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.GetRequestTimeout(),
		},
	}
}

// The API serializes counters as JSON strings, not numbers.
type wireVideoList struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title        string `json:"title"`
			ChannelID    string `json:"channelId"`
			ChannelTitle string `json:"channelTitle"`
			PublishedAt  string `json:"publishedAt"`
		} `json:"snippet"`
		Statistics struct {
			ViewCount    string `json:"viewCount"`
			LikeCount    string `json:"likeCount"`
			CommentCount string `json:"commentCount"`
		} `json:"statistics"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
}

type wireChannelList struct {
	Items []struct {
		ID         string `json:"id"`
		Statistics struct {
			SubscriberCount       string `json:"subscriberCount"`
			HiddenSubscriberCount bool   `json:"hiddenSubscriberCount"`
		} `json:"statistics"`
	} `json:"items"`
}

// ListVideos fetches snippet, statistics and duration for one batch of
// video ids. Deleted or private videos are simply absent from the reply.
func (p *HTTPProvider) ListVideos(ctx context.Context, ids []string) ([]Item, error) {
	params := url.Values{
		"part": {"snippet,statistics,contentDetails"},
		"id":   {strings.Join(ids, ",")},
	}
	var list wireVideoList
	if err := p.get(ctx, "/videos", params, &list); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(list.Items))
	for _, w := range list.Items {
		if w.ID == "" {
			continue
		}
		items = append(items, Item{
			ID:           w.ID,
			Title:        w.Snippet.Title,
			ChannelID:    w.Snippet.ChannelID,
			ChannelTitle: w.Snippet.ChannelTitle,
			PublishedAt:  parseTimestamp(w.Snippet.PublishedAt),
			Views:        parseCount(w.Statistics.ViewCount),
			Likes:        parseCount(w.Statistics.LikeCount),
			Comments:     parseCount(w.Statistics.CommentCount),
			DurationSecs: parseISODuration(w.ContentDetails.Duration),
		})
	}
	logging.VideoDebug("Video list returned %d of %d requested ids", len(items), len(ids))
	return items, nil
}

// ListChannels fetches subscriber counts for one batch of channel ids.
// Channels hiding their count report zero subscribers.
func (p *HTTPProvider) ListChannels(ctx context.Context, ids []string) ([]ChannelStats, error) {
	params := url.Values{
		"part": {"statistics"},
		"id":   {strings.Join(ids, ",")},
	}
	var list wireChannelList
	if err := p.get(ctx, "/channels", params, &list); err != nil {
		return nil, err
	}

	stats := make([]ChannelStats, 0, len(list.Items))
	for _, w := range list.Items {
		if w.ID == "" {
			continue
		}
		cs := ChannelStats{ID: w.ID}
		if !w.Statistics.HiddenSubscriberCount {
			cs.Subscribers = parseCount(w.Statistics.SubscriberCount)
		}
		stats = append(stats, cs)
	}
	return stats, nil
}

func (p *HTTPProvider) get(ctx context.Context, path string, params url.Values, out any) error {
	if p.apiKey == "" {
		return fmt.Errorf("video data API key not configured")
	}
	params.Set("key", p.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

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
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// parseISODuration converts an ISO-8601 duration such as PT1H2M3S into
// whole seconds. Unparseable input yields zero.
func parseISODuration(s string) int {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok {
		return 0
	}

	total, num := 0, 0
	inTime, haveNum := false, false
	for _, r := range rest {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			haveNum = true
		case r == 'T':
			inTime = true
		default:
			if !haveNum {
				return 0
			}
			switch {
			case r == 'W' && !inTime:
				total += num * 7 * 86400
			case r == 'D' && !inTime:
				total += num * 86400
			case r == 'H' && inTime:
				total += num * 3600
			case r == 'M' && inTime:
				total += num * 60
			case r == 'S' && inTime:
				total += num
			default:
				return 0
			}
			num, haveNum = 0, false
		}
	}
	return total
}

func previewBody(data []byte) string {
	const max = 500
	if len(data) > max {
		return string(data[:max])
	}
	return string(data)
}
