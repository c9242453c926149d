package scrape

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"marketvane/internal/config"
)

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in     string
		url    string
		domain string
		ok     bool
	}{
		{"https://www.Example.com/Path?q=1#frag", "https://example.com/Path?q=1", "example.com", true},
		{"http://sub.example.co.uk/x", "http://sub.example.co.uk/x", "example.co.uk", true},
		{"  https://example.com/docs  ", "https://example.com/docs", "example.com", true},
		{"http://127.0.0.1:8080/page#top", "http://127.0.0.1:8080/page", "127.0.0.1", true},
		{"ftp://example.com/file", "", "", false},
		{"not a url", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		u, domain, ok := NormalizeURL(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		assert.Equal(t, tc.url, u, "input %q", tc.in)
		assert.Equal(t, tc.domain, domain, "input %q", tc.in)
	}
}

func TestNormalizeTargetsDedupes(t *testing.T) {
	pages, malformed := normalizeTargets([]string{
		"https://example.com/a#one",
		"https://www.example.com/a#two",
		"https://example.com/b",
		"::broken",
	})
	assert.Equal(t, 1, malformed)
	assert.Len(t, pages, 2)
	assert.Equal(t, "https://example.com/a", pages[0].url)
	assert.Equal(t, "https://example.com/b", pages[1].url)
}

func TestIsProtectedDomain(t *testing.T) {
	protected := config.DefaultPipelineSettings().Scraper.ProtectedDomains
	cases := []struct {
		host string
		want bool
	}{
		{"linkedin.com", true},
		{"sub.linkedin.com", true},
		{"LINKEDIN.com", true},
		{"linkedin.com:443", true},
		{"x.com", true},
		{"notlinkedin.com", false},
		{"example.com", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsProtectedDomain(tc.host, protected), "host %q", tc.host)
	}
	assert.False(t, IsProtectedDomain("linkedin.com", nil))
}

func TestExtractContentPrefersArticle(t *testing.T) {
	html := `<html><head><title> Backup Guide </title><style>p{color:red}</style></head>
	<body>
		<nav>Home Products Pricing</nav>
		<article><h1>Choosing backup software</h1><p>Incremental backups save bandwidth.</p></article>
		<footer>Copyright</footer>
		<script>trackPageView();</script>
	</body></html>`

	title, text := ExtractContent(html)
	assert.Equal(t, "Backup Guide", title)
	assert.Contains(t, text, "Incremental backups save bandwidth.")
	assert.NotContains(t, text, "trackPageView")
	assert.NotContains(t, text, "color:red")
	// Navigation outside the article never makes it into the text.
	assert.NotContains(t, text, "Home Products Pricing")
}

func TestExtractContentFallsBackToBody(t *testing.T) {
	html := `<html><body>
		<nav>Home Products Pricing</nav>
		<div><p>Plain page without an article wrapper.</p></div>
		<footer>Copyright</footer>
	</body></html>`

	_, text := ExtractContent(html)
	assert.Contains(t, text, "Plain page without an article wrapper.")
	assert.NotContains(t, text, "Home Products Pricing")
	assert.NotContains(t, text, "Copyright")
}

func TestExtractContentCollapsesWhitespace(t *testing.T) {
	_, text := ExtractContent("<html><body><p>  spaced \n\n out\t words  </p></body></html>")
	assert.Equal(t, "spaced out words", text)
}

func TestExtractContentEmptyInput(t *testing.T) {
	title, text := ExtractContent("")
	assert.Empty(t, title)
	assert.Empty(t, text)
}
