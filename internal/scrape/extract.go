package scrape

import (
	"net"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"marketvane/internal/enrich"
)

// normalizeTargets dedupes and canonicalizes raw SERP urls. The second
// value counts urls no target could be built from.
func normalizeTargets(raw []string) ([]page, int) {
	var pages []page
	seen := make(map[string]bool)
	malformed := 0
	for _, r := range raw {
		u, domain, ok := NormalizeURL(r)
		if !ok {
			malformed++
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		pages = append(pages, page{url: u, domain: domain})
	}
	return pages, malformed
}

// NormalizeURL canonicalizes a SERP url: host lowercased, a leading
// "www." dropped, the fragment dropped. The second return is the page's
// registrable domain.
func NormalizeURL(raw string) (string, string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", "", false
	}
	u.Fragment = ""
	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	u.Host = host
	return u.String(), enrich.RegistrableDomain(host), true
}

// IsProtectedDomain reports whether host falls under any protected
// domain, subdomains included.
func IsProtectedDomain(host string, protected []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, p := range protected {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

// ExtractContent pulls the title and readable text out of raw HTML.
// Script and style containers are dropped and whitespace collapsed; a
// marked article body wins over full-page text when the page has one.
func ExtractContent(html string) (title, text string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", ""
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find("script, style, noscript, iframe, svg, template").Remove()

	root := doc.Find("main, article, [role=main]").First()
	if root.Length() == 0 {
		root = doc.Find("body").First()
		// Only strip page chrome when falling back to the whole body.
		root.Find("nav, header, footer, aside, form").Remove()
	}
	if root.Length() == 0 {
		root = doc.Selection
	}
	text = strings.Join(strings.Fields(root.Text()), " ")
	return title, text
}
