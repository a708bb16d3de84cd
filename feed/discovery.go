package feed

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ErrDiscovery covers unreachable or malformed documents during feed
// discovery. ErrNoHub means the feed parsed fine but declares no PuSH
// hub, so it can never be subscribed to.
var (
	ErrDiscovery = errors.New("feed discovery failed")
	ErrNoHub     = errors.New("feed declares no hub")
)

// DiscoveryResult is what a seed URI resolves to: the canonical feed
// location, its declared endpoints, and the fetched feed itself.
type DiscoveryResult struct {
	FeedURI   string
	HubURI    string
	SalmonURI string
	Feed      *AtomFeed
}

// Discoverer resolves profile or feed seed URIs to canonical feeds.
type Discoverer struct {
	client *http.Client
}

// NewDiscoverer builds a discoverer whose remote fetches are bounded by
// the given timeout.
func NewDiscoverer(timeout time.Duration) *Discoverer {
	return &Discoverer{
		client: &http.Client{Timeout: timeout},
	}
}

// Discover fetches the seed URI and locates the canonical feed. HTML
// profile pages are followed through their auto-discovery link.
func (d *Discoverer) Discover(seedURI string) (*DiscoveryResult, error) {
	body, contentType, err := d.fetch(seedURI)
	if err != nil {
		return nil, err
	}

	feedURI := seedURI

	if isHTML(contentType, body) {
		// Profile page, not a feed. Follow the auto-discovery link.
		href := findAutoDiscoveryLink(string(body))
		if href == "" {
			return nil, fmt.Errorf("%w: no feed link on %s", ErrDiscovery, seedURI)
		}
		feedURI = resolveRef(seedURI, href)
		body, _, err = d.fetch(feedURI)
		if err != nil {
			return nil, err
		}
	}

	atom, err := ParseFeed(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}

	if self := atom.GetLink(RelSelf); self != "" {
		feedURI = self
	}

	res := &DiscoveryResult{
		FeedURI:   feedURI,
		HubURI:    atom.GetLink(RelHub),
		SalmonURI: atom.GetLink(RelSalmon),
		Feed:      atom,
	}

	if res.HubURI == "" {
		return res, fmt.Errorf("%w: %s", ErrNoHub, feedURI)
	}

	return res, nil
}

func (d *Discoverer) fetch(uri string) ([]byte, string, error) {
	req, err := http.NewRequest("GET", uri, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDiscovery, err)
	}

	req.Header.Set("Accept", "application/atom+xml, application/xml;q=0.9, text/html;q=0.5")
	req.Header.Set("User-Agent", "grayling/1.0 OStatus")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: %s returned status %d", ErrDiscovery, uri, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDiscovery, err)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(contentType, "text/html") || strings.Contains(contentType, "application/xhtml") {
		return true
	}
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

var linkTagRe = regexp.MustCompile(`(?is)<link\s+[^>]*>`)
var attrRe = regexp.MustCompile(`(?i)(rel|type|href)\s*=\s*["']([^"']*)["']`)

// findAutoDiscoveryLink scans an HTML head for
// <link rel="alternate" type="application/atom+xml" href="...">.
func findAutoDiscoveryLink(html string) string {
	for _, tag := range linkTagRe.FindAllString(html, -1) {
		var rel, typ, href string
		for _, m := range attrRe.FindAllStringSubmatch(tag, -1) {
			switch strings.ToLower(m[1]) {
			case "rel":
				rel = strings.ToLower(m[2])
			case "type":
				typ = strings.ToLower(m[2])
			case "href":
				href = m[2]
			}
		}
		if rel == "alternate" && strings.Contains(typ, "atom") && href != "" {
			return href
		}
	}
	return ""
}

func resolveRef(base, href string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	refURL, err := url.Parse(href)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(refURL).String()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
