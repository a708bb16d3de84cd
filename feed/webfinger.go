package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Webfinger link relations this stack cares about.
const (
	RelProfilePage = "http://webfinger.net/rel/profile-page"
	RelUpdatesFrom = "http://schemas.google.com/g/2010#updates-from"
	RelMagicKey    = "magic-public-key"
)

// WebfingerLink is one relation advertised for an account address.
type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// WebfingerClient looks up account addresses against their home
// server's well-known endpoint.
type WebfingerClient struct {
	client *http.Client
}

func NewWebfingerClient(timeout time.Duration) *WebfingerClient {
	return &WebfingerClient{
		client: &http.Client{Timeout: timeout},
	}
}

// CanonicalAddress strips an acct: prefix and leading @ and lowercases
// the whole address: "Acct:Bob@Example.org" -> "bob@example.org".
func CanonicalAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) >= 5 && strings.EqualFold(addr[:5], "acct:") {
		addr = addr[5:]
	}
	addr = strings.TrimPrefix(addr, "@")
	return strings.ToLower(addr)
}

// Lookup resolves an account address into its advertised relation
// links. Returns nil with no error when the server answers 404.
func (wc *WebfingerClient) Lookup(addr string) ([]WebfingerLink, error) {
	addr = CanonicalAddress(addr)

	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return nil, fmt.Errorf("not an account address: %s", addr)
	}
	domain := addr[at+1:]

	endpoint := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		domain, url.QueryEscape("acct:"+addr))

	req, err := http.NewRequest("GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", "grayling/1.0 OStatus")

	resp, err := wc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webfinger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webfinger lookup failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var jrd struct {
		Subject string          `json:"subject"`
		Links   []WebfingerLink `json:"links"`
	}
	if err := json.Unmarshal(body, &jrd); err != nil {
		return nil, fmt.Errorf("failed to parse webfinger response: %w", err)
	}

	return jrd.Links, nil
}
