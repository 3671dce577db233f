// Package websearch fetches open-web text snippets that give the generative
// fallback some grounding. Results are best effort: callers log failures and
// carry on without context.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrMissingAPIKey is returned when the client is created without a key
var ErrMissingAPIKey = errors.New("web search api key not configured")

// skipDomains are retail sites whose pages rarely carry usable nutrition text
var skipDomains = []string{"amazon.", "walmart.", "costco."}

// Result is one organic search hit
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Searcher returns text hits for a query
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// Serper queries google.serper.dev
type Serper struct {
	baseURL    string
	apiKey     string
	results    int
	httpClient *http.Client
}

// NewSerper creates a Serper client. results bounds the number of hits.
func NewSerper(baseURL, apiKey string, timeout time.Duration, results int) (*Serper, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if baseURL == "" {
		baseURL = "https://google.serper.dev"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if results <= 0 {
		results = 5
	}
	return &Serper{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		results:    results,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Search implements Searcher
func (s *Serper) Search(ctx context.Context, query string) ([]Result, error) {
	body, err := json.Marshal(map[string]any{"q": query, "num": s.results})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serper request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("serper api error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Organic []Result `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode serper response: %w", err)
	}

	results := make([]Result, 0, len(out.Organic))
	for _, r := range out.Organic {
		if skipped(r.Link) || strings.TrimSpace(r.Snippet) == "" {
			continue
		}
		results = append(results, r)
		if len(results) >= s.results {
			break
		}
	}
	return results, nil
}

func skipped(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range skipDomains {
		if strings.HasPrefix(host, d) || strings.Contains(host, "."+d) {
			return true
		}
	}
	return false
}

// Context renders hits as prompt text, one snippet block per result
func Context(results []Result) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Source: %s\n%s\n%s", r.Link, r.Title, r.Snippet)
	}
	return b.String()
}
