package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agentdev/ads/internal/common/errkind"
)

// searchTool queries the configured web-search provider. Payload is a query
// string or {"query": ..., "maxResults": ..., "includeDomains": [...],
// "excludeDomains": [...], "lang": ...}.
type searchTool struct{}

func (t *searchTool) Name() string   { return "search" }
func (t *searchTool) Parallel() bool { return true }

type searchPayload struct {
	Query          string   `json:"query"`
	MaxResults     int      `json:"maxResults"`
	IncludeDomains []string `json:"includeDomains"`
	ExcludeDomains []string `json:"excludeDomains"`
	Lang           string   `json:"lang"`
}

type searchProviderRequest struct {
	APIKey         string   `json:"api_key"`
	Query          string   `json:"query"`
	MaxResults     int      `json:"max_results,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

type searchProviderResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t *searchTool) Execute(ctx context.Context, payload string, tc *Context) (string, error) {
	if tc.Search.APIKey == "" {
		return "", errkind.Config("search api key not configured")
	}

	var p searchPayload
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
			return "", errkind.Input("invalid search payload: %v", err)
		}
	} else {
		p.Query = trimmed
	}
	if strings.TrimSpace(p.Query) == "" {
		return "", errkind.Input("empty search query")
	}
	if p.MaxResults <= 0 {
		p.MaxResults = 5
	}

	body, err := json.Marshal(searchProviderRequest{
		APIKey:         tc.Search.APIKey,
		Query:          p.Query,
		MaxResults:     p.MaxResults,
		IncludeDomains: p.IncludeDomains,
		ExcludeDomains: p.ExcludeDomains,
	})
	if err != nil {
		return "", errkind.Input("invalid search payload: %v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, tc.Search.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, tc.Search.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errkind.Upstream("search request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errkind.Upstream("search provider: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errkind.Upstream("search provider: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errkind.Upstream("search provider returned %d: %s", resp.StatusCode, truncateForError(raw))
	}

	var pr searchProviderResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return "", errkind.Upstream("search provider response: %v", err)
	}

	return formatSearchResults(p.Query, &pr), nil
}

func formatSearchResults(query string, pr *searchProviderResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", query)
	if pr.Answer != "" {
		fmt.Fprintf(&b, "\n%s\n", pr.Answer)
	}
	for i, res := range pr.Results {
		fmt.Fprintf(&b, "\n%d. %s\n   %s\n", i+1, res.Title, res.URL)
		if res.Content != "" {
			fmt.Fprintf(&b, "   %s\n", strings.TrimSpace(res.Content))
		}
	}
	if len(pr.Results) == 0 && pr.Answer == "" {
		b.WriteString("\n(no results)\n")
	}
	return b.String()
}

func truncateForError(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
