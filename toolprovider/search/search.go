// Package search provides web search and page reading tools. Search
// results come from the DuckDuckGo HTML endpoint; page content is
// extracted with go-readability.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/minitime/minitime/toolrpc"
)

const (
	searchTimeout   = 10 * time.Second
	fetchTimeout    = 8 * time.Second
	maxResults      = 5
	maxPageChars    = 4000
	maxArticleChars = 8000
	userAgent       = "Mozilla/5.0 (compatible; MinitimeBot/1.0)"
)

// Provider serves the search tools.
type Provider struct {
	client *http.Client
}

// New creates a search provider.
func New() *Provider {
	return &Provider{client: &http.Client{Timeout: searchTimeout}}
}

// Tools returns the provider's tool set for registration.
func (p *Provider) Tools() []toolrpc.Tool {
	return []toolrpc.Tool{
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "web_search",
				Description: "Search the web for current information. Use for recent events, news, prices, weather, or anything requiring up-to-date data.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`),
			},
			Execute: p.webSearch,
		},
		{
			Definition: toolrpc.ToolDefinition{
				Name:        "read_webpage",
				Description: "Fetch a URL and extract its readable article text.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"Page URL to read"}},"required":["url"]}`),
			},
			Execute: p.readWebpage,
		},
	}
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
	Content string
}

func (p *Provider) webSearch(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	if strings.TrimSpace(args.Query) == "" {
		return toolrpc.ErrorResult("query is required")
	}

	results, err := p.duckduckgo(ctx, args.Query)
	if err != nil {
		return toolrpc.ErrorResult("search failed: " + err.Error())
	}
	if len(results) == 0 {
		return toolrpc.TextResult(fmt.Sprintf("No results found for %q.", args.Query))
	}
	p.fetchContent(ctx, results)

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "[%d] %s\n%s\n", i+1, r.Title, r.URL)
		if r.Content != "" {
			sb.WriteString(r.Content + "\n")
		} else if r.Snippet != "" {
			sb.WriteString(r.Snippet + "\n")
		}
		sb.WriteString("\n")
	}
	return toolrpc.TextResult(strings.TrimSpace(sb.String()))
}

// ddgResultRe captures the anchor of each result on the DuckDuckGo HTML
// page.
var ddgResultRe = regexp.MustCompile(`<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)

// ddgSnippetRe captures the snippet following each result anchor.
var ddgSnippetRe = regexp.MustCompile(`<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)

var tagRe = regexp.MustCompile(`<[^>]+>`)

func (p *Provider) duckduckgo(ctx context.Context, query string) ([]*searchResult, error) {
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}

	page := string(body)
	anchors := ddgResultRe.FindAllStringSubmatch(page, maxResults)
	snippets := ddgSnippetRe.FindAllStringSubmatch(page, maxResults)

	var results []*searchResult
	for i, m := range anchors {
		r := &searchResult{
			URL:   decodeDDGLink(m[1]),
			Title: cleanHTML(m[2]),
		}
		if i < len(snippets) {
			r.Snippet = cleanHTML(snippets[i][1])
		}
		results = append(results, r)
	}
	return results, nil
}

// decodeDDGLink unwraps the redirect links DuckDuckGo wraps results in.
func decodeDDGLink(href string) string {
	u, err := url.Parse(html.UnescapeString(href))
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" {
		return "https:" + u.String()
	}
	return u.String()
}

func cleanHTML(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(s, "")))
}

// fetchContent extracts readable text from each result page in parallel.
// Failures leave the snippet as the fallback.
func (p *Provider) fetchContent(ctx context.Context, results []*searchResult) {
	var wg sync.WaitGroup
	for _, r := range results {
		wg.Add(1)
		go func(r *searchResult) {
			defer wg.Done()
			text, err := p.extract(ctx, r.URL, maxPageChars)
			if err == nil {
				r.Content = text
			}
		}(r)
	}
	wg.Wait()
}

func (p *Provider) readWebpage(ctx context.Context, raw json.RawMessage) toolrpc.CallResult {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolrpc.ErrorResult("invalid args: " + err.Error())
	}
	if args.URL == "" {
		return toolrpc.ErrorResult("url is required")
	}
	text, err := p.extract(ctx, args.URL, maxArticleChars)
	if err != nil {
		return toolrpc.ErrorResult("read failed: " + err.Error())
	}
	return toolrpc.TextResult(text)
}

// extract fetches a page and runs readability extraction.
func (p *Provider) extract(ctx context.Context, pageURL string, limit int) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	article, err := readability.FromReader(io.LimitReader(resp.Body, 2<<20), parsed)
	if err != nil {
		return "", fmt.Errorf("extract: %w", err)
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > limit {
		text = text[:limit] + "\n... (truncated)"
	}
	if article.Title != "" {
		text = "Title: " + article.Title + "\n\n" + text
	}
	return text, nil
}
