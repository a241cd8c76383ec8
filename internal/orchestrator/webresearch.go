package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"cognitron/internal/config"
	"cognitron/internal/jsonrepair"
	"cognitron/internal/llmclient"
	"cognitron/internal/logging"
)

// SearchProvider returns candidate URLs for a query; the default
// implementation talks to a local metasearch endpoint.
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]string, error)
}

// Scraper fetches one page and returns its readable text.
type Scraper interface {
	Scrape(ctx context.Context, pageURL string) (string, error)
	Close() error
}

// Researcher is the iterative Search -> Scrape -> Evaluate deep
// research loop.
type Researcher struct {
	cfg      config.WebResearchConfig
	small    *llmclient.Client
	provider SearchProvider
	scraper  Scraper

	// sleep between rounds, overridable in tests.
	pause func()
}

// NewResearcher wires the loop. provider is normally
// NewHTTPSearchProvider; scraper is NewRodScraper (headless browser) or
// NewHTTPScraper (plain HTTP); tests pass fakes for both.
func NewResearcher(cfg config.WebResearchConfig, small *llmclient.Client, provider SearchProvider, scraper Scraper) *Researcher {
	return &Researcher{
		cfg: cfg, small: small, provider: provider, scraper: scraper,
		pause: func() { time.Sleep(time.Second) },
	}
}

type pageEvaluation struct {
	Relevance   float64
	Sufficiency float64
	Synthesis   string
}

// Run executes the research loop: generate up to 3 queries, scrape the
// result URLs (capped concurrency, deduplicated by normalized URL),
// rate each page with the small model, and stop once the running
// sufficiency crosses the threshold or max_tours rounds have passed.
// The return value is a markdown report.
func (r *Researcher) Run(ctx context.Context, objective string) string {
	visited := make(map[string]struct{})
	var knowledge []string
	sufficiency := 0.0
	sourcesCount := 0

	maxTours := r.cfg.MaxTours
	if maxTours <= 0 {
		maxTours = 3
	}

	for tour := 1; tour <= maxTours; tour++ {
		queries := r.generateQueries(ctx, objective)
		urls := r.collectURLs(ctx, queries, visited)
		if len(urls) == 0 {
			logging.OrchestratorDebug("research tour %d: no new URLs", tour)
			break
		}

		pages := r.scrapeAll(ctx, urls)
		for pageURL, content := range pages {
			eval, ok := r.evaluatePage(ctx, objective, content)
			if !ok {
				continue
			}
			if eval.Synthesis != "" {
				knowledge = append(knowledge, fmt.Sprintf("[%s] %s", pageURL, eval.Synthesis))
				sourcesCount++
			}
			if eval.Sufficiency > sufficiency {
				sufficiency = eval.Sufficiency
			}
		}

		if sufficiency >= r.cfg.SufficiencyThreshold {
			break
		}
		if tour < maxTours {
			r.pause()
		}
	}

	return buildReport(objective, sourcesCount, sufficiency, r.cfg.SufficiencyThreshold, knowledge)
}

// generateQueries asks the small model for up to 3 search queries as a
// JSON array, falling back to the bare objective on any parse error.
func (r *Researcher) generateQueries(ctx context.Context, objective string) []string {
	if r.small == nil {
		return []string{objective}
	}
	prompt := fmt.Sprintf(
		"Produce up to 3 web search queries that together would answer this research objective. "+
			"Return a strict JSON array of strings only, no prose.\n\nObjective: %s", objective)
	result := r.small.Generate(ctx, prompt)
	if result.Err != nil {
		return []string{objective}
	}
	queries := parseStringArray(result.Response)
	if len(queries) == 0 {
		return []string{objective}
	}
	if len(queries) > 3 {
		queries = queries[:3]
	}
	return queries
}

// parseStringArray isolates the first JSON array in text and decodes
// its string members.
func parseStringArray(text string) []string {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end <= start {
		return nil
	}
	var raw []any
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// collectURLs searches every query, normalizes and deduplicates the
// results against the visited set, and marks them visited.
func (r *Researcher) collectURLs(ctx context.Context, queries []string, visited map[string]struct{}) []string {
	var out []string
	for _, q := range queries {
		found, err := r.provider.Search(ctx, q)
		if err != nil {
			logging.OrchestratorWarn("web search %q failed: %v", q, err)
			continue
		}
		for _, u := range found {
			key := normalizeURL(u)
			if key == "" {
				continue
			}
			if _, seen := visited[key]; seen {
				continue
			}
			visited[key] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// normalizeURL reduces a URL to scheme+host+path for deduplication
// (query string stripped).
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + strings.TrimSuffix(u.Path, "/")
}

// scrapeAll fetches pages concurrently, at most MaxConcurrentScrapes in
// flight; each page gets its own timeout and failures are silently
// skipped.
func (r *Researcher) scrapeAll(ctx context.Context, urls []string) map[string]string {
	limit := r.cfg.MaxConcurrentScrapes
	if limit <= 0 {
		limit = 3
	}
	timeout := r.cfg.ScrapeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var mu sync.Mutex
	pages := make(map[string]string, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, pageURL := range urls {
		pageURL := pageURL
		g.Go(func() error {
			scrapeCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			content, err := r.scraper.Scrape(scrapeCtx, pageURL)
			if err != nil {
				logging.OrchestratorDebug("scrape %s failed: %v", pageURL, err)
				return nil
			}
			content = flattenWhitespace(content)
			if maxLen := r.cfg.MaxContentLen; maxLen > 0 && len(content) > maxLen {
				content = content[:maxLen]
			}
			if content == "" {
				return nil
			}
			mu.Lock()
			pages[pageURL] = content
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return pages
}

// evaluatePage rates one scraped page for relevance and sufficiency
// (0-10 each) and extracts a synthesis, all as strict JSON from the
// small model.
func (r *Researcher) evaluatePage(ctx context.Context, objective, content string) (pageEvaluation, bool) {
	if r.small == nil {
		return pageEvaluation{}, false
	}
	prompt := fmt.Sprintf(
		"Research objective: %s\n\nPage content:\n%s\n\n"+
			"Rate this page. Return strict JSON only: "+
			`{"relevance": 0-10, "sufficiency": 0-10, "synthesis": "what this page contributes to the objective"}`,
		objective, content)
	result := r.small.Generate(ctx, prompt)
	if result.Err != nil {
		return pageEvaluation{}, false
	}
	parsed, ok := jsonrepair.Extract(result.Response)
	if !ok {
		return pageEvaluation{}, false
	}
	return pageEvaluation{
		Relevance:   toNumber(parsed["relevance"]),
		Sufficiency: toNumber(parsed["sufficiency"]),
		Synthesis:   asString(parsed["synthesis"]),
	}, true
}

func toNumber(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}

func buildReport(objective string, sources int, sufficiency, threshold float64, knowledge []string) string {
	completeness := "partial"
	if threshold > 0 && sufficiency >= threshold {
		completeness = "sufficient"
	}
	var b strings.Builder
	b.WriteString("# Research report\n\n")
	fmt.Fprintf(&b, "**Objective:** %s\n\n", objective)
	fmt.Fprintf(&b, "**Sources consulted:** %d\n\n", sources)
	fmt.Fprintf(&b, "**Completeness:** %s (sufficiency %.1f)\n\n", completeness, sufficiency)
	b.WriteString("## Synthesis\n\n")
	if len(knowledge) == 0 {
		b.WriteString("No usable sources were found for this objective.\n")
	}
	for _, k := range knowledge {
		b.WriteString("- ")
		b.WriteString(k)
		b.WriteString("\n")
	}
	return b.String()
}

// ---- Default providers ------------------------------------------------

// HTTPSearchProvider queries a local metasearch endpoint that answers
// `GET {base}?q=...&format=json` with `{"results": [{"url": ...}]}`.
type HTTPSearchProvider struct {
	base   string
	client *http.Client
}

// NewHTTPSearchProvider builds the default local search client.
func NewHTTPSearchProvider(base string) *HTTPSearchProvider {
	return &HTTPSearchProvider{base: base, client: &http.Client{Timeout: 15 * time.Second}}
}

func (p *HTTPSearchProvider) Search(ctx context.Context, query string) ([]string, error) {
	if p.base == "" {
		return nil, fmt.Errorf("research: no search endpoint configured")
	}
	reqURL := p.base + "?format=json&q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("research: search endpoint returned %d", resp.StatusCode)
	}
	var doc struct {
		Results []struct {
			URL string `json:"url"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(doc.Results))
	for _, r := range doc.Results {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return urls, nil
}

// HTTPScraper fetches a page over plain HTTP and strips non-content
// tags; it is the fallback when no headless browser is available.
type HTTPScraper struct {
	client *http.Client
}

// NewHTTPScraper builds the plain-HTTP scraper.
func NewHTTPScraper() *HTTPScraper {
	return &HTTPScraper{client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *HTTPScraper) Scrape(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "cognitron-research/1.0")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("research: %s returned %d", pageURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}
	return StripHTML(string(body)), nil
}

func (s *HTTPScraper) Close() error { return nil }

// skipTags are the non-content elements dropped entirely during HTML
// text extraction.
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "nav": true,
	"header": true, "footer": true, "iframe": true, "svg": true,
}

// StripHTML extracts readable text from an HTML document, dropping
// non-content tags and flattening whitespace.
func StripHTML(doc string) string {
	node, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return flattenWhitespace(doc)
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return flattenWhitespace(b.String())
}

func flattenWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
