package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"cognitron/internal/config"
	"cognitron/internal/llmclient"
)

type fakeProvider struct {
	urls  []string
	calls int
}

func (f *fakeProvider) Search(_ context.Context, _ string) ([]string, error) {
	f.calls++
	return f.urls, nil
}

type fakeScraper struct {
	pages map[string]string
}

func (f *fakeScraper) Scrape(_ context.Context, url string) (string, error) {
	if body, ok := f.pages[url]; ok {
		return body, nil
	}
	return "", fmt.Errorf("no such page")
}

func (f *fakeScraper) Close() error { return nil }

// researchLLMServer answers query-generation prompts with a JSON array
// and page evaluations with a fixed sufficiency verdict.
func researchLLMServer(t *testing.T, sufficiency float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		var content string
		if strings.Contains(req.Prompt, "web search queries") {
			content = `["query one", "query two"]`
		} else {
			content = fmt.Sprintf(`{"relevance": 8, "sufficiency": %g, "synthesis": "page synthesis"}`, sufficiency)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"content": content})
	}))
}

func testResearcher(t *testing.T, serverURL string, provider SearchProvider, scraper Scraper) *Researcher {
	t.Helper()
	cfg := config.Default().Orchestrator.WebResearch
	cfg.SufficiencyThreshold = 7.0
	cfg.MaxTours = 3
	small := llmclient.New("small", config.ModelProfile{ServerURL: serverURL}, nil)
	r := NewResearcher(cfg, small, provider, scraper)
	r.pause = func() {} // no sleeping in tests
	return r
}

func TestRun_StopsOnSufficiency(t *testing.T) {
	srv := researchLLMServer(t, 9)
	defer srv.Close()

	provider := &fakeProvider{urls: []string{"https://example.com/a"}}
	scraper := &fakeScraper{pages: map[string]string{"https://example.com/a": "useful page content"}}
	r := testResearcher(t, srv.URL, provider, scraper)

	report := r.Run(context.Background(), "how do inverted indices work")
	assert.Contains(t, report, "how do inverted indices work")
	assert.Contains(t, report, "page synthesis")
	assert.Contains(t, report, "sufficient")
	// Sufficiency 9 >= 7 after the first tour: only one search round ran.
	assert.Equal(t, 2, provider.calls, "two queries in one round, then stop")
}

func TestRun_ExhaustsToursWhenInsufficient(t *testing.T) {
	srv := researchLLMServer(t, 2)
	defer srv.Close()

	provider := &fakeProvider{urls: []string{"https://example.com/a"}}
	scraper := &fakeScraper{pages: map[string]string{"https://example.com/a": "weak content"}}
	r := testResearcher(t, srv.URL, provider, scraper)

	report := r.Run(context.Background(), "an unanswerable question")
	assert.Contains(t, report, "partial")
}

func TestRun_DeduplicatesVisitedURLs(t *testing.T) {
	srv := researchLLMServer(t, 2)
	defer srv.Close()

	provider := &fakeProvider{urls: []string{
		"https://example.com/page", "https://example.com/page?utm=123",
	}}
	scraped := 0
	scraper := &countingScraper{inner: &fakeScraper{pages: map[string]string{
		"https://example.com/page":         "content",
		"https://example.com/page?utm=123": "same content",
	}}, count: &scraped}
	r := testResearcher(t, srv.URL, provider, scraper)

	r.Run(context.Background(), "dedup check")
	// Query strings are stripped before dedup: one page scraped once.
	assert.Equal(t, 1, scraped)
}

type countingScraper struct {
	inner *fakeScraper
	count *int
}

func (c *countingScraper) Scrape(ctx context.Context, url string) (string, error) {
	*c.count++
	return c.inner.Scrape(ctx, url)
}

func (c *countingScraper) Close() error { return nil }

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://a.com/x", normalizeURL("https://a.com/x?q=1"))
	assert.Equal(t, "https://a.com/x", normalizeURL("https://a.com/x/"))
	assert.Empty(t, normalizeURL("not a url"))
}

func TestParseStringArray(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseStringArray(`here: ["a", "b"] done`))
	assert.Nil(t, parseStringArray("no array"))
	assert.Nil(t, parseStringArray(`[1, 2]`))
}

func TestStripHTML(t *testing.T) {
	doc := `<html><head><script>evil()</script><style>.x{}</style></head>
	<body><nav>menu</nav><p>Real   content
	here.</p></body></html>`
	text := StripHTML(doc)
	assert.Contains(t, text, "Real content here.")
	assert.NotContains(t, text, "evil")
	assert.NotContains(t, text, "menu")
}

func TestBuildReport_NoSources(t *testing.T) {
	report := buildReport("objective", 0, 0, 7, nil)
	assert.Contains(t, report, "No usable sources")
	assert.Contains(t, report, "partial")
}
