package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"cognitron/internal/logging"
)

// RodScraper drives a headless browser for pages that render their
// content with JavaScript; the plain HTTPScraper cannot see those. The
// browser is launched lazily on the first Scrape and reused until
// Close.
type RodScraper struct {
	mu      sync.Mutex
	browser *rod.Browser
}

// NewRodScraper builds an unconnected scraper; the browser launches on
// first use so configurations that never research pay nothing.
func NewRodScraper() *RodScraper {
	return &RodScraper{}
}

func (s *RodScraper) connect(ctx context.Context) (*rod.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return s.browser, nil
	}
	controlURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("research: launch headless browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("research: connect headless browser: %w", err)
	}
	s.browser = browser
	return browser, nil
}

// Scrape loads pageURL, waits for the load event and returns the
// rendered document's readable text.
func (s *RodScraper) Scrape(ctx context.Context, pageURL string) (string, error) {
	browser, err := s.connect(ctx)
	if err != nil {
		return "", err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: pageURL})
	if err != nil {
		return "", fmt.Errorf("research: open page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			logging.OrchestratorDebug("page close: %v", cerr)
		}
	}()

	page = page.Context(ctx)
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("research: wait load: %w", err)
	}
	htmlDoc, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("research: read document: %w", err)
	}
	return StripHTML(htmlDoc), nil
}

// Close shuts the shared browser down, if it was ever launched.
func (s *RodScraper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil {
		return nil
	}
	err := s.browser.Close()
	s.browser = nil
	return err
}
