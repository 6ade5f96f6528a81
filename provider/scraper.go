/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Page-content scrape connector implementing the
             ScrapeProvider interface. Fetches rendered page
             text through a scraping API with rate limiting and
             a content size cap.
Root Cause:  Sprint task S052 — Scrape connector.
Context:     Used by the search graph's content_enhancement node
             to upgrade basic results to enhanced quality.
Suitability: L2 — thin HTTP adapter.
──────────────────────────────────────────────────────────────
*/

package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/AlfredDev/sage/errs"
)

const defaultMaxContentBytes = 64 * 1024

// ScraperConfig configures the scrape connector.
type ScraperConfig struct {
	BaseURL        string
	APIKey         string
	CostPerCall    float64
	RequestsPerSec float64
	Timeout        time.Duration
}

// Scraper fetches page content through a scraping API.
type Scraper struct {
	statsTracker
	cfg     ScraperConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewScraper creates the connector.
func NewScraper(cfg ScraperConfig) *Scraper {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 2
	}
	if cfg.CostPerCall <= 0 {
		cfg.CostPerCall = 0.002
	}
	return &Scraper{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), int(cfg.RequestsPerSec*60)),
	}
}

func (s *Scraper) Name() string { return "scraper" }

func (s *Scraper) Initialize(_ context.Context) error {
	if s.cfg.BaseURL == "" && s.cfg.APIKey == "" {
		return fmt.Errorf("scraper: missing base URL and API key")
	}
	return nil
}

func (s *Scraper) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Scraper) IsAvailable(_ context.Context) bool {
	return (s.cfg.BaseURL != "" || s.cfg.APIKey != "") && s.limiter.Tokens() >= 1
}

func (s *Scraper) CostPerRequest() float64 { return s.cfg.CostPerCall }

func (s *Scraper) RateLimitRemaining() int { return int(s.limiter.Tokens()) }

// Scrape fetches page text for a URL. Idempotent at the protocol level.
func (s *Scraper) Scrape(ctx context.Context, target string, opts ScrapeOptions) (*Result, error) {
	start := time.Now()
	if err := s.limiter.Wait(ctx); err != nil {
		s.record(time.Since(start), 0, true)
		return nil, errs.Wrap(errs.CodeTimeout, "scrape rate wait", err)
	}

	maxBytes := opts.MaxContentBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxContentBytes
	}

	q := url.Values{}
	q.Set("url", target)
	if s.cfg.APIKey != "" {
		q.Set("apikey", s.cfg.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.record(latency, 0, true)
		return nil, errs.Wrap(errs.CodeUpstreamUnavailable, "scrape "+target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.record(latency, 0, true)
		return nil, errs.Newf(errs.CodeUpstreamUnavailable, "scrape %s: status %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)))
	if err != nil {
		s.record(latency, 0, true)
		return nil, fmt.Errorf("read scrape body: %w", err)
	}

	s.record(latency, s.cfg.CostPerCall, false)
	return &Result{
		Success:      true,
		Data:         string(body),
		CostIncurred: s.cfg.CostPerCall,
		Latency:      latency,
	}, nil
}
