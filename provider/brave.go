/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Brave web search connector implementing the
             SearchProvider interface with outbound rate
             limiting and normalized result mapping.
Root Cause:  Sprint task S051 — Search connector.
Context:     The search graph's brave_search node calls this
             through the SearchProvider contract.
Suitability: L2 — thin JSON API adapter.
──────────────────────────────────────────────────────────────
*/

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/AlfredDev/sage/errs"
)

// BraveConfig configures the Brave search connector.
type BraveConfig struct {
	BaseURL        string
	APIKey         string
	CostPerCall    float64
	RequestsPerSec float64
	Timeout        time.Duration
}

// BraveSearch is the Brave web search connector.
type BraveSearch struct {
	statsTracker
	cfg     BraveConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewBraveSearch creates the connector. Call Initialize before use.
func NewBraveSearch(cfg BraveConfig) *BraveSearch {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.search.brave.com/res/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 1
	}
	if cfg.CostPerCall <= 0 {
		cfg.CostPerCall = 0.008
	}
	return &BraveSearch{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), int(cfg.RequestsPerSec*60)),
	}
}

func (b *BraveSearch) Name() string { return "brave_search" }

func (b *BraveSearch) Initialize(ctx context.Context) error {
	if b.cfg.APIKey == "" {
		return fmt.Errorf("brave search: missing API key")
	}
	return nil
}

func (b *BraveSearch) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// IsAvailable reports whether the connector is configured and has rate
// headroom. No probe call is made: search quota is billable.
func (b *BraveSearch) IsAvailable(_ context.Context) bool {
	return b.cfg.APIKey != "" && b.limiter.Tokens() >= 1
}

func (b *BraveSearch) CostPerRequest() float64 { return b.cfg.CostPerCall }

func (b *BraveSearch) RateLimitRemaining() int { return int(b.limiter.Tokens()) }

// Search runs one web search. The call is idempotent; the core may
// retry it under its own deadline.
func (b *BraveSearch) Search(ctx context.Context, query string, opts SearchOptions) (*Result, error) {
	start := time.Now()
	if err := b.limiter.Wait(ctx); err != nil {
		b.record(time.Since(start), 0, true)
		return nil, errs.Wrap(errs.CodeTimeout, "search rate wait", err)
	}

	q := url.Values{}
	q.Set("q", query)
	if opts.MaxResults > 0 {
		q.Set("count", strconv.Itoa(opts.MaxResults))
	}
	if opts.Language != "" {
		q.Set("search_lang", opts.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+"/web/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.cfg.APIKey)

	resp, err := b.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		b.record(latency, 0, true)
		return nil, errs.Wrap(errs.CodeUpstreamUnavailable, "brave search", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		b.record(latency, 0, true)
		return nil, errs.Newf(errs.CodeUpstreamUnavailable, "brave search: status %d: %.200s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		b.record(latency, 0, true)
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Web.Results))
	for i, r := range parsed.Web.Results {
		results = append(results, SearchResult{
			Title:          r.Title,
			URL:            r.URL,
			Snippet:        r.Description,
			Source:         b.Name(),
			RelevanceScore: rankScore(i),
			ContentQuality: "basic",
		})
	}

	b.record(latency, b.cfg.CostPerCall, false)
	return &Result{
		Success:      true,
		Data:         results,
		CostIncurred: b.cfg.CostPerCall,
		Latency:      latency,
	}, nil
}

// rankScore maps a result's position to a relevance score in (0, 1].
func rankScore(position int) float64 {
	score := 1.0 - float64(position)*0.08
	if score < 0.1 {
		score = 0.1
	}
	return score
}
