/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Client for one local inference daemon (Ollama-style
             native API). Health checks, model listing with a
             short-lived cache, generation with retry/backoff,
             and empty-generation detection.
Root Cause:  Sprint tasks S030-S034 — Inference backend client.
Context:     The only component that talks to the daemon. Retries
             live here and nowhere else; graph nodes escalate via
             the model manager's fallback chain instead.
Suitability: L3 — transport retry semantics and cancellation.
──────────────────────────────────────────────────────────────
*/

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/errs"
)

const (
	defaultBaseURL  = "http://localhost:11434"
	modelListMaxAge = 60 * time.Second
	retryBaseDelay  = 200 * time.Millisecond
	healthTimeout   = 5 * time.Second
)

// TagInfo describes one model reported by the daemon.
type TagInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// GenerateRequest is a single non-streaming generation call.
type GenerateRequest struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// GenerationResult is the outcome of one generation call.
type GenerationResult struct {
	Success         bool          `json:"success"`
	Text            string        `json:"text"`
	TokensGenerated int           `json:"tokens_generated"`
	EvalCount       int           `json:"eval_count"`
	TotalDuration   time.Duration `json:"total_duration"`
	Error           string        `json:"error,omitempty"`
}

// Config holds client tunables.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// Client talks to one local inference daemon endpoint.
type Client struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger

	mu          sync.Mutex
	modelCache  []TagInfo
	modelCached time.Time
}

// New creates a backend client. Call Initialize before first use.
func New(logger zerolog.Logger, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second // local models can be slow
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "backend").Logger(),
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
}

// Initialize probes the daemon once so wiring fails fast when it is down.
func (c *Client) Initialize(ctx context.Context) error {
	if !c.Health(ctx) {
		return errs.Newf(errs.CodeUpstreamUnavailable, "inference daemon unreachable at %s", c.cfg.BaseURL)
	}
	return nil
}

// Close releases idle transport connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

// Health reports whether the daemon answers its tag listing endpoint.
func (c *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the daemon's model list, cached for up to 60 seconds.
func (c *Client) ListModels(ctx context.Context) ([]TagInfo, error) {
	c.mu.Lock()
	if time.Since(c.modelCached) < modelListMaxAge && c.modelCache != nil {
		cached := make([]TagInfo, len(c.modelCache))
		copy(cached, c.modelCache)
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUpstreamUnavailable, "list models", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, errs.Newf(errs.CodeUpstreamUnavailable, "list models: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Models []TagInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	c.mu.Lock()
	c.modelCache = parsed.Models
	c.modelCached = time.Now()
	c.mu.Unlock()

	return parsed.Models, nil
}

// Warm issues an empty-prompt generation so the daemon loads the model
// into memory. The manager single-flights calls to this.
func (c *Client) Warm(ctx context.Context, model string) error {
	body, _ := json.Marshal(map[string]interface{}{
		"model":  model,
		"prompt": "",
		"stream": false,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.CodeUpstreamUnavailable, "warm "+model, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errs.Newf(errs.CodeUpstreamUnavailable, "warm %s: status %d", model, resp.StatusCode)
	}
	return nil
}

// Generate runs one non-streaming generation with retry on transport
// errors and retryable server codes. Semantic 4xx errors never retry.
// The caller's deadline is honored: when it elapses, the in-flight HTTP
// call is canceled and a timeout error is returned.
func (c *Client) Generate(ctx context.Context, greq GenerateRequest) (*GenerationResult, error) {
	start := time.Now()

	payload := map[string]interface{}{
		"model":  greq.Model,
		"prompt": greq.Prompt,
		"stream": false,
	}
	options := map[string]interface{}{}
	if greq.MaxTokens > 0 {
		options["num_predict"] = greq.MaxTokens
	}
	if greq.Temperature > 0 {
		options["temperature"] = greq.Temperature
	}
	if len(greq.Stop) > 0 {
		options["stop"] = greq.Stop
	}
	if len(options) > 0 {
		payload["options"] = options
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return failedResult(start, err), err
			}
		}

		result, retryable, err := c.generateOnce(ctx, greq.Model, body, start)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return failedResult(start, err), err
		}
		c.logger.Warn().
			Str("model", greq.Model).
			Int("attempt", attempt+1).
			Err(err).
			Msg("generation attempt failed, retrying")
	}
	return failedResult(start, lastErr), lastErr
}

// generateOnce performs a single HTTP round trip. The bool return
// reports whether the failure is retryable.
func (c *Client) generateOnce(ctx context.Context, model string, body []byte, start time.Time) (*GenerationResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, errs.Wrap(errs.CodeTimeout, "generation deadline exceeded", ctxErr)
		}
		return nil, true, errs.Wrap(errs.CodeUpstreamUnavailable, "generate", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fallthrough to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		respBody, _ := io.ReadAll(resp.Body)
		return nil, true, errs.Newf(errs.CodeUpstreamUnavailable, "generate: status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return nil, false, errs.Newf(errs.CodeInvalidRequest, "generate: status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed struct {
		Response        string `json:"response"`
		EvalCount       int    `json:"eval_count"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		TotalDuration   int64  `json:"total_duration"` // nanoseconds
		Done            bool   `json:"done"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, true, fmt.Errorf("decode response: %w", err)
	}

	// A successful HTTP exchange with no content is a distinct failure
	// kind: it must trigger the fallback chain, never pass as success.
	if strings.TrimSpace(parsed.Response) == "" {
		err := errs.Newf(errs.CodeEmptyGeneration, "model %s returned empty text", model)
		return nil, false, err
	}

	return &GenerationResult{
		Success:         true,
		Text:            parsed.Response,
		TokensGenerated: parsed.EvalCount,
		EvalCount:       parsed.EvalCount + parsed.PromptEvalCount,
		TotalDuration:   time.Since(start),
	}, false, nil
}

func failedResult(start time.Time, err error) *GenerationResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &GenerationResult{
		Success:       false,
		TotalDuration: time.Since(start),
		Error:         msg,
	}
}

// sleepBackoff waits base*2^(attempt-1) plus jitter, or returns early when
// the context is done.
func sleepBackoff(ctx context.Context, attempt int) error {
	delay := retryBaseDelay << (attempt - 1)
	delay += time.Duration(rand.Int63n(int64(delay)))
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.CodeTimeout, "canceled during retry backoff", ctx.Err())
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// IsEmptyGeneration reports whether err is the empty-generation failure kind.
func IsEmptyGeneration(err error) bool {
	var ge *errs.Error
	return errors.As(err, &ge) && ge.Code == errs.CodeEmptyGeneration
}
