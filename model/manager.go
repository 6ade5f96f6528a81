/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Model pool manager. Discovers models from the
             inference daemon, tracks per-model performance,
             selects the optimal model per task and strategy,
             single-flights loading, and walks a fallback chain
             when the chosen model fails.
Root Cause:  Sprint tasks S040-S048 — Model manager.
Context:     Central routing authority for generation. The cost
             optimizer asks it for strategy-ranked candidates;
             graph nodes call GenerateWithFallback.
Suitability: L3 — selection scoring + single-flight loading.
──────────────────────────────────────────────────────────────
*/

package model

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/AlfredDev/sage/backend"
	"github.com/AlfredDev/sage/errs"
)

// Tier classifies models by size and warmth policy.
type Tier string

const (
	TierT0 Tier = "T0" // small, always preloaded
	TierT1 Tier = "T1" // medium, warm-preferred
	TierT2 Tier = "T2" // large, loaded on demand
)

// Strategy steers candidate scoring.
type Strategy string

const (
	StrategyCostFirst    Strategy = "cost_first"
	StrategyQualityFirst Strategy = "quality_first"
	StrategySpeedFirst   Strategy = "speed_first"
	StrategyBalanced     Strategy = "balanced"
)

// Descriptor is static metadata for one model in the pool.
type Descriptor struct {
	Name            string   `json:"name"`
	Tier            Tier     `json:"tier"`
	MemoryFootprint int64    `json:"memory_footprint_bytes"`
	Capabilities    []string `json:"capability_tags"`
	BaseCost        float64  `json:"base_cost"`
}

// minObservations below which a candidate gets an exploration bonus.
const (
	minObservations  = 5
	explorationBonus = 0.25
	scoreEpsilon     = 1e-6
)

// Recommendation pairs a model with a reason, for the stats surface.
type Recommendation struct {
	Model     string  `json:"model"`
	Cost      float64 `json:"estimated_cost"`
	Reasoning string  `json:"reasoning"`
}

// Manager owns the pool of local models.
type Manager struct {
	logger zerolog.Logger
	client *backend.Client

	mu     sync.RWMutex
	models map[string]*modelState

	loadGroup singleflight.Group

	capabilities map[string][]string // task_type/quality → ranked candidates
	defaultModel string
	fallback     string
	preloadTiers []Tier
}

// New creates a manager over the given backend client.
func New(logger zerolog.Logger, client *backend.Client, defaultModel, fallbackModel string) *Manager {
	return &Manager{
		logger:       logger.With().Str("component", "model-manager").Logger(),
		client:       client,
		models:       make(map[string]*modelState),
		capabilities: defaultCapabilityMap(),
		defaultModel: defaultModel,
		fallback:     fallbackModel,
		preloadTiers: []Tier{TierT0},
	}
}

// SetPreloadPolicy overrides which tiers Initialize preloads.
func (m *Manager) SetPreloadPolicy(tiers []string) {
	if len(tiers) == 0 {
		return
	}
	out := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		switch Tier(t) {
		case TierT0, TierT1, TierT2:
			out = append(out, Tier(t))
		}
	}
	if len(out) > 0 {
		m.preloadTiers = out
	}
}

// Initialize discovers available models and preloads the T0 tier.
func (m *Manager) Initialize(ctx context.Context) error {
	tags, err := m.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("discover models: %w", err)
	}

	m.mu.Lock()
	for _, tag := range tags {
		if _, exists := m.models[tag.Name]; exists {
			continue
		}
		m.models[tag.Name] = &modelState{descriptor: describe(tag)}
	}
	m.mu.Unlock()

	// Preload per policy (default: the small tier). Warm-preferred T1
	// models load lazily but keep priority in selection; T2 stays fully
	// on demand unless the policy says otherwise.
	for _, tier := range m.preloadTiers {
		for _, name := range m.modelsInTier(tier) {
			if err := m.EnsureLoaded(ctx, name); err != nil {
				m.logger.Warn().Str("model", name).Err(err).Msg("preload failed")
			}
		}
	}

	m.logger.Info().Int("models", len(tags)).Msg("model pool initialized")
	return nil
}

// describe derives a Descriptor from daemon tag info. Tiering is by
// parameter-count naming convention first, then raw size.
func describe(tag backend.TagInfo) Descriptor {
	name := strings.ToLower(tag.Name)
	tier := TierT1
	switch {
	case strings.Contains(name, "70b") || tag.SizeBytes > 30<<30:
		tier = TierT2
	case strings.Contains(name, "mini") || strings.Contains(name, "1b") ||
		strings.Contains(name, "3b") || tag.SizeBytes < 3<<30:
		tier = TierT0
	}

	caps := []string{"conversational"}
	if strings.Contains(name, "code") {
		caps = append(caps, "code")
	}
	if tier != TierT0 {
		caps = append(caps, "factual", "research")
	}

	baseCost := map[Tier]float64{TierT0: 0.001, TierT1: 0.004, TierT2: 0.02}[tier]
	return Descriptor{
		Name:            tag.Name,
		Tier:            tier,
		MemoryFootprint: tag.SizeBytes,
		Capabilities:    caps,
		BaseCost:        baseCost,
	}
}

// Register adds a model to the pool directly. Used by wiring when the
// daemon is unavailable at startup and by tests.
func (m *Manager) Register(d Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[d.Name] = &modelState{descriptor: d}
}

// SelectionOptions narrows candidate filtering.
type SelectionOptions struct {
	Strategy       Strategy
	MaxCostPerCall float64 // 0 = no cap
}

// SelectOptimalModel picks the best model for a task under the given
// quality requirement. The decision is deterministic for a fixed set of
// metrics: candidates are scored by strategy, ties break on lower
// cost_per_request, then higher success_rate, then name.
func (m *Manager) SelectOptimalModel(taskType, quality string, opts SelectionOptions) (string, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategyBalanced
	}

	candidates := m.candidatesFor(taskType, quality)
	if len(candidates) == 0 {
		return "", errs.Newf(errs.CodeUpstreamUnavailable, "no models available for task %q", taskType)
	}

	type scored struct {
		name    string
		score   float64
		cost    float64
		success float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, name := range candidates {
		st := m.state(name)
		if st == nil {
			continue
		}
		snap := st.snapshot()
		desc := st.descriptor

		costHint := snap.CostPerRequest
		if snap.TotalRequests == 0 {
			costHint = desc.BaseCost
		}
		if opts.MaxCostPerCall > 0 && costHint > opts.MaxCostPerCall {
			continue
		}

		score := strategyScore(opts.Strategy, snap, desc)
		if snap.TotalRequests < minObservations {
			score += explorationBonus
		}
		ranked = append(ranked, scored{name: name, score: score, cost: costHint, success: snap.SuccessRate})
	}
	if len(ranked) == 0 {
		return "", errs.Newf(errs.CodeBudgetExhausted, "no model for task %q fits cost cap %.4f", taskType, opts.MaxCostPerCall)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].cost != ranked[j].cost {
			return ranked[i].cost < ranked[j].cost
		}
		if ranked[i].success != ranked[j].success {
			return ranked[i].success > ranked[j].success
		}
		return ranked[i].name < ranked[j].name
	})
	return ranked[0].name, nil
}

// strategyScore computes the efficiency score for one candidate.
func strategyScore(strategy Strategy, m PerformanceMetrics, d Descriptor) float64 {
	cost := m.CostPerRequest
	if cost == 0 {
		cost = d.BaseCost
	}
	respTime := m.AvgResponseTime
	if respTime == 0 {
		respTime = 1.0
	}
	quality := m.QualityScore
	if m.TotalRequests == 0 {
		// Unobserved models score on tier expectations.
		quality = map[Tier]float64{TierT0: 0.5, TierT1: 0.65, TierT2: 0.8}[d.Tier]
	}

	switch strategy {
	case StrategyCostFirst:
		return 1 / (cost + scoreEpsilon)
	case StrategyQualityFirst:
		return quality
	case StrategySpeedFirst:
		return 1 / (respTime + scoreEpsilon)
	default: // balanced
		return 0.4*quality + 0.3/(cost+scoreEpsilon)/100 + 0.3/(respTime+scoreEpsilon)
	}
}

// candidatesFor resolves the ranked candidate list from the capability
// map, falling back to every pooled model that carries the task tag.
func (m *Manager) candidatesFor(taskType, quality string) []string {
	key := taskType + "/" + quality
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	seen := make(map[string]bool)
	appendKnown := func(names []string) {
		for _, n := range names {
			if _, pooled := m.models[n]; pooled && !seen[n] {
				out = append(out, n)
				seen[n] = true
			}
		}
	}
	appendKnown(m.capabilities[key])
	appendKnown(m.capabilities[taskType+"/balanced"])

	if len(out) == 0 {
		names := make([]string, 0, len(m.models))
		for name, st := range m.models {
			for _, c := range st.descriptor.Capabilities {
				if c == taskType || c == "conversational" {
					names = append(names, name)
					break
				}
			}
		}
		sort.Strings(names)
		out = names
	}
	return out
}

// EnsureLoaded guarantees a model is resident. Concurrent callers for
// the same unloaded model coalesce into exactly one daemon load.
func (m *Manager) EnsureLoaded(ctx context.Context, name string) error {
	st := m.state(name)
	if st == nil {
		return errs.Newf(errs.CodeInvalidRequest, "unknown model %q", name)
	}
	st.mu.Lock()
	loaded := st.loaded
	st.mu.Unlock()
	if loaded {
		return nil
	}

	_, err, _ := m.loadGroup.Do(name, func() (interface{}, error) {
		st.mu.Lock()
		if st.loaded {
			st.mu.Unlock()
			return nil, nil
		}
		st.mu.Unlock()

		m.logger.Info().Str("model", name).Msg("loading model")
		if err := m.client.Warm(ctx, name); err != nil {
			return nil, err
		}
		st.mu.Lock()
		st.loaded = true
		st.mu.Unlock()
		return nil, nil
	})
	return err
}

// Generate delegates to the backend client and records the outcome.
// Confidence is inferred gateway-side from the response shape.
func (m *Manager) Generate(ctx context.Context, name string, req backend.GenerateRequest) (*backend.GenerationResult, error) {
	st := m.state(name)
	if st == nil {
		return nil, errs.Newf(errs.CodeInvalidRequest, "unknown model %q", name)
	}
	if err := m.EnsureLoaded(ctx, name); err != nil {
		return nil, err
	}

	req.Model = name
	start := time.Now()
	result, err := m.client.Generate(ctx, req)
	duration := time.Since(start)

	if err != nil || result == nil || !result.Success {
		st.recordFailure(duration)
		if err == nil {
			err = errs.Newf(errs.CodeInternal, "generation failed for %s", name)
		}
		return result, err
	}

	cost := st.descriptor.BaseCost
	st.recordSuccess(duration, cost, inferConfidence(result))
	return result, nil
}

// FallbackResult annotates a generation with every model tried.
type FallbackResult struct {
	Result      *backend.GenerationResult
	Model       string
	ModelsTried []string
	Cost        float64
}

// GenerateWithFallback tries the optimal model for the task, then walks
// the remaining candidates on failure (including empty generations).
func (m *Manager) GenerateWithFallback(ctx context.Context, taskType, quality string, opts SelectionOptions, req backend.GenerateRequest) (*FallbackResult, error) {
	primary, err := m.SelectOptimalModel(taskType, quality, opts)
	if err != nil {
		return nil, err
	}

	chain := []string{primary}
	for _, c := range m.candidatesFor(taskType, quality) {
		if c != primary {
			chain = append(chain, c)
		}
	}
	if m.fallback != "" && !contains(chain, m.fallback) {
		if m.state(m.fallback) != nil {
			chain = append(chain, m.fallback)
		}
	}

	fr := &FallbackResult{}
	var lastErr error
	for _, name := range chain {
		fr.ModelsTried = append(fr.ModelsTried, name)
		result, err := m.Generate(ctx, name, req)
		if err == nil && result != nil && result.Success {
			fr.Result = result
			fr.Model = name
			fr.Cost = m.CostOf(name)
			return fr, nil
		}
		lastErr = err
		// A global deadline failure will fail every candidate; stop early.
		if ctx.Err() != nil {
			lastErr = errs.Wrap(errs.CodeTimeout, "generation deadline exceeded", ctx.Err())
			break
		}
		m.logger.Warn().Str("model", name).Err(err).Msg("model failed, trying next in chain")
	}
	if lastErr == nil {
		lastErr = errs.New(errs.CodeUpstreamUnavailable, "all models in fallback chain failed")
	}
	return fr, lastErr
}

// CostOf returns the per-call cost hint for a model.
func (m *Manager) CostOf(name string) float64 {
	st := m.state(name)
	if st == nil {
		return 0
	}
	snap := st.snapshot()
	if snap.TotalRequests > 0 && snap.CostPerRequest > 0 {
		return snap.CostPerRequest
	}
	return st.descriptor.BaseCost
}

// EstimateFor returns (model, estimated cost, reasoning) for the
// optimizer under a given strategy.
func (m *Manager) EstimateFor(taskType, quality string, strategy Strategy, maxCost float64) (string, float64, string, error) {
	name, err := m.SelectOptimalModel(taskType, quality, SelectionOptions{Strategy: strategy, MaxCostPerCall: maxCost})
	if err != nil {
		return "", 0, "", err
	}
	cost := m.CostOf(name)
	reason := fmt.Sprintf("strategy=%s task=%s quality=%s", strategy, taskType, quality)
	return name, cost, reason, nil
}

// RecordExternalCost attributes cost charged outside Generate (e.g. by
// the optimizer's settlement) to a model's accounting.
func (m *Manager) RecordExternalCost(name string, cost float64) {
	if st := m.state(name); st != nil {
		st.recordCost(cost)
	}
}

// Stats returns a snapshot of every model's metrics.
func (m *Manager) Stats() map[string]PerformanceMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]PerformanceMetrics, len(m.models))
	for name, st := range m.models {
		out[name] = st.snapshot()
	}
	return out
}

// Descriptors returns the pool's static metadata.
func (m *Manager) Descriptors() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Descriptor, 0, len(m.models))
	for _, st := range m.models {
		out = append(out, st.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Recommendations lists models affordable under the given per-call budget,
// cheapest viable first.
func (m *Manager) Recommendations(budget float64) []Recommendation {
	var recs []Recommendation
	for _, d := range m.Descriptors() {
		cost := m.CostOf(d.Name)
		if budget > 0 && cost > budget {
			continue
		}
		recs = append(recs, Recommendation{
			Model:     d.Name,
			Cost:      cost,
			Reasoning: fmt.Sprintf("tier %s, fits per-call budget %.4f", d.Tier, budget),
		})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Cost < recs[j].Cost })
	return recs
}

// Health reports whether the backend daemon is reachable.
func (m *Manager) Health(ctx context.Context) bool {
	return m.client.Health(ctx)
}

func (m *Manager) state(name string) *modelState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.models[name]
}

func (m *Manager) modelsInTier(tier Tier) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, st := range m.models {
		if st.descriptor.Tier == tier {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// inferConfidence estimates response confidence from shape: generations
// with more tokens score higher. The backend exposes no usable
// confidence signal, so this heuristic feeds the EMA.
func inferConfidence(r *backend.GenerationResult) float64 {
	switch {
	case r.TokensGenerated >= 200:
		return 0.9
	case r.TokensGenerated >= 50:
		return 0.8
	case r.TokensGenerated >= 10:
		return 0.7
	default:
		return 0.5
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// defaultCapabilityMap is the static task/quality → candidate ranking
// the selection starts from. Model names follow daemon tag conventions.
func defaultCapabilityMap() map[string][]string {
	return map[string][]string{
		"conversational/minimal":  {"phi3:mini", "llama3.1:8b"},
		"conversational/balanced": {"llama3.1:8b", "phi3:mini", "mistral"},
		"conversational/high":     {"llama3.1:8b", "mistral", "llama3.1:70b"},
		"conversational/premium":  {"llama3.1:70b", "llama3.1:8b", "mistral"},
		"code/balanced":           {"codellama", "llama3.1:8b"},
		"code/high":               {"codellama", "llama3.1:70b"},
		"code/premium":            {"llama3.1:70b", "codellama"},
		"factual/balanced":        {"llama3.1:8b", "mistral"},
		"factual/high":            {"llama3.1:8b", "llama3.1:70b"},
		"factual/premium":         {"llama3.1:70b", "llama3.1:8b"},
		"research/balanced":       {"llama3.1:8b", "mistral"},
		"research/high":           {"llama3.1:70b", "llama3.1:8b"},
		"research/premium":        {"llama3.1:70b", "llama3.1:8b"},
		"synthesis/balanced":      {"llama3.1:8b", "mistral"},
		"synthesis/premium":       {"llama3.1:70b", "llama3.1:8b"},
	}
}
