/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Per-user budget accounting and strategy-driven
             model selection. Budgets lazily initialize from
             tier defaults, persist through the cache layer with
             24h TTL, and steer the model manager toward cheaper
             models as budget pressure rises.
Root Cause:  Sprint tasks S110-S115 — Cost optimizer.
Context:     Financial correctness is critical: used + remaining
             must always equal total, and daily spend may never
             exceed the daily limit.
Suitability: L3 — budget arithmetic under concurrency.
──────────────────────────────────────────────────────────────
*/

package optimizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/cache"
	"github.com/AlfredDev/sage/config"
	"github.com/AlfredDev/sage/errs"
	"github.com/AlfredDev/sage/model"
)

const budgetTTL = 24 * time.Hour

// Budget is one user's spending state.
type Budget struct {
	UserID          string    `json:"user_id"`
	Tier            string    `json:"tier"`
	TotalBudget     float64   `json:"total_budget"`
	UsedBudget      float64   `json:"used_budget"`
	RemainingBudget float64   `json:"remaining_budget"`
	DailyLimit      float64   `json:"daily_limit"`
	UsedToday       float64   `json:"used_today"`
	ResetDate       time.Time `json:"reset_date"`
	LastUpdated     time.Time `json:"last_updated"`

	// Rolling daily spend, newest last, capped at 30 entries.
	SpendHistory []float64 `json:"spend_history,omitempty"`
}

// CanAfford reports whether a cost fits both the monthly remainder and
// today's limit. A cost exactly equal to the remainder is affordable.
func (b *Budget) CanAfford(cost float64) bool {
	return cost <= b.RemainingBudget && b.UsedToday+cost <= b.DailyLimit
}

// RequestContext carries per-request optimization hints.
type RequestContext struct {
	TimeCritical    bool
	QualityCritical bool
}

// Decision is the optimizer's verdict for one request.
type Decision struct {
	Allowed       bool           `json:"allowed"`
	Model         string         `json:"model,omitempty"`
	EstimatedCost float64        `json:"estimated_cost"`
	Strategy      model.Strategy `json:"strategy"`
	Reasoning     string         `json:"reasoning"`
	Suggestions   []string       `json:"suggestions,omitempty"`
}

// TierRecommendation suggests a tier change based on recent usage.
type TierRecommendation struct {
	CurrentTier     string  `json:"current_tier"`
	RecommendedTier string  `json:"recommended_tier"`
	MonthlySpend    float64 `json:"projected_monthly_spend"`
	Reasoning       string  `json:"reasoning"`
}

// Optimizer owns per-user budgets.
type Optimizer struct {
	logger zerolog.Logger
	cfg    *config.Config
	cache  *cache.Layer
	models *model.Manager

	mu      sync.Mutex
	budgets map[string]*userBudget
}

// userBudget serializes read-modify-write per user, so concurrent
// requests for the same user never race the ledger.
type userBudget struct {
	mu     sync.Mutex
	budget Budget
}

// New creates the optimizer.
func New(logger zerolog.Logger, cfg *config.Config, layer *cache.Layer, models *model.Manager) *Optimizer {
	return &Optimizer{
		logger:  logger.With().Str("component", "cost-optimizer").Logger(),
		cfg:     cfg,
		cache:   layer,
		models:  models,
		budgets: make(map[string]*userBudget),
	}
}

// OptimizeRequest loads (or initializes) the user's budget, picks a
// strategy from budget pressure and request hints, and asks the model
// manager for a candidate under that strategy.
func (o *Optimizer) OptimizeRequest(ctx context.Context, userID, taskType, quality, tier string, rctx RequestContext) (*Decision, error) {
	ub := o.budgetFor(ctx, userID, tier)
	ub.mu.Lock()
	defer ub.mu.Unlock()

	b := &ub.budget
	o.rollDayLocked(b)

	strategy := o.chooseStrategy(b, rctx)

	name, cost, reason, err := o.models.EstimateFor(taskType, quality, strategy, b.RemainingBudget)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		Model:         name,
		EstimatedCost: cost,
		Strategy:      strategy,
		Reasoning:     reason,
	}
	if b.CanAfford(cost) {
		d.Allowed = true
		return d, nil
	}

	// Retry at the cheapest possible candidate before refusing.
	if strategy != model.StrategyCostFirst {
		if name, cost, reason, err = o.models.EstimateFor(taskType, quality, model.StrategyCostFirst, b.RemainingBudget); err == nil && b.CanAfford(cost) {
			return &Decision{
				Allowed:       true,
				Model:         name,
				EstimatedCost: cost,
				Strategy:      model.StrategyCostFirst,
				Reasoning:     reason + " (downgraded under budget pressure)",
			}, nil
		}
	}

	d.Allowed = false
	d.Suggestions = o.suggestions(b)
	return d, nil
}

// chooseStrategy applies the pressure rules: near the daily limit or
// monthly floor the optimizer always goes cost-first.
func (o *Optimizer) chooseStrategy(b *Budget, rctx RequestContext) model.Strategy {
	switch {
	case b.UsedToday >= 0.9*b.DailyLimit, b.RemainingBudget <= 0.2*b.TotalBudget:
		return model.StrategyCostFirst
	case rctx.TimeCritical:
		return model.StrategySpeedFirst
	case rctx.QualityCritical:
		return model.StrategyQualityFirst
	default:
		return model.StrategyBalanced
	}
}

func (o *Optimizer) suggestions(b *Budget) []string {
	s := []string{"lower the quality requirement"}
	if b.Tier != "enterprise" {
		s = append(s, "upgrade to a higher tier")
	}
	if b.UsedToday >= b.DailyLimit {
		s = append(s, fmt.Sprintf("wait for the daily reset at %s", nextMidnight().Format(time.RFC3339)))
	} else {
		s = append(s, fmt.Sprintf("wait for the monthly reset at %s", b.ResetDate.Format(time.RFC3339)))
	}
	return s
}

// RecordExecutionCost settles the actual cost of a completed request,
// writes the budget through to persistence, and forwards the charge to
// per-model accounting.
func (o *Optimizer) RecordExecutionCost(ctx context.Context, userID, modelName string, cost float64) {
	if cost <= 0 {
		return
	}
	ub := o.budgetFor(ctx, userID, "")
	ub.mu.Lock()
	b := &ub.budget
	o.rollDayLocked(b)
	b.UsedBudget += cost
	b.RemainingBudget = b.TotalBudget - b.UsedBudget
	if b.RemainingBudget < 0 {
		b.RemainingBudget = 0
		b.UsedBudget = b.TotalBudget
	}
	b.UsedToday += cost
	b.LastUpdated = time.Now().UTC()
	if n := len(b.SpendHistory); n > 0 {
		b.SpendHistory[n-1] += cost
	}
	snapshot := *b
	ub.mu.Unlock()

	o.persist(ctx, snapshot)
	if modelName != "" {
		o.models.RecordExternalCost(modelName, cost)
	}
}

// BudgetFor returns a copy of the user's current budget.
func (o *Optimizer) BudgetFor(ctx context.Context, userID, tier string) Budget {
	ub := o.budgetFor(ctx, userID, tier)
	ub.mu.Lock()
	defer ub.mu.Unlock()
	o.rollDayLocked(&ub.budget)
	return ub.budget
}

// RecommendTier projects monthly spend from the 30-day history and
// compares it against tier thresholds.
func (o *Optimizer) RecommendTier(ctx context.Context, userID string) TierRecommendation {
	ub := o.budgetFor(ctx, userID, "")
	ub.mu.Lock()
	defer ub.mu.Unlock()
	b := &ub.budget

	var total float64
	for _, v := range b.SpendHistory {
		total += v
	}
	days := len(b.SpendHistory)
	if days == 0 {
		days = 1
	}
	projected := total / float64(days) * 30

	recommended := "free"
	switch {
	case projected > o.cfg.TierFor("pro").Monthly:
		recommended = "enterprise"
	case projected > o.cfg.TierFor("free").Monthly:
		recommended = "pro"
	}

	return TierRecommendation{
		CurrentTier:     b.Tier,
		RecommendedTier: recommended,
		MonthlySpend:    projected,
		Reasoning:       fmt.Sprintf("projected %.2f/month over %d observed days", projected, len(b.SpendHistory)),
	}
}

// ─── Budget lifecycle ───────────────────────────────────────

// budgetFor returns the per-user budget holder, loading persisted state
// or lazily initializing from tier defaults.
func (o *Optimizer) budgetFor(ctx context.Context, userID, tier string) *userBudget {
	o.mu.Lock()
	ub, ok := o.budgets[userID]
	if !ok {
		ub = &userBudget{}
		o.budgets[userID] = ub
	}
	o.mu.Unlock()

	ub.mu.Lock()
	defer ub.mu.Unlock()
	if ub.budget.UserID == "" {
		if loaded, ok := o.load(ctx, userID); ok {
			ub.budget = loaded
		} else {
			ub.budget = o.freshBudget(userID, tier)
			o.persist(ctx, ub.budget)
		}
	}
	return ub
}

func (o *Optimizer) freshBudget(userID, tier string) Budget {
	if tier == "" {
		tier = "free"
	}
	limits := o.cfg.TierFor(tier)
	return Budget{
		UserID:          userID,
		Tier:            tier,
		TotalBudget:     limits.Monthly,
		RemainingBudget: limits.Monthly,
		DailyLimit:      limits.Daily,
		ResetDate:       nextMonthStart(),
		LastUpdated:     time.Now().UTC(),
		SpendHistory:    []float64{0},
	}
}

// rollDayLocked advances the daily window and handles the monthly
// reset. Must hold the user's lock.
func (o *Optimizer) rollDayLocked(b *Budget) {
	now := time.Now().UTC()
	if !now.Before(b.ResetDate) {
		limits := o.cfg.TierFor(b.Tier)
		b.TotalBudget = limits.Monthly
		b.UsedBudget = 0
		b.RemainingBudget = limits.Monthly
		b.ResetDate = nextMonthStart()
	}
	if b.LastUpdated.IsZero() || b.LastUpdated.UTC().Day() != now.Day() || now.Sub(b.LastUpdated) > 24*time.Hour {
		b.UsedToday = 0
		b.SpendHistory = append(b.SpendHistory, 0)
		if len(b.SpendHistory) > 30 {
			b.SpendHistory = b.SpendHistory[len(b.SpendHistory)-30:]
		}
		b.LastUpdated = now
	}
}

// ─── Persistence ────────────────────────────────────────────

func budgetKey(userID string) string {
	return cache.PrefixBudget + userID
}

func (o *Optimizer) persist(ctx context.Context, b Budget) {
	o.cache.Set(ctx, budgetKey(b.UserID), map[string]interface{}{
		"user_id":          b.UserID,
		"tier":             b.Tier,
		"total_budget":     b.TotalBudget,
		"used_budget":      b.UsedBudget,
		"remaining_budget": b.RemainingBudget,
		"daily_limit":      b.DailyLimit,
		"used_today":       b.UsedToday,
		"reset_date":       b.ResetDate.Format(time.RFC3339Nano),
		"last_updated":     b.LastUpdated.Format(time.RFC3339Nano),
		"spend_history":    floatsToIface(b.SpendHistory),
	}, budgetTTL)
}

func (o *Optimizer) load(ctx context.Context, userID string) (Budget, bool) {
	raw, ok := o.cache.Get(ctx, budgetKey(userID))
	if !ok {
		return Budget{}, false
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return Budget{}, false
	}
	b := Budget{UserID: userID}
	if v, ok := m["tier"].(string); ok {
		b.Tier = v
	}
	b.TotalBudget = f64(m["total_budget"])
	b.UsedBudget = f64(m["used_budget"])
	b.RemainingBudget = f64(m["remaining_budget"])
	b.DailyLimit = f64(m["daily_limit"])
	b.UsedToday = f64(m["used_today"])
	if v, ok := m["reset_date"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			b.ResetDate = t
		}
	}
	if v, ok := m["last_updated"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			b.LastUpdated = t
		}
	}
	if hist, ok := m["spend_history"].([]interface{}); ok {
		for _, h := range hist {
			b.SpendHistory = append(b.SpendHistory, f64(h))
		}
	}
	if b.Tier == "" || b.TotalBudget == 0 {
		return Budget{}, false
	}
	return b, true
}

// RefusalError builds the budget_exhausted error for a refused request.
func RefusalError(d *Decision) error {
	e := errs.New(errs.CodeBudgetExhausted, "request cost exceeds the remaining budget")
	if len(d.Suggestions) > 0 {
		e.Message = fmt.Sprintf("%s; suggestions: %v", e.Message, d.Suggestions)
	}
	return e
}

func f64(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func floatsToIface(in []float64) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func nextMonthStart() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

func nextMidnight() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
