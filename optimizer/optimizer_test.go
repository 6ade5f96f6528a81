package optimizer

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/backend"
	"github.com/AlfredDev/sage/cache"
	"github.com/AlfredDev/sage/config"
	"github.com/AlfredDev/sage/model"
)

func testSetup(t *testing.T) (*Optimizer, *cache.Layer, func()) {
	t.Helper()
	log := zerolog.New(io.Discard)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"models": []map[string]interface{}{}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": "ok", "eval_count": 5, "done": true})
	}))

	client := backend.New(log, backend.Config{BaseURL: srv.URL, Timeout: time.Second, MaxRetries: 1})
	models := model.New(log, client, "llama3.1:8b", "phi3:mini")
	models.Register(model.Descriptor{Name: "llama3.1:8b", Tier: model.TierT1, Capabilities: []string{"conversational", "factual"}, BaseCost: 0.004})
	models.Register(model.Descriptor{Name: "phi3:mini", Tier: model.TierT0, Capabilities: []string{"conversational"}, BaseCost: 0.001})

	cfg := &config.Config{
		Tiers: map[string]config.TierLimits{
			"free":       {Monthly: 20, Daily: 5},
			"pro":        {Monthly: 500, Daily: 25},
			"enterprise": {Monthly: 10000, Daily: 200},
		},
	}
	layer := cache.New(log, nil, cache.Config{FastMaxSize: 100})
	return New(log, cfg, layer, models), layer, srv.Close
}

func TestLazyBudgetInitialization(t *testing.T) {
	o, _, closeFn := testSetup(t)
	defer closeFn()
	ctx := context.Background()

	b := o.BudgetFor(ctx, "user-1", "pro")
	if b.TotalBudget != 500 || b.DailyLimit != 25 {
		t.Fatalf("pro tier defaults not applied: %+v", b)
	}
	if b.RemainingBudget != 500 || b.UsedBudget != 0 {
		t.Fatalf("fresh budget not pristine: %+v", b)
	}
}

func TestBudgetConservationInvariant(t *testing.T) {
	o, _, closeFn := testSetup(t)
	defer closeFn()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		o.RecordExecutionCost(ctx, "user-1", "llama3.1:8b", 0.37)
	}
	b := o.BudgetFor(ctx, "user-1", "free")
	if math.Abs(b.UsedBudget+b.RemainingBudget-b.TotalBudget) > 1e-9 {
		t.Fatalf("used + remaining != total: %+v", b)
	}
	if b.UsedToday > b.DailyLimit {
		t.Fatalf("daily limit exceeded: %+v", b)
	}
}

func TestCanAffordBoundaryEqual(t *testing.T) {
	b := Budget{TotalBudget: 10, RemainingBudget: 0.004, DailyLimit: 5, UsedToday: 0}
	if !b.CanAfford(0.004) {
		t.Fatal("cost exactly equal to remaining must be affordable")
	}
	if b.CanAfford(0.0041) {
		t.Fatal("cost above remaining must not be affordable")
	}
}

func TestStrategySelectionRules(t *testing.T) {
	o, _, closeFn := testSetup(t)
	defer closeFn()

	tests := []struct {
		name   string
		budget Budget
		rctx   RequestContext
		want   model.Strategy
	}{
		{
			"daily pressure forces cost-first",
			Budget{TotalBudget: 20, RemainingBudget: 15, DailyLimit: 5, UsedToday: 4.6},
			RequestContext{QualityCritical: true},
			model.StrategyCostFirst,
		},
		{
			"monthly floor forces cost-first",
			Budget{TotalBudget: 20, RemainingBudget: 3.5, DailyLimit: 5, UsedToday: 0},
			RequestContext{},
			model.StrategyCostFirst,
		},
		{
			"time critical picks speed",
			Budget{TotalBudget: 20, RemainingBudget: 18, DailyLimit: 5, UsedToday: 0},
			RequestContext{TimeCritical: true},
			model.StrategySpeedFirst,
		},
		{
			"quality critical picks quality",
			Budget{TotalBudget: 20, RemainingBudget: 18, DailyLimit: 5, UsedToday: 0},
			RequestContext{QualityCritical: true},
			model.StrategyQualityFirst,
		},
		{
			"default is balanced",
			Budget{TotalBudget: 20, RemainingBudget: 18, DailyLimit: 5, UsedToday: 0},
			RequestContext{},
			model.StrategyBalanced,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := o.chooseStrategy(&tc.budget, tc.rctx); got != tc.want {
				t.Fatalf("strategy = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestOptimizeAllowsAffordableRequest(t *testing.T) {
	o, _, closeFn := testSetup(t)
	defer closeFn()

	d, err := o.OptimizeRequest(context.Background(), "user-1", "conversational", "balanced", "free", RequestContext{})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("fresh free-tier user must afford a basic request: %+v", d)
	}
	if d.Model == "" || d.EstimatedCost <= 0 {
		t.Fatalf("decision incomplete: %+v", d)
	}
}

func TestOptimizeRefusesWithSuggestions(t *testing.T) {
	o, _, closeFn := testSetup(t)
	defer closeFn()
	ctx := context.Background()

	// Exhaust the daily limit.
	o.RecordExecutionCost(ctx, "user-2", "llama3.1:8b", 5.0)

	d, err := o.OptimizeRequest(ctx, "user-2", "conversational", "balanced", "free", RequestContext{})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if d.Allowed {
		t.Fatalf("request over the daily limit must be refused: %+v", d)
	}
	if len(d.Suggestions) == 0 {
		t.Fatal("refusal must carry suggestions")
	}
}

func TestDowngradeToCheapestUnderPressure(t *testing.T) {
	o, _, closeFn := testSetup(t)
	defer closeFn()
	ctx := context.Background()

	// Push daily spend to the 90% pressure threshold; only the cheapest
	// model still fits under the daily limit.
	o.RecordExecutionCost(ctx, "user-3", "llama3.1:8b", 4.998)

	d, err := o.OptimizeRequest(ctx, "user-3", "conversational", "high", "free", RequestContext{QualityCritical: true})
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("cheapest model still fits; must be allowed: %+v", d)
	}
	if d.Strategy != model.StrategyCostFirst {
		t.Fatalf("expected cost-first downgrade, got %s", d.Strategy)
	}
	if d.Model != "phi3:mini" {
		t.Fatalf("expected cheapest model, got %s", d.Model)
	}
}

func TestWriteThroughPersistence(t *testing.T) {
	o, layer, closeFn := testSetup(t)
	defer closeFn()
	ctx := context.Background()

	o.RecordExecutionCost(ctx, "user-4", "llama3.1:8b", 1.25)

	if _, ok := layer.Get(ctx, cache.PrefixBudget+"user-4"); !ok {
		t.Fatal("budget not written through to the cache layer")
	}

	// A fresh optimizer over the same cache resumes the ledger.
	log := zerolog.New(io.Discard)
	o2 := New(log, o.cfg, layer, o.models)
	b := o2.BudgetFor(ctx, "user-4", "")
	if math.Abs(b.UsedBudget-1.25) > 1e-9 {
		t.Fatalf("persisted budget lost: %+v", b)
	}
}

func TestRecommendTier(t *testing.T) {
	o, _, closeFn := testSetup(t)
	defer closeFn()
	ctx := context.Background()

	// Projected spend above the free monthly cap suggests pro.
	o.RecordExecutionCost(ctx, "heavy-user", "llama3.1:8b", 4.0)
	rec := o.RecommendTier(ctx, "heavy-user")
	if rec.RecommendedTier != "pro" && rec.RecommendedTier != "enterprise" {
		t.Fatalf("heavy usage should recommend an upgrade, got %+v", rec)
	}
}
