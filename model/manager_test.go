package model

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/backend"
)

// fakeDaemon mimics the inference daemon's tag and generate endpoints.
type fakeDaemon struct {
	mu          sync.Mutex
	warmCalls   map[string]int
	failModels  map[string]bool
	emptyModels map[string]bool
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		warmCalls:   make(map[string]int),
		failModels:  make(map[string]bool),
		emptyModels: make(map[string]bool),
	}
}

func (f *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]interface{}{
				{"name": "llama3.1:8b", "size": 4 << 30},
				{"name": "phi3:mini", "size": 2 << 30},
				{"name": "llama3.1:70b", "size": 40 << 30},
			},
		})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		if req.Prompt == "" { // warm call
			f.mu.Lock()
			f.warmCalls[req.Model]++
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": "", "done": true})
			return
		}

		f.mu.Lock()
		fail := f.failModels[req.Model]
		empty := f.emptyModels[req.Model]
		f.mu.Unlock()

		switch {
		case fail:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"broken"}`))
		case empty:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": "", "done": true})
		default:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"response":   "answer from " + req.Model,
				"eval_count": 42,
				"done":       true,
			})
		}
	})
	return mux
}

func (f *fakeDaemon) warmCount(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.warmCalls[model]
}

func testManager(t *testing.T, daemon *fakeDaemon) (*Manager, func()) {
	t.Helper()
	srv := httptest.NewServer(daemon.handler())
	log := zerolog.New(io.Discard)
	client := backend.New(log, backend.Config{BaseURL: srv.URL, Timeout: 2 * time.Second, MaxRetries: 1})
	m := New(log, client, "llama3.1:8b", "phi3:mini")
	if err := m.Initialize(context.Background()); err != nil {
		srv.Close()
		t.Fatalf("initialize: %v", err)
	}
	return m, srv.Close
}

func TestInitializeDiscoversAndTiers(t *testing.T) {
	m, closeFn := testManager(t, newFakeDaemon())
	defer closeFn()

	descriptors := m.Descriptors()
	if len(descriptors) != 3 {
		t.Fatalf("expected 3 models, got %d", len(descriptors))
	}
	tiers := make(map[string]Tier)
	for _, d := range descriptors {
		tiers[d.Name] = d.Tier
	}
	if tiers["phi3:mini"] != TierT0 {
		t.Fatalf("phi3:mini tier = %s, want T0", tiers["phi3:mini"])
	}
	if tiers["llama3.1:70b"] != TierT2 {
		t.Fatalf("llama3.1:70b tier = %s, want T2", tiers["llama3.1:70b"])
	}
}

func TestSelectionDeterministic(t *testing.T) {
	m, closeFn := testManager(t, newFakeDaemon())
	defer closeFn()

	first, err := m.SelectOptimalModel("conversational", "balanced", SelectionOptions{})
	if err != nil {
		t.Fatalf("selection failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, err := m.SelectOptimalModel("conversational", "balanced", SelectionOptions{})
		if err != nil || got != first {
			t.Fatalf("selection not deterministic: %s vs %s (%v)", got, first, err)
		}
	}
}

func TestSelectionRespectsCostCap(t *testing.T) {
	m, closeFn := testManager(t, newFakeDaemon())
	defer closeFn()

	name, err := m.SelectOptimalModel("conversational", "premium", SelectionOptions{MaxCostPerCall: 0.002})
	if err != nil {
		t.Fatalf("selection failed: %v", err)
	}
	if m.CostOf(name) > 0.002 {
		t.Fatalf("selected %s above the cost cap", name)
	}
}

func TestCostFirstPicksCheapest(t *testing.T) {
	m, closeFn := testManager(t, newFakeDaemon())
	defer closeFn()

	name, err := m.SelectOptimalModel("conversational", "balanced", SelectionOptions{Strategy: StrategyCostFirst})
	if err != nil {
		t.Fatalf("selection failed: %v", err)
	}
	if name != "phi3:mini" {
		t.Fatalf("cost-first picked %s, want phi3:mini", name)
	}
}

func TestGenerateRecordsMetrics(t *testing.T) {
	m, closeFn := testManager(t, newFakeDaemon())
	defer closeFn()

	_, err := m.Generate(context.Background(), "llama3.1:8b", backend.GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	stats := m.Stats()["llama3.1:8b"]
	if stats.TotalRequests != 1 || stats.SuccessfulRequests != 1 {
		t.Fatalf("bad counters: %+v", stats)
	}
	if stats.SuccessRate != 1 {
		t.Fatalf("success rate = %f", stats.SuccessRate)
	}
	if stats.TotalRequests < stats.SuccessfulRequests {
		t.Fatal("invariant violated: total < successful")
	}
}

func TestFailureMetricsInvariants(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.failModels["llama3.1:8b"] = true
	m, closeFn := testManager(t, daemon)
	defer closeFn()

	_, _ = m.Generate(context.Background(), "llama3.1:8b", backend.GenerateRequest{Prompt: "hi"})

	stats := m.Stats()["llama3.1:8b"]
	if stats.TotalRequests != 1 || stats.SuccessfulRequests != 0 {
		t.Fatalf("bad counters after failure: %+v", stats)
	}
	if stats.SuccessRate < 0 || stats.SuccessRate > 1 {
		t.Fatalf("success rate out of bounds: %f", stats.SuccessRate)
	}
}

func TestFallbackChainOnEmptyGeneration(t *testing.T) {
	daemon := newFakeDaemon()
	// phi3:mini is the balanced pick for conversational work (lowest
	// cost, no observations yet), so the chain has to move past it.
	daemon.emptyModels["phi3:mini"] = true
	m, closeFn := testManager(t, daemon)
	defer closeFn()

	fr, err := m.GenerateWithFallback(context.Background(), "conversational", "balanced",
		SelectionOptions{}, backend.GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("fallback chain should recover: %v", err)
	}
	if len(fr.ModelsTried) < 2 {
		t.Fatalf("expected at least 2 models tried, got %v", fr.ModelsTried)
	}
	if fr.Model == "phi3:mini" {
		t.Fatal("the empty-generating model must not be the final model")
	}
	if fr.Result == nil || fr.Result.Text == "" {
		t.Fatal("fallback produced no text")
	}
}

func TestFallbackExhaustionFails(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.emptyModels["llama3.1:8b"] = true
	daemon.emptyModels["phi3:mini"] = true
	daemon.emptyModels["llama3.1:70b"] = true
	daemon.emptyModels["mistral"] = true
	m, closeFn := testManager(t, daemon)
	defer closeFn()

	fr, err := m.GenerateWithFallback(context.Background(), "conversational", "balanced",
		SelectionOptions{}, backend.GenerateRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected failure when every model returns empty")
	}
	if fr == nil || len(fr.ModelsTried) < 2 {
		t.Fatalf("expected the chain annotated with tried models, got %+v", fr)
	}
}

func TestSingleFlightLoading(t *testing.T) {
	daemon := newFakeDaemon()
	m, closeFn := testManager(t, daemon)
	defer closeFn()

	// llama3.1:70b is T2, not preloaded.
	before := daemon.warmCount("llama3.1:70b")

	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.EnsureLoaded(context.Background(), "llama3.1:70b"); err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}
	wg.Wait()

	if failures != 0 {
		t.Fatalf("%d loads failed", failures)
	}
	if got := daemon.warmCount("llama3.1:70b") - before; got != 1 {
		t.Fatalf("expected exactly 1 daemon load, got %d", got)
	}
}

func TestRecommendationsSortedByCost(t *testing.T) {
	m, closeFn := testManager(t, newFakeDaemon())
	defer closeFn()

	recs := m.Recommendations(1.0)
	if len(recs) == 0 {
		t.Fatal("expected recommendations")
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Cost < recs[i-1].Cost {
			t.Fatal("recommendations not sorted cheapest first")
		}
	}
}

func TestEMAConfidenceAfterWarmup(t *testing.T) {
	st := &modelState{descriptor: Descriptor{Name: "m", BaseCost: 0.001}}

	// Warmup: plain average of identical values stays put.
	for i := 0; i < confidenceWarmup; i++ {
		st.recordSuccess(time.Millisecond, 0.001, 0.5)
	}
	if got := st.snapshot().AvgConfidence; got < 0.499 || got > 0.501 {
		t.Fatalf("warmup average = %f, want 0.5", got)
	}

	// Post-warmup: one observation moves the EMA by alpha of the delta.
	st.recordSuccess(time.Millisecond, 0.001, 1.0)
	want := confidenceAlpha*1.0 + (1-confidenceAlpha)*0.5
	if got := st.snapshot().AvgConfidence; got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("EMA = %f, want %f", got, want)
	}
}
