package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/backend"
	"github.com/AlfredDev/sage/cache"
	"github.com/AlfredDev/sage/graph"
	"github.com/AlfredDev/sage/intent"
	"github.com/AlfredDev/sage/model"
)

type fakeBackend struct {
	mu       sync.Mutex
	calls    int
	response string
	empty    bool
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"models": []map[string]interface{}{}})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Prompt == "" { // warm call
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": "", "done": true})
			return
		}
		f.mu.Lock()
		f.calls++
		empty := f.empty
		resp := f.response
		f.mu.Unlock()
		if empty {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": "", "done": true})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": resp, "eval_count": 30, "done": true})
	})
	return mux
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	graph    *graph.Graph
	executor *graph.Executor
	cache    *cache.Layer
	backend  *fakeBackend
	close    func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.New(io.Discard)

	fb := &fakeBackend{response: "a helpful answer"}
	srv := httptest.NewServer(fb.handler())

	client := backend.New(log, backend.Config{BaseURL: srv.URL, Timeout: time.Second, MaxRetries: 1})
	models := model.New(log, client, "llama3.1:8b", "phi3:mini")
	models.Register(model.Descriptor{Name: "llama3.1:8b", Tier: model.TierT1, Capabilities: []string{"conversational", "code", "factual"}, BaseCost: 0.004})
	models.Register(model.Descriptor{Name: "phi3:mini", Tier: model.TierT0, Capabilities: []string{"conversational"}, BaseCost: 0.001})

	layer := cache.New(log, nil, cache.Config{FastMaxSize: 100})
	g := Build(Deps{
		Logger:     log,
		Cache:      layer,
		Models:     models,
		Classifier: intent.NewClassifier(),
	})
	ex := graph.NewExecutor(log, graph.ExecutorConfig{NodeTimeout: 2 * time.Second, MaxPathLength: 20})

	return &fixture{graph: g, executor: ex, cache: layer, backend: fb, close: srv.Close}
}

func TestFullChatPath(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	state := graph.NewState("what is the capital of France",
		graph.WithBudget(0.5),
		graph.WithUser("u1", "s1"))
	if err := f.executor.Execute(context.Background(), f.graph, state); err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := []string{NodeClassify, NodeContext, NodeGenerate, NodeCacheUpdate}
	if len(state.ExecutionPath) != len(want) {
		t.Fatalf("path = %v", state.ExecutionPath)
	}
	for i, id := range want {
		if state.ExecutionPath[i] != id {
			t.Fatalf("path = %v, want %v", state.ExecutionPath, want)
		}
	}
	if state.FinalResponse != "a helpful answer" {
		t.Fatalf("response = %q", state.FinalResponse)
	}
	if state.Intent != string(intent.IntentFactual) {
		t.Fatalf("intent = %q", state.Intent)
	}
	if len(state.ModelsUsed) == 0 {
		t.Fatal("models_used empty")
	}
}

func TestHighConfidenceCacheHitSkipsGeneration(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	run := func() *graph.State {
		state := graph.NewState("what is the capital of France",
			graph.WithBudget(0.5),
			graph.WithUser("u1", "s1"))
		if err := f.executor.Execute(context.Background(), f.graph, state); err != nil {
			t.Fatalf("execute: %v", err)
		}
		return state
	}

	// Seed the shortcut with a confident cached response.
	first := run()
	key := shortcutKey(first)
	f.cache.Set(context.Background(), key, map[string]interface{}{
		"response":   first.FinalResponse,
		"confidence": 0.95,
	}, time.Hour)

	callsBefore := f.backend.callCount()
	second := run()

	if f.backend.callCount() != callsBefore {
		t.Fatal("high-confidence cache hit must skip generation")
	}
	for _, node := range second.ExecutionPath {
		if node == NodeGenerate {
			t.Fatalf("generate executed on shortcut path: %v", second.ExecutionPath)
		}
	}
	if second.FinalResponse != first.FinalResponse {
		t.Fatalf("cached response mismatch: %q vs %q", second.FinalResponse, first.FinalResponse)
	}
	if second.TotalCost() != 0 {
		t.Fatalf("shortcut path must be free, cost = %f", second.TotalCost())
	}
}

func TestLowConfidenceCacheEntryStillGenerates(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	state := graph.NewState("what is the capital of France", graph.WithBudget(0.5))
	f.cache.Set(context.Background(), shortcutKey(state), map[string]interface{}{
		"response":   "stale uncertain answer",
		"confidence": 0.4,
	}, time.Hour)

	if err := f.executor.Execute(context.Background(), f.graph, state); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.FinalResponse != "a helpful answer" {
		t.Fatalf("low-confidence entry must not shortcut, got %q", state.FinalResponse)
	}
}

func TestEmptyGenerationWalksFallbackChain(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	f.backend.empty = true

	state := graph.NewState("tell me a story", graph.WithBudget(0.5))
	_ = f.executor.Execute(context.Background(), f.graph, state)

	// Every model returns empty, so the error handler composes the
	// degraded response and the chain is annotated on the state.
	if state.FinalResponse == "" {
		t.Fatal("degraded response missing")
	}
	if len(state.ModelsUsed) < 2 {
		t.Fatalf("fallback chain not annotated: %v", state.ModelsUsed)
	}
	if len(state.Errors) == 0 {
		t.Fatal("empty generations must be recorded as errors")
	}
}

func TestConversationContextFeedsPrompt(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	ctx := context.Background()

	seed := graph.NewState("earlier question", graph.WithUser("u1", "s9"))
	f.cache.Set(ctx, conversationKey(seed), map[string]interface{}{
		"last_query":    "earlier question",
		"last_response": "earlier answer",
	}, time.Hour)

	state := graph.NewState("and a follow-up", graph.WithBudget(0.5), graph.WithUser("u1", "s9"))
	if err := f.executor.Execute(ctx, f.graph, state); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, ok := state.ResultOf(NodeContext)["conversation_context"]; !ok {
		t.Fatal("conversation context not loaded from cache")
	}
	if prompt := buildPrompt(state); !strings.Contains(prompt, "earlier answer") {
		t.Fatalf("conversation context missing from prompt: %q", prompt)
	}
}

func TestCacheUpdateWritesShortcutAndConversation(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	ctx := context.Background()

	state := graph.NewState("what is DNS", graph.WithBudget(0.5), graph.WithUser("u1", "s2"))
	if err := f.executor.Execute(ctx, f.graph, state); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if _, ok := f.cache.Get(ctx, shortcutKey(state)); !ok {
		t.Fatal("shortcut entry not written")
	}
	if _, ok := f.cache.Get(ctx, conversationKey(state)); !ok {
		t.Fatal("conversation entry not written")
	}
}
