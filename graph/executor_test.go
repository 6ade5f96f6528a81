package graph

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/errs"
)

func testExecutor() *Executor {
	return NewExecutor(zerolog.New(io.Discard), ExecutorConfig{
		NodeTimeout:   200 * time.Millisecond,
		MaxPathLength: 20,
	})
}

func stubNode(id string, result NodeResult) Node {
	return NodeFunc{NodeID: id, Fn: func(_ context.Context, _ *State) NodeResult { return result }}
}

func respond(id, text string) Node {
	return stubNode(id, NodeResult{
		Success: true,
		Data:    map[string]interface{}{"final_response": text},
	})
}

func TestLinearExecutionOrder(t *testing.T) {
	g := New("a")
	g.AddNode(stubNode("a", NodeResult{Success: true}))
	g.AddNode(stubNode("b", NodeResult{Success: true}))
	g.AddNode(respond("c", "done"))
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")

	state := NewState("q")
	if err := testExecutor().Execute(context.Background(), g, state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(state.ExecutionPath) != len(want) {
		t.Fatalf("path %v, want %v", state.ExecutionPath, want)
	}
	for i, id := range want {
		if state.ExecutionPath[i] != id {
			t.Fatalf("path %v, want %v", state.ExecutionPath, want)
		}
	}
	if state.FinalResponse != "done" {
		t.Fatalf("final response %q", state.FinalResponse)
	}
}

func TestConditionalRouting(t *testing.T) {
	tests := []struct {
		name     string
		label    string
		wantNode string
	}{
		{"left branch", "left", "left"},
		{"right branch", "right", "right"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := New("start")
			g.AddNode(stubNode("start", NodeResult{Success: true}))
			g.AddNode(respond("left", "L"))
			g.AddNode(respond("right", "R"))
			label := tc.label
			g.AddConditionalEdge("start", func(_ *State) string { return label }, map[string]string{
				"left":  "left",
				"right": "right",
			})

			state := NewState("q")
			if err := testExecutor().Execute(context.Background(), g, state); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if state.ExecutionPath[1] != tc.wantNode {
				t.Fatalf("routed to %s, want %s", state.ExecutionPath[1], tc.wantNode)
			}
		})
	}
}

func TestBudgetExhaustionStopsWalk(t *testing.T) {
	g := New("pricey")
	g.AddNode(stubNode("pricey", NodeResult{Success: true, Cost: 0.6}))
	g.AddNode(stubNode("unreached", NodeResult{Success: true, Cost: 0.6}))
	g.AddNode(respond("error_handler", "degraded"))
	g.AddEdge("pricey", "unreached")
	g.AddEdge("unreached", "unreached") // runs once; its cost overdraws the budget before the loop repeats
	g.SetErrorHandler("error_handler")

	state := NewState("q", WithBudget(1.0))
	err := testExecutor().Execute(context.Background(), g, state)

	var ge *errs.Error
	if !errors.As(err, &ge) || ge.Code != errs.CodeBudgetExhausted {
		t.Fatalf("expected budget_exhausted, got %v", err)
	}
	if state.TotalCost() > state.InitialBudget {
		t.Fatalf("costs %f exceed initial budget %f", state.TotalCost(), state.InitialBudget)
	}
	if state.CostBudgetRemaining < 0 {
		t.Fatalf("remaining budget went negative: %f", state.CostBudgetRemaining)
	}
	// The degraded response still gets composed.
	if state.FinalResponse == "" {
		t.Fatal("error handler should have produced a response")
	}
}

func TestCircuitBreakerBoundsLoops(t *testing.T) {
	g := New("loop")
	g.AddNode(stubNode("loop", NodeResult{Success: true}))
	g.AddNode(respond("error_handler", "stopped"))
	g.AddEdge("loop", "loop")
	g.SetErrorHandler("error_handler")

	state := NewState("q")
	_ = testExecutor().Execute(context.Background(), g, state)

	if len(state.ExecutionPath) > 21 { // breaker + error handler
		t.Fatalf("path grew past the circuit breaker: %d", len(state.ExecutionPath))
	}
	if len(state.Warnings) == 0 {
		t.Fatal("expected a circuit breaker warning")
	}
}

func TestNodeTimeoutProducesSingleResult(t *testing.T) {
	g := New("slow")
	g.AddNode(NodeFunc{NodeID: "slow", Fn: func(ctx context.Context, _ *State) NodeResult {
		<-ctx.Done()
		return NodeResult{Success: true}
	}})
	g.AddNode(respond("error_handler", "fallback"))
	g.SetErrorHandler("error_handler")

	state := NewState("q")
	_ = testExecutor().Execute(context.Background(), g, state)

	if len(state.Errors) == 0 {
		t.Fatal("expected a timeout error recorded")
	}
	if state.FinalResponse != "fallback" {
		t.Fatalf("expected fallback response, got %q", state.FinalResponse)
	}
}

func TestPanicBecomesNodeResult(t *testing.T) {
	g := New("bad")
	g.AddNode(NodeFunc{NodeID: "bad", Fn: func(_ context.Context, _ *State) NodeResult {
		panic("boom")
	}})
	g.AddNode(respond("error_handler", "recovered"))
	g.SetErrorHandler("error_handler")

	state := NewState("q")
	_ = testExecutor().Execute(context.Background(), g, state)

	if len(state.Errors) == 0 {
		t.Fatal("panic should surface as a node error")
	}
	if state.FinalResponse != "recovered" {
		t.Fatalf("expected recovered response, got %q", state.FinalResponse)
	}
}

func TestZeroDeadlineRejectedBeforeAnyNode(t *testing.T) {
	g := New("a")
	g.AddNode(respond("a", "x"))

	state := NewState("q", WithDeadline(0))
	err := testExecutor().Execute(context.Background(), g, state)

	var ge *errs.Error
	if !errors.As(err, &ge) || ge.Code != errs.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if len(state.ExecutionPath) != 0 {
		t.Fatalf("no node may execute with a zero deadline, path=%v", state.ExecutionPath)
	}
}

func TestNextNodesOverride(t *testing.T) {
	g := New("a")
	g.AddNode(stubNode("a", NodeResult{Success: true, NextNodes: []string{"c"}}))
	g.AddNode(respond("b", "wrong"))
	g.AddNode(respond("c", "right"))
	g.AddEdge("a", "b")

	state := NewState("q")
	if err := testExecutor().Execute(context.Background(), g, state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.FinalResponse != "right" {
		t.Fatalf("next_nodes override ignored, got %q", state.FinalResponse)
	}
}

func TestMergePopulatesIntermediateResults(t *testing.T) {
	g := New("a")
	g.AddNode(stubNode("a", NodeResult{
		Success:    true,
		Confidence: 0.9,
		Data: map[string]interface{}{
			"final_response": "r",
			"model":          "m1",
			"custom":         42,
		},
	}))

	state := NewState("q")
	if err := testExecutor().Execute(context.Background(), g, state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.ResultOf("a")["custom"] != 42 {
		t.Fatal("custom data not merged into intermediate results")
	}
	if state.ConfidenceScore != 0.9 {
		t.Fatalf("confidence not propagated: %f", state.ConfidenceScore)
	}
	if len(state.ModelsUsed) != 1 || state.ModelsUsed[0] != "m1" {
		t.Fatalf("models_used not tracked: %v", state.ModelsUsed)
	}
}

func TestValidateCatchesDanglingEdges(t *testing.T) {
	g := New("a")
	g.AddNode(respond("a", "x"))
	g.AddEdge("a", "ghost")

	state := NewState("q")
	err := testExecutor().Execute(context.Background(), g, state)
	if err == nil {
		t.Fatal("expected validation error for dangling edge")
	}
}
