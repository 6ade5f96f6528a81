/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Typed per-request graph state and the NodeResult
             contract. Nodes return results; only the executor
             mutates state, keeping execution_path and errors
             append-only.
Root Cause:  Sprint tasks S060-S061 — Graph state model.
Context:     One State per in-flight request, never shared.
Suitability: L3 — state model underpinning the runtime.
──────────────────────────────────────────────────────────────
*/

package graph

import (
	"time"

	"github.com/google/uuid"
)

// Quality requirement levels accepted on a request.
const (
	QualityMinimal  = "minimal"
	QualityBalanced = "balanced"
	QualityHigh     = "high"
	QualityPremium  = "premium"
)

// Citation points a response statement at a consulted source.
type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// State is the mutable per-request context threaded through all nodes.
// It is owned exclusively by one in-flight request; nodes read it and
// the executor writes it.
type State struct {
	QueryID       string `json:"query_id"`
	CorrelationID string `json:"correlation_id"`

	OriginalQuery  string `json:"original_query"`
	ProcessedQuery string `json:"processed_query,omitempty"`

	Intent             string  `json:"intent,omitempty"`
	Complexity         float64 `json:"complexity"`
	QualityRequirement string  `json:"quality_requirement"`

	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	InitialBudget       float64       `json:"initial_budget"`
	CostBudgetRemaining float64       `json:"cost_budget_remaining"`
	MaxExecutionTime    time.Duration `json:"max_execution_time"`

	ExecutionPath       []string                          `json:"execution_path"`
	IntermediateResults map[string]map[string]interface{} `json:"intermediate_results"`
	Errors              []string                          `json:"errors"`
	Warnings            []string                          `json:"warnings"`

	FinalResponse    string             `json:"final_response,omitempty"`
	SourcesConsulted []string           `json:"sources_consulted,omitempty"`
	Citations        []Citation         `json:"citations,omitempty"`
	CostsIncurred    map[string]float64 `json:"costs_incurred"`
	ModelsUsed       []string           `json:"models_used,omitempty"`
	EscalationCount  int                `json:"escalation_count"`
	ConfidenceScore  float64            `json:"confidence_score"`
}

// StateOption customizes NewState.
type StateOption func(*State)

// WithBudget sets the request's cost budget in USD.
func WithBudget(budget float64) StateOption {
	return func(s *State) {
		s.InitialBudget = budget
		s.CostBudgetRemaining = budget
	}
}

// WithDeadline sets the request's global execution deadline.
func WithDeadline(d time.Duration) StateOption {
	return func(s *State) { s.MaxExecutionTime = d }
}

// WithUser attaches user and session identity.
func WithUser(userID, sessionID string) StateOption {
	return func(s *State) {
		s.UserID = userID
		s.SessionID = sessionID
	}
}

// WithQuality sets the quality requirement.
func WithQuality(q string) StateOption {
	return func(s *State) {
		if q != "" {
			s.QualityRequirement = q
		}
	}
}

// WithCorrelationID overrides the generated correlation id, so a
// caller-supplied id survives into every log line.
func WithCorrelationID(id string) StateOption {
	return func(s *State) {
		if id != "" {
			s.CorrelationID = id
		}
	}
}

// NewState creates request state with generated identifiers and defaults.
func NewState(query string, opts ...StateOption) *State {
	s := &State{
		QueryID:             uuid.NewString(),
		CorrelationID:       uuid.NewString(),
		OriginalQuery:       query,
		QualityRequirement:  QualityBalanced,
		InitialBudget:       1.0,
		CostBudgetRemaining: 1.0,
		MaxExecutionTime:    30 * time.Second,
		IntermediateResults: make(map[string]map[string]interface{}),
		CostsIncurred:       make(map[string]float64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TotalCost sums every node's incurred cost.
func (s *State) TotalCost() float64 {
	var total float64
	for _, c := range s.CostsIncurred {
		total += c
	}
	return total
}

// ResultOf returns a node's merged output data, or nil.
func (s *State) ResultOf(nodeID string) map[string]interface{} {
	return s.IntermediateResults[nodeID]
}

// NodeResult is what each node execution returns. Nodes never mutate
// State directly: the executor merges Data into the state and copies
// the conventional keys (final_response, cost, confidence) upward.
type NodeResult struct {
	Success       bool                   `json:"success"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Confidence    float64                `json:"confidence"`
	ExecutionTime time.Duration          `json:"execution_time"`
	Cost          float64                `json:"cost"`
	NextNodes     []string               `json:"next_nodes,omitempty"`
	ShouldStop    bool                   `json:"should_stop"`
}

// Failure builds a failed NodeResult from an error.
func Failure(err error) NodeResult {
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	return NodeResult{Success: false, Error: msg}
}
