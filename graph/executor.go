/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Graph executor: walks nodes from the start node,
             enforcing per-node timeouts, the global request
             deadline, budget deduction, a path-length circuit
             breaker, and conditional routing. Node failures and
             panics become NodeResults; exceptions never cross
             node boundaries.
Root Cause:  Sprint tasks S063-S067 — Graph executor.
Context:     Hot path of every request. Exactly one NodeResult
             per node execution, even under cancellation.
Suitability: L3 — timeout, cancellation, and budget semantics.
──────────────────────────────────────────────────────────────
*/

package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/errs"
)

// ExecutorConfig bounds a single execution.
type ExecutorConfig struct {
	NodeTimeout   time.Duration // per-node deadline
	MaxPathLength int           // circuit breaker
}

// Executor runs graphs. It is stateless across requests and safe for
// concurrent use.
type Executor struct {
	logger zerolog.Logger
	cfg    ExecutorConfig
}

// NewExecutor creates an executor with the given bounds.
func NewExecutor(logger zerolog.Logger, cfg ExecutorConfig) *Executor {
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 30 * time.Second
	}
	if cfg.MaxPathLength <= 0 {
		cfg.MaxPathLength = 20
	}
	return &Executor{
		logger: logger.With().Str("component", "graph-executor").Logger(),
		cfg:    cfg,
	}
}

// Execute walks the graph, mutating state as nodes complete. It always
// attempts to leave state.FinalResponse populated: on failure the
// graph's error handler composes the degraded response. The returned
// error carries the dominant failure code when the walk did not finish
// cleanly.
func (e *Executor) Execute(ctx context.Context, g *Graph, state *State) error {
	if err := g.Validate(); err != nil {
		return errs.Wrap(errs.CodeInternal, "invalid graph", err)
	}

	// A zero deadline rejects the request before any node runs.
	if state.MaxExecutionTime <= 0 {
		state.Errors = append(state.Errors, "global deadline is zero")
		return errs.New(errs.CodeTimeout, "request deadline is zero").
			WithQuery(state.QueryID, state.CorrelationID)
	}

	ctx, cancel := context.WithTimeout(ctx, state.MaxExecutionTime)
	defer cancel()

	log := e.logger.With().
		Str("query_id", state.QueryID).
		Str("correlation_id", state.CorrelationID).
		Logger()

	var walkErr *errs.Error
	frontier := []string{g.start}

walk:
	for len(frontier) > 0 {
		select {
		case <-ctx.Done():
			walkErr = errs.New(errs.CodeTimeout, "global deadline expired")
			state.Errors = append(state.Errors, walkErr.Message)
			break walk
		default:
		}

		nodeID := frontier[0]
		frontier = frontier[1:]

		node, ok := g.node(nodeID)
		if !ok {
			state.Errors = append(state.Errors, fmt.Sprintf("node %s not found", nodeID))
			continue
		}

		result := e.runNode(ctx, node, state)
		state.ExecutionPath = append(state.ExecutionPath, nodeID)
		e.merge(state, nodeID, result)

		if !result.Success {
			state.Errors = append(state.Errors, fmt.Sprintf("%s: %s", nodeID, result.Error))
			log.Warn().Str("node", nodeID).Str("error", result.Error).Msg("node failed")
		}

		// Budget accounting: stop before the ledger can go negative.
		if result.Cost > 0 {
			if result.Cost > state.CostBudgetRemaining {
				state.CostsIncurred[nodeID] += state.CostBudgetRemaining
				state.CostBudgetRemaining = 0
				walkErr = errs.New(errs.CodeBudgetExhausted, "request budget exhausted")
				state.Errors = append(state.Errors, walkErr.Message)
				break walk
			}
			state.CostsIncurred[nodeID] += result.Cost
			state.CostBudgetRemaining -= result.Cost
		}

		if result.ShouldStop {
			break walk
		}

		next := result.NextNodes
		if next == nil {
			next = g.successors(nodeID, state)
		}
		frontier = append(frontier, next...)

		// Circuit breaker: a buggy predicate must not walk forever.
		if len(state.ExecutionPath) >= e.cfg.MaxPathLength {
			state.Warnings = append(state.Warnings, "circuit breaker tripped: path length limit reached")
			log.Error().Int("path_len", len(state.ExecutionPath)).Msg("circuit breaker tripped")
			break walk
		}
	}

	// Degraded-response composition when the walk produced no response or
	// recorded errors.
	if g.errorHandler != "" && (state.FinalResponse == "" || len(state.Errors) > 0) && lastNode(state) != g.errorHandler {
		if handler, ok := g.node(g.errorHandler); ok {
			result := e.runNode(ctx, handler, state)
			state.ExecutionPath = append(state.ExecutionPath, g.errorHandler)
			e.merge(state, g.errorHandler, result)
		}
	}

	if walkErr != nil {
		return walkErr.WithQuery(state.QueryID, state.CorrelationID)
	}
	if state.FinalResponse == "" {
		return errs.New(errs.CodeInternal, "execution produced no response").
			WithQuery(state.QueryID, state.CorrelationID)
	}
	return nil
}

// runNode executes one node under the per-node timeout, converting
// panics and timeouts into failed NodeResults. Exactly one NodeResult
// is produced per execution; on timeout the straggler's late result is
// discarded via the buffered channel.
func (e *Executor) runNode(ctx context.Context, node Node, state *State) NodeResult {
	nodeCtx, cancel := context.WithTimeout(ctx, e.cfg.NodeTimeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan NodeResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- NodeResult{
					Success: false,
					Error:   fmt.Sprintf("panic in node %s: %v", node.ID(), r),
				}
			}
		}()
		resultCh <- node.Execute(nodeCtx, state)
	}()

	select {
	case result := <-resultCh:
		result.ExecutionTime = time.Since(start)
		return result
	case <-nodeCtx.Done():
		return NodeResult{
			Success:       false,
			Error:         fmt.Sprintf("node %s timed out after %s", node.ID(), e.cfg.NodeTimeout),
			ExecutionTime: time.Since(start),
		}
	}
}

// merge folds a NodeResult into the state. Conventional keys propagate
// to the top level; everything else lands in intermediate_results.
func (e *Executor) merge(state *State, nodeID string, result NodeResult) {
	if result.Data != nil {
		merged := state.IntermediateResults[nodeID]
		if merged == nil {
			merged = make(map[string]interface{}, len(result.Data))
		}
		for k, v := range result.Data {
			merged[k] = v
		}
		state.IntermediateResults[nodeID] = merged

		if v, ok := result.Data["final_response"].(string); ok && v != "" {
			state.FinalResponse = v
		}
		if v, ok := result.Data["processed_query"].(string); ok && v != "" {
			state.ProcessedQuery = v
		}
		if v, ok := result.Data["intent"].(string); ok && v != "" {
			state.Intent = v
		}
		if v, ok := result.Data["complexity"].(float64); ok {
			state.Complexity = v
		}
		if v, ok := result.Data["model"].(string); ok && v != "" {
			state.ModelsUsed = appendUnique(state.ModelsUsed, v)
		}
		if v, ok := result.Data["models_tried"].([]string); ok {
			for _, m := range v {
				state.ModelsUsed = appendUnique(state.ModelsUsed, m)
			}
		}
		if v, ok := result.Data["sources"].([]string); ok {
			state.SourcesConsulted = append(state.SourcesConsulted, v...)
		}
		if v, ok := result.Data["citations"].([]Citation); ok {
			state.Citations = append(state.Citations, v...)
		}
		if v, ok := result.Data["escalated"].(bool); ok && v {
			state.EscalationCount++
		}
	}
	if result.Confidence > 0 {
		state.ConfidenceScore = result.Confidence
	}
}

func lastNode(state *State) string {
	if len(state.ExecutionPath) == 0 {
		return ""
	}
	return state.ExecutionPath[len(state.ExecutionPath)-1]
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
