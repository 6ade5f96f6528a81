/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Search endpoints: POST /v1/search/basic and
             POST /v1/search/advanced over the search graph.
Root Cause:  Sprint task S162 — Search API surface.
Context:     Advanced accepts quality/cost knobs; basic pins
             balanced defaults.
Suitability: L2 — request mapping over the service.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/gateway"
	"github.com/AlfredDev/sage/graph"
	"github.com/AlfredDev/sage/observability"
	"github.com/AlfredDev/sage/provider"
	searchgraph "github.com/AlfredDev/sage/search"
)

// SearchRequest is the inbound search body.
type SearchRequest struct {
	Query              string  `json:"query"`
	UserID             string  `json:"user_id,omitempty"`
	SessionID          string  `json:"session_id,omitempty"`
	Tier               string  `json:"tier,omitempty"`
	QualityRequirement string  `json:"quality_requirement,omitempty"`
	MaxCost            float64 `json:"max_cost,omitempty"`
	MaxExecutionTime   float64 `json:"max_execution_time,omitempty"`
	IncludeSources     bool    `json:"include_sources,omitempty"`
}

// SearchHandler serves the search endpoints.
type SearchHandler struct {
	logger  zerolog.Logger
	svc     *gateway.Service
	metrics *observability.Metrics
}

// NewSearchHandler creates the handler.
func NewSearchHandler(logger zerolog.Logger, svc *gateway.Service, metrics *observability.Metrics) *SearchHandler {
	return &SearchHandler{
		logger:  logger.With().Str("component", "search-handler").Logger(),
		svc:     svc,
		metrics: metrics,
	}
}

// Basic serves POST /v1/search/basic with balanced defaults.
func (h *SearchHandler) Basic(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

// Advanced serves POST /v1/search/advanced with caller-controlled knobs.
func (h *SearchHandler) Advanced(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

func (h *SearchHandler) serve(w http.ResponseWriter, r *http.Request, advanced bool) {
	start := time.Now()

	var body SearchRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	req := gateway.Request{
		Message:       body.Query,
		UserID:        userID(r, body.UserID),
		SessionID:     body.SessionID,
		Tier:          body.Tier,
		CorrelationID: r.Header.Get("X-Request-ID"),
	}
	if advanced {
		req.Quality = body.QualityRequirement
		req.MaxCost = body.MaxCost
		req.MaxExecutionTime = time.Duration(body.MaxExecutionTime * float64(time.Second))
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	outcome := h.svc.Search(r.Context(), req)

	status := "success"
	if outcome.Err != nil {
		status = "error"
	}
	h.metrics.TrackRequest("search", gateway.ArmSearchAugmented, status, float64(time.Since(start).Milliseconds()), stateCost(outcome), false)

	if outcome.State == nil || outcome.State.FinalResponse == "" {
		writeError(w, streamError(outcome))
		return
	}

	writeJSON(w, http.StatusOK, h.envelope(outcome, body.IncludeSources || advanced))
}

func (h *SearchHandler) envelope(outcome gateway.Outcome, includeSources bool) map[string]interface{} {
	state := outcome.State
	status := "success"
	if outcome.Err != nil || len(state.Errors) > 0 {
		status = "partial"
	}

	data := map[string]interface{}{
		"response":  state.FinalResponse,
		"query_id":  state.QueryID,
		"citations": state.Citations,
		"strategy":  strategyOf(state),
	}
	if includeSources {
		data["sources"] = state.SourcesConsulted
		data["results"] = resultsOf(state)
	}

	return map[string]interface{}{
		"status": status,
		"data":   data,
		"metadata": map[string]interface{}{
			"execution_path": state.ExecutionPath,
			"models_used":    state.ModelsUsed,
			"confidence":     state.ConfidenceScore,
		},
		"cost_prediction": map[string]interface{}{
			"actual_cost":      state.TotalCost(),
			"budget_remaining": state.CostBudgetRemaining,
		},
	}
}

func strategyOf(state *graph.State) string {
	if v, ok := state.ResultOf(searchgraph.NodeSmartRouter)["search_strategy"].(string); ok {
		return v
	}
	return ""
}

func resultsOf(state *graph.State) []provider.SearchResult {
	for _, node := range []string{searchgraph.NodeEnhance, searchgraph.NodeSearch} {
		if v, ok := state.ResultOf(node)["results"].([]provider.SearchResult); ok {
			return v
		}
	}
	return nil
}
