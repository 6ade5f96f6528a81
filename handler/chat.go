/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Chat endpoints: POST /v1/chat returns the standard
             envelope; POST /v1/chat/stream re-emits the final
             response as SSE chunks with the same closing
             envelope.
Root Cause:  Sprint tasks S160-S161 — Chat API surface.
Context:     Handlers stay thin; orchestration lives in the
             gateway service.
Suitability: L3 — envelope contract + SSE framing.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/errs"
	"github.com/AlfredDev/sage/gateway"
	"github.com/AlfredDev/sage/graph"
	"github.com/AlfredDev/sage/observability"
)

// ChatRequest is the inbound chat body.
type ChatRequest struct {
	Message            string  `json:"message"`
	SessionID          string  `json:"session_id,omitempty"`
	UserID             string  `json:"user_id,omitempty"`
	Tier               string  `json:"tier,omitempty"`
	QualityRequirement string  `json:"quality_requirement,omitempty"`
	MaxCost            float64 `json:"max_cost,omitempty"`
	MaxExecutionTime   float64 `json:"max_execution_time,omitempty"` // seconds
	TimeCritical       bool    `json:"time_critical,omitempty"`
	QualityCritical    bool    `json:"quality_critical,omitempty"`
	IncludeSources     bool    `json:"include_sources,omitempty"`
	IncludeDebugInfo   bool    `json:"include_debug_info,omitempty"`
}

// ChatHandler serves the chat endpoints.
type ChatHandler struct {
	logger  zerolog.Logger
	svc     *gateway.Service
	metrics *observability.Metrics
}

// NewChatHandler creates the handler.
func NewChatHandler(logger zerolog.Logger, svc *gateway.Service, metrics *observability.Metrics) *ChatHandler {
	return &ChatHandler{
		logger:  logger.With().Str("component", "chat-handler").Logger(),
		svc:     svc,
		metrics: metrics,
	}
}

// Chat serves POST /v1/chat.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, err := h.parse(r)
	if err != nil {
		writeError(w, err)
		return
	}

	outcome := h.svc.Chat(r.Context(), req)
	h.track("chat", req, outcome, start)
	h.respond(w, req, outcome)
}

// ChatStream serves POST /v1/chat/stream as SSE.
func (h *ChatHandler) ChatStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, err := h.parse(r)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errs.New(errs.CodeInternal, "streaming unsupported by connection"))
		return
	}

	outcome := h.svc.Chat(r.Context(), req)
	h.track("chat_stream", req, outcome, start)

	if outcome.State == nil || outcome.State.FinalResponse == "" {
		writeError(w, streamError(outcome))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Emit the response in fixed-size chunks, OpenAI style, then the
	// final envelope as the last event.
	text := outcome.State.FinalResponse
	const chunkSize = 64
	for i := 0; i < len(text); i += chunkSize {
		end := i + chunkSize
		if end > len(text) {
			end = len(text)
		}
		chunk := map[string]interface{}{
			"id":      outcome.State.QueryID,
			"object":  "chat.completion.chunk",
			"choices": []map[string]interface{}{{"delta": map[string]string{"content": text[i:end]}}},
		}
		payload, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	final, _ := json.Marshal(h.envelope(req, outcome))
	fmt.Fprintf(w, "data: %s\n\n", final)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (h *ChatHandler) parse(r *http.Request) (gateway.Request, error) {
	var body ChatRequest
	if err := decodeBody(r, &body); err != nil {
		return gateway.Request{}, err
	}
	req := gateway.Request{
		Message:          body.Message,
		UserID:           userID(r, body.UserID),
		SessionID:        body.SessionID,
		Quality:          body.QualityRequirement,
		Tier:             body.Tier,
		MaxCost:          body.MaxCost,
		MaxExecutionTime: time.Duration(body.MaxExecutionTime * float64(time.Second)),
		TimeCritical:     body.TimeCritical,
		QualityCritical:  body.QualityCritical,
		CorrelationID:    r.Header.Get("X-Request-ID"),
	}
	if err := req.Validate(); err != nil {
		return gateway.Request{}, err
	}
	return req, nil
}

func (h *ChatHandler) respond(w http.ResponseWriter, req gateway.Request, outcome gateway.Outcome) {
	if outcome.State == nil || outcome.State.FinalResponse == "" {
		writeError(w, streamError(outcome))
		return
	}
	writeJSON(w, http.StatusOK, h.envelope(req, outcome))
}

// envelope builds the standard success/partial envelope.
func (h *ChatHandler) envelope(req gateway.Request, outcome gateway.Outcome) map[string]interface{} {
	state := outcome.State
	status := "success"
	if outcome.Err != nil || len(state.Errors) > 0 {
		status = "partial"
	}

	data := map[string]interface{}{
		"response":   state.FinalResponse,
		"session_id": state.SessionID,
		"query_id":   state.QueryID,
	}
	if len(state.Citations) > 0 {
		data["citations"] = state.Citations
	}

	metadata := map[string]interface{}{
		"execution_path": state.ExecutionPath,
		"models_used":    state.ModelsUsed,
		"routing_arm":    outcome.Arm,
		"confidence":     state.ConfidenceScore,
		"intent":         state.Intent,
	}
	if len(state.Warnings) > 0 {
		metadata["warnings"] = state.Warnings
	}
	if len(state.Errors) > 0 {
		metadata["errors"] = state.Errors
	}

	env := map[string]interface{}{
		"status":   status,
		"data":     data,
		"metadata": metadata,
		"cost_prediction": map[string]interface{}{
			"estimated_cost":   decisionCost(outcome),
			"actual_cost":      state.TotalCost(),
			"budget_remaining": state.CostBudgetRemaining,
		},
	}
	env["developer_hints"] = developerHints(state, outcome)
	return env
}

func developerHints(state *graph.State, outcome gateway.Outcome) []string {
	var hints []string
	if state.ConfidenceScore < 0.5 {
		hints = append(hints, "low confidence; consider a higher quality_requirement")
	}
	if outcome.Decision != nil && len(outcome.Decision.Suggestions) > 0 {
		hints = append(hints, outcome.Decision.Suggestions...)
	}
	if state.EscalationCount > 0 {
		hints = append(hints, "request escalated between pipelines; a larger max_cost may answer faster")
	}
	return hints
}

func decisionCost(outcome gateway.Outcome) float64 {
	if outcome.Decision == nil {
		return 0
	}
	return outcome.Decision.EstimatedCost
}

func (h *ChatHandler) track(endpoint string, req gateway.Request, outcome gateway.Outcome, start time.Time) {
	status := "success"
	if outcome.Err != nil {
		code := errs.CodeOf(outcome.Err)
		status = string(code)
		if code == errs.CodeBudgetExhausted {
			tier := req.Tier
			if tier == "" {
				tier = "free"
			}
			h.metrics.TrackBudgetRefusal(tier)
		}
	}
	h.metrics.TrackRequest(endpoint, outcome.Arm, status, float64(time.Since(start).Milliseconds()), stateCost(outcome), false)
}

func stateCost(outcome gateway.Outcome) float64 {
	if outcome.State == nil {
		return 0
	}
	return outcome.State.TotalCost()
}

// streamError maps a failed outcome to its envelope error.
func streamError(outcome gateway.Outcome) error {
	if outcome.Err != nil {
		return outcome.Err
	}
	return errs.New(errs.CodeInternal, "no response produced")
}

// userID resolves the effective user id: body first, then header, then
// a stable anonymous bucket.
func userID(r *http.Request, bodyID string) string {
	if bodyID != "" {
		return bodyID
	}
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "anonymous"
}
