/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       POST /v1/research/deep-dive over the research
             engine.
Root Cause:  Sprint task S163 — Research API surface.
Context:     Methodology and depth validation happens in the
             research engine; the handler maps the body.
Suitability: L2 — request mapping.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/research"
)

// ResearchRequest is the inbound deep-dive body.
type ResearchRequest struct {
	ResearchQuestion string   `json:"research_question"`
	Methodology      string   `json:"methodology,omitempty"`
	TimeBudget       float64  `json:"time_budget,omitempty"` // seconds
	CostBudget       float64  `json:"cost_budget,omitempty"`
	Sources          []string `json:"sources,omitempty"`
	DepthLevel       int      `json:"depth_level,omitempty"`
	SessionID        string   `json:"session_id,omitempty"`
	UserID           string   `json:"user_id,omitempty"`
}

// ResearchHandler serves the deep-dive endpoint.
type ResearchHandler struct {
	logger zerolog.Logger
	engine *research.Engine
}

// NewResearchHandler creates the handler.
func NewResearchHandler(logger zerolog.Logger, engine *research.Engine) *ResearchHandler {
	return &ResearchHandler{
		logger: logger.With().Str("component", "research-handler").Logger(),
		engine: engine,
	}
}

// DeepDive serves POST /v1/research/deep-dive.
func (h *ResearchHandler) DeepDive(w http.ResponseWriter, r *http.Request) {
	var body ResearchRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	report, err := h.engine.DeepDive(r.Context(), research.Request{
		Question:    body.ResearchQuestion,
		Methodology: body.Methodology,
		TimeBudget:  time.Duration(body.TimeBudget * float64(time.Second)),
		CostBudget:  body.CostBudget,
		Sources:     body.Sources,
		DepthLevel:  body.DepthLevel,
		SessionID:   body.SessionID,
		UserID:      userID(r, body.UserID),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data":   report,
	})
}
