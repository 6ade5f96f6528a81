/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Operational surface: component health, model stats,
             performance summary, budget status, bandit arms,
             cache stats, provider stats.
Root Cause:  Sprint task S164 — Stats API surface.
Context:     Read-only views over the shared components.
Suitability: L2 — snapshot serialization.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/gateway"
)

// StatusHandler serves health and stats endpoints.
type StatusHandler struct {
	logger zerolog.Logger
	svc    *gateway.Service
}

// NewStatusHandler creates the handler.
func NewStatusHandler(logger zerolog.Logger, svc *gateway.Service) *StatusHandler {
	return &StatusHandler{
		logger: logger.With().Str("component", "status-handler").Logger(),
		svc:    svc,
	}
}

// Health serves GET /health with per-component status.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	components := h.svc.ComponentHealth(r.Context())
	status := "healthy"
	for _, s := range components {
		if s != "healthy" {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

// ModelStats serves GET /v1/models/stats.
func (h *StatusHandler) ModelStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data": map[string]interface{}{
			"models":  h.svc.Models.Descriptors(),
			"metrics": h.svc.Models.Stats(),
		},
	})
}

// PerformanceSummary serves GET /v1/performance/summary?hours=N.
func (h *StatusHandler) PerformanceSummary(w http.ResponseWriter, r *http.Request) {
	hours := 1.0
	if v := r.URL.Query().Get("hours"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			hours = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data":   h.svc.Tracker.Summary(hours),
	})
}

// Budget serves GET /v1/budget/{user_id}.
func (h *StatusHandler) Budget(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "user_id")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data": map[string]interface{}{
			"budget":         h.svc.Optimizer.BudgetFor(r.Context(), uid, ""),
			"recommendation": h.svc.Optimizer.RecommendTier(r.Context(), uid),
		},
	})
}

// BanditArms serves GET /v1/bandit/arms.
func (h *StatusHandler) BanditArms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data":   map[string]interface{}{"arms": h.svc.Bandit.Arms()},
	})
}

// CacheStats serves GET /v1/cache/stats.
func (h *StatusHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data":   h.svc.Cache.Stats(),
	})
}

// ProviderStats serves GET /v1/providers/stats.
func (h *StatusHandler) ProviderStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data":   h.svc.Providers.AllStats(),
	})
}
