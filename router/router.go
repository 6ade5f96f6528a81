/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Gateway router with middleware chain:
             CORS → Security Headers → Request ID → Recoverer →
             Request Logger → Body Limit → Rate Limit.
             Routes: /v1/chat, /v1/chat/stream, /v1/search/*,
             /v1/research/deep-dive, /health, /metrics, stats.
Root Cause:  Sprint tasks S011-S019 — HTTP surface.
Context:     Rate limiting runs ahead of admission so refused
             requests never touch budgets.
Suitability: L3 model for middleware chain design.
──────────────────────────────────────────────────────────────
*/

package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/config"
	"github.com/AlfredDev/sage/gateway"
	"github.com/AlfredDev/sage/handler"
	gwmw "github.com/AlfredDev/sage/middleware"
	"github.com/AlfredDev/sage/observability"
	"github.com/AlfredDev/sage/research"
)

// NewRouter returns a configured chi Router with the full middleware
// chain and all API routes mounted.
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, svc *gateway.Service, researchEngine *research.Engine, metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()

	// --- Middleware Chain (order matters) ---
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Health + metrics (no rate limiting) ---
	statusHandler := handler.NewStatusHandler(appLogger, svc)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"sage-gateway"}`))
	})
	r.Get("/health", statusHandler.Health)
	r.Get("/metrics", metrics.Handler())

	// --- API routes ---
	chatHandler := handler.NewChatHandler(appLogger, svc, metrics)
	searchHandler := handler.NewSearchHandler(appLogger, svc, metrics)
	researchHandler := handler.NewResearchHandler(appLogger, researchEngine)
	rateLimiter := gwmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPM)

	r.Route("/v1", func(r chi.Router) {
		r.Use(rateLimiter.Handler)

		r.Post("/chat", chatHandler.Chat)
		r.Post("/chat/stream", chatHandler.ChatStream)

		r.Post("/search/basic", searchHandler.Basic)
		r.Post("/search/advanced", searchHandler.Advanced)

		r.Post("/research/deep-dive", researchHandler.DeepDive)

		r.Get("/models/stats", statusHandler.ModelStats)
		r.Get("/performance/summary", statusHandler.PerformanceSummary)
		r.Get("/budget/{user_id}", statusHandler.Budget)
		r.Get("/bandit/arms", statusHandler.BanditArms)
		r.Get("/cache/stats", statusHandler.CacheStats)
		r.Get("/providers/stats", statusHandler.ProviderStats)
	})

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"status":"error","error_code":"invalid_request","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
