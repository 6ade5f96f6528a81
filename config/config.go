/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Full gateway configuration: server, cache tiers,
             inference backend, search/scrape providers, bandit,
             cost optimizer tiers, runtime limits, rate limiting.
Root Cause:  Sprint task S004 — Configuration surface.
Context:     Every tunable the orchestration core exposes is an
             env var with a production default. Defaults here are
             the contract; components never read env directly.
Suitability: L4 model used for budget-critical config design.
──────────────────────────────────────────────────────────────
*/

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// TierLimits holds per-tier monthly and daily budget limits in USD.
type TierLimits struct {
	Monthly float64
	Daily   float64
}

// Config holds all gateway configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Cache
	RedisURL            string
	CacheMaxConnections int
	FastCacheMaxSize    int
	CacheOpTimeout      time.Duration
	RoutingTTL          time.Duration
	ResponsesTTL        time.Duration
	ConversationsTTL    time.Duration

	// Inference backend
	InferenceHost    string
	InferenceTimeout time.Duration
	InferenceRetries int
	DefaultModel     string
	FallbackModel    string
	PreloadTiers     []string

	// Search / scrape providers
	SearchBaseURL         string
	SearchAPIKey          string
	SearchCost            float64
	SearchRPS             float64
	ScrapeBaseURL         string
	ScrapeAPIKey          string
	ScrapeCost            float64
	ScrapeRPS             float64
	ProviderTimeout       time.Duration
	MaxEnhanceConcurrency int

	// Adaptive router
	MinExplorationRate float64
	BanditArms         []string

	// Cost optimizer
	Tiers map[string]TierLimits

	// Graph runtime
	NodeTimeout     time.Duration
	MaxPathLength   int
	RequestDeadline time.Duration

	// Rate limiting
	RateLimitEnabled bool
	RateLimitRPM     int

	// Body limits
	MaxBodyBytes int64

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:            getEnv("SAGE_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: secs(getEnvInt("SAGE_GRACEFUL_TIMEOUT_SEC", 15)),

		RedisURL:            getEnv("REDIS_URL", "redis://redis:6379"),
		CacheMaxConnections: getEnvInt("CACHE_MAX_CONNECTIONS", 20),
		FastCacheMaxSize:    getEnvInt("FAST_CACHE_MAX_SIZE", 1000),
		CacheOpTimeout:      secs(getEnvInt("CACHE_OP_TIMEOUT_SEC", 2)),
		RoutingTTL:          secs(getEnvInt("CACHE_TTL_ROUTING_SEC", 300)),
		ResponsesTTL:        secs(getEnvInt("CACHE_TTL_RESPONSES_SEC", 3600)),
		ConversationsTTL:    secs(getEnvInt("CACHE_TTL_CONVERSATIONS_SEC", 86400)),

		InferenceHost:    getEnv("INFERENCE_HOST", "http://localhost:11434"),
		InferenceTimeout: secs(getEnvInt("INFERENCE_TIMEOUT_SEC", 120)),
		InferenceRetries: getEnvInt("INFERENCE_MAX_RETRIES", 3),
		DefaultModel:     getEnv("DEFAULT_MODEL", "llama3.1:8b"),
		FallbackModel:    getEnv("FALLBACK_MODEL", "phi3:mini"),
		PreloadTiers:     strings.Split(getEnv("PRELOAD_TIERS", "T0"), ","),

		SearchBaseURL:         getEnv("SEARCH_BASE_URL", "https://api.search.brave.com/res/v1"),
		SearchAPIKey:          getEnv("SEARCH_API_KEY", ""),
		SearchCost:            getEnvFloat("SEARCH_COST_PER_REQUEST", 0.008),
		SearchRPS:             getEnvFloat("SEARCH_RPS", 1.0),
		ScrapeBaseURL:         getEnv("SCRAPE_BASE_URL", "https://api.zenrows.com/v1"),
		ScrapeAPIKey:          getEnv("SCRAPE_API_KEY", ""),
		ScrapeCost:            getEnvFloat("SCRAPE_COST_PER_REQUEST", 0.002),
		ScrapeRPS:             getEnvFloat("SCRAPE_RPS", 2.0),
		ProviderTimeout:       secs(getEnvInt("PROVIDER_TIMEOUT_SEC", 15)),
		MaxEnhanceConcurrency: getEnvInt("MAX_ENHANCE_CONCURRENCY", 3),

		MinExplorationRate: getEnvFloat("MIN_EXPLORATION_RATE", 0.05),
		BanditArms:         []string{"fast_chat", "search_augmented", "api_fallback", "hybrid_mode"},

		Tiers: map[string]TierLimits{
			"free":       {Monthly: 20, Daily: 5},
			"pro":        {Monthly: 500, Daily: 25},
			"enterprise": {Monthly: 10000, Daily: 200},
		},

		NodeTimeout:     secs(getEnvInt("NODE_TIMEOUT_SEC", 30)),
		MaxPathLength:   getEnvInt("MAX_PATH_LENGTH", 20),
		RequestDeadline: secs(getEnvInt("REQUEST_DEADLINE_SEC", 30)),

		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", 60),

		MaxBodyBytes: int64(getEnvInt("SAGE_MAX_BODY_BYTES", 1*1024*1024)),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// TierFor returns the limits for a tier name, defaulting to free.
func (c *Config) TierFor(name string) TierLimits {
	if t, ok := c.Tiers[name]; ok {
		return t
	}
	return c.Tiers["free"]
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
