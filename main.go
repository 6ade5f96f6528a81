/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Gateway entry point: config → logger → Redis →
             cache → backend → model manager → providers →
             bandit → optimizer → tracker → service → HTTP
             server, with graceful shutdown and background
             health polling.
Root Cause:  Sprint task S011 — Process wiring and shutdown.
Context:     Every background worker started here has an
             explicit Stop tied to process shutdown; bandit
             state persists on the way down.
Suitability: L3 model for graceful shutdown and system wiring.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlfredDev/sage/backend"
	"github.com/AlfredDev/sage/bandit"
	"github.com/AlfredDev/sage/cache"
	"github.com/AlfredDev/sage/config"
	"github.com/AlfredDev/sage/gateway"
	"github.com/AlfredDev/sage/logger"
	"github.com/AlfredDev/sage/model"
	"github.com/AlfredDev/sage/observability"
	"github.com/AlfredDev/sage/optimizer"
	"github.com/AlfredDev/sage/provider"
	"github.com/AlfredDev/sage/redisclient"
	"github.com/AlfredDev/sage/research"
	"github.com/AlfredDev/sage/router"
	"github.com/AlfredDev/sage/tracker"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("sage gateway starting")

	ctx := context.Background()

	// Redis backs the remote cache tier; the gateway runs degraded
	// without it.
	var remote *redisclient.Client
	if rc, err := redisclient.New(cfg); err != nil {
		log.Warn().Err(err).Msg("redis init failed — running fast-tier only")
	} else if err := rc.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — running fast-tier only")
		_ = rc.Close()
	} else {
		log.Info().Msg("redis connected")
		remote = rc
	}

	cacheLayer := cache.New(log, remote, cache.Config{
		FastMaxSize: cfg.FastCacheMaxSize,
		OpTimeout:   cfg.CacheOpTimeout,
	})

	// Inference backend + model pool.
	backendClient := backend.New(log, backend.Config{
		BaseURL:    cfg.InferenceHost,
		Timeout:    cfg.InferenceTimeout,
		MaxRetries: cfg.InferenceRetries,
	})
	models := model.New(log, backendClient, cfg.DefaultModel, cfg.FallbackModel)
	models.SetPreloadPolicy(cfg.PreloadTiers)
	if err := models.Initialize(ctx); err != nil {
		log.Warn().Err(err).Msg("model discovery failed — registering configured defaults")
		models.Register(model.Descriptor{Name: cfg.DefaultModel, Tier: model.TierT1, Capabilities: []string{"conversational", "factual", "research"}, BaseCost: 0.004})
		models.Register(model.Descriptor{Name: cfg.FallbackModel, Tier: model.TierT0, Capabilities: []string{"conversational"}, BaseCost: 0.001})
	}

	// Search + scrape providers.
	registry := provider.NewRegistry()
	searchProv := provider.NewBraveSearch(provider.BraveConfig{
		BaseURL:        cfg.SearchBaseURL,
		APIKey:         cfg.SearchAPIKey,
		CostPerCall:    cfg.SearchCost,
		RequestsPerSec: cfg.SearchRPS,
		Timeout:        cfg.ProviderTimeout,
	})
	scrapeProv := provider.NewScraper(provider.ScraperConfig{
		BaseURL:        cfg.ScrapeBaseURL,
		APIKey:         cfg.ScrapeAPIKey,
		CostPerCall:    cfg.ScrapeCost,
		RequestsPerSec: cfg.ScrapeRPS,
		Timeout:        cfg.ProviderTimeout,
	})
	registry.Register(searchProv)
	registry.Register(scrapeProv)
	if err := searchProv.Initialize(ctx); err != nil {
		log.Warn().Err(err).Msg("search provider not configured")
	}
	if err := scrapeProv.Initialize(ctx); err != nil {
		log.Warn().Err(err).Msg("scrape provider not configured")
	}

	// Shared decision components. Bandit state survives restarts via
	// the cache layer.
	adaptiveRouter := bandit.New(log, cfg.BanditArms, cfg.MinExplorationRate)
	adaptiveRouter.Restore(ctx, cacheLayer)

	costOptimizer := optimizer.New(log, cfg, cacheLayer, models)

	perfTracker := tracker.New(log, 0, tracker.DefaultTargets())
	trackerCtx, trackerCancel := context.WithCancel(ctx)
	perfTracker.Start(trackerCtx)

	metrics := observability.NewMetrics(log)

	svc := gateway.New(gateway.Deps{
		Config:         cfg,
		Logger:         log,
		Cache:          cacheLayer,
		Backend:        backendClient,
		Models:         models,
		Optimizer:      costOptimizer,
		Bandit:         adaptiveRouter,
		Tracker:        perfTracker,
		Providers:      registry,
		SearchProvider: searchProv,
		ScrapeProvider: scrapeProv,
	})
	researchEngine := research.New(log, svc)

	r := router.NewRouter(cfg, log, svc, researchEngine, metrics)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestDeadline + 30*time.Second, // buffer for streaming
		IdleTimeout:  120 * time.Second,
	}

	// Background provider health poller feeds metrics.
	healthPoller := provider.NewHealthPoller(registry, log, 30*time.Second)
	healthPoller.OnStatusChange(func(name string, healthy bool) {
		metrics.TrackProviderUp(name, healthy)
		if healthy {
			log.Info().Str("provider", name).Msg("provider recovered")
		} else {
			log.Error().Str("provider", name).Msg("provider degraded")
		}
	})
	healthPoller.Start()

	// Periodic bandit persistence.
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-trackerCtx.Done():
				return
			case <-ticker.C:
				adaptiveRouter.Persist(ctx, cacheLayer)
			}
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	healthPoller.Stop()
	trackerCancel()
	<-persistDone
	perfTracker.Stop()
	adaptiveRouter.Persist(ctx, cacheLayer)
	backendClient.Close()
	if remote != nil {
		_ = remote.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}
