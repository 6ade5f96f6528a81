/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Background goroutine polling every registered
             provider's availability on an interval, with
             transition callbacks and a cached status view.
Root Cause:  Sprint task S053 — Provider health poller.
Context:     Status transitions feed the provider gauges wired
             in main; request routing does not consult it.
Suitability: L2 — background polling with status tracking.
──────────────────────────────────────────────────────────────
*/

package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthPoller continuously monitors provider availability.
type HealthPoller struct {
	registry *Registry
	logger   zerolog.Logger
	interval time.Duration

	mu             sync.RWMutex
	lastStatus     map[string]bool
	statusChangeCB func(provider string, healthy bool)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthPoller creates a poller checking all providers at the given
// interval (minimum 5 seconds).
func NewHealthPoller(registry *Registry, logger zerolog.Logger, interval time.Duration) *HealthPoller {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return &HealthPoller{
		registry:   registry,
		logger:     logger.With().Str("component", "health_poller").Logger(),
		interval:   interval,
		lastStatus: make(map[string]bool),
		done:       make(chan struct{}),
	}
}

// OnStatusChange registers a callback fired on availability transitions.
func (hp *HealthPoller) OnStatusChange(cb func(provider string, healthy bool)) {
	hp.statusChangeCB = cb
}

// Start begins the background polling loop. Call Stop to shut it down.
func (hp *HealthPoller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	hp.cancel = cancel

	hp.logger.Info().Dur("interval", hp.interval).Msg("starting provider health poller")
	go hp.pollLoop(ctx)
}

// Stop shuts the poller down and waits for the loop to exit.
func (hp *HealthPoller) Stop() {
	if hp.cancel != nil {
		hp.cancel()
	}
	<-hp.done
	hp.logger.Info().Msg("health poller stopped")
}

func (hp *HealthPoller) pollLoop(ctx context.Context) {
	defer close(hp.done)

	hp.poll(ctx)

	ticker := time.NewTicker(hp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hp.poll(ctx)
		}
	}
}

func (hp *HealthPoller) poll(ctx context.Context) {
	// Per-poll timeout so one slow provider can't block the cycle.
	pollCtx, cancel := context.WithTimeout(ctx, hp.interval/2)
	defer cancel()

	results := hp.registry.CheckAll(pollCtx)

	hp.mu.Lock()
	defer hp.mu.Unlock()

	for name, healthy := range results {
		wasHealthy, known := hp.lastStatus[name]
		if known && wasHealthy != healthy {
			transition := "recovered"
			if !healthy {
				transition = "degraded"
			}
			hp.logger.Warn().
				Str("provider", name).
				Str("transition", transition).
				Msg("provider status change")

			if hp.statusChangeCB != nil {
				hp.statusChangeCB(name, healthy)
			}
		}
		hp.lastStatus[name] = healthy
	}
}

// IsHealthy returns whether a provider was available at last check.
func (hp *HealthPoller) IsHealthy(name string) bool {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	healthy, ok := hp.lastStatus[name]
	return ok && healthy
}
