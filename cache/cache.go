/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Two-tier response cache. Fast tier is an in-process
             map with absolute-expiry timestamps and a size cap;
             remote tier is Redis with native TTL. Remote outages
             degrade to fast-tier-only mode without surfacing
             errors to callers.
Root Cause:  Sprint tasks S020-S024 — Cache layer.
Context:     Every shortcut in the chat and search graphs reads
             through this layer; a cache failure must never fail
             a request.
Suitability: L3 — tiered cache with degradation semantics.
──────────────────────────────────────────────────────────────
*/

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/redisclient"
)

// Stable key prefixes for persisted state. Keys embed a query
// fingerprint (first 16 hex chars of a SHA-256) where applicable.
const (
	PrefixRoute    = "route:"
	PrefixPattern  = "pattern:"
	PrefixShortcut = "shortcut:"
	PrefixModel    = "model:"
	PrefixBudget   = "budget:"
	PrefixRate     = "rate:"
	PrefixContext  = "context:"
	PrefixPrefs    = "prefs:"
	PrefixConv     = "conv:"
	PrefixMetrics  = "metrics:"
	PrefixStats    = "stats:"
)

// healthTimeout bounds the remote-tier probe in Health.
const healthTimeout = 10 * time.Second

// Config holds cache layer tunables.
type Config struct {
	FastMaxSize int           // fast tier entry cap
	OpTimeout   time.Duration // per-operation remote deadline
}

// Stats is the snapshot returned by Stats.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	FastEntries   int     `json:"fast_entries"`
	RemoteErrors  int64   `json:"remote_errors"`
	Degraded      bool    `json:"degraded"`
}

// Health describes the layer's current state.
type Health struct {
	Status          string `json:"status"` // "healthy" or "degraded"
	RemoteConnected bool   `json:"remote_connected"`
	FastEntries     int    `json:"fast_entries"`
}

type fastEntry struct {
	value      interface{}
	expiresAt  time.Time
	sourceNode string
}

// Layer is the two-tier cache. Values are arbitrary JSON-serializable
// structures (nested maps and lists round-trip through the remote tier).
type Layer struct {
	logger zerolog.Logger
	cfg    Config

	mu      sync.RWMutex
	entries map[string]fastEntry

	remote *redisclient.Client // nil when running fast-tier only

	hits         int64
	misses       int64
	remoteErrors int64
	respTimeNs   int64
	respCount    int64
	degraded     atomic.Bool
}

// New creates the cache layer. remote may be nil for fast-tier-only mode.
func New(logger zerolog.Logger, remote *redisclient.Client, cfg Config) *Layer {
	if cfg.FastMaxSize <= 0 {
		cfg.FastMaxSize = 1000
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	l := &Layer{
		logger:  logger.With().Str("component", "cache").Logger(),
		cfg:     cfg,
		entries: make(map[string]fastEntry),
		remote:  remote,
	}
	if remote == nil {
		l.degraded.Store(true)
	}
	return l
}

// Get returns the cached value for key, or ok=false on a miss.
// Never returns an error: remote failures count as misses and flip the
// layer into degraded mode.
func (l *Layer) Get(ctx context.Context, key string) (interface{}, bool) {
	start := time.Now()
	defer l.observe(start)

	// Fast tier first.
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		atomic.AddInt64(&l.hits, 1)
		return e.value, true
	}

	if l.remote == nil {
		atomic.AddInt64(&l.misses, 1)
		return nil, false
	}

	opCtx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()
	raw, found, err := l.remote.Get(opCtx, key)
	if err != nil {
		atomic.AddInt64(&l.remoteErrors, 1)
		atomic.AddInt64(&l.misses, 1)
		l.markDegraded(err)
		return nil, false
	}
	if !found {
		atomic.AddInt64(&l.misses, 1)
		return nil, false
	}

	var decoded remoteEnvelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		atomic.AddInt64(&l.misses, 1)
		l.logger.Warn().Str("key", key).Err(err).Msg("undecodable remote entry, treating as miss")
		return nil, false
	}
	l.degraded.Store(false)
	atomic.AddInt64(&l.hits, 1)

	// Populate the fast tier with the remaining lifetime.
	if remaining := time.Until(decoded.ExpiresAt); remaining > 0 {
		l.setFast(key, decoded.Value, remaining, decoded.SourceNode)
	}
	return decoded.Value, true
}

// SetOptions carries optional metadata for Set.
type SetOptions struct {
	SourceNode string
}

// Set writes to both tiers when the remote is available, otherwise fast only.
func (l *Layer) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, opts ...SetOptions) {
	var so SetOptions
	if len(opts) > 0 {
		so = opts[0]
	}
	if ttl <= 0 {
		return
	}
	l.setFast(key, value, ttl, so.SourceNode)

	if l.remote == nil {
		return
	}
	env := remoteEnvelope{
		Value:      value,
		ExpiresAt:  time.Now().Add(ttl),
		SourceNode: so.SourceNode,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		l.logger.Warn().Str("key", key).Err(err).Msg("unserializable cache value, fast tier only")
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()
	if err := l.remote.Set(opCtx, key, raw, ttl); err != nil {
		atomic.AddInt64(&l.remoteErrors, 1)
		l.markDegraded(err)
	} else {
		l.degraded.Store(false)
	}
}

// Health probes the remote tier and reports overall state.
func (l *Layer) Health(ctx context.Context) Health {
	l.mu.RLock()
	n := len(l.entries)
	l.mu.RUnlock()

	h := Health{Status: "healthy", FastEntries: n}
	if l.remote == nil {
		h.Status = "degraded"
		return h
	}
	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := l.remote.Ping(probeCtx); err != nil {
		l.markDegraded(err)
		h.Status = "degraded"
		return h
	}
	l.degraded.Store(false)
	h.RemoteConnected = true
	return h
}

// Stats returns hit/miss metrics for the layer.
func (l *Layer) Stats() Stats {
	hits := atomic.LoadInt64(&l.hits)
	misses := atomic.LoadInt64(&l.misses)
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	avgMs := 0.0
	if c := atomic.LoadInt64(&l.respCount); c > 0 {
		avgMs = float64(atomic.LoadInt64(&l.respTimeNs)) / float64(c) / 1e6
	}
	l.mu.RLock()
	n := len(l.entries)
	l.mu.RUnlock()
	return Stats{
		Hits:          hits,
		Misses:        misses,
		HitRate:       hitRate,
		AvgResponseMs: avgMs,
		FastEntries:   n,
		RemoteErrors:  atomic.LoadInt64(&l.remoteErrors),
		Degraded:      l.degraded.Load(),
	}
}

// Fingerprint returns the stable query fingerprint used in cache keys:
// the first 16 hex characters of a SHA-256 digest.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ─── Fast Tier ──────────────────────────────────────────────

func (l *Layer) setFast(key string, value interface{}, ttl time.Duration, sourceNode string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[key]; !exists && len(l.entries) >= l.cfg.FastMaxSize {
		l.evictLocked()
	}
	l.entries[key] = fastEntry{
		value:      value,
		expiresAt:  time.Now().Add(ttl),
		sourceNode: sourceNode,
	}
}

// evictLocked frees at least one slot: every expired entry is dropped;
// when none has expired, the entry closest to expiry goes. Must be
// called with l.mu held.
func (l *Layer) evictLocked() {
	now := time.Now()
	dropped := false
	for k, e := range l.entries {
		if e.expiresAt.Before(now) {
			delete(l.entries, k)
			dropped = true
		}
	}
	if dropped {
		return
	}

	oldestKey := ""
	var oldestExpiry time.Time
	for k, e := range l.entries {
		if oldestKey == "" || e.expiresAt.Before(oldestExpiry) {
			oldestKey = k
			oldestExpiry = e.expiresAt
		}
	}
	if oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}

func (l *Layer) markDegraded(err error) {
	if !l.degraded.Swap(true) {
		l.logger.Warn().Err(err).Msg("remote cache tier unavailable, degrading to fast tier")
	}
}

func (l *Layer) observe(start time.Time) {
	atomic.AddInt64(&l.respTimeNs, time.Since(start).Nanoseconds())
	atomic.AddInt64(&l.respCount, 1)
}

type remoteEnvelope struct {
	Value      interface{} `json:"value"`
	ExpiresAt  time.Time   `json:"expires_at"`
	SourceNode string      `json:"source_node,omitempty"`
}
