/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       In-memory performance tracker: bounded ring of
             metric records fed through an async channel with an
             explicit Start/Stop lifecycle, plus percentile
             summaries and target-compliance reporting.
Root Cause:  Sprint tasks S120-S123 — Performance tracker.
Context:     Every graph execution and provider call reports
             here. Recording must never block the hot path.
Suitability: L3 — concurrent ring buffer with percentiles.
──────────────────────────────────────────────────────────────
*/

package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultCapacity = 10000
	ingestBuffer    = 4096
)

// Record is one completed operation.
type Record struct {
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
	Duration  time.Duration     `json:"duration"`
	Success   bool              `json:"success"`
	Cost      float64           `json:"cost"`
	CacheHit  bool              `json:"cache_hit"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Targets are the performance objectives the summary reports against.
type Targets struct {
	SearchResponseSec float64 `json:"search_response_sec"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	SuccessRate       float64 `json:"success_rate"`
	AvgCost           float64 `json:"avg_cost"`
}

// DefaultTargets returns the production objectives.
func DefaultTargets() Targets {
	return Targets{
		SearchResponseSec: 3.0,
		CacheHitRate:      0.8,
		SuccessRate:       0.95,
		AvgCost:           0.02,
	}
}

// OperationSummary is the per-operation breakdown.
type OperationSummary struct {
	Count       int64   `json:"count"`
	SuccessRate float64 `json:"success_rate"`
	AvgMs       float64 `json:"avg_ms"`
	TotalCost   float64 `json:"total_cost"`
}

// Summary is the rolling report for a time window.
type Summary struct {
	WindowHours float64                     `json:"window_hours"`
	Count       int64                       `json:"count"`
	SuccessRate float64                     `json:"success_rate"`
	HitRate     float64                     `json:"cache_hit_rate"`
	AvgCost     float64                     `json:"avg_cost"`
	P50Ms       float64                     `json:"p50_ms"`
	P90Ms       float64                     `json:"p90_ms"`
	P95Ms       float64                     `json:"p95_ms"`
	P99Ms       float64                     `json:"p99_ms"`
	ByOperation map[string]OperationSummary `json:"breakdown_by_operation"`
	Compliance  map[string]bool             `json:"target_compliance"`
}

// Tracker is the in-memory rolling metrics store.
type Tracker struct {
	logger  zerolog.Logger
	targets Targets

	mu       sync.Mutex
	records  []Record // ring
	next     int
	filled   bool
	capacity int

	active map[string]*pending

	ch      chan Record
	stopped chan struct{}
	started bool
}

type pending struct {
	operation string
	start     time.Time
}

// New creates a tracker with the given capacity (≤ 0 → 10000).
func New(logger zerolog.Logger, capacity int, targets Targets) *Tracker {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Tracker{
		logger:   logger.With().Str("component", "perf-tracker").Logger(),
		targets:  targets,
		records:  make([]Record, capacity),
		capacity: capacity,
		active:   make(map[string]*pending),
		ch:       make(chan Record, ingestBuffer),
		stopped:  make(chan struct{}),
	}
}

// Start launches the ingestion worker. Stop must be called on shutdown.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go func() {
		defer close(t.stopped)
		for {
			select {
			case rec, ok := <-t.ch:
				if !ok {
					return
				}
				t.append(rec)
			case <-ctx.Done():
				// Drain whatever is already queued, then exit.
				for {
					select {
					case rec := <-t.ch:
						t.append(rec)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop flushes queued records and stops the worker.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	t.mu.Unlock()

	close(t.ch)
	<-t.stopped
	t.logger.Info().Msg("performance tracker stopped")
}

// StartOperation opens a tracked operation and returns its request id.
func (t *Tracker) StartOperation(operation string) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.active[id] = &pending{operation: operation, start: time.Now()}
	t.mu.Unlock()
	return id
}

// FinishOperation closes a tracked operation.
func (t *Tracker) FinishOperation(id string, success bool, cost float64, cacheHit bool, metadata map[string]string) {
	t.mu.Lock()
	p, ok := t.active[id]
	if ok {
		delete(t.active, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()
	t.submit(Record{
		Operation: p.operation,
		StartTime: p.start,
		EndTime:   now,
		Duration:  now.Sub(p.start),
		Success:   success,
		Cost:      cost,
		CacheHit:  cacheHit,
		Metadata:  metadata,
	})
}

// Track wraps fn as a scoped tracked operation.
func (t *Tracker) Track(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	id := t.StartOperation(operation)
	err := fn(ctx)
	t.FinishOperation(id, err == nil, 0, false, nil)
	return err
}

// submit enqueues without blocking; when the buffer is full the record
// is written synchronously instead of dropped.
func (t *Tracker) submit(rec Record) {
	select {
	case t.ch <- rec:
	default:
		t.append(rec)
	}
}

func (t *Tracker) append(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[t.next] = rec
	t.next++
	if t.next == t.capacity {
		t.next = 0
		t.filled = true
	}
}

// Summary reports over the trailing window (hours ≤ 0 → 1).
func (t *Tracker) Summary(hours float64) Summary {
	if hours <= 0 {
		hours = 1
	}
	cutoff := time.Now().Add(-time.Duration(hours * float64(time.Hour)))

	t.mu.Lock()
	size := t.next
	if t.filled {
		size = t.capacity
	}
	window := make([]Record, 0, size)
	for i := 0; i < size; i++ {
		if t.records[i].EndTime.After(cutoff) {
			window = append(window, t.records[i])
		}
	}
	t.mu.Unlock()

	s := Summary{
		WindowHours: hours,
		ByOperation: make(map[string]OperationSummary),
		Compliance:  make(map[string]bool),
	}
	if len(window) == 0 {
		s.Compliance = t.compliance(s, 0)
		return s
	}

	durations := make([]float64, 0, len(window))
	var successes, hits int64
	var totalCost float64
	perOp := make(map[string]*OperationSummary)
	perOpSuccess := make(map[string]int64)
	perOpDur := make(map[string]float64)

	var searchDurTotal float64
	var searchCount int64

	for _, r := range window {
		ms := float64(r.Duration.Microseconds()) / 1000
		durations = append(durations, ms)
		if r.Success {
			successes++
		}
		if r.CacheHit {
			hits++
		}
		totalCost += r.Cost

		op := perOp[r.Operation]
		if op == nil {
			op = &OperationSummary{}
			perOp[r.Operation] = op
		}
		op.Count++
		op.TotalCost += r.Cost
		perOpDur[r.Operation] += ms
		if r.Success {
			perOpSuccess[r.Operation]++
		}
		if r.Operation == "search" {
			searchDurTotal += ms
			searchCount++
		}
	}

	sort.Float64s(durations)
	n := float64(len(window))
	s.Count = int64(len(window))
	s.SuccessRate = float64(successes) / n
	s.HitRate = float64(hits) / n
	s.AvgCost = totalCost / n
	s.P50Ms = percentile(durations, 0.50)
	s.P90Ms = percentile(durations, 0.90)
	s.P95Ms = percentile(durations, 0.95)
	s.P99Ms = percentile(durations, 0.99)

	for opName, op := range perOp {
		op.SuccessRate = float64(perOpSuccess[opName]) / float64(op.Count)
		op.AvgMs = perOpDur[opName] / float64(op.Count)
		s.ByOperation[opName] = *op
	}

	avgSearchSec := 0.0
	if searchCount > 0 {
		avgSearchSec = searchDurTotal / float64(searchCount) / 1000
	}
	s.Compliance = t.compliance(s, avgSearchSec)
	return s
}

func (t *Tracker) compliance(s Summary, avgSearchSec float64) map[string]bool {
	return map[string]bool{
		"search_response_time": avgSearchSec <= t.targets.SearchResponseSec,
		"cache_hit_rate":       s.HitRate >= t.targets.CacheHitRate || s.Count == 0,
		"success_rate":         s.SuccessRate >= t.targets.SuccessRate || s.Count == 0,
		"avg_cost":             s.AvgCost <= t.targets.AvgCost,
	}
}

// percentile reads the p-quantile from a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
