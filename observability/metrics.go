/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Prometheus text-format metrics endpoint for the
             gateway: request counters, latency histograms,
             routing arm counters, cache and provider gauges.
             One flat series table under a single mutex;
             histograms keep cumulative bucket counts so the
             exposition pass is a straight read.
Root Cause:  Sprint task S150 — /metrics endpoint.
Context:     Enables dashboards and alerting without pulling a
             metrics SDK into the hot path.
Suitability: L2 — standard exposition format.
──────────────────────────────────────────────────────────────
*/

package observability

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// seriesKind discriminates what a series stores.
type seriesKind uint8

const (
	kindCounter seriesKind = iota
	kindGauge
	kindHistogram
)

func (k seriesKind) String() string {
	switch k {
	case kindGauge:
		return "gauge"
	case kindHistogram:
		return "histogram"
	default:
		return "counter"
	}
}

// latencyBucketsMs are the upper bounds every histogram series uses.
// The gateway only ever observes millisecond latencies.
var latencyBucketsMs = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// series is one (name, label set) time series. Counter and gauge
// series use value; histogram series use buckets/sum/count, with
// buckets stored cumulatively (buckets[i] counts observations ≤ bound
// i, and the implicit +Inf bucket equals count).
type series struct {
	kind    seriesKind
	value   float64
	buckets []uint64
	sum     float64
	count   uint64
}

// Metrics is the gateway's metrics table. All series live in one map
// keyed by metric name then rendered label string; a single mutex
// guards both mutation and exposition, with critical sections kept to
// a map lookup plus a few additions.
type Metrics struct {
	mu     sync.Mutex
	logger zerolog.Logger
	table  map[string]map[string]*series
}

// NewMetrics creates an empty metrics table.
func NewMetrics(logger zerolog.Logger) *Metrics {
	return &Metrics{
		logger: logger.With().Str("component", "metrics").Logger(),
		table:  make(map[string]map[string]*series),
	}
}

// Count adds delta to a counter series.
func (m *Metrics) Count(name string, labels map[string]string, delta float64) {
	if delta < 0 {
		return
	}
	m.mu.Lock()
	m.seriesLocked(name, labels, kindCounter).value += delta
	m.mu.Unlock()
}

// Level sets a gauge series to v.
func (m *Metrics) Level(name string, labels map[string]string, v float64) {
	m.mu.Lock()
	m.seriesLocked(name, labels, kindGauge).value = v
	m.mu.Unlock()
}

// Observe records one value into a histogram series.
func (m *Metrics) Observe(name string, labels map[string]string, v float64) {
	m.mu.Lock()
	s := m.seriesLocked(name, labels, kindHistogram)
	for i, bound := range latencyBucketsMs {
		if v <= bound {
			s.buckets[i]++
		}
	}
	s.sum += v
	s.count++
	m.mu.Unlock()
}

// seriesLocked finds or creates a series. Must hold m.mu. The kind is
// fixed when a (name, label set) series is first created; an existing
// series is returned as is, whatever kind is asked for, so each metric
// name is written with a single kind.
func (m *Metrics) seriesLocked(name string, labels map[string]string, k seriesKind) *series {
	byLabel := m.table[name]
	if byLabel == nil {
		byLabel = make(map[string]*series)
		m.table[name] = byLabel
	}
	ls := renderLabels(labels)
	s := byLabel[ls]
	if s == nil {
		s = &series{kind: k}
		if k == kindHistogram {
			s.buckets = make([]uint64, len(latencyBucketsMs))
		}
		byLabel[ls] = s
	}
	return s
}

// renderLabels produces the canonical `k="v",…` fragment, keys sorted.
func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	return b.String()
}

// braced wraps a label fragment for exposition; extra is appended (for
// the histogram le label) and may stand alone.
func braced(ls, extra string) string {
	switch {
	case ls == "" && extra == "":
		return ""
	case ls == "":
		return "{" + extra + "}"
	case extra == "":
		return "{" + ls + "}"
	default:
		return "{" + ls + "," + extra + "}"
	}
}

// ─── Pre-defined Metric Helpers ─────────────────────────────

// TrackRequest records a completed gateway request.
func (m *Metrics) TrackRequest(endpoint, arm, status string, latencyMs, cost float64, cached bool) {
	labels := map[string]string{
		"endpoint": endpoint,
		"arm":      arm,
		"status":   status,
	}
	m.Count("sage_requests_total", labels, 1)
	m.Observe("sage_request_duration_ms", labels, latencyMs)
	if cached {
		m.Count("sage_cache_hits_total", map[string]string{"endpoint": endpoint}, 1)
	}
	if cost > 0 {
		m.Level("sage_last_request_cost", labels, cost)
	}
}

// TrackProviderUp records a provider's availability as a 0/1 gauge.
func (m *Metrics) TrackProviderUp(provider string, up bool) {
	state := 0.0
	if up {
		state = 1.0
	}
	m.Level("sage_provider_up", map[string]string{"provider": provider}, state)
}

// TrackBudgetRefusal counts requests refused by the cost optimizer.
func (m *Metrics) TrackBudgetRefusal(tier string) {
	m.Count("sage_budget_refusals_total", map[string]string{"tier": tier}, 1)
}

// ─── Prometheus Exposition Format ───────────────────────────

// Handler serves /metrics in Prometheus text exposition format.
// Series are rendered name-sorted, label-sorted, directly to the
// response writer.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprintf(w, "# Sage Gateway Metrics - %s\n\n", time.Now().UTC().Format(time.RFC3339))

		m.mu.Lock()
		defer m.mu.Unlock()

		names := make([]string, 0, len(m.table))
		for name := range m.table {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			byLabel := m.table[name]

			labelSets := make([]string, 0, len(byLabel))
			for ls := range byLabel {
				labelSets = append(labelSets, ls)
			}
			sort.Strings(labelSets)

			fmt.Fprintf(w, "# TYPE %s %s\n", name, byLabel[labelSets[0]].kind)

			for _, ls := range labelSets {
				s := byLabel[ls]
				switch s.kind {
				case kindHistogram:
					for i, bound := range latencyBucketsMs {
						fmt.Fprintf(w, "%s_bucket%s %d\n", name, braced(ls, fmt.Sprintf(`le="%g"`, bound)), s.buckets[i])
					}
					fmt.Fprintf(w, "%s_bucket%s %d\n", name, braced(ls, `le="+Inf"`), s.count)
					fmt.Fprintf(w, "%s_sum%s %g\n", name, braced(ls, ""), s.sum)
					fmt.Fprintf(w, "%s_count%s %d\n", name, braced(ls, ""), s.count)
				default:
					fmt.Fprintf(w, "%s%s %g\n", name, braced(ls, ""), s.value)
				}
			}
			fmt.Fprint(w, "\n")
		}
	}
}
