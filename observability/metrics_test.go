package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func testMetrics() *Metrics {
	return NewMetrics(zerolog.New(io.Discard))
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	m.Handler()(rw, req)
	return rw.Body.String()
}

func TestCounterAccumulates(t *testing.T) {
	m := testMetrics()
	labels := map[string]string{"endpoint": "chat"}
	m.Count("sage_requests_total", labels, 1)
	m.Count("sage_requests_total", labels, 1)
	m.Count("sage_requests_total", labels, -5) // negative deltas are dropped

	out := scrape(t, m)
	if !strings.Contains(out, "# TYPE sage_requests_total counter") {
		t.Fatalf("missing type line:\n%s", out)
	}
	if !strings.Contains(out, `sage_requests_total{endpoint="chat"} 2`) {
		t.Fatalf("counter value wrong:\n%s", out)
	}
}

func TestGaugeOverwrites(t *testing.T) {
	m := testMetrics()
	m.Level("sage_provider_up", map[string]string{"provider": "brave_search"}, 1)
	m.Level("sage_provider_up", map[string]string{"provider": "brave_search"}, 0)

	out := scrape(t, m)
	if !strings.Contains(out, `sage_provider_up{provider="brave_search"} 0`) {
		t.Fatalf("gauge not overwritten:\n%s", out)
	}
}

func TestHistogramCumulativeBuckets(t *testing.T) {
	m := testMetrics()
	for _, v := range []float64{3, 30, 300} {
		m.Observe("sage_request_duration_ms", nil, v)
	}

	out := scrape(t, m)
	// 3 ≤ 5; 3 and 30 ≤ 50; all three ≤ 500; +Inf carries the count.
	for _, line := range []string{
		`sage_request_duration_ms_bucket{le="5"} 1`,
		`sage_request_duration_ms_bucket{le="50"} 2`,
		`sage_request_duration_ms_bucket{le="500"} 3`,
		`sage_request_duration_ms_bucket{le="+Inf"} 3`,
		`sage_request_duration_ms_sum 333`,
		`sage_request_duration_ms_count 3`,
	} {
		if !strings.Contains(out, line) {
			t.Fatalf("missing %q in:\n%s", line, out)
		}
	}
}

func TestLabelsRenderSorted(t *testing.T) {
	m := testMetrics()
	m.Count("sage_requests_total", map[string]string{"status": "success", "arm": "fast_chat"}, 1)

	out := scrape(t, m)
	if !strings.Contains(out, `sage_requests_total{arm="fast_chat",status="success"} 1`) {
		t.Fatalf("labels not sorted canonically:\n%s", out)
	}
}

func TestTrackRequestHelper(t *testing.T) {
	m := testMetrics()
	m.TrackRequest("chat", "fast_chat", "success", 42, 0.004, true)

	out := scrape(t, m)
	if !strings.Contains(out, "sage_requests_total{") {
		t.Fatalf("request counter missing:\n%s", out)
	}
	if !strings.Contains(out, `sage_cache_hits_total{endpoint="chat"} 1`) {
		t.Fatalf("cache hit counter missing:\n%s", out)
	}
	if !strings.Contains(out, "sage_request_duration_ms_bucket") {
		t.Fatalf("latency histogram missing:\n%s", out)
	}
}

func TestConcurrentWrites(t *testing.T) {
	m := testMetrics()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Count("sage_requests_total", nil, 1)
				m.Observe("sage_request_duration_ms", nil, float64(i))
			}
		}()
	}
	wg.Wait()

	out := scrape(t, m)
	if !strings.Contains(out, "sage_requests_total 800") {
		t.Fatalf("lost counter increments:\n%s", out)
	}
	if !strings.Contains(out, `sage_request_duration_ms_bucket{le="+Inf"} 800`) {
		t.Fatalf("lost observations:\n%s", out)
	}
}
