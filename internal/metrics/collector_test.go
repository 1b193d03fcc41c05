package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, c *MetricsCollector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestCounterAndGaugeExposition(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("relay_msgs_total", "Messages relayed", `channel="telegram"`).Add(3)
	c.Gauge("relay_sessions", "Open sessions", "").Set(2)

	body := scrape(t, c)
	for _, want := range []string{
		"# TYPE relay_msgs_total counter",
		`relay_msgs_total{channel="telegram"} 3`,
		"# TYPE relay_sessions gauge",
		"relay_sessions 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q:\n%s", want, body)
		}
	}
}

func TestHistogramBucketExposition(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("relay_wait_seconds", "Wait time", "", []float64{0.5, 1, 5})
	h.Observe(0.3)
	h.Observe(0.7)
	h.Observe(2)

	body := scrape(t, c)
	for _, want := range []string{
		"# TYPE relay_wait_seconds histogram",
		`relay_wait_seconds_bucket{le="0.5"} 1`,
		`relay_wait_seconds_bucket{le="1"} 2`,
		`relay_wait_seconds_bucket{le="5"} 3`,
		`relay_wait_seconds_bucket{le="+Inf"} 3`,
		"relay_wait_seconds_count 3",
		"relay_wait_seconds_sum 3.0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q:\n%s", want, body)
		}
	}
	// The metric name must carry the _bucket suffix, not the label block.
	if strings.Contains(body, "{_bucket") {
		t.Errorf("malformed bucket line in exposition:\n%s", body)
	}
}

func TestHistogramBucketExpositionWithLabels(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("relay_wait_seconds", "Wait time", `channel="slack"`, []float64{1})
	h.Observe(0.5)

	body := scrape(t, c)
	for _, want := range []string{
		`relay_wait_seconds_bucket{channel="slack",le="1"} 1`,
		`relay_wait_seconds_bucket{channel="slack",le="+Inf"} 1`,
		`relay_wait_seconds_count{channel="slack"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q:\n%s", want, body)
		}
	}
}
