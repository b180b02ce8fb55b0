package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CounterReuse(t *testing.T) {
	r := NewRegistry("t_")
	a := r.Counter("hits_total", "hits", `kind="x"`)
	b := r.Counter("hits_total", "hits", `kind="x"`)
	c := r.Counter("hits_total", "hits", `kind="y"`)

	a.Inc()
	b.Add(2)
	c.Inc()

	require.Same(t, a, b, "same name and labels should return the same counter")
	assert.Equal(t, int64(3), a.Value())
	assert.Equal(t, int64(1), c.Value())
}

func TestRegistry_Render(t *testing.T) {
	r := NewRegistry("t_")
	r.Counter("b_total", "b help", `result="ok"`).Inc()
	r.Counter("a_total", "a help", "").Add(5)
	g := r.Gauge("inflight", "in flight", "")
	g.Inc()
	g.Inc()
	g.Dec()
	h := r.Histogram("dur_seconds", "duration", "", []float64{10, 1})
	h.Observe(0.5)
	h.Observe(5)
	h.Observe(50)

	out := r.Render()
	for _, want := range []string{
		"# TYPE t_uptime_seconds gauge\n",
		"# HELP t_a_total a help\n# TYPE t_a_total counter\nt_a_total 5\n",
		`t_b_total{result="ok"} 1` + "\n",
		"t_inflight 1\n",
		`t_dur_seconds_bucket{le="1"} 1` + "\n",
		`t_dur_seconds_bucket{le="10"} 2` + "\n",
		`t_dur_seconds_bucket{le="+Inf"} 3` + "\n",
		"t_dur_seconds_sum 55.5\n",
		"t_dur_seconds_count 3\n",
	} {
		assert.Contains(t, out, want)
	}
	assert.Less(t, strings.Index(out, "t_a_total"), strings.Index(out, "t_b_total"), "counters should be sorted by name")
}

func TestBridge_Handler(t *testing.T) {
	b := NewBridge()
	b.Request("ops_event").Inc()
	b.Delivery("callback", "error").Inc()
	b.EngineLatency.Observe(2)

	rr := httptest.NewRecorder()
	b.Registry().Handler()(rr, httptest.NewRequest("GET", "/metrics", nil))

	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain"))
	body := rr.Body.String()
	for _, want := range []string{
		`geminibridge_requests_total{kind="ops_event"} 1`,
		`geminibridge_deliveries_total{path="callback",result="error"} 1`,
		"geminibridge_engine_duration_seconds_count 1",
		"geminibridge_requests_in_flight 0",
	} {
		assert.Contains(t, body, want)
	}
}
