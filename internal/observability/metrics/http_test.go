package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollectorRendersHTTPAndAgentSeries(t *testing.T) {
	c := NewCollector()
	c.ObserveHTTPRequest("/api/v1/agent/run", "POST", 200, 120*time.Millisecond)
	c.ObserveHTTPRequest("/api/v1/agent/run", "POST", 500, 20*time.Second)
	c.ObserveRun("text", true, 1, 0.3)
	c.ObserveRun("text", false, 3, 40)
	c.ObserveGuardDrops(2)
	c.ObserveGuardDrops(0)
	c.ObserveLoopCap()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`finsight_http_requests_total{handler="/api/v1/agent/run",method="POST",code="200"} 1`,
		`finsight_http_request_errors_total{handler="/api/v1/agent/run",method="POST"} 1`,
		`finsight_http_request_duration_seconds_bucket{handler="/api/v1/agent/run",method="POST",le="0.25"} 1`,
		`finsight_http_request_duration_seconds_bucket{handler="/api/v1/agent/run",method="POST",le="+Inf"} 2`,
		`finsight_agent_runs_total{input_type="text",outcome="failed"} 1`,
		`finsight_agent_runs_total{input_type="text",outcome="ok"} 1`,
		`finsight_agent_tool_loops_bucket{input_type="text",le="1"} 1`,
		`finsight_agent_run_duration_seconds_bucket{input_type="text",le="+Inf"} 2`,
		`finsight_agent_guard_drops_total 2`,
		`finsight_agent_loop_cap_total 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}
