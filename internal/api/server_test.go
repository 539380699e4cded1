package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"FinSight-Agent/internal/agent"
	"FinSight-Agent/internal/auth"
	"FinSight-Agent/internal/observability/metrics"
	"FinSight-Agent/internal/rules"
	"FinSight-Agent/internal/session"
	"FinSight-Agent/internal/tools"
)

type stubRunner struct {
	got  agent.Request
	resp *agent.Response
}

func (s *stubRunner) Run(_ context.Context, req agent.Request) *agent.Response {
	s.got = req
	return s.resp
}

type stubIngestor struct {
	saved []tools.LineMessage
}

func (s *stubIngestor) SaveLineMessages(_ context.Context, msgs []tools.LineMessage) (int, error) {
	s.saved = append(s.saved, msgs...)
	return len(msgs), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, runner Runner, opts ...Option) (*httptest.Server, *metrics.Collector) {
	t.Helper()
	collector := metrics.NewCollector()
	opts = append([]Option{WithLogger(quietLogger()), WithMetrics(collector)}, opts...)
	srv := httptest.NewServer(NewServer(":0", runner, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, collector
}

func TestRunEndpointPassesRequest(t *testing.T) {
	runner := &stubRunner{resp: &agent.Response{OK: true, Response: "AAPL 目前 190", InputType: "text", ToolResults: []agent.ToolResultView{}}}
	srv, _ := newTestServer(t, runner)

	res, err := http.Post(srv.URL+"/api/v1/agent/run", "application/json",
		strings.NewReader(`{"input_type":"text","query":"AAPL 股價","session_id":"s1"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", res.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true || body["response"] != "AAPL 目前 190" {
		t.Fatalf("unexpected body: %v", body)
	}
	if runner.got.Query != "AAPL 股價" || runner.got.SessionID != "s1" || runner.got.InputType != agent.InputText {
		t.Fatalf("request not forwarded: %+v", runner.got)
	}
}

func TestRunEndpointRejectsBadJSON(t *testing.T) {
	srv, collector := newTestServer(t, &stubRunner{})
	res, err := http.Post(srv.URL+"/api/v1/agent/run", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `code="400"`) {
		t.Fatalf("request not recorded: %s", rec.Body.String())
	}
}

func TestRunEndpointFailureStatus(t *testing.T) {
	runner := &stubRunner{resp: &agent.Response{OK: false, Error: "boom", InputType: "text"}}
	srv, _ := newTestServer(t, runner)
	res, err := http.Post(srv.URL+"/api/v1/agent/run", "application/json", strings.NewReader(`{"query":"x"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.StatusCode)
	}
	var body map[string]any
	_ = json.NewDecoder(res.Body).Decode(&body)
	if body["error"] != "boom" || body["ok"] != false {
		t.Fatalf("unexpected failure body: %v", body)
	}
}

func TestSessionEndpoints(t *testing.T) {
	store := session.NewMemoryStore()
	now := time.Now()
	_ = store.SaveSummary(context.Background(), session.Summary{SessionID: "s1", Summary: "對話輪數: 1 輪", MessageCount: 1, UpdatedAt: now})
	svc := session.NewService(store, session.NewMemoryQueue(1), session.WithServiceLogger(quietLogger()))
	srv, _ := newTestServer(t, &stubRunner{}, WithSessions(svc))

	res, err := http.Get(srv.URL + "/api/v1/sessions/s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}

	res, err = http.Get(srv.URL + "/api/v1/sessions/unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}

	res, err = http.Get(srv.URL + "/api/v1/sessions?limit=5")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer res.Body.Close()
	var body struct {
		Sessions []session.Summary `json:"sessions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].SessionID != "s1" {
		t.Fatalf("unexpected list: %+v", body.Sessions)
	}

	res, err = http.Get(srv.URL + "/api/v1/sessions?limit=abc")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", res.StatusCode)
	}
}

func TestRulesEndpoint(t *testing.T) {
	svc, err := rules.NewService(nil)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	srv, _ := newTestServer(t, &stubRunner{}, WithRules(svc))
	res, err := http.Get(srv.URL + "/api/v1/rules")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	var body struct {
		Rules []ruleView `json:"rules"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, r := range body.Rules {
		if r.ID == "no_fabrication" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no_fabrication missing: %+v", body.Rules)
	}
}

func TestLineWebhookStoresMessageEvents(t *testing.T) {
	ingestor := &stubIngestor{}
	srv, _ := newTestServer(t, &stubRunner{}, WithLineIngestor(ingestor))
	payload := `{"events":[
		{"type":"message","timestamp":1725184800000,"source":{"type":"group","userId":"U1","groupId":"G1"},"message":{"id":"m1","type":"text","text":"TSLA 怎麼看"}},
		{"type":"follow","timestamp":1725184800000,"source":{"type":"user","userId":"U2"}}
	]}`
	res, err := http.Post(srv.URL+"/api/v1/line/webhook", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if len(ingestor.saved) != 1 {
		t.Fatalf("expected one stored message, got %+v", ingestor.saved)
	}
	msg := ingestor.saved[0]
	if msg.ID != "m1" || msg.ChatID != "G1" || msg.UserID != "U1" || msg.Timestamp.UnixMilli() != 1725184800000 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestAuthProtectsAPIButNotHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{}, WithAuth(auth.NewService([]string{"k1"}, quietLogger())))

	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}

	res, err = http.Post(srv.URL+"/api/v1/agent/run", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}
