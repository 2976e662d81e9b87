package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"audit-core/internal/engine"
	"audit-core/internal/events"
	"audit-core/internal/explain"
	"audit-core/internal/monitor"
	"audit-core/internal/persistence"
	"audit-core/internal/risk"
)

type testServer struct {
	http         *httptest.Server
	orchestrator *engine.Orchestrator
	metrics      *monitor.SystemMetrics
}

func newTestAPIServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	storeCfg := persistence.DefaultConfig()
	storeCfg.Dir = filepath.Join(dir, "journal")
	storeCfg.DBPath = filepath.Join(dir, "index.db")
	storeCfg.BatchInterval = 10 * time.Millisecond

	bus := events.NewBus()
	health := monitor.NewHealth(bus)
	store, err := persistence.Open(storeCfg, persistence.WithFaultReporter(health))
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}

	re, err := risk.NewEngine(risk.DefaultConfig())
	if err != nil {
		t.Fatalf("risk.NewEngine: %v", err)
	}
	gen, err := explain.NewGenerator(explain.DefaultConfig())
	if err != nil {
		t.Fatalf("explain.NewGenerator: %v", err)
	}
	metrics := monitor.NewSystemMetrics()
	orch, err := engine.NewOrchestrator(engine.Config{
		Risk:    re,
		Explain: gen,
		Store:   store,
		Health:  health,
		Metrics: metrics,
		Bus:     bus,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	server := NewServer(bus, orch, metrics, SystemMeta{Version: "test", TieBreak: "declaration"}, opts)
	httpServer := httptest.NewServer(server.Router)
	t.Cleanup(func() {
		httpServer.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	})
	return &testServer{http: httpServer, orchestrator: orch, metrics: metrics}
}

func doJSONRequest(t *testing.T, client *http.Client, method, url string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if s, ok := payload.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

type decisionResponse struct {
	CorrelationID string                 `json:"correlation_id"`
	Approved      bool                   `json:"approved"`
	Verdict       *events.Verdict        `json:"verdict"`
	Explanation   *events.ExplainCreated `json:"explanation"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func decisionBody(leverage float64, direction string) map[string]any {
	return map[string]any{
		"signal": map[string]any{
			"symbol":        "BTCUSDT",
			"strategy_name": "ema_cross",
			"direction":     direction,
			"indicators":    map[string]float64{"ema_5": 105, "ema_20": 100, "atr": 2, "atr_prev": 1.5, "price": 105},
		},
		"risk_state": map[string]any{
			"leverage":                    leverage,
			"distance_to_liquidation_pct": 40,
			"daily_loss_pct":              1,
			"consecutive_losses":          0,
			"proposed_slippage_bps":       2,
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestAPIServer(t, Options{})

	var resp struct {
		Status        string `json:"status"`
		AuditDegraded bool   `json:"audit_degraded"`
		Version       string `json:"version"`
	}
	status := doJSONRequest(t, ts.http.Client(), http.MethodGet, ts.http.URL+"/health", nil, &resp)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if resp.Status != "ok" || resp.AuditDegraded || resp.Version != "test" {
		t.Fatalf("unexpected health: %+v", resp)
	}
}

func TestDecideEndpoint(t *testing.T) {
	ts := newTestAPIServer(t, Options{})
	client := ts.http.Client()

	tests := []struct {
		name     string
		body     map[string]any
		approved bool
		wantRule string
	}{
		{"approved with lower-case direction", decisionBody(1.5, "buy"), true, ""},
		{"leverage breach", decisionBody(3.0, "BUY"), false, risk.RuleLeverageCap},
		{"malformed direction is an audited rejection", decisionBody(1.5, "sideways"), false, risk.RuleSignalValidation},
		{"missing direction is an audited rejection", decisionBody(1.5, ""), false, risk.RuleSignalValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d decisionResponse
			status := doJSONRequest(t, client, http.MethodPost, ts.http.URL+"/api/decisions", tt.body, &d)
			if status != http.StatusOK {
				t.Fatalf("expected 200, got %d", status)
			}
			if d.CorrelationID == "" {
				t.Fatalf("missing correlation id")
			}
			if d.Approved != tt.approved {
				t.Fatalf("approved = %v, want %v", d.Approved, tt.approved)
			}
			if tt.approved {
				if d.Explanation == nil || d.Explanation.Text == "" {
					t.Fatalf("approved decision without explanation")
				}
				if d.Verdict != nil {
					t.Fatalf("approved decision carries verdict %+v", d.Verdict)
				}
			} else {
				if d.Verdict == nil || d.Verdict.RuleID != tt.wantRule {
					t.Fatalf("verdict = %+v, want rule %s", d.Verdict, tt.wantRule)
				}
			}
		})
	}
}

func TestDecideWithExternalVerdict(t *testing.T) {
	ts := newTestAPIServer(t, Options{})

	body := decisionBody(1.5, "BUY")
	body["external_verdict"] = map[string]any{
		"rule_id":  "desk_limit",
		"severity": "BLOCK",
		"message":  "desk exposure limit",
	}
	var d decisionResponse
	status := doJSONRequest(t, ts.http.Client(), http.MethodPost, ts.http.URL+"/api/decisions", body, &d)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if d.Approved {
		t.Fatalf("external BLOCK should reject")
	}
	if d.Verdict == nil || d.Verdict.RuleID != "external:desk_limit" {
		t.Fatalf("verdict = %+v", d.Verdict)
	}
}

func TestDecidePassedBlockVerdictRejects(t *testing.T) {
	ts := newTestAPIServer(t, Options{})

	body := decisionBody(1.5, "BUY")
	body["risk_state"].(map[string]any)["proposed_slippage_bps"] = 9
	body["external_verdict"] = map[string]any{
		"rule_id":  "desk_limit",
		"passed":   true,
		"severity": "BLOCK",
	}
	var d decisionResponse
	status := doJSONRequest(t, ts.http.Client(), http.MethodPost, ts.http.URL+"/api/decisions", body, &d)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if d.Approved || d.Verdict == nil || d.Verdict.RuleID != "external:desk_limit" {
		t.Fatalf("approved=%v verdict=%+v", d.Approved, d.Verdict)
	}
}

func TestDecideRejectsOversizedBody(t *testing.T) {
	ts := newTestAPIServer(t, Options{MaxBodyBytes: 1024})

	body := decisionBody(1.5, "BUY")
	body["signal"].(map[string]any)["strategy_name"] = strings.Repeat("x", 4096)
	var resp errorResponse
	status := doJSONRequest(t, ts.http.Client(), http.MethodPost, ts.http.URL+"/api/decisions", body, &resp)
	if status != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", status)
	}
	if resp.Code != "PAYLOAD_TOO_LARGE" {
		t.Fatalf("expected code PAYLOAD_TOO_LARGE, got %s", resp.Code)
	}

	var d decisionResponse
	if status := doJSONRequest(t, ts.http.Client(), http.MethodPost, ts.http.URL+"/api/decisions", decisionBody(1.5, "BUY"), &d); status != http.StatusOK || !d.Approved {
		t.Fatalf("small body: status=%d approved=%v", status, d.Approved)
	}
}

func TestDecideRejectsUndecodableBody(t *testing.T) {
	ts := newTestAPIServer(t, Options{})

	var resp errorResponse
	status := doJSONRequest(t, ts.http.Client(), http.MethodPost, ts.http.URL+"/api/decisions", "{not json", &resp)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if resp.Code != "INVALID_REQUEST" {
		t.Fatalf("expected code INVALID_REQUEST, got %s", resp.Code)
	}
}

func TestOrderOutcomeEndpoint(t *testing.T) {
	ts := newTestAPIServer(t, Options{})
	client := ts.http.Client()

	var d decisionResponse
	if status := doJSONRequest(t, client, http.MethodPost, ts.http.URL+"/api/decisions", decisionBody(1.5, "BUY"), &d); status != http.StatusOK {
		t.Fatalf("decide status %d", status)
	}

	tests := []struct {
		name     string
		body     map[string]any
		status   int
		wantCode string
	}{
		{"filled", map[string]any{"correlation_id": d.CorrelationID, "status": "filled", "order_id": "o-1", "price": "105.25", "qty": "0.5"}, http.StatusAccepted, ""},
		{"unknown correlation", map[string]any{"correlation_id": "nope", "status": "FILLED", "order_id": "o-2", "price": "1", "qty": "1"}, http.StatusNotFound, "UNKNOWN_CORRELATION"},
		{"bad status", map[string]any{"correlation_id": d.CorrelationID, "status": "LOST", "order_id": "o-3", "price": "1", "qty": "1"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"negative qty", map[string]any{"correlation_id": d.CorrelationID, "status": "FILLED", "order_id": "o-4", "price": "1", "qty": "-1"}, http.StatusBadRequest, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp errorResponse
			status := doJSONRequest(t, client, http.MethodPost, ts.http.URL+"/api/orders/outcome", tt.body, &resp)
			if status != tt.status {
				t.Fatalf("expected %d, got %d (%+v)", tt.status, status, resp)
			}
			if tt.wantCode != "" && resp.Code != tt.wantCode {
				t.Fatalf("expected code %s, got %s", tt.wantCode, resp.Code)
			}
		})
	}
}

func TestTrailAndReportEndpoints(t *testing.T) {
	ts := newTestAPIServer(t, Options{})
	client := ts.http.Client()

	var d decisionResponse
	if status := doJSONRequest(t, client, http.MethodPost, ts.http.URL+"/api/decisions", decisionBody(1.5, "BUY"), &d); status != http.StatusOK {
		t.Fatalf("decide status %d", status)
	}
	if err := ts.orchestrator.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var trail trailResponse
	if status := doJSONRequest(t, client, http.MethodGet, ts.http.URL+"/api/trail/"+d.CorrelationID, nil, &trail); status != http.StatusOK {
		t.Fatalf("trail status %d", status)
	}
	if len(trail.Events) != 4 {
		t.Fatalf("expected 4 trail events, got %d", len(trail.Events))
	}
	want := []events.Type{events.TypeSignalGenerated, events.TypeRiskChecked, events.TypeExplainCreated, events.TypeDecision}
	for i, ev := range trail.Events {
		if ev.Seq != i+1 || ev.Type != want[i] {
			t.Fatalf("event %d = seq %d type %s", i, ev.Seq, ev.Type)
		}
	}

	var missing errorResponse
	if status := doJSONRequest(t, client, http.MethodGet, ts.http.URL+"/api/trail/unknown-id", nil, &missing); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown trail, got %d", status)
	}

	var report persistence.DailyReport
	today := time.Now().UTC().Format(events.DayLayout)
	if status := doJSONRequest(t, client, http.MethodGet, ts.http.URL+"/api/reports/"+today, nil, &report); status != http.StatusOK {
		t.Fatalf("report status %d", status)
	}
	if report.Signals != 1 || report.Approvals != 1 || report.TotalEvents != 4 {
		t.Fatalf("unexpected report: %+v", report)
	}

	var bad errorResponse
	if status := doJSONRequest(t, client, http.MethodGet, ts.http.URL+"/api/reports/yesterday", nil, &bad); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", status)
	}
	if bad.Code != "INVALID_DATE" {
		t.Fatalf("expected INVALID_DATE, got %s", bad.Code)
	}
}

func TestMetricsCountRequests(t *testing.T) {
	ts := newTestAPIServer(t, Options{})
	client := ts.http.Client()

	doJSONRequest(t, client, http.MethodGet, ts.http.URL+"/health", nil, nil)
	doJSONRequest(t, client, http.MethodPost, ts.http.URL+"/api/decisions", decisionBody(1.5, "BUY"), nil)

	var snap monitor.MetricsSnapshot
	if status := doJSONRequest(t, client, http.MethodGet, ts.http.URL+"/api/metrics", nil, &snap); status != http.StatusOK {
		t.Fatalf("metrics status %d", status)
	}
	// The metrics request itself is counted after its handler ran.
	if snap.RequestsServed < 1 {
		t.Fatalf("requests served = %d", snap.RequestsServed)
	}
	if snap.RequestLatency.Count < 1 {
		t.Fatalf("request latency samples = %d", snap.RequestLatency.Count)
	}
	if snap.Decisions != 1 || snap.Approvals != 1 {
		t.Fatalf("decisions = %d approvals = %d", snap.Decisions, snap.Approvals)
	}
}

func TestRateLimitPerIP(t *testing.T) {
	ts := newTestAPIServer(t, Options{RateLimit: RateLimit{PerSecond: 0.001, Burst: 1}})
	client := ts.http.Client()

	if status := doJSONRequest(t, client, http.MethodGet, ts.http.URL+"/health", nil, nil); status != http.StatusOK {
		t.Fatalf("first request status %d", status)
	}
	var resp errorResponse
	if status := doJSONRequest(t, client, http.MethodGet, ts.http.URL+"/health", nil, &resp); status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", status)
	}
	if resp.Code != "RATE_LIMITED" {
		t.Fatalf("expected RATE_LIMITED, got %s", resp.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestAPIServer(t, Options{})

	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/health", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Request-ID", "abc")
	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "abc" {
		t.Fatalf("X-Request-ID = %q", got)
	}
}

func TestWebsocketStreamsDecisions(t *testing.T) {
	ts := newTestAPIServer(t, Options{})

	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Keep deciding until the subscription is live and a frame arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				body, _ := json.Marshal(decisionBody(1.5, "BUY"))
				resp, err := http.Post(ts.http.URL+"/api/decisions", "application/json", bytes.NewReader(body))
				if err == nil {
					resp.Body.Close()
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Topic events.Topic     `json:"topic"`
		Data  decisionResponse `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Topic != events.TopicDecision {
		t.Fatalf("topic = %s", msg.Topic)
	}
	if msg.Data.CorrelationID == "" || !msg.Data.Approved {
		t.Fatalf("unexpected decision frame: %+v", msg.Data)
	}
}
