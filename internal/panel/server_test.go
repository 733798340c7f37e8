package panel

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fetchlens/fetchlens/internal/config"
	"github.com/fetchlens/fetchlens/internal/filter"
	"github.com/fetchlens/fetchlens/internal/render"
	"github.com/fetchlens/fetchlens/internal/trace"
)

func newTestServer(t *testing.T, cfg config.ServerConfig) (*Server, *httptest.Server, *trace.Store) {
	t.Helper()

	store := trace.New(trace.Options{DedupWindow: time.Nanosecond}, slog.Default())
	engine, err := filter.NewEngine(slog.Default())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	s := NewServer(cfg, store, render.NewScheduler(10*time.Millisecond), engine, nil, slog.Default())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown(t.Context())
	})
	return s, ts, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestIngestFlow(t *testing.T) {
	_, ts, store := newTestServer(t, config.ServerConfig{})

	resp := postJSON(t, ts.URL+"/v1/operations/start", map[string]any{
		"kind":          "read",
		"method":        "GET",
		"query_key":     "users:list",
		"tags":          []string{"users"},
		"resolved_path": "/users",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	var started struct {
		ID string `json:"trace_id"`
	}
	decodeBody(t, resp, &started)
	if started.ID == "" {
		t.Fatal("start returned empty id")
	}

	resp = postJSON(t, ts.URL+"/v1/operations/"+started.ID+"/steps", map[string]any{
		"plugin": "cache",
		"stage":  "log",
		"reason": "cache miss",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("step status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/operations/"+started.ID+"/end", map[string]any{
		"status": 200,
		"data":   map[string]any{"count": 3},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	tr := store.GetTrace(started.ID)
	if tr == nil {
		t.Fatal("trace not found after end")
	}
	if tr.Active() {
		t.Error("trace still active after end")
	}
	if len(tr.Steps) != 1 || tr.Steps[0].Reason != "cache miss" {
		t.Errorf("steps = %+v", tr.Steps)
	}
	if tr.Response == nil || tr.Response.Status != 200 {
		t.Errorf("response = %+v", tr.Response)
	}
}

func TestIngestStart_RejectsUnknownKind(t *testing.T) {
	_, ts, _ := newTestServer(t, config.ServerConfig{})

	resp := postJSON(t, ts.URL+"/v1/operations/start", map[string]any{
		"kind":      "mutation",
		"query_key": "x",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestIngestEnd_SyntheticDiscards(t *testing.T) {
	_, ts, store := newTestServer(t, config.ServerConfig{})

	resp := postJSON(t, ts.URL+"/v1/operations/start", map[string]any{
		"kind": "write", "method": "POST", "query_key": "orders:create",
	})
	var started struct {
		ID string `json:"trace_id"`
	}
	decodeBody(t, resp, &started)

	resp = postJSON(t, ts.URL+"/v1/operations/"+started.ID+"/end", map[string]any{
		"synthetic": true,
	})
	resp.Body.Close()

	if got := len(store.GetTraces()); got != 0 {
		t.Fatalf("traces after synthetic end = %d, want 0", got)
	}
}

func TestIngestStep_UnknownTrace404(t *testing.T) {
	_, ts, _ := newTestServer(t, config.ServerConfig{})

	resp := postJSON(t, ts.URL+"/v1/operations/nope/steps", map[string]any{
		"plugin": "cache", "stage": "log",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListTraces_QueryAndExpr(t *testing.T) {
	_, ts, store := newTestServer(t, config.ServerConfig{})

	store.StartTrace(trace.RequestContext{Kind: trace.KindRead, Method: "GET", QueryKey: "users:list"}, "/users")
	time.Sleep(2 * time.Millisecond)
	store.StartTrace(trace.RequestContext{Kind: trace.KindWrite, Method: "POST", QueryKey: "orders:create"}, "/orders")

	var listing struct {
		Traces []json.RawMessage `json:"traces"`
		Total  int               `json:"total"`
	}

	resp, err := http.Get(ts.URL + "/api/traces?q=users")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	decodeBody(t, resp, &listing)
	if listing.Total != 1 {
		t.Errorf("q=users total = %d, want 1", listing.Total)
	}

	resp, err = http.Get(ts.URL + "/api/traces?kind=write")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	decodeBody(t, resp, &listing)
	if listing.Total != 1 {
		t.Errorf("kind=write total = %d, want 1", listing.Total)
	}

	resp, err = http.Get(ts.URL + "/api/traces?expr=" + strings.ReplaceAll(`trace.method == "POST"`, " ", "%20"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	decodeBody(t, resp, &listing)
	if listing.Total != 1 {
		t.Errorf("expr total = %d, want 1", listing.Total)
	}

	resp, err = http.Get(ts.URL + "/api/traces?expr=trace.method")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-bool expr status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/traces?kind=bogus")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad kind status = %d, want 400", resp.StatusCode)
	}
}

func TestGetTrace_NotFound(t *testing.T) {
	_, ts, _ := newTestServer(t, config.ServerConfig{})

	resp, err := http.Get(ts.URL + "/api/traces/does-not-exist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFilters_PutThenGet(t *testing.T) {
	_, ts, store := newTestServer(t, config.ServerConfig{})

	body, _ := json.Marshal(trace.Filters{
		Kinds:       []trace.OperationKind{trace.KindWrite},
		ShowSkipped: false,
	})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/filters", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}

	got := store.Filters()
	if len(got.Kinds) != 1 || got.Kinds[0] != trace.KindWrite || got.ShowSkipped {
		t.Errorf("filters = %+v", got)
	}

	resp, err = http.Get(ts.URL + "/api/filters")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var fetched trace.Filters
	decodeBody(t, resp, &fetched)
	if len(fetched.Kinds) != 1 || fetched.Kinds[0] != trace.KindWrite {
		t.Errorf("fetched filters = %+v", fetched)
	}
}

func TestFilters_RejectsUnknownKind(t *testing.T) {
	_, ts, _ := newTestServer(t, config.ServerConfig{})

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/filters",
		strings.NewReader(`{"kinds":["mutation"]}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestClear(t *testing.T) {
	_, ts, store := newTestServer(t, config.ServerConfig{})

	store.StartTrace(trace.RequestContext{Kind: trace.KindRead, QueryKey: "a"}, "/a")
	store.AddEvent(trace.StandaloneEvent{Plugin: "p", Message: "m"})

	resp := postJSON(t, ts.URL+"/api/clear", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear status = %d", resp.StatusCode)
	}

	if len(store.GetTraces()) != 0 || len(store.GetEvents()) != 0 {
		t.Error("store not empty after clear")
	}
}

func TestExport_NoSinksConfigured(t *testing.T) {
	_, ts, _ := newTestServer(t, config.ServerConfig{})

	resp := postJSON(t, ts.URL+"/api/export", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	_, ts, store := newTestServer(t, config.ServerConfig{})
	store.StartTrace(trace.RequestContext{Kind: trace.KindRead, QueryKey: "a"}, "/a")

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var status struct {
		Status string      `json:"status"`
		Stats  trace.Stats `json:"stats"`
	}
	decodeBody(t, resp, &status)
	if status.Status != "ok" {
		t.Errorf("status = %q", status.Status)
	}
	if status.Stats.ActiveTraces != 1 {
		t.Errorf("active traces = %d, want 1", status.Stats.ActiveTraces)
	}
}

func TestAuth_TokenRequired(t *testing.T) {
	_, ts, _ := newTestServer(t, config.ServerConfig{AuthToken: "secret"})

	resp, err := http.Get(ts.URL + "/api/traces")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/traces", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/traces", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token status = %d, want 200", resp.StatusCode)
	}

	// Ingest and status stay open regardless of token.
	resp, err = http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint status = %d, want 200", resp.StatusCode)
	}
}

func TestWebSocket_ReceivesSnapshot(t *testing.T) {
	_, ts, store := newTestServer(t, config.ServerConfig{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	store.StartTrace(trace.RequestContext{Kind: trace.KindRead, QueryKey: "users:list"}, "/users")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var frame struct {
		Type string `json:"type"`
		Data struct {
			Traces []struct {
				QueryKey string `json:"query_key"`
				Active   bool   `json:"active"`
			} `json:"traces"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Type != "snapshot" {
		t.Errorf("frame type = %q", frame.Type)
	}
	if len(frame.Data.Traces) != 1 || frame.Data.Traces[0].QueryKey != "users:list" {
		t.Errorf("snapshot traces = %+v", frame.Data.Traces)
	}
	if !frame.Data.Traces[0].Active {
		t.Error("trace should be active in snapshot")
	}
}

func TestSnapshot_AppliesStepFilters(t *testing.T) {
	s, _, store := newTestServer(t, config.ServerConfig{})

	tr := store.StartTrace(trace.RequestContext{Kind: trace.KindRead, QueryKey: "a"}, "/a")
	tr.AddStep(trace.StepEvent{Plugin: "dedupe", Stage: trace.StageSkip, Reason: "duplicate"}, time.Time{})
	tr.AddStep(trace.StepEvent{Plugin: "cache", Stage: trace.StageReturn, Before: 1, After: 2}, time.Time{})
	tr.AddStep(trace.StepEvent{Plugin: "log", Stage: trace.StageLog}, time.Time{})

	store.SetFilters(trace.Filters{ShowSkipped: false})
	snap := s.snapshot()
	if len(snap.Traces) != 1 {
		t.Fatalf("traces = %d", len(snap.Traces))
	}
	if got := len(snap.Traces[0].Steps); got != 2 {
		t.Errorf("steps with skipped hidden = %d, want 2", got)
	}

	store.SetFilters(trace.Filters{ShowSkipped: true, ShowOnlyChanged: true})
	snap = s.snapshot()
	steps := snap.Traces[0].Steps
	if len(steps) != 1 || steps[0].Plugin != "cache" {
		t.Errorf("diff-only steps = %+v", steps)
	}
}

func TestIndexPage(t *testing.T) {
	_, ts, _ := newTestServer(t, config.ServerConfig{})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "FETCHLENS") {
		t.Error("index page missing panel markup")
	}

	resp, err = http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", resp.StatusCode)
	}
}

func TestDedup_SharedTraceOverIngest(t *testing.T) {
	store := trace.New(trace.Options{}, slog.Default())
	engine, err := filter.NewEngine(slog.Default())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	s := NewServer(config.ServerConfig{}, store, render.NewScheduler(10*time.Millisecond), engine, nil, slog.Default())
	ts := httptest.NewServer(s.Handler())
	defer func() {
		ts.Close()
		s.Shutdown(t.Context())
	}()

	var first, second struct {
		ID string `json:"trace_id"`
	}
	body := map[string]any{"kind": "read", "method": "GET", "query_key": "users:list"}

	resp := postJSON(t, ts.URL+"/v1/operations/start", body)
	decodeBody(t, resp, &first)
	resp = postJSON(t, ts.URL+"/v1/operations/start", body)
	decodeBody(t, resp, &second)

	if first.ID != second.ID {
		t.Fatalf("burst starts got distinct traces: %s vs %s", first.ID, second.ID)
	}
	if got := len(store.GetTraces()); got != 1 {
		t.Fatalf("traces = %d, want 1", got)
	}
}
