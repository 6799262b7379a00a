package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/dotsim/internal/config"
	"github.com/talgya/dotsim/internal/engine"
	"github.com/talgya/dotsim/internal/entropy"
	"github.com/talgya/dotsim/internal/persistence"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.NewAgentProbability = 0
	cfg.MarketCrashProbability = 0
	cfg.RecessionDepressionProbability = 0
	cfg.InteractionDistance = 1e-12

	sim := engine.NewSimulation(cfg, entropy.New(77), 77)
	db, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.StartRun(sim.RunID.String(), sim.Seed, cfg); err != nil {
		t.Fatal(err)
	}
	sim.AddEventLog(db)

	return &Server{
		Sim:      sim,
		Eng:      engine.NewEngine(sim.Step, 0),
		DB:       db,
		AdminKey: "secret",
	}
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/status", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["population"] != float64(4) || body["tick"] != float64(0) {
		t.Fatalf("unexpected status %v", body)
	}
	if body["run_id"] != s.Sim.RunID.String() || body["phase"] != "idle" {
		t.Fatalf("unexpected status %v", body)
	}
}

func TestAgents(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	var list []engine.AgentView
	decode(t, do(t, h, http.MethodGet, "/api/v1/agents?sort=size", "", ""), &list)
	if len(list) != 4 {
		t.Fatalf("got %d agents", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].Size > list[i-1].Size {
			t.Fatal("agents not sorted by size")
		}
	}

	name := list[0].Strategy
	var filtered []engine.AgentView
	decode(t, do(t, h, http.MethodGet, "/api/v1/agents?strategy="+strings.ToLower(name), "", ""), &filtered)
	for _, a := range filtered {
		if a.Strategy != name {
			t.Fatalf("filter leaked %s", a.Strategy)
		}
	}
	if len(filtered) == 0 {
		t.Fatal("filter dropped every agent")
	}
}

func TestAgentDetail(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	id := s.Sim.Snapshot().Agents[0].ID

	rec := do(t, h, http.MethodGet, "/api/v1/agent/"+strconv.FormatUint(uint64(id), 10), "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code %d", rec.Code)
	}
	var body struct {
		Agent  engine.AgentView `json:"agent"`
		Events []engine.Event   `json:"events"`
	}
	decode(t, rec, &body)
	if body.Agent.ID != id || len(body.Events) != 1 || body.Events[0].Kind != engine.AgentSpawned {
		t.Fatalf("unexpected detail %+v", body)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/agent/9999", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent code %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/agent/abc", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id code %d", rec.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	if rec := do(t, h, http.MethodPost, "/api/v1/speed", `{"speed":5}`, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token code %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/speed", `{"speed":5}`, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token code %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/speed", `{"speed":5000}`, "secret"); rec.Code != http.StatusBadRequest {
		t.Fatalf("out of range code %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/v1/speed", `{"speed":5}`, "secret")
	if rec.Code != http.StatusOK || s.Eng.Speed() != 5 {
		t.Fatalf("code %d speed %g", rec.Code, s.Eng.Speed())
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/speed", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("public GET code %d", rec.Code)
	}

	s.AdminKey = ""
	if rec := do(t, s.Handler(), http.MethodPost, "/api/v1/speed", `{"speed":1}`, "secret"); rec.Code != http.StatusForbidden {
		t.Fatalf("disabled admin code %d", rec.Code)
	}
}

func TestIntervention(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/intervention", `{"kind":"crash"}`, "secret")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code %d: %s", rec.Code, rec.Body.String())
	}
	if s.Sim.Pending() != 1 {
		t.Fatalf("pending = %d", s.Sim.Pending())
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/intervention", `{"kind":"meteor"}`, "secret"); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind code %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/intervention", `{`, "secret"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json code %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/intervention", "", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET code %d", rec.Code)
	}

	if err := s.Sim.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	var events []engine.Event
	decode(t, do(t, h, http.MethodGet, "/api/v1/events?kind=market_crash", "", ""), &events)
	if len(events) != 1 || events[0].Tick != 1 {
		t.Fatalf("crash events = %+v", events)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	if err := s.Sim.Step(context.Background()); err != nil {
		t.Fatal(err)
	}

	var snap engine.Snapshot
	decode(t, do(t, h, http.MethodGet, "/api/v1/snapshot", "", ""), &snap)
	if snap.Tick != 1 || len(snap.Agents) != 4 {
		t.Fatalf("snapshot tick=%d agents=%d", snap.Tick, len(snap.Agents))
	}

	rec := do(t, h, http.MethodPost, "/api/v1/snapshot", "", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("save code %d: %s", rec.Code, rec.Body.String())
	}

	var events []engine.Event
	decode(t, do(t, h, http.MethodGet, "/api/v1/events?run="+s.Sim.RunID.String(), "", ""), &events)
	if len(events) != 4 {
		t.Fatalf("persisted events = %d, want 4", len(events))
	}

	var history []engine.StatsPoint
	decode(t, do(t, h, http.MethodGet, "/api/v1/stats/history?run="+s.Sim.RunID.String(), "", ""), &history)
	if len(history) != 2 {
		t.Fatalf("persisted history = %d samples, want 2", len(history))
	}

	var runs []persistence.Run
	decode(t, do(t, h, http.MethodGet, "/api/v1/runs", "", ""), &runs)
	if len(runs) != 1 || runs[0].LastTick != 1 {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestStatsHistoryInMemory(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		if err := s.Sim.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	var history []engine.StatsPoint
	decode(t, do(t, s.Handler(), http.MethodGet, "/api/v1/stats/history?limit=2", "", ""), &history)
	if len(history) != 2 || history[1].Tick != 3 {
		t.Fatalf("history = %+v", history)
	}
}

func TestCORS(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight code %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatal("missing CORS header")
	}
}

func TestHubBroadcastsSnapshots(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ts := httptest.NewServer(hub)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Render(engine.Snapshot{Tick: 42, Population: 3})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Tick != 42 || snap.Population != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestHubRenderAfterClose(t *testing.T) {
	hub := NewHub()
	hub.Close()
	hub.Render(engine.Snapshot{Tick: 1})
	hub.Close()
}
