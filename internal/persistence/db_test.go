package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/talgya/dotsim/internal/agents"
	"github.com/talgya/dotsim/internal/config"
	"github.com/talgya/dotsim/internal/engine"
	"github.com/talgya/dotsim/internal/entropy"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "dotsim.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestRecordRequiresRun(t *testing.T) {
	db := openTestDB(t)
	if err := db.Record(engine.Event{Kind: engine.Consumed}); err == nil {
		t.Fatal("expected error before StartRun")
	}
	if _, err := db.LatestRun(); !errors.Is(err, ErrNoRuns) {
		t.Fatalf("expected ErrNoRuns, got %v", err)
	}
}

func TestEventsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if err := db.StartRun("run-a", 7, config.Default()); err != nil {
		t.Fatalf("start run: %v", err)
	}

	events := []engine.Event{
		{Tick: 1, Kind: engine.AgentSpawned, Category: "population", Description: "Player 1 joined", Agents: nil},
		{Tick: 2, Kind: engine.Consumed, Category: "policy", Description: "Player 2 consumed Player 1", Agents: []agents.AgentID{2, 1}, Meta: map[string]any{"gained": 12}},
		{Tick: 3, Kind: engine.MarketCrash, Category: "shock", Description: "The market crashed"},
	}
	for _, e := range events {
		if err := db.Record(e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if got, _ := db.RecentEvents("run-a", "", 10); len(got) != 0 {
		t.Fatalf("events hit the disk before Flush: %d", len(got))
	}
	if err := db.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := db.RecentEvents("run-a", "", 10)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(got) != 3 || got[0].Kind != engine.MarketCrash || got[2].Kind != engine.AgentSpawned {
		t.Fatalf("unexpected events: %+v", got)
	}
	if len(got[1].Agents) != 2 || got[1].Agents[0] != 2 {
		t.Fatalf("agents not restored: %+v", got[1])
	}
	if got[1].Meta["gained"] != float64(12) {
		t.Fatalf("meta not restored: %+v", got[1].Meta)
	}

	filtered, err := db.RecentEvents("run-a", engine.Consumed, 10)
	if err != nil || len(filtered) != 1 {
		t.Fatalf("kind filter: %v, %d events", err, len(filtered))
	}

	counts, err := db.EventCounts("run-a")
	if err != nil {
		t.Fatalf("event counts: %v", err)
	}
	if counts[engine.MarketCrash] != 1 || counts[engine.Consumed] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestMeta(t *testing.T) {
	db := openTestDB(t)
	if err := db.SaveMeta("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMeta("k", "v2"); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetMeta("k")
	if err != nil || v != "v2" {
		t.Fatalf("GetMeta = %q, %v", v, err)
	}
}

func TestSaveState(t *testing.T) {
	db := openTestDB(t)
	cfg := config.Default()
	cfg.NewAgentProbability = 0
	cfg.MarketCrashProbability = 0
	cfg.RecessionDepressionProbability = 0
	cfg.InteractionDistance = 1e-12

	sim := engine.NewSimulation(cfg, entropy.New(21), 21)
	runID := sim.RunID.String()
	if err := db.StartRun(runID, sim.Seed, cfg); err != nil {
		t.Fatal(err)
	}
	sim.AddEventLog(db)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := sim.Step(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.SaveState(sim); err != nil {
		t.Fatalf("save state: %v", err)
	}

	views, err := db.Agents(runID)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(views) != cfg.NumAgents {
		t.Fatalf("saved %d agents, want %d", len(views), cfg.NumAgents)
	}
	snap := sim.Snapshot()
	if views[0].ID != snap.Agents[0].ID || views[0].Size != snap.Agents[0].Size {
		t.Fatalf("saved agent %+v does not match %+v", views[0], snap.Agents[0])
	}

	history, err := db.StatsHistory(runID, 100)
	if err != nil {
		t.Fatalf("stats history: %v", err)
	}
	if len(history) != 6 || history[0].Tick != 0 || history[5].Tick != 5 {
		t.Fatalf("history = %+v", history)
	}

	events, err := db.RecentEvents(runID, engine.AgentSpawned, 100)
	if err != nil || len(events) != cfg.NumAgents {
		t.Fatalf("spawn events = %d, %v", len(events), err)
	}

	for i := 0; i < 3; i++ {
		if err := sim.Step(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.SaveState(sim); err != nil {
		t.Fatal(err)
	}
	history, _ = db.StatsHistory(runID, 100)
	if len(history) != 9 {
		t.Fatalf("history after second save = %d samples, want 9", len(history))
	}
	tail, _ := db.StatsHistory(runID, 2)
	if len(tail) != 2 || tail[1].Tick != 8 {
		t.Fatalf("limited history = %+v", tail)
	}

	runs, err := db.Runs()
	if err != nil || len(runs) != 1 || runs[0].LastTick != 8 {
		t.Fatalf("runs = %+v, %v", runs, err)
	}
	latest, err := db.LatestRun()
	if err != nil || latest != runID {
		t.Fatalf("latest = %q, %v", latest, err)
	}
	if v, _ := db.GetMeta("last_tick"); v != "8" {
		t.Fatalf("last_tick meta = %q", v)
	}
}
