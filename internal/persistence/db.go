// Package persistence provides SQLite-based storage for runs, agent state,
// events and statistics.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/dotsim/internal/agents"
	"github.com/talgya/dotsim/internal/config"
	"github.com/talgya/dotsim/internal/engine"
)

// ErrNoRuns is returned when the database holds no runs.
var ErrNoRuns = errors.New("no runs recorded")

// maxBuffered bounds the unflushed event buffer. Older events are dropped
// once it is full.
const maxBuffered = 10000

// DB wraps a SQLite connection for simulation persistence. It implements
// engine.EventLog by buffering events until the next Flush.
type DB struct {
	conn *sqlx.DB

	mu      sync.Mutex
	runID   string
	pending []engine.Event
	dropped int

	lastStatsTick uint64
}

// Run describes one recorded simulation run.
type Run struct {
	ID        string `db:"id" json:"id"`
	Seed      int64  `db:"seed" json:"seed"`
	StartedAt string `db:"started_at" json:"started_at"`
	Config    string `db:"config_json" json:"config"`
	LastTick  uint64 `db:"last_tick" json:"last_tick"`
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close flushes buffered events and closes the connection.
func (db *DB) Close() error {
	flushErr := db.Flush()
	return errors.Join(flushErr, db.conn.Close())
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		seed INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		config_json TEXT NOT NULL,
		last_tick INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS agents (
		run_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		size INTEGER NOT NULL,
		color TEXT NOT NULL,
		strategy TEXT NOT NULL,
		born_tick INTEGER NOT NULL,
		PRIMARY KEY (run_id, id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		kind TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL,
		agents_json TEXT NOT NULL,
		meta_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stats (
		run_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		population INTEGER NOT NULL,
		total_size INTEGER NOT NULL,
		interactions INTEGER NOT NULL,
		rare_events INTEGER NOT NULL,
		cooperated INTEGER NOT NULL,
		exploited INTEGER NOT NULL,
		mutual_defections INTEGER NOT NULL,
		defeated INTEGER NOT NULL,
		PRIMARY KEY (run_id, tick)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_run_tick ON events(run_id, tick);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// StartRun registers a run and routes subsequent events to it.
func (db *DB) StartRun(runID string, seed int64, cfg *config.Config) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = db.conn.Exec(
		"INSERT INTO runs (id, seed, started_at, config_json) VALUES (?, ?, ?, ?)",
		runID, seed, time.Now().UTC().Format(time.RFC3339), string(cfgJSON),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	db.mu.Lock()
	db.runID = runID
	db.lastStatsTick = 0
	db.mu.Unlock()

	if err := db.SaveMeta("current_run", runID); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	slog.Info("run registered", "run_id", runID, "seed", seed)
	return nil
}

// Record buffers an event for the next Flush. It never touches the disk.
func (db *DB) Record(e engine.Event) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.runID == "" {
		return errors.New("record event: no run started")
	}
	if len(db.pending) >= maxBuffered {
		db.pending = db.pending[1:]
		db.dropped++
	}
	db.pending = append(db.pending, e)
	return nil
}

// Flush writes buffered events. On failure the events stay buffered.
func (db *DB) Flush() error {
	db.mu.Lock()
	runID := db.runID
	batch := db.pending
	db.pending = nil
	dropped := db.dropped
	db.dropped = 0
	db.mu.Unlock()

	if dropped > 0 {
		slog.Warn("event buffer overflowed", "dropped", dropped)
	}
	if err := db.SaveEvents(runID, batch); err != nil {
		db.mu.Lock()
		db.pending = append(batch, db.pending...)
		db.mu.Unlock()
		return err
	}
	return nil
}

// SaveEvents appends events for a run.
func (db *DB) SaveEvents(runID string, events []engine.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`INSERT INTO events
		(run_id, tick, kind, category, description, agents_json, meta_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		agentsJSON, _ := json.Marshal(e.Agents)
		metaJSON, _ := json.Marshal(e.Meta)
		if _, err := stmt.Exec(runID, e.Tick, string(e.Kind), e.Category, e.Description, string(agentsJSON), string(metaJSON)); err != nil {
			return fmt.Errorf("insert event at tick %d: %w", e.Tick, err)
		}
	}

	return tx.Commit()
}

// SaveAgents writes the agents of a snapshot for a run (full replace).
func (db *DB) SaveAgents(runID string, views []engine.AgentView) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM agents WHERE run_id = ?", runID); err != nil {
		return err
	}

	stmt, err := tx.Preparex(`INSERT INTO agents
		(run_id, id, x, y, size, color, strategy, born_tick)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range views {
		if _, err := stmt.Exec(runID, a.ID, a.X, a.Y, a.Size, a.Color, a.Strategy, a.BornTick); err != nil {
			return fmt.Errorf("insert agent %d: %w", a.ID, err)
		}
	}

	return tx.Commit()
}

// SaveStats upserts stats samples for a run.
func (db *DB) SaveStats(runID string, points []engine.StatsPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range points {
		_, err := tx.NamedExec(`INSERT OR REPLACE INTO stats
			(run_id, tick, population, total_size, interactions, rare_events,
			 cooperated, exploited, mutual_defections, defeated)
			VALUES (:run_id, :tick, :population, :total_size, :interactions, :rare_events,
			 :cooperated, :exploited, :mutual_defections, :defeated)`,
			statsRow{RunID: runID, StatsPoint: p})
		if err != nil {
			return fmt.Errorf("insert stats at tick %d: %w", p.Tick, err)
		}
	}
	return tx.Commit()
}

type statsRow struct {
	RunID string `db:"run_id"`
	engine.StatsPoint
}

// SaveMeta stores a key-value pair.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM meta WHERE key = ?", key)
	return value, err
}

// SaveState performs a full save: buffered events, the current agents, the
// stats samples since the previous save and the run's last tick.
func (db *DB) SaveState(sim *engine.Simulation) error {
	snap := sim.Snapshot()
	runID := sim.RunID.String()
	slog.Info("saving simulation state", "tick", snap.Tick, "agents", len(snap.Agents))

	if err := db.Flush(); err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	if err := db.SaveAgents(runID, snap.Agents); err != nil {
		return fmt.Errorf("save agents: %w", err)
	}

	db.mu.Lock()
	since := db.lastStatsTick
	db.mu.Unlock()
	var fresh []engine.StatsPoint
	for _, p := range sim.History(0) {
		if p.Tick > since || (since == 0 && p.Tick == 0) {
			fresh = append(fresh, p)
		}
	}
	if err := db.SaveStats(runID, fresh); err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	db.mu.Lock()
	db.lastStatsTick = snap.Tick
	db.mu.Unlock()

	if _, err := db.conn.Exec("UPDATE runs SET last_tick = ? WHERE id = ?", snap.Tick, runID); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if err := db.SaveMeta("last_tick", strconv.FormatUint(snap.Tick, 10)); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}

	slog.Info("simulation state saved", "tick", snap.Tick)
	return nil
}

// Runs lists recorded runs, newest first.
func (db *DB) Runs() ([]Run, error) {
	var runs []Run
	err := db.conn.Select(&runs,
		"SELECT id, seed, started_at, config_json, last_tick FROM runs ORDER BY started_at DESC, rowid DESC")
	return runs, err
}

// LatestRun returns the id of the most recently started run.
func (db *DB) LatestRun() (string, error) {
	runs, err := db.Runs()
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", ErrNoRuns
	}
	return runs[0].ID, nil
}

type eventRow struct {
	Tick        uint64 `db:"tick"`
	Kind        string `db:"kind"`
	Category    string `db:"category"`
	Description string `db:"description"`
	AgentsJSON  string `db:"agents_json"`
	MetaJSON    string `db:"meta_json"`
}

func (r eventRow) event() engine.Event {
	e := engine.Event{
		Tick:        r.Tick,
		Kind:        engine.EventKind(r.Kind),
		Category:    r.Category,
		Description: r.Description,
	}
	var ids []agents.AgentID
	if json.Unmarshal([]byte(r.AgentsJSON), &ids) == nil {
		e.Agents = ids
	}
	var meta map[string]any
	if json.Unmarshal([]byte(r.MetaJSON), &meta) == nil {
		e.Meta = meta
	}
	return e
}

// RecentEvents returns the most recent events of a run, newest first. An
// empty kind matches every kind.
func (db *DB) RecentEvents(runID string, kind engine.EventKind, limit int) ([]engine.Event, error) {
	var rows []eventRow
	query := `SELECT tick, kind, category, description, agents_json, meta_json
		FROM events WHERE run_id = ?`
	args := []any{runID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	if err := db.conn.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	events := make([]engine.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.event())
	}
	return events, nil
}

// EventCounts tallies a run's events by kind.
func (db *DB) EventCounts(runID string) (map[engine.EventKind]int, error) {
	var rows []struct {
		Kind  string `db:"kind"`
		Count int    `db:"n"`
	}
	err := db.conn.Select(&rows, "SELECT kind, COUNT(*) AS n FROM events WHERE run_id = ? GROUP BY kind", runID)
	if err != nil {
		return nil, err
	}
	out := make(map[engine.EventKind]int, len(rows))
	for _, r := range rows {
		out[engine.EventKind(r.Kind)] = r.Count
	}
	return out, nil
}

// StatsHistory returns up to limit stats samples of a run, oldest first.
func (db *DB) StatsHistory(runID string, limit int) ([]engine.StatsPoint, error) {
	var points []engine.StatsPoint
	err := db.conn.Select(&points, `SELECT tick, population, total_size, interactions, rare_events,
		cooperated, exploited, mutual_defections, defeated
		FROM (SELECT * FROM stats WHERE run_id = ? ORDER BY tick DESC LIMIT ?)
		ORDER BY tick ASC`, runID, limit)
	return points, err
}

// Agents returns the last saved agents of a run.
func (db *DB) Agents(runID string) ([]engine.AgentView, error) {
	var views []engine.AgentView
	err := db.conn.Select(&views,
		"SELECT id, x, y, size, color, strategy, born_tick FROM agents WHERE run_id = ? ORDER BY id", runID)
	return views, err
}
