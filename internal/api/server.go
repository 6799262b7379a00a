// Package api provides the HTTP API for observing and steering a simulation.
// GET endpoints are public (read-only observation of published snapshots).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/talgya/dotsim/internal/agents"
	"github.com/talgya/dotsim/internal/engine"
	"github.com/talgya/dotsim/internal/persistence"
)

const maxSSEConns = 8

// Server serves the simulation over HTTP. Handlers only read published
// snapshots and queue interventions; they never touch live state.
type Server struct {
	Sim      *engine.Simulation
	Eng      *engine.Engine
	DB       *persistence.DB // optional
	Hub      *Hub            // optional websocket snapshot feed
	Addr     string
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	// Active SSE connection count (atomic).
	sseConns int32

	srv *http.Server
}

// Handler builds the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	interventionLimiter := NewRateLimiter(30, time.Minute)

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agent/", s.handleAgentDetail)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/stats/history", s.handleStatsHistory)
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/stream", s.handleStream)
	if s.Hub != nil {
		mux.Handle("/api/v1/ws", s.Hub)
	}

	// GET is public, POST requires the admin token.
	mux.HandleFunc("/api/v1/speed", s.adminOnly(s.handleSpeed))
	mux.HandleFunc("/api/v1/snapshot", s.adminOnly(s.handleSnapshot))
	mux.HandleFunc("/api/v1/intervention", s.adminOnly(RateLimitMiddleware(interventionLimiter, s.handleIntervention)))

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", s.Addr, "admin_auth", s.AdminKey != "", "websocket", s.Hub != nil)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set DOTSIM_CORS_ORIGINS to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("DOTSIM_CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
// GET requests pass through.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no DOTSIM_ADMIN_KEY set)", http.StatusForbidden)
				return
			}
			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.Sim.Snapshot()
	status := map[string]any{
		"name":                  "dotsim",
		"run_id":                s.Sim.RunID.String(),
		"seed":                  s.Sim.Seed,
		"tick":                  snap.Tick,
		"phase":                 s.Sim.Phase().String(),
		"population":            snap.Population,
		"population_cap":        s.Sim.Config.PopulationCap,
		"total_size":            snap.TotalSize,
		"counters":              snap.Counters,
		"pending_interventions": s.Sim.Pending(),
	}
	if s.Eng != nil {
		status["speed"] = s.Eng.Speed()
		status["running"] = s.Eng.Running()
	}
	writeJSON(w, status)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	list := s.Sim.Snapshot().Agents

	if name := r.URL.Query().Get("strategy"); name != "" {
		filtered := list[:0]
		for _, a := range list {
			if strings.EqualFold(a.Strategy, name) {
				filtered = append(filtered, a)
			}
		}
		list = filtered
	}

	switch r.URL.Query().Get("sort") {
	case "size":
		sort.SliceStable(list, func(i, j int) bool { return list[i].Size > list[j].Size })
	case "age":
		sort.SliceStable(list, func(i, j int) bool { return list[i].BornTick < list[j].BornTick })
	}

	if list == nil {
		list = []engine.AgentView{}
	}
	writeJSON(w, list)
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/agent/")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid agent id", http.StatusBadRequest)
		return
	}
	snap := s.Sim.Snapshot()
	for _, a := range snap.Agents {
		if a.ID != agents.AgentID(id) {
			continue
		}
		var recent []engine.Event
		for _, e := range s.Sim.RecentEvents(0) {
			for _, involved := range e.Agents {
				if involved == a.ID {
					recent = append(recent, e)
					break
				}
			}
		}
		if len(recent) > 20 {
			recent = recent[len(recent)-20:]
		}
		writeJSON(w, map[string]any{
			"agent":  a,
			"share":  share(a.Size, snap.TotalSize),
			"events": recent,
		})
		return
	}
	http.Error(w, "agent not found", http.StatusNotFound)
}

func share(size, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(size) / float64(total)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50, 500)
	kind := engine.EventKind(r.URL.Query().Get("kind"))

	// A run id reads from the database, otherwise the in-memory ring.
	if run := r.URL.Query().Get("run"); run != "" {
		if s.DB == nil {
			http.Error(w, "database not available", http.StatusServiceUnavailable)
			return
		}
		events, err := s.DB.RecentEvents(run, kind, limit)
		if err != nil {
			slog.Error("events query failed", "error", err)
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}
		if events == nil {
			events = []engine.Event{}
		}
		writeJSON(w, events)
		return
	}

	events := s.Sim.RecentEvents(0)
	if kind != "" {
		filtered := events[:0]
		for _, e := range events {
			if e.Kind == kind {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []engine.Event{}
	}
	writeJSON(w, events)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.Sim.Snapshot()
	writeJSON(w, map[string]any{
		"tick":       snap.Tick,
		"population": snap.Population,
		"total_size": snap.TotalSize,
		"counters":   snap.Counters,
		"tally":      snap.Tally,
		"strategies": snap.Strategies,
	})
}

func (s *Server) handleStatsHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 1000)

	if run := r.URL.Query().Get("run"); run != "" {
		if s.DB == nil {
			http.Error(w, "database not available", http.StatusServiceUnavailable)
			return
		}
		rows, err := s.DB.StatsHistory(run, limit)
		if err != nil {
			slog.Error("stats history query failed", "error", err)
			// Return an empty array; the table may not have data yet.
			writeJSON(w, []engine.StatsPoint{})
			return
		}
		if rows == nil {
			rows = []engine.StatsPoint{}
		}
		writeJSON(w, rows)
		return
	}

	writeJSON(w, s.Sim.History(limit))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}
	runs, err := s.DB.Runs()
	if err != nil {
		slog.Error("runs query failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []persistence.Run{}
	}
	writeJSON(w, runs)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if s.Eng == nil {
		http.Error(w, "engine not available", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed < 0 || req.Speed > 1000 {
			http.Error(w, "speed must be 0-1000", http.StatusBadRequest)
			return
		}
		s.Eng.SetSpeed(req.Speed)
		slog.Info("speed changed", "speed", req.Speed)
	}

	writeJSON(w, map[string]float64{"speed": s.Eng.Speed()})
}

// handleSnapshot returns the latest snapshot on GET and persists it on POST.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.Sim.Snapshot())
	case http.MethodPost:
		if s.DB == nil {
			http.Error(w, "database not available", http.StatusServiceUnavailable)
			return
		}
		if err := s.DB.SaveState(s.Sim); err != nil {
			slog.Error("snapshot save failed", "error", err)
			http.Error(w, "snapshot failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"tick":    s.Sim.CurrentTick(),
			"message": "snapshot saved",
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleIntervention(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req engine.Intervention
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.Sim.Enqueue(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSONStatus(w, http.StatusAccepted, map[string]any{
		"success": true,
		"details": fmt.Sprintf("%s queued for tick %d", req.Kind, s.Sim.CurrentTick()+1),
		"pending": s.Sim.Pending(),
	})
}

// handleStream streams events as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	// Connection limit.
	current := atomic.AddInt32(&s.sseConns, 1)
	if current > maxSSEConns {
		atomic.AddInt32(&s.sseConns, -1)
		http.Error(w, "too many SSE connections", http.StatusServiceUnavailable)
		return
	}
	defer atomic.AddInt32(&s.sseConns, -1)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscribe before the catch-up so nothing falls in between.
	subID, ch := s.Sim.Subscribe()
	defer s.Sim.Unsubscribe(subID)

	for _, e := range s.Sim.RecentEvents(50) {
		writeSSEEvent(w, e)
	}
	flusher.Flush()

	slog.Info("SSE client connected", "sub_id", subID)

	// Stream loop with heartbeat.
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEvent(w, e)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			slog.Info("SSE client disconnected", "sub_id", subID)
			return
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, e engine.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Category, data)
}

func queryLimit(r *http.Request, def, ceiling int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= ceiling {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
