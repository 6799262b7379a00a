// Simulation ties the population, interaction engine and shock model together
// and runs them each tick.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/talgya/dotsim/internal/agents"
	"github.com/talgya/dotsim/internal/config"
	"github.com/talgya/dotsim/internal/entropy"
	"github.com/talgya/dotsim/internal/strategy"
)

// Phase is a step of the per-tick state machine.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseShockCheck
	PhaseSpawnCheck
	PhasePrune
	PhaseMotion
	PhaseInteractionSweep
	PhaseSnapshot
)

var phaseNames = [...]string{"idle", "shock_check", "spawn_check", "prune", "motion", "interaction_sweep", "snapshot"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// StatsPoint is one sample of the aggregate statistics.
type StatsPoint struct {
	Tick         uint64 `json:"tick" db:"tick"`
	Population   int    `json:"population" db:"population"`
	TotalSize    int64  `json:"total_size" db:"total_size"`
	Interactions uint64 `json:"interactions" db:"interactions"`
	RareEvents   uint64 `json:"rare_events" db:"rare_events"`
	Cooperated   uint64 `json:"cooperated" db:"cooperated"`
	Exploited    uint64 `json:"exploited" db:"exploited"`
	Mutual       uint64 `json:"mutual_defections" db:"mutual_defections"`
	Defeated     uint64 `json:"defeated" db:"defeated"`
}

// maxHistory bounds the in-memory stats history.
const maxHistory = 1000

// Simulation holds the complete simulation state. Step must only be called
// from one goroutine; the read accessors are safe from any goroutine.
type Simulation struct {
	Config *config.Config
	RunID  uuid.UUID
	Seed   int64

	state        *State
	spawner      *agents.Spawner
	interactions *InteractionEngine
	shocks       *ShockModel
	src          entropy.Source

	logs        []EventLog
	visualizers []Visualizer

	mu        sync.RWMutex
	phase     Phase
	snapshot  Snapshot
	events    []Event
	history   []StatsPoint
	subs      map[int]chan Event
	nextSubID int
	pending   []Intervention
}

// NewSimulation seeds the initial population from cfg. seed shapes agent
// colors and is recorded with the run; all other randomness comes from src.
func NewSimulation(cfg *config.Config, src entropy.Source, seed int64) *Simulation {
	params := strategy.Params{LearningRate: cfg.LearningRate, DiscountFactor: cfg.DiscountFactor}
	spawner := agents.NewSpawner(src, seed, cfg.ArenaSize, params)
	pop := agents.NewPopulation(spawner, src, cfg.ArenaSize, cfg.PopulationCap)

	s := &Simulation{
		Config:       cfg,
		RunID:        uuid.New(),
		Seed:         seed,
		spawner:      spawner,
		interactions: NewInteractionEngine(RulesFromConfig(cfg), src),
		shocks:       NewShockModel(cfg, src),
		src:          src,
		subs:         make(map[int]chan Event),
	}
	s.state = NewState(pop, s.record)

	initial := spawner.SpawnPopulation(cfg.NumAgents, 0)
	pop.Seed(initial)
	for _, a := range initial {
		s.announceSpawn(a, "joined the market")
	}
	s.publish()

	slog.Info("simulation created", "run_id", s.RunID, "seed", seed, "agents", pop.Len(), "cap", cfg.PopulationCap)
	return s
}

// State exposes the mutable context. Only for the simulation goroutine and tests.
func (s *Simulation) State() *State {
	return s.state
}

// AddEventLog registers an event sink and replays the buffered events to
// it. Call before the first Step.
func (s *Simulation) AddEventLog(l EventLog) {
	for _, e := range s.RecentEvents(0) {
		if err := l.Record(e); err != nil {
			slog.Warn("event log failed", "kind", e.Kind, "error", err)
		}
	}
	s.logs = append(s.logs, l)
}

// AddVisualizer registers a snapshot consumer. Call before the first Step.
// Visualizers are invoked synchronously; wrap slow ones in AsyncVisualizer.
func (s *Simulation) AddVisualizer(v Visualizer) {
	s.visualizers = append(s.visualizers, v)
}

// Step advances the simulation by one tick. A returned error is fatal: the
// tick was aborted and the state must not be advanced further.
func (s *Simulation) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st := s.state
	st.Clock.Iterations++
	tick := st.Tick()

	s.setPhase(PhaseIdle)
	s.applyInterventions()

	s.setPhase(PhaseShockCheck)
	s.shocks.Check(st)

	s.setPhase(PhaseSpawnCheck)
	doomed := s.spawnCheck()

	s.setPhase(PhasePrune)
	if err := s.prune(doomed); err != nil {
		return fmt.Errorf("tick %d prune: %w", tick, err)
	}

	s.setPhase(PhaseMotion)
	st.Pop.TickMotion(s.Config.Speed)

	s.setPhase(PhaseInteractionSweep)
	if err := s.interactions.Sweep(st); err != nil {
		return fmt.Errorf("tick %d sweep: %w", tick, err)
	}
	if err := st.Pop.Check(); err != nil {
		return fmt.Errorf("tick %d: %w", tick, err)
	}

	s.setPhase(PhaseSnapshot)
	s.publish()
	s.setPhase(PhaseIdle)
	return nil
}

// spawnCheck draws for a new agent, spawns one replacement if any agent
// was defeated, and returns the flagged ids for pruning.
func (s *Simulation) spawnCheck() []agents.AgentID {
	st := s.state
	if entropy.Chance(s.src, s.Config.NewAgentProbability) {
		if a, ok := st.Pop.Spawn(st.Tick()); ok {
			s.announceSpawn(a, "entered the market")
		}
	}
	doomed := st.takeDefeated()
	if len(doomed) > 0 {
		if a, ok := st.Pop.Spawn(st.Tick()); ok {
			s.announceSpawn(a, "replaced a defeated player")
		}
	}
	return doomed
}

// prune removes the flagged agents. Any zero-size agent left afterwards was
// never flagged, which is a bug.
func (s *Simulation) prune(doomed []agents.AgentID) error {
	pop := s.state.Pop
	for _, id := range doomed {
		if err := pop.Prune(id); err != nil {
			return err
		}
		slog.Debug("agent pruned", "tick", s.state.Tick(), "agent", id)
	}
	for _, a := range pop.Agents() {
		if a.Size == 0 {
			return fmt.Errorf("agent %d at size 0 was never flagged: %w", a.ID, ErrInvariantViolation)
		}
	}
	return pop.Check()
}

func (s *Simulation) announceSpawn(a *agents.Agent, what string) {
	s.state.Tally.Spawned++
	s.state.Emit(Event{
		Kind:        AgentSpawned,
		Description: fmt.Sprintf("Player %d (%s, size %d) %s", a.ID, a.StrategyName(), a.Size, what),
		Agents:      []agents.AgentID{a.ID},
		Meta:        map[string]any{"strategy": a.StrategyName(), "size": a.Size},
	})
}

// record appends to the event ring, fans out to stream subscribers and
// forwards to every event log.
func (s *Simulation) record(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
	for id, ch := range s.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("subscriber behind, dropping event", "sub_id", id, "kind", e.Kind)
		}
	}
	s.mu.Unlock()

	for _, l := range s.logs {
		if err := l.Record(e); err != nil {
			slog.Warn("event log failed", "kind", e.Kind, "error", err)
		}
	}
}

// publish stores a fresh snapshot and hands it to the visualizers.
func (s *Simulation) publish() {
	snap := TakeSnapshot(s.state)
	point := StatsPoint{
		Tick:         snap.Tick,
		Population:   snap.Population,
		TotalSize:    snap.TotalSize,
		Interactions: snap.Counters.Interactions,
		RareEvents:   snap.Counters.RareEvents,
		Cooperated:   snap.Tally.Cooperated,
		Exploited:    snap.Tally.Exploited,
		Mutual:       snap.Tally.Mutual,
		Defeated:     snap.Tally.Defeated,
	}

	s.mu.Lock()
	s.snapshot = snap
	s.history = append(s.history, point)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	s.mu.Unlock()

	for _, v := range s.visualizers {
		v.Render(snap.Clone())
	}
}

func (s *Simulation) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Phase returns the state machine position.
func (s *Simulation) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Snapshot returns a copy of the last published snapshot. Without an
// intervening Step, repeated calls return identical data.
func (s *Simulation) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// CurrentTick returns the tick of the last published snapshot.
func (s *Simulation) CurrentTick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Tick
}

// RecentEvents returns up to limit of the newest events, oldest first.
func (s *Simulation) RecentEvents(limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && len(s.events) > limit {
		start = len(s.events) - limit
	}
	return append([]Event(nil), s.events[start:]...)
}

// History returns up to limit of the newest stats samples, oldest first.
func (s *Simulation) History(limit int) []StatsPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && len(s.history) > limit {
		start = len(s.history) - limit
	}
	return append([]StatsPoint(nil), s.history[start:]...)
}

// Subscribe registers an event stream. The channel is buffered; events are
// dropped for subscribers that fall behind.
func (s *Simulation) Subscribe() (int, <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a stream.
func (s *Simulation) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}
