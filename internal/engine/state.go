package engine

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/talgya/dotsim/internal/agents"
)

// Clock holds the run-wide counters.
type Clock struct {
	Iterations   uint64 `json:"iterations"`
	Interactions uint64 `json:"interactions"`
	RareEvents   uint64 `json:"rare_events"`
}

// Tally counts outcomes over the whole run.
type Tally struct {
	Spawned    uint64 `json:"spawned"`
	Defeated   uint64 `json:"defeated"`
	BailedOut  uint64 `json:"bailed_out"`
	Consumed   uint64 `json:"consumed"`
	Antitrust  uint64 `json:"antitrust"`
	Cooperated uint64 `json:"cooperated"`
	Exploited  uint64 `json:"exploited"`
	Mutual     uint64 `json:"mutual_defections"`
}

// State is the mutable context every tick component works on. It is owned
// by the simulation goroutine.
type State struct {
	Pop   *agents.Population
	Clock Clock
	Tally Tally

	defeated map[agents.AgentID]bool
	emit     func(Event)
}

// NewState wraps a population. emit receives every event; nil discards them.
func NewState(pop *agents.Population, emit func(Event)) *State {
	if emit == nil {
		emit = func(Event) {}
	}
	return &State{
		Pop:      pop,
		defeated: make(map[agents.AgentID]bool),
		emit:     emit,
	}
}

// Tick is the current iteration number.
func (st *State) Tick() uint64 {
	return st.Clock.Iterations
}

// Emit stamps the event with the current tick and forwards it.
func (st *State) Emit(e Event) {
	e.Tick = st.Clock.Iterations
	e.Category = e.Kind.Category()
	st.emit(e)
}

// MarkDefeated flags a zero-size agent for pruning at the next tick. It is
// a no-op for agents that still hold wealth or are already flagged.
func (st *State) MarkDefeated(a *agents.Agent) {
	if a.Size != 0 || st.defeated[a.ID] {
		return
	}
	st.defeated[a.ID] = true
	st.Tally.Defeated++
	st.Emit(Event{
		Kind:        AgentDefeated,
		Description: fmt.Sprintf("Player %d has been defeated", a.ID),
		Agents:      []agents.AgentID{a.ID},
	})
	slog.Debug("agent defeated", "tick", st.Tick(), "agent", a.ID, "strategy", a.StrategyName())
}

// IsDefeated reports whether an agent is flagged for pruning.
func (st *State) IsDefeated(id agents.AgentID) bool {
	return st.defeated[id]
}

// PendingDefeats returns the number of flagged agents.
func (st *State) PendingDefeats() int {
	return len(st.defeated)
}

// takeDefeated clears the flag set and returns its ids in ascending order.
func (st *State) takeDefeated() []agents.AgentID {
	ids := make([]agents.AgentID, 0, len(st.defeated))
	for id := range st.defeated {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	clear(st.defeated)
	return ids
}

// markZeros flags every zero-size agent.
func (st *State) markZeros() {
	for _, a := range st.Pop.Agents() {
		if a.Size == 0 {
			st.MarkDefeated(a)
		}
	}
}
