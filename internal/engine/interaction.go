package engine

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/talgya/dotsim/internal/agents"
	"github.com/talgya/dotsim/internal/config"
	"github.com/talgya/dotsim/internal/entropy"
	"github.com/talgya/dotsim/internal/strategy"
)

// Payoff returns the size deltas for one game, keyed on (cooperate_i, cooperate_j).
func Payoff(coopI, coopJ bool) (int64, int64) {
	switch {
	case coopI && coopJ:
		return 3, 3
	case coopI && !coopJ:
		return -2, 5
	case !coopI && coopJ:
		return 5, -2
	default:
		return -5, -5
	}
}

// Rules tunes the interaction policies.
type Rules struct {
	Distance           float64
	AntitrustThreshold float64
	ConsumptionRatio   float64
	BailoutProbability float64
}

// RulesFromConfig extracts the interaction rules from cfg.
func RulesFromConfig(cfg *config.Config) Rules {
	return Rules{
		Distance:           cfg.InteractionDistance,
		AntitrustThreshold: cfg.AntitrustThreshold,
		ConsumptionRatio:   cfg.ConsumptionRatio,
		BailoutProbability: cfg.BailoutProbability,
	}
}

// InteractionEngine plays the pairwise game for every close pair and applies
// the antitrust and consumption policies.
type InteractionEngine struct {
	Rules Rules
	src   entropy.Source
}

// NewInteractionEngine creates an interaction engine drawing from src.
func NewInteractionEngine(rules Rules, src entropy.Source) *InteractionEngine {
	return &InteractionEngine{Rules: rules, src: src}
}

// Sweep visits every unordered pair (i < j) in index order and resolves the
// eligible ones. Agents are never removed during a sweep; defeated agents
// keep their slot with size 0 and are skipped.
func (e *InteractionEngine) Sweep(st *State) error {
	n := st.Pop.Len()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !e.Eligible(st.Pop.At(i), st.Pop.At(j)) {
				continue
			}
			if err := e.Resolve(st, i, j); err != nil {
				return err
			}
		}
	}
	return nil
}

// Eligible reports whether two agents are live and strictly closer than the
// interaction distance.
func (e *InteractionEngine) Eligible(a, b *agents.Agent) bool {
	if a.Defeated() || b.Defeated() {
		return false
	}
	return math.Hypot(a.X-b.X, a.Y-b.Y) < e.Rules.Distance
}

// Resolve plays one game between the agents at positions i and j.
func (e *InteractionEngine) Resolve(st *State, i, j int) error {
	pop := st.Pop
	if i == j || i < 0 || j < 0 || i >= pop.Len() || j >= pop.Len() {
		return fmt.Errorf("resolve pair (%d,%d) of %d: %w", i, j, pop.Len(), ErrInvariantViolation)
	}
	a, b := pop.At(i), pop.At(j)
	st.Clock.Interactions++

	stateA, stateB := pop.Remembered(i, j), pop.Remembered(j, i)
	coopA := a.Strategy.Decide(strategy.Context{Memory: stateA, Opponent: uint64(b.ID)})
	coopB := b.Strategy.Decide(strategy.Context{Memory: stateB, Opponent: uint64(a.ID)})
	pop.Remember(i, j, coopA)
	pop.Remember(j, i, coopB)

	da, db := Payoff(coopA, coopB)
	a.Size = max(a.Size+da, 0)
	b.Size = max(b.Size+db, 0)
	e.recordGame(st, a, b, coopA, coopB)

	a.Strategy.Observe(strategy.Outcome{OwnMove: coopA, OpponentMove: coopB, Reward: da, State: stateA, NextState: coopA})
	b.Strategy.Observe(strategy.Outcome{OwnMove: coopB, OpponentMove: coopA, Reward: db, State: stateB, NextState: coopB})

	for _, x := range []*agents.Agent{a, b} {
		if err := e.Antitrust(st, x); err != nil {
			if Fatal(err) {
				return err
			}
			slog.Warn("antitrust skipped", "tick", st.Tick(), "agent", x.ID, "error", err)
		}
	}

	e.Consume(st, a, b)

	st.MarkDefeated(a)
	st.MarkDefeated(b)
	return nil
}

func (e *InteractionEngine) recordGame(st *State, a, b *agents.Agent, coopA, coopB bool) {
	ev := Event{Agents: []agents.AgentID{a.ID, b.ID}}
	switch {
	case coopA && coopB:
		st.Tally.Cooperated++
		ev.Kind = Cooperated
		ev.Description = fmt.Sprintf("Player %d and Player %d cooperated", a.ID, b.ID)
	case coopA != coopB:
		st.Tally.Exploited++
		defector, victim := a, b
		if coopA {
			defector, victim = b, a
		}
		ev.Kind = DefectedAgainstCooperator
		ev.Description = fmt.Sprintf("Player %d defected against Player %d", defector.ID, victim.ID)
	default:
		st.Tally.Mutual++
		ev.Kind = BothDefected
		ev.Description = fmt.Sprintf("Player %d and Player %d both defected", a.ID, b.ID)
	}
	st.Emit(ev)
}

// Antitrust halves an agent holding at least the threshold share of total
// wealth and splits the removed half evenly across the other live agents.
// Integer division remainders are lost. The share is computed over every
// other agent but deliberately withheld from agents already at 0, so a
// flagged agent is never revived before it is pruned.
func (e *InteractionEngine) Antitrust(st *State, x *agents.Agent) error {
	if x.Size <= 0 {
		return nil
	}
	total := st.Pop.TotalSize()
	if float64(x.Size) < e.Rules.AntitrustThreshold*float64(total) {
		return nil
	}
	n := st.Pop.Len()
	if n-1 <= 0 {
		return fmt.Errorf("antitrust on agent %d with population %d: %w", x.ID, n, ErrDegenerateState)
	}

	removed := x.Size - x.Size/2
	x.Size /= 2
	share := removed / int64(n-1)
	for _, other := range st.Pop.Agents() {
		if other.ID == x.ID || other.Defeated() {
			continue
		}
		other.Size += share
	}

	st.Tally.Antitrust++
	st.Emit(Event{
		Kind:        AntitrustApplied,
		Description: fmt.Sprintf("Antitrust split Player %d, redistributing %d", x.ID, removed),
		Agents:      []agents.AgentID{x.ID},
		Meta:        map[string]any{"removed": removed, "share": share},
	})
	slog.Debug("antitrust applied", "tick", st.Tick(), "agent", x.ID, "removed", removed, "share", share, "total", total)
	return nil
}

// Consume lets an agent at least ConsumptionRatio times the other's size
// absorb it. The loser is bailed out with BailoutProbability, otherwise it
// is flagged defeated.
func (e *InteractionEngine) Consume(st *State, a, b *agents.Agent) {
	ratio := e.Rules.ConsumptionRatio
	switch {
	case float64(a.Size) >= ratio*float64(b.Size):
		e.absorb(st, a, b)
	case float64(b.Size) >= ratio*float64(a.Size):
		e.absorb(st, b, a)
	}
}

func (e *InteractionEngine) absorb(st *State, winner, loser *agents.Agent) {
	gained := loser.Size
	winner.Size += gained
	loser.Size = 0
	st.Tally.Consumed++
	st.Emit(Event{
		Kind:        Consumed,
		Description: fmt.Sprintf("Player %d consumed Player %d", winner.ID, loser.ID),
		Agents:      []agents.AgentID{winner.ID, loser.ID},
		Meta:        map[string]any{"gained": gained},
	})

	if !entropy.Chance(e.src, e.Rules.BailoutProbability) {
		st.MarkDefeated(loser)
		return
	}
	loser.Size = agents.StartSize(e.src)
	st.Tally.BailedOut++
	st.Emit(Event{
		Kind:        AgentBailedOut,
		Description: fmt.Sprintf("Player %d was bailed out with %d", loser.ID, loser.Size),
		Agents:      []agents.AgentID{loser.ID},
	})
}
