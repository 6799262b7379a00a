package engine

import (
	"testing"

	"github.com/talgya/dotsim/internal/agents"
	"github.com/talgya/dotsim/internal/config"
	"github.com/talgya/dotsim/internal/entropy"
	"github.com/talgya/dotsim/internal/strategy"
)

// fixed always plays the same move and records what it observed.
type fixed struct {
	coop     bool
	observed []strategy.Outcome
}

func (f *fixed) Kind() strategy.Kind             { return strategy.KindTitForTat }
func (f *fixed) Decide(ctx strategy.Context) bool { return f.coop }
func (f *fixed) Observe(o strategy.Outcome)       { f.observed = append(f.observed, o) }

type recorder struct {
	events []Event
}

func (r *recorder) emit(e Event) { r.events = append(r.events, e) }

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// newTestState builds a population of co-located cooperating agents with
// the given sizes.
func newTestState(t *testing.T, src entropy.Source, sizes ...int64) (*State, *recorder) {
	t.Helper()
	sp := agents.NewSpawner(entropy.New(1), 1, 3.0, strategy.DefaultParams())
	pop := agents.NewPopulation(sp, src, 3.0, 10)
	list := make([]*agents.Agent, 0, len(sizes))
	for _, size := range sizes {
		a := sp.Spawn(0)
		a.Size = size
		a.X, a.Y = 1, 1
		a.Strategy = &fixed{coop: true}
		list = append(list, a)
	}
	pop.Seed(list)
	rec := &recorder{}
	return NewState(pop, rec.emit), rec
}

func setMoves(st *State, moves ...bool) {
	for i, m := range moves {
		st.Pop.At(i).Strategy = &fixed{coop: m}
	}
}

// quietConfig disables every random event and keeps agents out of range.
func quietConfig() *config.Config {
	cfg := config.Default()
	cfg.NewAgentProbability = 0
	cfg.MarketCrashProbability = 0
	cfg.RecessionDepressionProbability = 0
	cfg.InteractionDistance = 1e-12
	return cfg
}

func noAntitrust() Rules {
	return Rules{Distance: 0.3, AntitrustThreshold: 1.0, ConsumptionRatio: 2, BailoutProbability: 0.5}
}
