package engine

import (
	"fmt"
	"log/slog"

	"github.com/talgya/dotsim/internal/config"
	"github.com/talgya/dotsim/internal/entropy"
)

// ShockKind is a population-wide economic shock.
type ShockKind uint8

const (
	ShockNone ShockKind = iota
	ShockCrash
	ShockRecession
	ShockDepression
)

func (k ShockKind) String() string {
	switch k {
	case ShockCrash:
		return "crash"
	case ShockRecession:
		return "recession"
	case ShockDepression:
		return "depression"
	default:
		return "none"
	}
}

// ParseShock maps a shock name to its kind.
func ParseShock(name string) (ShockKind, error) {
	for _, k := range []ShockKind{ShockCrash, ShockRecession, ShockDepression} {
		if k.String() == name {
			return k, nil
		}
	}
	return ShockNone, fmt.Errorf("unknown shock %q", name)
}

// shockProfile is the number of rounds and the per-round loss range.
type shockProfile struct {
	rounds int
	lo, hi float64
	kind   EventKind
	desc   string
}

var shockProfiles = map[ShockKind]shockProfile{
	ShockCrash:      {rounds: 1, lo: 0.25, hi: 0.5, kind: MarketCrash, desc: "The market crashed"},
	ShockRecession:  {rounds: 2, lo: 0.05, hi: 0.15, kind: Recession, desc: "A recession hit the economy"},
	ShockDepression: {rounds: 6, lo: 0.15, hi: 0.3, kind: Depression, desc: "A depression hit the economy"},
}

// ShockModel draws at most one economic shock per tick.
type ShockModel struct {
	CrashProbability     float64
	RecessionProbability float64
	src                  entropy.Source
}

// NewShockModel creates a shock model with the configured probabilities.
func NewShockModel(cfg *config.Config, src entropy.Source) *ShockModel {
	return &ShockModel{
		CrashProbability:     cfg.MarketCrashProbability,
		RecessionProbability: cfg.RecessionDepressionProbability,
		src:                  src,
	}
}

// Check draws for a crash, then for a recession or depression if no crash
// fired, and applies whichever fires.
func (m *ShockModel) Check(st *State) ShockKind {
	kind := ShockNone
	switch {
	case entropy.Chance(m.src, m.CrashProbability):
		kind = ShockCrash
	case entropy.Chance(m.src, m.RecessionProbability):
		kind = ShockDepression
		if entropy.Coin(m.src) {
			kind = ShockRecession
		}
	}
	if kind != ShockNone {
		m.Apply(st, kind)
	}
	return kind
}

// Apply runs every round of the shock over all agents. Each agent draws its
// own loss fraction per round; sizes are truncated to whole units.
func (m *ShockModel) Apply(st *State, kind ShockKind) {
	p, ok := shockProfiles[kind]
	if !ok {
		return
	}
	before := st.Pop.TotalSize()
	for r := 0; r < p.rounds; r++ {
		for _, a := range st.Pop.Agents() {
			pct := entropy.Uniform(m.src, p.lo, p.hi)
			a.Size = int64(float64(a.Size) * (1 - pct))
		}
	}
	after := st.Pop.TotalSize()

	st.Clock.RareEvents++
	st.Emit(Event{
		Kind:        p.kind,
		Description: fmt.Sprintf("%s, total wealth %d -> %d", p.desc, before, after),
		Meta:        map[string]any{"rounds": p.rounds, "before": before, "after": after},
	})
	slog.Info("economic shock", "tick", st.Tick(), "kind", kind.String(), "rounds", p.rounds, "before", before, "after", after)

	st.markZeros()
}
