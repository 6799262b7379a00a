// Package agents provides the agent data model, spawning and the population
// with its pairwise interaction memory.
package agents

import (
	"fmt"

	"github.com/talgya/dotsim/internal/strategy"
)

// AgentID is a stable identifier for an agent. Never reused while the
// simulation runs.
type AgentID uint64

// Color is a cosmetic RGB triple with components in [0, 1].
type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// Hex renders the color as #rrggbb.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", channel(c.R), channel(c.G), channel(c.B))
}

func channel(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v * 255)
}

// Agent is one autonomous economic unit ("dot").
type Agent struct {
	ID       AgentID
	X, Y     float64
	Size     int64 // wealth; 0 means defeated
	Color    Color
	Strategy strategy.Strategy
	BornTick uint64
}

// Defeated reports whether the agent has no wealth left.
func (a *Agent) Defeated() bool {
	return a.Size <= 0
}

// StrategyName returns the display name of the agent's strategy.
func (a *Agent) StrategyName() string {
	if a.Strategy == nil {
		return "none"
	}
	return a.Strategy.Kind().String()
}

// Label is the legend label for the agent.
func (a *Agent) Label() string {
	if a.Defeated() {
		return fmt.Sprintf("Player %d: Defeated", a.ID)
	}
	return fmt.Sprintf("Player %d: Size %d", a.ID, a.Size)
}
