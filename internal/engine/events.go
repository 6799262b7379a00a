package engine

import "github.com/talgya/dotsim/internal/agents"

// EventKind names a notable occurrence.
type EventKind string

const (
	AgentSpawned              EventKind = "agent_spawned"
	AgentDefeated             EventKind = "agent_defeated"
	AgentBailedOut            EventKind = "agent_bailed_out"
	Cooperated                EventKind = "cooperated"
	DefectedAgainstCooperator EventKind = "defected_against_cooperator"
	BothDefected              EventKind = "both_defected"
	AntitrustApplied          EventKind = "antitrust_applied"
	Consumed                  EventKind = "consumed"
	MarketCrash               EventKind = "market_crash"
	Recession                 EventKind = "recession"
	Depression                EventKind = "depression"
)

// Category groups event kinds for streaming clients.
func (k EventKind) Category() string {
	switch k {
	case AgentSpawned, AgentDefeated, AgentBailedOut:
		return "population"
	case Cooperated, DefectedAgainstCooperator, BothDefected:
		return "game"
	case AntitrustApplied, Consumed:
		return "policy"
	case MarketCrash, Recession, Depression:
		return "shock"
	default:
		return "other"
	}
}

// Event is a notable occurrence in the simulation.
type Event struct {
	Tick        uint64           `json:"tick"`
	Kind        EventKind        `json:"kind"`
	Category    string           `json:"category"`
	Description string           `json:"description"`
	Agents      []agents.AgentID `json:"agents,omitempty"`
	Meta        map[string]any   `json:"meta,omitempty"`
}

// EventLog is an optional sink for events. Errors are logged and ignored;
// a failing sink never stops the simulation.
type EventLog interface {
	Record(e Event) error
}

// maxEvents bounds the in-memory event ring.
const maxEvents = 1000

// subscriberBuffer is the channel depth per stream subscriber. Slow
// subscribers miss events instead of blocking the tick.
const subscriberBuffer = 64
