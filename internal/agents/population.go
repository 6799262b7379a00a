package agents

import (
	"errors"
	"fmt"

	"github.com/talgya/dotsim/internal/entropy"
)

// ErrInvariantViolation marks a broken population invariant. It indicates a
// bug, not a recoverable simulation state.
var ErrInvariantViolation = errors.New("invariant violation")

// Population is the ordered set of live agents plus their interaction memory.
// Positions are compacted on removal; ids stay stable.
type Population struct {
	agents  []*Agent
	index   map[AgentID]int
	memory  *Memory
	spawner *Spawner
	src     entropy.Source
	arena   float64
	cap     int
}

// NewPopulation creates an empty population. limit bounds the number of live
// agents Spawn will admit.
func NewPopulation(spawner *Spawner, src entropy.Source, arena float64, limit int) *Population {
	return &Population{
		index:   make(map[AgentID]int),
		memory:  NewMemory(0),
		spawner: spawner,
		src:     src,
		arena:   arena,
		cap:     limit,
	}
}

// Len returns the number of agents, including defeated ones awaiting pruning.
func (p *Population) Len() int {
	return len(p.agents)
}

// LiveCount returns the number of agents with size > 0.
func (p *Population) LiveCount() int {
	n := 0
	for _, a := range p.agents {
		if !a.Defeated() {
			n++
		}
	}
	return n
}

// At returns the agent at position i.
func (p *Population) At(i int) *Agent {
	return p.agents[i]
}

// Agents returns the agents in index order. The slice is shared; callers
// must not modify it.
func (p *Population) Agents() []*Agent {
	return p.agents
}

// Get looks an agent up by id.
func (p *Population) Get(id AgentID) (*Agent, bool) {
	i, ok := p.index[id]
	if !ok {
		return nil, false
	}
	return p.agents[i], true
}

// IndexOf returns the current position of an agent.
func (p *Population) IndexOf(id AgentID) (int, bool) {
	i, ok := p.index[id]
	return i, ok
}

// TotalSize sums every agent's wealth.
func (p *Population) TotalSize() int64 {
	var total int64
	for _, a := range p.agents {
		total += a.Size
	}
	return total
}

// Remembered returns agent i's last move against agent j.
func (p *Population) Remembered(i, j int) bool {
	return p.memory.Get(i, j)
}

// Remember records agent i's move against agent j.
func (p *Population) Remember(i, j int, cooperated bool) {
	p.memory.Set(i, j, cooperated)
}

// RememberedByID is Remembered keyed by stable ids.
func (p *Population) RememberedByID(a, b AgentID) (bool, error) {
	i, ok := p.index[a]
	if !ok {
		return false, fmt.Errorf("agent %d: %w", a, ErrInvariantViolation)
	}
	j, ok := p.index[b]
	if !ok {
		return false, fmt.Errorf("agent %d: %w", b, ErrInvariantViolation)
	}
	return p.memory.Get(i, j), nil
}

// MemoryLen returns the dimension of the memory matrix.
func (p *Population) MemoryLen() int {
	return p.memory.Len()
}

// Spawn appends one random agent. Returns false without changes once the
// live-agent cap is reached.
func (p *Population) Spawn(tick uint64) (*Agent, bool) {
	if p.cap > 0 && p.LiveCount() >= p.cap {
		return nil, false
	}
	a := p.spawner.Spawn(tick)
	p.add(a)
	return a, true
}

// Seed adds agents bypassing the cap (initial population).
func (p *Population) Seed(list []*Agent) {
	for _, a := range list {
		p.add(a)
	}
}

func (p *Population) add(a *Agent) {
	p.index[a.ID] = len(p.agents)
	p.agents = append(p.agents, a)
	p.memory.Grow()
}

// Prune removes a defeated agent and its memory row and column. Agents after
// it shift down one position.
func (p *Population) Prune(id AgentID) error {
	k, ok := p.index[id]
	if !ok {
		return fmt.Errorf("prune unknown agent %d: %w", id, ErrInvariantViolation)
	}
	if a := p.agents[k]; a.Size != 0 {
		return fmt.Errorf("prune agent %d with size %d: %w", id, a.Size, ErrInvariantViolation)
	}

	p.agents = append(p.agents[:k], p.agents[k+1:]...)
	p.memory.Remove(k)
	delete(p.index, id)
	for i := k; i < len(p.agents); i++ {
		p.index[p.agents[i].ID] = i
	}
	return nil
}

// TickMotion moves every agent by an independent uniform step in
// [-speed, speed] per axis and clamps it into the arena.
func (p *Population) TickMotion(speed float64) {
	for _, a := range p.agents {
		a.X = clampTo(a.X+entropy.Uniform(p.src, -speed, speed), p.arena)
		a.Y = clampTo(a.Y+entropy.Uniform(p.src, -speed, speed), p.arena)
	}
}

// Check verifies the memory dimensions and the id/index mapping.
func (p *Population) Check() error {
	if p.memory.Len() != len(p.agents) || !p.memory.Square() {
		return fmt.Errorf("memory is %d wide for %d agents: %w", p.memory.Len(), len(p.agents), ErrInvariantViolation)
	}
	if len(p.index) != len(p.agents) {
		return fmt.Errorf("index has %d entries for %d agents: %w", len(p.index), len(p.agents), ErrInvariantViolation)
	}
	for i, a := range p.agents {
		if j, ok := p.index[a.ID]; !ok || j != i {
			return fmt.Errorf("agent %d indexed at %d, stored at %d: %w", a.ID, j, i, ErrInvariantViolation)
		}
		if a.Size < 0 {
			return fmt.Errorf("agent %d has negative size %d: %w", a.ID, a.Size, ErrInvariantViolation)
		}
	}
	return nil
}

func clampTo(v, limit float64) float64 {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}
