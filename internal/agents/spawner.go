// Agent spawning with random wealth, position, strategy and color.
package agents

import (
	"math"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/dotsim/internal/entropy"
	"github.com/talgya/dotsim/internal/strategy"
)

// Initial wealth range for spawned and bailed-out agents: [MinStartSize, MaxStartSize).
const (
	MinStartSize = 10
	MaxStartSize = 25
)

// colorFrequency spaces consecutive ids far enough apart in the noise field
// that neighbours get visibly different colors.
const colorFrequency = 0.61803

// Spawner creates agents for the simulation.
type Spawner struct {
	src    entropy.Source
	nextID AgentID
	arena  float64
	params strategy.Params
	colors opensimplex.Noise
}

// NewSpawner creates an agent spawner drawing from src. The seed only
// shapes the color field.
func NewSpawner(src entropy.Source, seed int64, arena float64, params strategy.Params) *Spawner {
	return &Spawner{
		src:    src,
		nextID: 1,
		arena:  arena,
		params: params,
		colors: opensimplex.NewNormalized(seed),
	}
}

// Spawn creates one agent with a random size, position and strategy.
func (s *Spawner) Spawn(tick uint64) *Agent {
	id := s.nextID
	s.nextID++

	return &Agent{
		ID:       id,
		X:        s.src.Float() * s.arena,
		Y:        s.src.Float() * s.arena,
		Size:     StartSize(s.src),
		Color:    s.colorFor(id),
		Strategy: strategy.Random(s.src, s.params),
		BornTick: tick,
	}
}

// SpawnPopulation creates count agents.
func (s *Spawner) SpawnPopulation(count int, tick uint64) []*Agent {
	out := make([]*Agent, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, s.Spawn(tick))
	}
	return out
}

// StartSize draws a fresh wealth in [MinStartSize, MaxStartSize).
func StartSize(src entropy.Source) int64 {
	return entropy.IntRange(src, MinStartSize, MaxStartSize)
}

func (s *Spawner) colorFor(id AgentID) Color {
	x := float64(id) * colorFrequency
	return Color{
		R: clamp01(s.colors.Eval2(x, 0)),
		G: clamp01(s.colors.Eval2(x, 17.3)),
		B: clamp01(s.colors.Eval2(x, 41.9)),
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
