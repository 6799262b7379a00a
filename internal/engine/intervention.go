package engine

import (
	"fmt"
	"log/slog"
)

// InterventionKind names an operator action.
type InterventionKind string

const (
	InterveneCrash      InterventionKind = "crash"
	InterveneRecession  InterventionKind = "recession"
	InterveneDepression InterventionKind = "depression"
	InterveneSpawn      InterventionKind = "spawn"
)

// maxSpawnIntervention bounds how many agents one spawn request may add.
const maxSpawnIntervention = 20

// Intervention is an operator request applied at the next tick boundary.
type Intervention struct {
	Kind  InterventionKind `json:"kind"`
	Count int              `json:"count,omitempty"` // agents to add for spawn
}

// Validate checks the request shape.
func (iv Intervention) Validate() error {
	if iv.Kind == InterveneSpawn {
		if iv.Count < 1 || iv.Count > maxSpawnIntervention {
			return fmt.Errorf("spawn count must be 1-%d, got %d", maxSpawnIntervention, iv.Count)
		}
		return nil
	}
	if _, err := iv.Shock(); err != nil {
		return fmt.Errorf("unknown intervention %q", iv.Kind)
	}
	return nil
}

// Shock returns the shock a crash, recession or depression request forces.
func (iv Intervention) Shock() (ShockKind, error) {
	return ParseShock(string(iv.Kind))
}

// Enqueue queues an intervention. It takes effect at the start of the next
// tick, never mid-sweep.
func (s *Simulation) Enqueue(iv Intervention) error {
	if err := iv.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = append(s.pending, iv)
	s.mu.Unlock()
	slog.Info("intervention queued", "kind", iv.Kind, "count", iv.Count)
	return nil
}

// Pending returns the number of queued interventions.
func (s *Simulation) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

func (s *Simulation) applyInterventions() {
	s.mu.Lock()
	queue := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, iv := range queue {
		if iv.Kind != InterveneSpawn {
			kind, err := iv.Shock()
			if err != nil {
				slog.Warn("intervention dropped", "kind", iv.Kind, "error", err)
				continue
			}
			s.shocks.Apply(s.state, kind)
			continue
		}
		added := 0
		for i := 0; i < iv.Count; i++ {
			a, ok := s.state.Pop.Spawn(s.state.Tick())
			if !ok {
				break
			}
			s.announceSpawn(a, "was admitted by the operator")
			added++
		}
		slog.Info("spawn intervention", "tick", s.state.Tick(), "requested", iv.Count, "added", added)
	}
}
