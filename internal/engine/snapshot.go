package engine

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/talgya/dotsim/internal/agents"
)

// AgentView is the read-only projection of one agent.
type AgentView struct {
	ID       agents.AgentID `json:"id" db:"id"`
	X        float64        `json:"x" db:"x"`
	Y        float64        `json:"y" db:"y"`
	Size     int64          `json:"size" db:"size"`
	Color    string         `json:"color" db:"color"`
	Strategy string         `json:"strategy" db:"strategy"`
	BornTick uint64         `json:"born_tick" db:"born_tick"`
	Label    string         `json:"label" db:"-"`
}

// StrategyStats aggregates the agents playing one strategy.
type StrategyStats struct {
	Strategy  string `json:"strategy"`
	Agents    int    `json:"agents"`
	TotalSize int64  `json:"total_size"`
}

// Snapshot is an immutable point-in-time view of the simulation.
type Snapshot struct {
	Tick       uint64          `json:"tick"`
	Agents     []AgentView     `json:"agents"`
	Counters   Clock           `json:"counters"`
	Tally      Tally           `json:"tally"`
	TotalSize  int64           `json:"total_size"`
	Population int             `json:"population"`
	Strategies []StrategyStats `json:"strategies"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Agents = append([]AgentView(nil), s.Agents...)
	out.Strategies = append([]StrategyStats(nil), s.Strategies...)
	return out
}

// TakeSnapshot copies the current state.
func TakeSnapshot(st *State) Snapshot {
	list := st.Pop.Agents()
	snap := Snapshot{
		Tick:     st.Tick(),
		Agents:   make([]AgentView, 0, len(list)),
		Counters: st.Clock,
		Tally:    st.Tally,
	}
	byStrategy := make(map[string]*StrategyStats)
	for _, a := range list {
		name := a.StrategyName()
		snap.Agents = append(snap.Agents, AgentView{
			ID:       a.ID,
			X:        a.X,
			Y:        a.Y,
			Size:     a.Size,
			Color:    a.Color.Hex(),
			Strategy: name,
			BornTick: a.BornTick,
			Label:    a.Label(),
		})
		snap.TotalSize += a.Size
		if a.Defeated() {
			continue
		}
		snap.Population++
		ss, ok := byStrategy[name]
		if !ok {
			ss = &StrategyStats{Strategy: name}
			byStrategy[name] = ss
		}
		ss.Agents++
		ss.TotalSize += a.Size
	}
	for _, ss := range byStrategy {
		snap.Strategies = append(snap.Strategies, *ss)
	}
	sort.Slice(snap.Strategies, func(i, j int) bool {
		return snap.Strategies[i].Strategy < snap.Strategies[j].Strategy
	})
	return snap
}

// Visualizer consumes snapshots. It has no influence on the simulation.
type Visualizer interface {
	Render(snap Snapshot)
}

// VisualizerFunc adapts a function to Visualizer.
type VisualizerFunc func(Snapshot)

func (f VisualizerFunc) Render(snap Snapshot) { f(snap) }

// AsyncVisualizer hands snapshots to a wrapped Visualizer on its own
// goroutine. Render never blocks; when the queue is full the snapshot is
// dropped.
type AsyncVisualizer struct {
	next  Visualizer
	queue chan Snapshot

	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncVisualizer starts a worker feeding next. depth <= 0 uses 16.
func NewAsyncVisualizer(next Visualizer, depth int) *AsyncVisualizer {
	if depth <= 0 {
		depth = 16
	}
	v := &AsyncVisualizer{next: next, queue: make(chan Snapshot, depth)}
	v.wg.Add(1)
	go v.worker()
	return v
}

// Render enqueues a snapshot.
func (v *AsyncVisualizer) Render(snap Snapshot) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return
	}
	select {
	case v.queue <- snap:
	default:
		if n := v.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("visualizer queue full, dropping snapshot", "tick", snap.Tick, "dropped", n)
		}
	}
}

// Dropped returns how many snapshots were discarded.
func (v *AsyncVisualizer) Dropped() uint64 {
	return v.dropped.Load()
}

// Close stops accepting snapshots and waits for queued ones to drain.
func (v *AsyncVisualizer) Close() {
	v.mu.Lock()
	if !v.closed {
		v.closed = true
		close(v.queue)
	}
	v.mu.Unlock()
	v.wg.Wait()
}

func (v *AsyncVisualizer) worker() {
	defer v.wg.Done()
	for snap := range v.queue {
		v.render(snap)
	}
}

func (v *AsyncVisualizer) render(snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("visualizer panicked", "tick", snap.Tick, "panic", r)
		}
	}()
	v.next.Render(snap)
}
