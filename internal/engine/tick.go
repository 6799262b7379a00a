// Package engine provides the tick-based simulation loop and the per-tick
// state machine: shocks, spawning, pruning, motion, the interaction sweep and
// snapshots.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Engine drives a step function forward on a timer.
type Engine struct {
	Interval time.Duration // base tick interval; 0 runs as fast as possible
	MaxTicks uint64        // stop after this many ticks; 0 = unbounded

	// Step advances one tick. A non-nil error stops the loop.
	Step func(ctx context.Context) error

	// OnTick runs after every successful step with the number of ticks run.
	OnTick func(ticks uint64)

	mu      sync.Mutex
	speed   float64
	running bool
	stop    chan struct{}
	ticks   uint64
}

// NewEngine creates an engine running step at speed 1.
func NewEngine(step func(ctx context.Context) error, interval time.Duration) *Engine {
	return &Engine{
		Interval: interval,
		Step:     step,
		speed:    1.0,
		stop:     make(chan struct{}),
	}
}

// Speed returns the current multiplier. 0 means paused.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// SetSpeed changes the multiplier. Negative values pause.
func (e *Engine) SetSpeed(v float64) {
	e.mu.Lock()
	e.speed = max(v, 0)
	e.mu.Unlock()
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Ticks returns how many steps completed.
func (e *Engine) Ticks() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticks
}

// Run steps until ctx is done, Stop is called, MaxTicks is reached or a step
// fails. Stop requests are honored between ticks only. The step error is
// returned; a normal stop returns nil.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	slog.Info("simulation engine started", "interval", e.Interval, "max_ticks", e.MaxTicks, "speed", e.Speed())

	for {
		if e.stopped(ctx) {
			break
		}
		if e.MaxTicks > 0 && e.Ticks() >= e.MaxTicks {
			break
		}

		speed := e.Speed()
		if speed <= 0 {
			if !e.sleep(ctx, 100*time.Millisecond) {
				break
			}
			continue
		}

		start := time.Now()
		if err := e.Step(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("simulation step failed", "tick", e.Ticks()+1, "error", err)
			return err
		}

		e.mu.Lock()
		e.ticks++
		n := e.ticks
		e.mu.Unlock()
		if e.OnTick != nil {
			e.OnTick(n)
		}

		if e.Interval > 0 {
			target := time.Duration(float64(e.Interval) / speed)
			if elapsed := time.Since(start); elapsed < target {
				if !e.sleep(ctx, target-elapsed) {
					break
				}
			}
		}
	}

	slog.Info("simulation engine stopped", "ticks", e.Ticks())
	return nil
}

// Stop halts the loop after the current tick. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
}

func (e *Engine) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-e.stop:
		return true
	default:
		return false
	}
}

// sleep waits for d and reports false if interrupted.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-e.stop:
		return false
	}
}
