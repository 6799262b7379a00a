package engine

import (
	"errors"

	"github.com/talgya/dotsim/internal/agents"
)

// ErrInvariantViolation marks a broken simulation invariant. A tick that
// returns it is aborted and the run must stop.
var ErrInvariantViolation = agents.ErrInvariantViolation

// ErrDegenerateState marks a policy that cannot apply to the current
// population (for example redistribution with a single agent). The step is
// skipped and the tick continues.
var ErrDegenerateState = errors.New("degenerate state")

// Fatal reports whether err must stop the simulation.
func Fatal(err error) bool {
	return err != nil && !errors.Is(err, ErrDegenerateState)
}
