// Package legend renders the player legend: one line per agent followed by
// the run counters.
package legend

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/talgya/dotsim/internal/engine"
)

// Lines returns the legend entries for a snapshot.
func Lines(snap engine.Snapshot) []string {
	out := make([]string, 0, len(snap.Agents)+4)
	for _, a := range snap.Agents {
		out = append(out, fmt.Sprintf("%s  [%s %s]", a.Label, a.Strategy, a.Color))
	}
	out = append(out,
		"Interactions: "+humanize.Comma(int64(snap.Counters.Interactions)),
		"Iterations: "+humanize.Comma(int64(snap.Counters.Iterations)),
		"Total Value: "+humanize.Comma(snap.TotalSize),
		"Rare Events: "+humanize.Comma(int64(snap.Counters.RareEvents)),
	)
	return out
}

// Format renders the legend as a titled block.
func Format(snap engine.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Player Legend (tick %s)\n", humanize.Comma(int64(snap.Tick)))
	for _, line := range Lines(snap) {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// Printer writes the legend every Every ticks. It implements
// engine.Visualizer.
type Printer struct {
	W     io.Writer
	Every uint64
}

// Render prints the legend when the tick is due.
func (p *Printer) Render(snap engine.Snapshot) {
	if p.Every == 0 || snap.Tick%p.Every != 0 {
		return
	}
	if _, err := io.WriteString(p.W, Format(snap)); err != nil {
		slog.Warn("legend write failed", "error", err)
	}
}

// Logger emits a structured legend summary every Every ticks.
type Logger struct {
	Every uint64
}

// Render logs the summary when the tick is due.
func (l *Logger) Render(snap engine.Snapshot) {
	if l.Every == 0 || snap.Tick%l.Every != 0 {
		return
	}
	var leader engine.AgentView
	for _, a := range snap.Agents {
		if a.Size > leader.Size {
			leader = a
		}
	}
	slog.Info("legend",
		"tick", snap.Tick,
		"population", snap.Population,
		"interactions", snap.Counters.Interactions,
		"rare_events", snap.Counters.RareEvents,
		"total_value", snap.TotalSize,
		"leader", leader.Label,
		"leader_strategy", leader.Strategy,
	)
}
