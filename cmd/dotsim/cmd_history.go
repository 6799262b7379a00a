package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/talgya/dotsim/internal/config"
	"github.com/talgya/dotsim/internal/engine"
	"github.com/talgya/dotsim/internal/persistence"
)

// openDB opens the database named by --db, falling back to the default path.
func openDB(cmd *cobra.Command) (*persistence.DB, error) {
	path, _ := cmd.Flags().GetString("db")
	if path == "" {
		path = config.Default().DBPath
	}
	return persistence.Open(path)
}

// resolveRun returns --run or the most recent run.
func resolveRun(cmd *cobra.Command, db *persistence.DB) (string, error) {
	if run, _ := cmd.Flags().GetString("run"); run != "" {
		return run, nil
	}
	run, err := db.LatestRun()
	if errors.Is(err, persistence.ErrNoRuns) {
		return "", fmt.Errorf("no runs recorded yet; start one with 'dotsim run'")
	}
	return run, err
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recorded events of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			run, err := resolveRun(cmd, db)
			if err != nil {
				return err
			}
			kind, _ := cmd.Flags().GetString("kind")
			limit, _ := cmd.Flags().GetInt("limit")

			events, err := db.RecentEvents(run, engine.EventKind(kind), limit)
			if err != nil {
				return fmt.Errorf("query events: %w", err)
			}

			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return writeJSONOut(cmd.OutOrStdout(), events)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TICK\tKIND\tDESCRIPTION")
			for i := len(events) - 1; i >= 0; i-- {
				e := events[i]
				fmt.Fprintf(w, "%d\t%s\t%s\n", e.Tick, e.Kind, e.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("run", "", "Run id (default: latest run)")
	cmd.Flags().String("kind", "", "Only show events of this kind (e.g. consumed, market_crash)")
	cmd.Flags().Int("limit", 50, "Maximum number of events")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show saved statistics of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			run, err := resolveRun(cmd, db)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			points, err := db.StatsHistory(run, limit)
			if err != nil {
				return fmt.Errorf("query stats: %w", err)
			}
			counts, err := db.EventCounts(run)
			if err != nil {
				return fmt.Errorf("query event counts: %w", err)
			}

			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return writeJSONOut(cmd.OutOrStdout(), map[string]any{
					"run":    run,
					"stats":  points,
					"events": counts,
				})
			}
			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(w, "TICK\tPOP\tTOTAL\tGAMES\tCOOP\tEXPLOIT\tMUTUAL\tDEFEATED\tSHOCKS\t")
			for _, p := range points {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t\n",
					humanize.Comma(int64(p.Tick)), p.Population, humanize.Comma(p.TotalSize),
					humanize.Comma(int64(p.Interactions)), humanize.Comma(int64(p.Cooperated)),
					humanize.Comma(int64(p.Exploited)), humanize.Comma(int64(p.Mutual)),
					p.Defeated, p.RareEvents)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nrun %s: %d spawned, %d defeated, %d bailed out, %d consumed, %d antitrust splits\n",
				run, counts[engine.AgentSpawned], counts[engine.AgentDefeated], counts[engine.AgentBailedOut],
				counts[engine.Consumed], counts[engine.AntitrustApplied])
			return nil
		},
	}
	cmd.Flags().String("run", "", "Run id (default: latest run)")
	cmd.Flags().Int("limit", 30, "Maximum number of samples")
	return cmd
}

func newRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := db.Runs()
			if err != nil {
				return fmt.Errorf("query runs: %w", err)
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return writeJSONOut(cmd.OutOrStdout(), runs)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSEED\tSTARTED\tLAST TICK")
			for _, r := range runs {
				started := r.StartedAt
				if t, err := time.Parse(time.RFC3339, r.StartedAt); err == nil {
					started = humanize.Time(t)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.ID, r.Seed, started, humanize.Comma(int64(r.LastTick)))
			}
			return w.Flush()
		},
	}
}
