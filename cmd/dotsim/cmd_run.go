package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/talgya/dotsim/internal/api"
	"github.com/talgya/dotsim/internal/config"
	"github.com/talgya/dotsim/internal/engine"
	"github.com/talgya/dotsim/internal/entropy"
	"github.com/talgya/dotsim/internal/legend"
	"github.com/talgya/dotsim/internal/persistence"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation",
		Long: `Run the simulation until interrupted or until --ticks ticks have run.

Settings come from the YAML config file, then DOTSIM_* environment
variables, then flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			setupLogging(cmd.ErrOrStderr(), cfg.SlogLevel())
			printLegend, _ := cmd.Flags().GetBool("legend")
			return runSimulation(cmd, cfg, printLegend)
		},
	}

	cmd.Flags().String("config", "dotsim.yaml", "Path to the YAML config file")
	cmd.Flags().Int64("seed", 0, "Random seed (0 picks one)")
	cmd.Flags().Uint64("ticks", 0, "Stop after this many ticks (0 = run until interrupted)")
	cmd.Flags().String("addr", "", "HTTP API listen address (empty keeps the config value)")
	cmd.Flags().Bool("no-api", false, "Disable the HTTP API")
	cmd.Flags().Duration("interval", 0, "Tick interval (e.g. 50ms, 0s for headless)")
	cmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().Bool("legend", false, "Print the player legend to stdout")
	return cmd
}

// loadConfig layers file, environment and flags, then validates.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("seed") {
		cfg.Seed, _ = flags.GetInt64("seed")
	}
	if flags.Changed("ticks") {
		cfg.MaxTicks, _ = flags.GetUint64("ticks")
	}
	if flags.Changed("addr") {
		cfg.APIAddr, _ = flags.GetString("addr")
	}
	if noAPI, _ := flags.GetBool("no-api"); noAPI {
		cfg.APIAddr = ""
	}
	if flags.Changed("interval") {
		cfg.TickInterval, _ = flags.GetDuration("interval")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("db") {
		cfg.DBPath, _ = flags.GetString("db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runSimulation(cmd *cobra.Command, cfg *config.Config, printLegend bool) error {
	src := entropy.New(cfg.Seed)
	sim := engine.NewSimulation(cfg, src, src.Seed())

	// ── Database ──────────────────────────────────────────────────────
	var db *persistence.DB
	if cfg.DBPath != "" {
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
		}
		var err error
		db, err = persistence.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.StartRun(sim.RunID.String(), sim.Seed, cfg); err != nil {
			return err
		}
		sim.AddEventLog(db)
		slog.Info("database opened", "path", cfg.DBPath)
	}

	// ── Visualizers ───────────────────────────────────────────────────
	var async []*engine.AsyncVisualizer
	addAsync := func(v engine.Visualizer) {
		av := engine.NewAsyncVisualizer(v, 16)
		async = append(async, av)
		sim.AddVisualizer(av)
	}
	addAsync(&legend.Logger{Every: cfg.LegendEvery})
	if printLegend {
		addAsync(&legend.Printer{W: cmd.OutOrStdout(), Every: max(cfg.LegendEvery, 1)})
	}

	eng := engine.NewEngine(sim.Step, cfg.TickInterval)
	eng.MaxTicks = cfg.MaxTicks
	eng.OnTick = func(n uint64) {
		if db != nil && cfg.SaveEvery > 0 && n%cfg.SaveEvery == 0 {
			if err := db.SaveState(sim); err != nil {
				slog.Error("periodic save failed", "error", err)
			}
		}
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	var apiServer *api.Server
	if cfg.APIAddr != "" {
		if cfg.AdminKey == "" {
			slog.Warn("DOTSIM_ADMIN_KEY not set, admin POST endpoints are disabled")
		}
		hub := api.NewHub()
		defer hub.Close()
		sim.AddVisualizer(hub)

		apiServer = &api.Server{
			Sim:      sim,
			Eng:      eng,
			DB:       db,
			Hub:      hub,
			Addr:     cfg.APIAddr,
			AdminKey: cfg.AdminKey,
		}
		apiServer.Start()
	}

	// ── Start ─────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		eng.Stop()
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "dotsim run %s: %d agents, cap %d, seed %d\n",
		sim.RunID, cfg.NumAgents, cfg.PopulationCap, sim.Seed)
	if cfg.APIAddr != "" {
		fmt.Fprintf(out, "API: http://localhost%s/api/v1/status\n", cfg.APIAddr)
	}

	started := time.Now()
	runErr := eng.Run(cmd.Context())

	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(ctx); err != nil {
			slog.Warn("HTTP shutdown", "error", err)
		}
		cancel()
	}
	for _, av := range async {
		av.Close()
	}

	// Final save on shutdown, also after a fatal tick.
	if db != nil {
		if err := db.SaveState(sim); err != nil {
			slog.Error("final save failed", "error", err)
		}
	}

	snap := sim.Snapshot()
	fmt.Fprintf(out, "Stopped after %s ticks (%s): %d agents, total value %s, %s interactions, %d rare events.\n",
		humanize.Comma(int64(snap.Tick)),
		time.Since(started).Round(time.Millisecond),
		snap.Population,
		humanize.Comma(snap.TotalSize),
		humanize.Comma(int64(snap.Counters.Interactions)),
		snap.Counters.RareEvents,
	)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("simulation aborted: %w", runErr)
	}
	return nil
}
