// Command dotsim runs the economic dots simulation: agents with pluggable
// game strategies moving, trading blows and surviving economic shocks.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dotsim",
		Short: "Economic agent game-theory simulation",
		Long: `dotsim simulates a population of economic agents ("dots") that move in
a bounded arena, play a repeated prisoner's dilemma with nearby agents and
are subject to antitrust, consumption, bailouts and economic shocks.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides config)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newEventsCmd(),
		newHistoryCmd(),
		newRunsCmd(),
		newStrategiesCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"version": version})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "dotsim version %s\n", version)
			}
		},
	}
}

// setupLogging installs the default slog text logger.
func setupLogging(w io.Writer, level slog.Level) {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
