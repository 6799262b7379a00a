package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/talgya/dotsim/internal/entropy"
	"github.com/talgya/dotsim/internal/strategy"
)

type strategyCount struct {
	Strategy string `json:"strategy"`
	Count    int    `json:"count"`
}

func newStrategiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategies",
		Short: "List strategy variants and a sample random assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			players, _ := cmd.Flags().GetInt("players")
			seed, _ := cmd.Flags().GetInt64("seed")
			if players < 0 {
				return fmt.Errorf("--players must be non-negative, got %d", players)
			}

			src := entropy.New(seed)
			counts := make([]int, strategy.NumKinds)
			for i := 0; i < players; i++ {
				counts[strategy.Random(src, strategy.DefaultParams()).Kind()]++
			}

			result := make([]strategyCount, 0, strategy.NumKinds)
			for _, k := range strategy.Kinds() {
				result = append(result, strategyCount{Strategy: k.String(), Count: counts[k]})
			}

			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return writeJSONOut(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Assignment of %d players (seed %d):\n", players, src.Seed())
			for _, r := range result {
				fmt.Fprintf(out, "  %-15s %d\n", r.Strategy, r.Count)
			}
			return nil
		},
	}
	cmd.Flags().Int("players", 20, "Number of players to assign")
	cmd.Flags().Int64("seed", 0, "Random seed (0 picks one)")
	return cmd
}
