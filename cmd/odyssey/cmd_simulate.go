package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/econlab/odyssey/internal/sim"
)

// simulateCmd plays one headless game.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Play a full game with scripted participants",
	Long: `Play a full game from the configured market and print the round history
and final standings. The same seed always produces the same game.

Strategies: cash, even, bitcoin, rebalance.

Examples:
  odyssey simulate --seed 42
  odyssey simulate --players "Ana:even,Ben:bitcoin,Cy:cash" --format json
  odyssey simulate --rounds 5 --format yaml`,
	RunE: runSimulate,
}

var (
	simSeed    uint64
	simSection string
	simPlayers string
	simRounds  int
)

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 1, "Game seed")
	simulateCmd.Flags().StringVar(&simSection, "section", "", "Section label recorded on the results")
	simulateCmd.Flags().StringVar(&simPlayers, "players", "cash,even,bitcoin,rebalance", "Comma-separated players as name:strategy or strategy")
	simulateCmd.Flags().IntVar(&simRounds, "rounds", 0, "Override the configured number of rounds")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	players, err := parsePlayers(simPlayers)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	adv, err := cfg.Advancer()
	if err != nil {
		return err
	}
	gc := cfg.GameConfig()
	if simRounds > 0 {
		gc.MaxRounds = simRounds
	}

	rep, err := sim.RunGame(cmd.Context(), adv, gc, sim.GameOptions{Seed: simSeed, Section: simSection, Players: players})
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	return render(cmd.OutOrStdout(), outputFormat, rep, func(t *table) {
		writeGameTable(t, rep, adv.Model().Names())
	})
}

// parsePlayers reads "name:strategy" pairs. A bare strategy names the player
// after it.
func parsePlayers(s string) ([]sim.Player, error) {
	var out []sim.Player
	seen := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, raw, ok := strings.Cut(part, ":")
		if !ok {
			raw = name
		}
		st, err := sim.ParseStrategy(raw)
		if err != nil {
			return nil, err
		}
		name = strings.TrimSpace(name)
		if !ok {
			name = string(st)
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s-%d", name, n)
		}
		out = append(out, sim.Player{Name: name, Strategy: st})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no players", sim.ErrInvalidOptions)
	}
	return out, nil
}
