package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/econlab/odyssey/internal/returns"
	"github.com/econlab/odyssey/internal/sim"
)

// bitcoinCmd runs the Monte Carlo study of Bitcoin price paths.
var bitcoinCmd = &cobra.Command{
	Use:   "bitcoin",
	Short: "Monte Carlo study of the Bitcoin regime machine",
	Long: `Run many independent Bitcoin price paths and summarize the final price
distribution, crash counts and regime usage.

Examples:
  odyssey bitcoin
  odyssey bitcoin --paths 50000 --rounds 20 --start-price 5000
  odyssey bitcoin --format json`,
	RunE: runBitcoin,
}

var (
	btcPaths      int
	btcRounds     int
	btcSeed       uint64
	btcStartPrice float64
	btcWorkers    int
)

func init() {
	rootCmd.AddCommand(bitcoinCmd)

	def := sim.DefaultStudy()
	bitcoinCmd.Flags().IntVar(&btcPaths, "paths", def.Paths, "Number of price paths")
	bitcoinCmd.Flags().IntVar(&btcRounds, "rounds", 0, "Rounds per path (default: configured game length)")
	bitcoinCmd.Flags().Uint64Var(&btcSeed, "seed", def.Seed, "Study seed")
	bitcoinCmd.Flags().Float64Var(&btcStartPrice, "start-price", 0, "Starting price (default: configured seed price)")
	bitcoinCmd.Flags().IntVar(&btcWorkers, "workers", runtime.NumCPU(), "Concurrent path workers")
}

func runBitcoin(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st := sim.DefaultStudy()
	st.Paths, st.Seed, st.Workers = btcPaths, btcSeed, btcWorkers
	st.Rounds = cfg.Game.MaxRounds
	if btcRounds > 0 {
		st.Rounds = btcRounds
	}
	for _, spec := range cfg.Assets {
		if spec.IsBitcoin() {
			st.Spec = spec
		}
	}
	for _, sp := range cfg.Game.SeedPrices {
		if sp.Asset == returns.Bitcoin {
			st.StartPrice = sp.Price
		}
	}
	if btcStartPrice > 0 {
		st.StartPrice = btcStartPrice
	}

	rep, err := sim.BitcoinStudy(cmd.Context(), st)
	if err != nil {
		return fmt.Errorf("bitcoin study: %w", err)
	}
	return render(cmd.OutOrStdout(), outputFormat, rep, func(t *table) {
		writeBitcoinTable(t, rep)
	})
}
