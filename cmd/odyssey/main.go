package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/econlab/odyssey/internal/config"
)

var (
	configPath   string
	outputFormat string
)

// rootCmd is the base command for the odyssey CLI.
var rootCmd = &cobra.Command{
	Use:   "odyssey",
	Short: "Investment Odyssey market simulation tools",
	Long: `odyssey runs the Investment Odyssey market model without the server.
It can play a full game with scripted participants or run a Monte Carlo
study of the Bitcoin regime machine.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (default: environment only)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format (table|json|yaml)")
}

// loadConfig reads and validates the shared configuration.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath, configPath == "")
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
