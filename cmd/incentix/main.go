package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/incentix/incentix/cmd/incentix/commands"
	"github.com/incentix/incentix/internal/config"
	"github.com/incentix/incentix/internal/logger"
)

var (
	cfgPath    string
	outputJSON bool
	verbose    bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "incentix",
		Short: "Incentive matching and grounded Q&A over the funding corpus",
		Long: `CLI for the incentive matching service. Ranks companies against a given
public-funding incentive, answers questions grounded on the stored corpus, and
inspects spend, cache and price state. All model calls go through the budgeted
gateway: per-request and per-document EUR caps in front of a durable response
cache.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config directory (default: ., ./config, /etc/incentix)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")

	// Add subcommands
	ctx := context.Background()
	rootCmd.AddCommand(commands.NewMatchCommand(ctx))
	rootCmd.AddCommand(commands.NewAskCommand(ctx))
	rootCmd.AddCommand(commands.NewStatsCommand(ctx))
	rootCmd.AddCommand(commands.NewPricesCommand(ctx))
	rootCmd.AddCommand(commands.NewSeedCommand(ctx))
	rootCmd.AddCommand(commands.NewVersionCommand())

	return rootCmd
}

func initConfig() error {
	// .env is optional; deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	commands.SetOutputJSON(outputJSON)
	commands.SetVerbose(verbose)

	return nil
}
