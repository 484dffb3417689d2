package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	gormlogger "gorm.io/gorm/logger"

	"github.com/incentix/incentix/internal/config"
	"github.com/incentix/incentix/internal/database"
	"github.com/incentix/incentix/internal/logger"
)

// NewSeedCommand creates the demo corpus loader
func NewSeedCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the demo corpus into the database",
		Long: `Create the corpus tables and insert the demo incentives and companies
with deterministic embeddings. Intended for local development; rows that
already exist are left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			if cfg.Database.URL == "" {
				return fmt.Errorf("seed requires a database, set DATABASE_URL")
			}

			log := logger.Get()
			logLevel := gormlogger.Warn
			if verbose {
				logLevel = gormlogger.Info
			}
			if err := database.Initialize(&database.Config{
				DSN:             cfg.Database.URL,
				MaxConnections:  cfg.Database.MaxConnections,
				MaxIdleConns:    cfg.Database.MaxIdleConns,
				ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
				LogLevel:        logLevel,
			}, log); err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer func() { _ = database.Close() }()

			seeder := database.NewSeeder(database.GetDB(), log)
			if err := seeder.SeedAll(ctx); err != nil {
				return err
			}

			fmt.Println("Demo corpus loaded.")
			return nil
		},
	}
}
