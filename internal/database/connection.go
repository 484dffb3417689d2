package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/incentix/incentix/internal/logger"
	"github.com/incentix/incentix/internal/models"
)

var DB *gorm.DB

type Config struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        gormlogger.LogLevel
}

// Initialize opens the connection pool and migrates the tables this
// process owns (response cache, ledger, price cache). The corpus
// tables (incentives, companies, embeddings) belong to the ingestion
// pipeline and are never migrated here.
func Initialize(cfg *Config, log *zap.Logger) error {
	if cfg.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 20
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = gormlogger.Warn
	}
	if log == nil {
		log = logger.Get()
	}

	gormLog := gormlogger.New(
		logger.NewGormLogger(log),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  cfg.LogLevel,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      gormLog,
		PrepareStmt: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	DB = db

	if err := Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func Migrate() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := DB.AutoMigrate(
		&models.CompletionCache{},
		&models.EmbeddingCache{},
		&models.CostEntry{},
		&models.PriceRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate models: %w", err)
	}

	return createIndexes()
}

func createIndexes() error {
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_cost_date ON cost_entries(date)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_cost_created_at ON cost_entries(created_at)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_cost_model_date ON cost_entries(model, date)")
	DB.Exec("CREATE INDEX IF NOT EXISTS idx_llm_prompt ON llm_cache(prompt_hash)")
	return nil
}

func Close() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func GetDB() *gorm.DB {
	return DB
}

func IsHealthy() bool {
	if DB == nil {
		return false
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return false
	}

	return sqlDB.Ping() == nil
}
