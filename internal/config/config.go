package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Matching MatchingConfig `mapstructure:"matching"`
	RAG      RAGConfig      `mapstructure:"rag"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// CacheConfig tunes the hot key-value tier in front of the durable
// response cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
}

// UpstreamConfig points at the OpenAI-compatible model endpoint.
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	ChatModel      string        `mapstructure:"chat_model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrent  int64         `mapstructure:"max_concurrent"`
}

type PricingConfig struct {
	// PricesURL is an optional JSON endpoint publishing USD prices per
	// million tokens. Empty means refresh always falls through to the
	// stale-record / hardcoded chain.
	PricesURL       string        `mapstructure:"prices_url"`
	ExchangeRateURL string        `mapstructure:"exchange_rate_url"`
	PriceTTL        time.Duration `mapstructure:"price_ttl"`
	ExchangeTTL     time.Duration `mapstructure:"exchange_ttl"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	ExchangeTimeout time.Duration `mapstructure:"exchange_timeout"`
	FallbackRate    float64       `mapstructure:"fallback_rate"`
}

type BudgetConfig struct {
	RequestCapEUR  float64 `mapstructure:"request_cap_eur"`
	DocumentCapEUR float64 `mapstructure:"document_cap_eur"`
	HardCapOutput  int     `mapstructure:"hard_cap_output"`
	ShrinkTarget   int     `mapstructure:"shrink_target"`
}

type MatchingConfig struct {
	WeightVector  float64 `mapstructure:"weight_vector"`
	WeightLexical float64 `mapstructure:"weight_lexical"`
	WeightLLM     float64 `mapstructure:"weight_llm"`
	PenaltySize   float64 `mapstructure:"penalty_size"`
	PenaltySector float64 `mapstructure:"penalty_sector"`
	PenaltyRegion float64 `mapstructure:"penalty_region"`
	CandidatePool int     `mapstructure:"candidate_pool"`
	TopK          int     `mapstructure:"top_k"`
	RerankLimit   int     `mapstructure:"rerank_limit"`
	UseLLM        bool    `mapstructure:"use_llm"`
	Workers       int     `mapstructure:"workers"`
}

type RAGConfig struct {
	MaxDocs         int     `mapstructure:"max_docs"`
	AnswerMaxTokens int     `mapstructure:"answer_max_tokens"`
	ExcerptChars    int     `mapstructure:"excerpt_chars"`
	ConfidenceBoost float64 `mapstructure:"confidence_boost"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/incentix")
	}

	setDefaults()

	viper.SetEnvPrefix("INCENTIX")
	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg = &config
	return cfg, nil
}

func setDefaults() {
	// Database
	viper.SetDefault("database.max_connections", 20)
	viper.SetDefault("database.max_idle_connections", 5)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	// Redis
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 20)

	// Hot cache tier
	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.ttl", "1h")
	viper.SetDefault("cache.max_size", 1000)

	// Upstream endpoint
	viper.SetDefault("upstream.base_url", "https://api.openai.com/v1")
	viper.SetDefault("upstream.chat_model", "gpt-4o-mini")
	viper.SetDefault("upstream.embedding_model", "text-embedding-3-small")
	viper.SetDefault("upstream.timeout", "30s")
	viper.SetDefault("upstream.max_concurrent", 4)

	// Pricing
	viper.SetDefault("pricing.exchange_rate_url", "https://api.exchangerate-api.com/v4/latest/USD")
	viper.SetDefault("pricing.price_ttl", "24h")
	viper.SetDefault("pricing.exchange_ttl", "12h")
	viper.SetDefault("pricing.fetch_timeout", "20s")
	viper.SetDefault("pricing.exchange_timeout", "10s")
	viper.SetDefault("pricing.fallback_rate", 0.93)

	// Budgets
	viper.SetDefault("budget.request_cap_eur", 0.30)
	viper.SetDefault("budget.document_cap_eur", 0.30)
	viper.SetDefault("budget.hard_cap_output", 800)
	viper.SetDefault("budget.shrink_target", 1000)

	// Matching
	viper.SetDefault("matching.weight_vector", 0.50)
	viper.SetDefault("matching.weight_lexical", 0.20)
	viper.SetDefault("matching.weight_llm", 0.30)
	viper.SetDefault("matching.penalty_size", 0.8)
	viper.SetDefault("matching.penalty_sector", 0.7)
	viper.SetDefault("matching.penalty_region", 0.9)
	viper.SetDefault("matching.candidate_pool", 100)
	viper.SetDefault("matching.top_k", 5)
	viper.SetDefault("matching.rerank_limit", 20)
	viper.SetDefault("matching.use_llm", true)
	viper.SetDefault("matching.workers", 8)

	// RAG
	viper.SetDefault("rag.max_docs", 5)
	viper.SetDefault("rag.answer_max_tokens", 800)
	viper.SetDefault("rag.excerpt_chars", 500)
	viper.SetDefault("rag.confidence_boost", 1.2)

	// Logging
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output_path", "")
}

func bindEnvVars() {
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	viper.BindEnv("upstream.base_url", "OPENAI_BASE_URL")
	viper.BindEnv("upstream.api_key", "OPENAI_API_KEY")
	viper.BindEnv("upstream.chat_model", "CHAT_MODEL")
	viper.BindEnv("upstream.embedding_model", "EMBEDDING_MODEL")

	viper.BindEnv("budget.request_cap_eur", "REQUEST_BUDGET_EUR")
	viper.BindEnv("budget.document_cap_eur", "DOCUMENT_BUDGET_EUR")

	viper.BindEnv("pricing.prices_url", "PRICES_URL")
	viper.BindEnv("pricing.exchange_rate_url", "EXCHANGE_RATE_URL")

	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")
}

func Get() *Config {
	return cfg
}
