package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/incentix/incentix/internal/config"
	"github.com/incentix/incentix/internal/database"
	"github.com/incentix/incentix/internal/logger"
	"github.com/incentix/incentix/internal/services/budget"
	"github.com/incentix/incentix/internal/services/cache"
	"github.com/incentix/incentix/internal/services/llm"
	"github.com/incentix/incentix/internal/services/matching"
	"github.com/incentix/incentix/internal/services/pricing"
	"github.com/incentix/incentix/internal/services/providers"
	"github.com/incentix/incentix/internal/services/rag"
	"github.com/incentix/incentix/internal/services/token"
	"github.com/incentix/incentix/internal/store"
)

var (
	outputJSON bool
	verbose    bool
)

// SetOutputJSON sets the output format preference
func SetOutputJSON(json bool) {
	outputJSON = json
}

// SetVerbose sets verbose output
func SetVerbose(v bool) {
	verbose = v
}

// redisPingTimeout bounds the startup probe so an unreachable Redis
// degrades to the in-memory tier instead of hanging the command.
const redisPingTimeout = 3 * time.Second

// app is the wired service graph behind a command invocation.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	corpus     store.Store
	responses  *cache.Cache
	oracle     *pricing.Oracle
	priceStore pricing.Store
	docs       *budget.DocTracker
	gateway    *llm.Client
	lite       bool

	closers []func()
}

// buildApp wires stores, cache, pricing, budgets and the model gateway
// from the loaded config. Without a database URL it runs in lite mode:
// everything in memory, corpus filled with the demo data.
func buildApp(ctx context.Context) (*app, error) {
	cfg := config.Get()
	log := logger.Get()

	a := &app{cfg: cfg, logger: log}

	var (
		responseStore cache.ResponseStore
		priceStore    pricing.Store
	)

	if cfg.Database.URL == "" {
		a.lite = true
		log.Warn("No database configured, running in lite mode with the demo corpus")

		responseStore = cache.NewMemoryStore()
		priceStore = pricing.NewMemoryStore()

		mem, err := store.NewMemoryStore()
		if err != nil {
			return nil, err
		}
		if err := database.SeedMemoryStore(ctx, mem); err != nil {
			return nil, fmt.Errorf("failed to seed demo corpus: %w", err)
		}
		a.corpus = mem
	} else {
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
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, func() { _ = database.Close() })

		db := database.GetDB()
		responseStore = cache.NewGormStore(db)
		priceStore = pricing.NewGormStore(db)
		a.corpus = store.NewPostgresStore(db)
	}
	a.priceStore = priceStore

	a.responses = cache.New(responseStore, a.buildHotTier(ctx), log)

	fetcher := pricing.NewHTTPFetcher(cfg.Pricing.PricesURL, cfg.Pricing.ExchangeRateURL, cfg.Pricing.FetchTimeout, cfg.Pricing.ExchangeTimeout)
	a.oracle = pricing.NewOracle(priceStore, fetcher, log, pricing.OracleConfig{
		PriceTTL:     cfg.Pricing.PriceTTL,
		RateTTL:      cfg.Pricing.ExchangeTTL,
		FallbackRate: cfg.Pricing.FallbackRate,
	})

	a.docs = budget.NewDocTracker(cfg.Budget.DocumentCapEUR)

	upstream := providers.NewClient(providers.Config{
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Timeout: cfg.Upstream.Timeout,
	}, log)

	a.gateway = llm.NewClient(upstream, a.oracle, token.NewCounter(), a.responses, a.docs, log, llm.Config{
		RequestCapEUR: cfg.Budget.RequestCapEUR,
		HardCapOutput: cfg.Budget.HardCapOutput,
		ShrinkTarget:  cfg.Budget.ShrinkTarget,
		MaxConcurrent: cfg.Upstream.MaxConcurrent,
	})

	return a, nil
}

// buildHotTier picks Redis when configured and reachable, otherwise an
// in-process tier. A disabled cache gets no hot tier at all; the
// durable store still serves repeats.
func (a *app) buildHotTier(ctx context.Context) cache.HotTier {
	cfg := a.cfg
	if !cfg.Cache.Enabled {
		return nil
	}
	if cfg.Redis.URL == "" {
		return cache.NewMemoryTier(cfg.Cache.TTL, cfg.Cache.MaxSize)
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		a.logger.Warn("Invalid Redis URL, using in-memory hot tier", zap.Error(err))
		return cache.NewMemoryTier(cfg.Cache.TTL, cfg.Cache.MaxSize)
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	if cfg.Redis.PoolSize > 0 {
		opts.PoolSize = cfg.Redis.PoolSize
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.logger.Warn("Redis unreachable, using in-memory hot tier", zap.Error(err))
		_ = client.Close()
		return cache.NewMemoryTier(cfg.Cache.TTL, cfg.Cache.MaxSize)
	}

	a.closers = append(a.closers, func() { _ = client.Close() })
	return cache.NewRedisTier(client, cfg.Cache.TTL, a.logger)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

func (a *app) matchEngine() *matching.Engine {
	m := a.cfg.Matching
	reranker := matching.NewReranker(a.gateway, a.cfg.Upstream.ChatModel, a.logger)
	return matching.NewEngine(a.corpus, reranker, a.logger, matching.EngineConfig{
		WeightVector:  m.WeightVector,
		WeightLexical: m.WeightLexical,
		WeightLLM:     m.WeightLLM,
		RerankLimit:   m.RerankLimit,
		Workers:       m.Workers,
		Filter: matching.FilterConfig{
			PenaltySize:   m.PenaltySize,
			PenaltySector: m.PenaltySector,
			PenaltyRegion: m.PenaltyRegion,
		},
	})
}

func (a *app) ragEngine() *rag.Engine {
	r := a.cfg.RAG
	return rag.NewEngine(a.gateway, a.corpus, a.logger, rag.Config{
		ChatModel:       a.cfg.Upstream.ChatModel,
		EmbedModel:      a.cfg.Upstream.EmbeddingModel,
		MaxDocs:         r.MaxDocs,
		AnswerMaxTokens: r.AnswerMaxTokens,
		ExcerptChars:    r.ExcerptChars,
		ConfidenceBoost: r.ConfidenceBoost,
	})
}

// OutputTable outputs data in table format
func OutputTable(headers []string, rows [][]string) {
	if outputJSON {
		// Convert table to JSON structure
		var jsonRows []map[string]string
		for _, row := range rows {
			jsonRow := make(map[string]string)
			for i, cell := range row {
				if i < len(headers) {
					jsonRow[headers[i]] = cell
				}
			}
			jsonRows = append(jsonRows, jsonRow)
		}
		OutputJSON(jsonRows)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	// Print headers
	for i, header := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, header)
	}
	_, _ = fmt.Fprintln(w)

	// Print separator
	for i := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, "---")
	}
	_, _ = fmt.Fprintln(w)

	// Print rows
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				_, _ = fmt.Fprint(w, "\t")
			}
			_, _ = fmt.Fprint(w, cell)
		}
		_, _ = fmt.Fprintln(w)
	}

	_ = w.Flush()
}

// OutputJSON outputs data in JSON format
func OutputJSON(data interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}
