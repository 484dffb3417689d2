// Package pricing resolves EUR per-million-token prices for upstream
// models. Prices come from a published price sheet when configured,
// with a persisted cache so they survive restarts, a stale window for
// fetch outages and hard-coded prices as the last resort.
package pricing

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/incentix/incentix/internal/models"
)

const (
	DefaultPriceTTL = 24 * time.Hour
	DefaultRateTTL  = 12 * time.Hour

	// FallbackEURPerUSD is used when the exchange-rate API is down and
	// no cached rate exists.
	FallbackEURPerUSD = 0.93

	// Stale records older than this are not trusted even during
	// outages.
	maxStaleAge = 30 * 24 * time.Hour
)

// ModelPrices carries EUR prices per million tokens. Chat models fill
// the first two fields, embedding models the third.
type ModelPrices struct {
	InputPerM     float64 `json:"input_per_million,omitempty"`
	OutputPerM    float64 `json:"output_per_million,omitempty"`
	EmbeddingPerM float64 `json:"embedding_per_million,omitempty"`
}

// USDPrices carries published USD prices per million tokens as fetched.
type USDPrices struct {
	InputUSD     float64 `json:"input_usd"`
	OutputUSD    float64 `json:"output_usd"`
	EmbeddingUSD float64 `json:"embedding_usd"`
}

// fallbackUSD mirrors the published openai.com prices, updated manually.
var fallbackUSD = map[string]USDPrices{
	"gpt-4o-mini":            {InputUSD: 0.150, OutputUSD: 0.600},
	"text-embedding-3-small": {EmbeddingUSD: 0.020},
}

// Fetcher retrieves published prices and the USD to EUR rate.
type Fetcher interface {
	FetchUSDPrices(ctx context.Context) (map[string]USDPrices, error)
	FetchEURRate(ctx context.Context) (float64, error)
}

// Store persists price records across restarts.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, fetchedAt time.Time, ok bool, err error)
	Put(ctx context.Context, key string, value []byte, fetchedAt time.Time) error
}

type hotEntry struct {
	value     []byte
	fetchedAt time.Time
}

// Oracle answers price lookups, refreshing through the fetcher at most
// once per TTL and collapsing concurrent refreshes per key.
type Oracle struct {
	store        Store
	fetcher      Fetcher
	logger       *zap.Logger
	priceTTL     time.Duration
	rateTTL      time.Duration
	fallbackRate float64

	group singleflight.Group

	mu  sync.RWMutex
	hot map[string]hotEntry
}

// OracleConfig tunes refresh cadence and the last-resort exchange rate.
// Zero values take the package defaults.
type OracleConfig struct {
	PriceTTL     time.Duration
	RateTTL      time.Duration
	FallbackRate float64
}

func NewOracle(store Store, fetcher Fetcher, logger *zap.Logger, cfg OracleConfig) *Oracle {
	if cfg.PriceTTL <= 0 {
		cfg.PriceTTL = DefaultPriceTTL
	}
	if cfg.RateTTL <= 0 {
		cfg.RateTTL = DefaultRateTTL
	}
	if cfg.FallbackRate <= 0 {
		cfg.FallbackRate = FallbackEURPerUSD
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{
		store:        store,
		fetcher:      fetcher,
		logger:       logger,
		priceTTL:     cfg.PriceTTL,
		rateTTL:      cfg.RateTTL,
		fallbackRate: cfg.FallbackRate,
		hot:          make(map[string]hotEntry),
	}
}

// Prices returns EUR prices for the model. It never fails: when both
// the fetcher and the persisted cache are unavailable it falls back to
// hard-coded prices converted at the best known rate.
func (o *Oracle) Prices(ctx context.Context, model string) ModelPrices {
	key := models.PriceKeyPrefix + model

	if entry, ok := o.lookup(ctx, key, o.priceTTL); ok {
		var prices ModelPrices
		if err := json.Unmarshal(entry, &prices); err == nil {
			return prices
		}
	}

	result, _, _ := o.group.Do(key, func() (interface{}, error) {
		return o.refreshPrices(ctx, model, key), nil
	})
	return result.(ModelPrices)
}

// Refresh bypasses the TTL and re-fetches prices for the model.
func (o *Oracle) Refresh(ctx context.Context, model string) ModelPrices {
	key := models.PriceKeyPrefix + model
	result, _, _ := o.group.Do(key+":force", func() (interface{}, error) {
		return o.refreshPrices(ctx, model, key), nil
	})
	return result.(ModelPrices)
}

func (o *Oracle) refreshPrices(ctx context.Context, model, key string) ModelPrices {
	sheet, err := o.fetcher.FetchUSDPrices(ctx)
	if err == nil {
		if usd, ok := sheet[model]; ok {
			prices := o.toEUR(ctx, usd)
			o.save(ctx, key, prices)
			return prices
		}
		o.logger.Warn("Model missing from fetched price sheet",
			zap.String("model", model))
	} else {
		o.logger.Warn("Price fetch failed",
			zap.String("model", model),
			zap.Error(err))
	}

	// Stale record beats hard-coded prices during outages. Rewriting
	// it with a current timestamp keeps every caller from re-hitting
	// the network until the TTL passes again.
	if value, fetchedAt, ok, _ := o.store.Get(ctx, key); ok && time.Since(fetchedAt) <= maxStaleAge {
		var prices ModelPrices
		if err := json.Unmarshal(value, &prices); err == nil {
			o.logger.Warn("Using stale cached prices", zap.String("model", model))
			o.save(ctx, key, prices)
			return prices
		}
	}

	usd, ok := fallbackUSD[model]
	if !ok {
		// Unknown models borrow the nearest hard-coded family.
		if strings.Contains(model, "embedding") {
			usd = fallbackUSD["text-embedding-3-small"]
		} else {
			usd = fallbackUSD["gpt-4o-mini"]
		}
	}
	prices := o.toEUR(ctx, usd)
	o.logger.Warn("Using hardcoded fallback prices", zap.String("model", model))
	o.save(ctx, key, prices)
	return prices
}

// Rate returns EUR per USD, cached for the rate TTL with the same
// stale-then-fallback chain as prices.
func (o *Oracle) Rate(ctx context.Context) float64 {
	if entry, ok := o.lookup(ctx, models.ExchangeRateKey, o.rateTTL); ok {
		var rate float64
		if err := json.Unmarshal(entry, &rate); err == nil && rate > 0 {
			return rate
		}
	}

	result, _, _ := o.group.Do(models.ExchangeRateKey, func() (interface{}, error) {
		return o.refreshRate(ctx), nil
	})
	return result.(float64)
}

func (o *Oracle) refreshRate(ctx context.Context) float64 {
	rate, err := o.fetcher.FetchEURRate(ctx)
	if err == nil && rate > 0 {
		o.save(ctx, models.ExchangeRateKey, rate)
		return rate
	}
	o.logger.Warn("Exchange rate fetch failed", zap.Error(err))

	if value, _, ok, _ := o.store.Get(ctx, models.ExchangeRateKey); ok {
		var stale float64
		if err := json.Unmarshal(value, &stale); err == nil && stale > 0 {
			o.logger.Warn("Using stale cached exchange rate", zap.Float64("eur_per_usd", stale))
			o.save(ctx, models.ExchangeRateKey, stale)
			return stale
		}
	}

	o.logger.Warn("Using fallback exchange rate", zap.Float64("eur_per_usd", o.fallbackRate))
	o.save(ctx, models.ExchangeRateKey, o.fallbackRate)
	return o.fallbackRate
}

func (o *Oracle) toEUR(ctx context.Context, usd USDPrices) ModelPrices {
	rate := o.Rate(ctx)
	return ModelPrices{
		InputPerM:     usd.InputUSD * rate,
		OutputPerM:    usd.OutputUSD * rate,
		EmbeddingPerM: usd.EmbeddingUSD * rate,
	}
}

// lookup consults the in-process copy first, then the persisted store.
func (o *Oracle) lookup(ctx context.Context, key string, ttl time.Duration) ([]byte, bool) {
	o.mu.RLock()
	entry, ok := o.hot[key]
	o.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < ttl {
		return entry.value, true
	}

	value, fetchedAt, ok, err := o.store.Get(ctx, key)
	if err != nil {
		o.logger.Warn("Price store read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok || time.Since(fetchedAt) >= ttl {
		return nil, false
	}

	o.mu.Lock()
	o.hot[key] = hotEntry{value: value, fetchedAt: fetchedAt}
	o.mu.Unlock()
	return value, true
}

func (o *Oracle) save(ctx context.Context, key string, v interface{}) {
	value, err := json.Marshal(v)
	if err != nil {
		return
	}
	now := time.Now().UTC()

	o.mu.Lock()
	o.hot[key] = hotEntry{value: value, fetchedAt: now}
	o.mu.Unlock()

	if err := o.store.Put(ctx, key, value, now); err != nil {
		o.logger.Warn("Price store write failed", zap.String("key", key), zap.Error(err))
	}
}
