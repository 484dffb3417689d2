// Package cache is the content-addressed response cache for upstream
// model calls, plus the append-only cost ledger. A durable store holds
// the source of truth; an optional hot tier answers repeated lookups
// without touching it. Repeated work is free: a hit returns the stored
// response at zero cost.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/incentix/incentix/internal/models"
)

// Params are the request knobs folded into a completion's cache
// identity. The document tag is deliberately not part of the key:
// identical prompts share one entry regardless of which budget they
// were billed against.
type Params struct {
	Temperature float64
	MaxTokens   *int
	Structured  bool
}

// canonical renders the params as JSON with sorted keys so that
// logically equal requests hash identically.
func (p Params) canonical() string {
	fields := map[string]interface{}{
		"temperature":     p.Temperature,
		"max_tokens":      p.MaxTokens,
		"response_format": nil,
	}
	if p.Structured {
		fields["response_format"] = map[string]string{"type": "json_object"}
	}
	data, _ := json.Marshal(fields)
	return string(data)
}

// CompletionKey addresses a chat response by model, canonical prompt
// and canonical params.
func CompletionKey(prompt, model string, params Params) string {
	return hashText(model + "::" + prompt + "::" + params.canonical())
}

// EmbeddingKey addresses an embedding by model and input text.
func EmbeddingKey(text, model string) string {
	return hashText(model + "::" + text)
}

// PromptHash identifies the prompt alone, for lookups across params.
func PromptHash(prompt string) string {
	return hashText(prompt)
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Completion is a cached chat response as handed back to the client.
type Completion struct {
	Text            string
	Object          json.RawMessage
	InputTokens     int
	OutputTokens    int
	OriginalCostEUR float64
}

// Embedding is a cached embedding response.
type Embedding struct {
	Vector          []float32
	Dimension       int
	Tokens          int
	OriginalCostEUR float64
}

// Cache fronts the durable ResponseStore with an optional hot tier.
// Hot-tier failures are logged and ignored; the durable tier decides.
type Cache struct {
	store  ResponseStore
	hot    HotTier
	logger *zap.Logger
}

func New(store ResponseStore, hot HotTier, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, hot: hot, logger: logger}
}

// GetCompletion returns the cached completion or nil on a miss. A hit
// bumps the row's last-accessed timestamp and access counter.
func (c *Cache) GetCompletion(ctx context.Context, prompt, model string, params Params) (*Completion, error) {
	key := CompletionKey(prompt, model, params)

	if entry, ok := c.hotGet(ctx, hotChatKey(key)); ok {
		var comp Completion
		if err := json.Unmarshal(entry, &comp); err == nil {
			if err := c.store.TouchCompletion(ctx, key); err != nil {
				c.logger.Warn("Completion access bump failed", zap.Error(err))
			}
			return &comp, nil
		}
	}

	row, err := c.store.GetCompletion(ctx, key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	if err := c.store.TouchCompletion(ctx, key); err != nil {
		c.logger.Warn("Completion access bump failed", zap.Error(err))
	}

	comp := &Completion{
		Text:            row.ResponseText,
		Object:          json.RawMessage(row.ResponseJSON),
		InputTokens:     row.InputTokens,
		OutputTokens:    row.OutputTokens,
		OriginalCostEUR: row.CostEUR,
	}
	c.hotSet(ctx, hotChatKey(key), comp)
	return comp, nil
}

// PutCompletion stores a completion, replacing any previous entry
// under the same key.
func (c *Cache) PutCompletion(ctx context.Context, prompt, model string, params Params, comp *Completion) error {
	key := CompletionKey(prompt, model, params)
	now := time.Now().UTC()

	row := &models.CompletionCache{
		CacheKey:     key,
		Model:        model,
		PromptHash:   PromptHash(prompt),
		ResponseText: comp.Text,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
		CostEUR:      comp.OriginalCostEUR,
		LastAccessed: now,
		AccessCount:  1,
	}
	if len(comp.Object) > 0 {
		row.ResponseJSON = []byte(comp.Object)
	}

	if err := c.store.PutCompletion(ctx, row); err != nil {
		return err
	}
	c.hotSet(ctx, hotChatKey(key), comp)
	return nil
}

// GetEmbedding returns the cached embedding or nil on a miss.
func (c *Cache) GetEmbedding(ctx context.Context, text, model string) (*Embedding, error) {
	key := EmbeddingKey(text, model)

	if entry, ok := c.hotGet(ctx, hotEmbedKey(key)); ok {
		var emb Embedding
		if err := json.Unmarshal(entry, &emb); err == nil {
			if err := c.store.TouchEmbedding(ctx, key); err != nil {
				c.logger.Warn("Embedding access bump failed", zap.Error(err))
			}
			return &emb, nil
		}
	}

	row, err := c.store.GetEmbedding(ctx, key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	if err := c.store.TouchEmbedding(ctx, key); err != nil {
		c.logger.Warn("Embedding access bump failed", zap.Error(err))
	}

	vec, err := row.Vector()
	if err != nil {
		c.logger.Warn("Cached embedding is unreadable, treating as miss",
			zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	emb := &Embedding{
		Vector:          vec,
		Dimension:       row.Dimension,
		Tokens:          row.Tokens,
		OriginalCostEUR: row.CostEUR,
	}
	c.hotSet(ctx, hotEmbedKey(key), emb)
	return emb, nil
}

func (c *Cache) PutEmbedding(ctx context.Context, text, model string, emb *Embedding) error {
	key := EmbeddingKey(text, model)
	now := time.Now().UTC()

	row := &models.EmbeddingCache{
		TextHash:     key,
		Model:        model,
		Tokens:       emb.Tokens,
		CostEUR:      emb.OriginalCostEUR,
		LastAccessed: now,
		AccessCount:  1,
	}
	if err := row.SetVector(emb.Vector); err != nil {
		return err
	}

	if err := c.store.PutEmbedding(ctx, row); err != nil {
		return err
	}
	c.hotSet(ctx, hotEmbedKey(key), emb)
	return nil
}

// RecordCost appends one ledger row. Rows are written only after a
// successful receive, so the ledger never holds partial calls.
func (c *Cache) RecordCost(ctx context.Context, model, operation string, inputTokens, outputTokens int, costEUR float64, fromCache bool) error {
	row := &models.CostEntry{
		Date:         time.Now().UTC().Format("2006-01-02"),
		Model:        model,
		Operation:    operation,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostEUR:      costEUR,
		FromCache:    fromCache,
	}
	return c.store.AppendCost(ctx, row)
}

// Stats aggregates the ledger for one day. An empty date means today
// (UTC).
func (c *Cache) Stats(ctx context.Context, date string) (*models.DailyStats, error) {
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	return c.store.Stats(ctx, date)
}

func (c *Cache) hotGet(ctx context.Context, key string) ([]byte, bool) {
	if c.hot == nil {
		return nil, false
	}
	return c.hot.Get(ctx, key)
}

func (c *Cache) hotSet(ctx context.Context, key string, v interface{}) {
	if c.hot == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hot.Set(ctx, key, data)
}

func hotChatKey(key string) string  { return "chat:" + key }
func hotEmbedKey(key string) string { return "embed:" + key }
