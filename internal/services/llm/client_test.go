package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/incentix/incentix/internal/errs"
	"github.com/incentix/incentix/internal/services/budget"
	"github.com/incentix/incentix/internal/services/cache"
	"github.com/incentix/incentix/internal/services/pricing"
	"github.com/incentix/incentix/internal/services/providers"
)

// wordCounter treats every whitespace-separated word as one token,
// which keeps budget arithmetic exact in tests.
type wordCounter struct{}

func (wordCounter) Count(text, model string) int { return len(strings.Fields(text)) }

type fakePrices struct{ prices pricing.ModelPrices }

func (f fakePrices) Prices(_ context.Context, _ string) pricing.ModelPrices { return f.prices }

type fakeUpstream struct {
	mu         sync.Mutex
	chatQueue  []*providers.ChatResponse
	chatErr    error
	chatCalls  int
	lastChat   *providers.ChatRequest
	embedResp  *providers.EmbeddingsResponse
	embedErr   error
	embedCalls int
}

func (f *fakeUpstream) ChatCompletion(_ context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	f.lastChat = req
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	i := f.chatCalls - 1
	if i >= len(f.chatQueue) {
		i = len(f.chatQueue) - 1
	}
	return f.chatQueue[i], nil
}

func (f *fakeUpstream) Embeddings(_ context.Context, _ *providers.EmbeddingsRequest) (*providers.EmbeddingsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.embedResp, nil
}

func (f *fakeUpstream) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatCalls
}

func chatResp(text string, in, out int) *providers.ChatResponse {
	return &providers.ChatResponse{
		Choices: []providers.Choice{{Message: providers.Message{Role: "assistant", Content: text}}},
		Usage:   providers.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}
}

func intPtr(n int) *int { return &n }

func newTestClient(upstream Upstream, prices pricing.ModelPrices, docCapEUR float64, cfg Config) (*Client, *cache.Cache, *budget.DocTracker) {
	responses := cache.New(cache.NewMemoryStore(), nil, zap.NewNop())
	docs := budget.NewDocTracker(docCapEUR)
	client := NewClient(upstream, fakePrices{prices}, wordCounter{}, responses, docs, zap.NewNop(), cfg)
	return client, responses, docs
}

// Prices roughly matching gpt-4o-mini in EUR per million tokens.
var miniPrices = pricing.ModelPrices{InputPerM: 0.1395, OutputPerM: 0.558, EmbeddingPerM: 0.0186}

func TestChat_SecondIdenticalCallIsFree(t *testing.T) {
	upstream := &fakeUpstream{chatQueue: []*providers.ChatResponse{chatResp("resposta do modelo", 1000, 200)}}
	client, responses, _ := newTestClient(upstream, miniPrices, 0, Config{})
	ctx := context.Background()

	req := &ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "és um assistente"},
			{Role: "user", Content: "qual é o incentivo certo?"},
		},
		Model:       "gpt-4o-mini",
		Temperature: 0.3,
	}

	first, err := client.Chat(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, "resposta do modelo", first.Text)
	assert.Equal(t, 1000, first.InputTokens)
	assert.Equal(t, 200, first.OutputTokens)
	wantCost := 1000.0/1e6*miniPrices.InputPerM + 200.0/1e6*miniPrices.OutputPerM
	assert.InDelta(t, wantCost, first.CostEUR, 1e-9)

	second, err := client.Chat(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Text, second.Text)
	assert.Zero(t, second.CostEUR)
	assert.Equal(t, 1, upstream.calls())

	// Ledger: one paid row plus a hit row at eur=0, so the daily total
	// is real spend only and the repeat shows up as a hit.
	stats, err := responses.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.InDelta(t, wantCost, stats.TotalCostEUR, 1e-9)
}

func TestChat_SuppliedMaxTokensOverCapIsRejected(t *testing.T) {
	upstream := &fakeUpstream{chatQueue: []*providers.ChatResponse{chatResp("x", 1, 1)}}
	// 1 EUR per million both ways makes the arithmetic obvious.
	client, responses, _ := newTestClient(upstream, pricing.ModelPrices{InputPerM: 1, OutputPerM: 1}, 0,
		Config{RequestCapEUR: 0.30})
	ctx := context.Background()

	// 100 input words + 400_000 requested output = 0.4001 EUR projected.
	req := &ChatRequest{
		Messages:  []providers.Message{{Role: "user", Content: strings.Repeat("palavra ", 100)}},
		Model:     "gpt-4o-mini",
		MaxTokens: intPtr(400_000),
	}

	_, err := client.Chat(ctx, req)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindBudgetExceeded))
	assert.Equal(t, 0, upstream.calls(), "call must be rejected before dispatch")

	var coreErr *errs.Error
	require.True(t, errors.As(err, &coreErr))
	assert.Equal(t, "gpt-4o-mini", coreErr.Model)
	assert.Equal(t, 400_000, coreErr.OutputTokens)

	// A rejected call leaves no trace: no paid ledger row, no cache entry.
	stats, err := responses.Stats(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, stats.CacheMisses)
	assert.Zero(t, stats.TotalCostEUR)

	cached, err := responses.GetCompletion(ctx, flattenMessages(req.Messages), req.Model,
		cache.Params{MaxTokens: req.MaxTokens})
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestChat_OversizedPromptShrinksThenFits(t *testing.T) {
	upstream := &fakeUpstream{chatQueue: []*providers.ChatResponse{chatResp("resposta", 903, 100)}}
	// 30 EUR per million input: 20k words cost 0.60 EUR, over the cap;
	// shrunk to ~900 words they cost ~0.027 EUR.
	prices := pricing.ModelPrices{InputPerM: 30, OutputPerM: 30}
	client, _, _ := newTestClient(upstream, prices, 0, Config{RequestCapEUR: 0.30})
	ctx := context.Background()

	req := &ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "és um assistente"},
			{Role: "user", Content: strings.Repeat("palavra ", 20_000)},
		},
		Model:       "gpt-4o-mini",
		Temperature: 0,
	}

	first, err := client.Chat(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	require.Equal(t, 1, upstream.calls())

	sent := upstream.lastChat.Messages
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].Content, strings.TrimSpace(budget.ShrinkSentinel))
	assert.Less(t, len(sent[1].Content), len(req.Messages[1].Content))

	// The caller's request must not be mutated by the shrink.
	assert.Equal(t, 20_000, len(strings.Fields(req.Messages[1].Content)))

	// An identical oversized request shrinks to the same prompt and
	// hits the cache.
	second, err := client.Chat(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Zero(t, second.CostEUR)
	assert.Equal(t, 1, upstream.calls())
}

func TestChat_UnshrinkableBudgetIsRejected(t *testing.T) {
	upstream := &fakeUpstream{chatQueue: []*providers.ChatResponse{chatResp("x", 1, 1)}}
	// Even ~900 words at 1000 EUR per million cost ~0.9 EUR.
	prices := pricing.ModelPrices{InputPerM: 1000, OutputPerM: 1000}
	client, responses, _ := newTestClient(upstream, prices, 0, Config{RequestCapEUR: 0.30})
	ctx := context.Background()

	req := &ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: strings.Repeat("palavra ", 20_000)}},
		Model:    "gpt-4o-mini",
	}

	_, err := client.Chat(ctx, req)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindBudgetExceeded))
	assert.Equal(t, 0, upstream.calls())

	// No paid ledger row and no cache entry survive the rejection.
	stats, err := responses.Stats(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, stats.CacheMisses)
	assert.Zero(t, stats.TotalCostEUR)

	cached, err := responses.GetCompletion(ctx, flattenMessages(req.Messages), req.Model, cache.Params{})
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestChat_DocumentBudgetAccumulates(t *testing.T) {
	upstream := &fakeUpstream{chatQueue: []*providers.ChatResponse{
		chatResp("primeira", 1001, 999),
		chatResp("segunda", 1001, 999),
	}}
	// (1001 + 999) tokens at 100 EUR per million = 0.20 EUR per call.
	prices := pricing.ModelPrices{InputPerM: 100, OutputPerM: 100}
	client, _, docs := newTestClient(upstream, prices, 0.30, Config{RequestCapEUR: 0.25})
	ctx := context.Background()

	mkReq := func(q string) *ChatRequest {
		return &ChatRequest{
			Messages:  []providers.Message{{Role: "user", Content: strings.Repeat(q+" ", 1000)}},
			Model:     "gpt-4o-mini",
			MaxTokens: intPtr(999),
			DocTag:    "rerank_inc-42",
		}
	}

	first, err := client.Chat(ctx, mkReq("uma"))
	require.NoError(t, err)
	assert.InDelta(t, 0.20, first.CostEUR, 1e-9)
	assert.InDelta(t, 0.20, docs.Spent("rerank_inc-42"), 1e-9)

	// Second distinct question projects another 0.20 EUR; 0.40 > 0.30.
	_, err = client.Chat(ctx, mkReq("outra"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindDocumentBudgetExceeded))
	assert.Equal(t, 1, upstream.calls())

	// A different document tag is unaffected.
	reqOther := mkReq("outra")
	reqOther.DocTag = "rerank_inc-7"
	_, err = client.Chat(ctx, reqOther)
	require.NoError(t, err)
}

func TestChat_UpstreamErrorSurfaces(t *testing.T) {
	upstream := &fakeUpstream{chatErr: errors.New("connection refused")}
	client, _, _ := newTestClient(upstream, miniPrices, 0, Config{})

	_, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "olá"}},
		Model:    "gpt-4o-mini",
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUpstreamFailure))
}

func TestChat_StructuredRepairedByJSONRepair(t *testing.T) {
	// Single quotes: strict decoding fails, the repairer fixes it
	// without a second upstream call.
	upstream := &fakeUpstream{chatQueue: []*providers.ChatResponse{
		chatResp(`{'rankings': [{'company_index': 1, 'score': 8, 'reason': 'CAE compatível'}]}`, 500, 60),
	}}
	client, _, _ := newTestClient(upstream, miniPrices, 0, Config{})

	result, err := client.Chat(context.Background(), &ChatRequest{
		Messages:   []providers.Message{{Role: "user", Content: "avalia"}},
		Model:      "gpt-4o-mini",
		Structured: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, upstream.calls())
	require.NotEmpty(t, result.Object)
	assert.JSONEq(t,
		`{"rankings":[{"company_index":1,"score":8,"reason":"CAE compatível"}]}`,
		string(result.Object))
}

func TestChat_StructuredRepairRePrompt(t *testing.T) {
	upstream := &fakeUpstream{chatQueue: []*providers.ChatResponse{
		chatResp("Desculpa, não posso responder em JSON.", 500, 40),
		chatResp(`{"rankings":[{"company_index":1,"score":7.5,"reason":"sector próximo"}]}`, 560, 50),
	}}
	client, responses, _ := newTestClient(upstream, miniPrices, 0, Config{})
	ctx := context.Background()

	req := &ChatRequest{
		Messages:    []providers.Message{{Role: "user", Content: "avalia as empresas"}},
		Model:       "gpt-4o-mini",
		Temperature: 0,
		Structured:  true,
	}

	result, err := client.Chat(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.calls())

	// The repair conversation carries the invalid answer and a
	// Portuguese instruction.
	repairMsgs := upstream.lastChat.Messages
	require.Len(t, repairMsgs, 3)
	assert.Equal(t, "assistant", repairMsgs[1].Role)
	assert.Equal(t, "Desculpa, não posso responder em JSON.", repairMsgs[1].Content)
	assert.Contains(t, repairMsgs[2].Content, "JSON válido")

	// Cost sums both upstream calls.
	wantCost := (500.0*miniPrices.InputPerM+40.0*miniPrices.OutputPerM)/1e6 +
		(560.0*miniPrices.InputPerM+50.0*miniPrices.OutputPerM)/1e6
	assert.InDelta(t, wantCost, result.CostEUR, 1e-9)
	assert.JSONEq(t,
		`{"rankings":[{"company_index":1,"score":7.5,"reason":"sector próximo"}]}`,
		string(result.Object))

	// The valid response is cached under the original request key.
	third, err := client.Chat(ctx, req)
	require.NoError(t, err)
	assert.True(t, third.FromCache)
	assert.JSONEq(t, string(result.Object), string(third.Object))
	assert.Equal(t, 2, upstream.calls())

	// Both paid calls are in the ledger.
	stats, err := responses.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.CacheMisses)
	assert.InDelta(t, wantCost, stats.TotalCostEUR, 1e-9)
}

func TestChat_StructuredStillInvalidAfterRepair(t *testing.T) {
	upstream := &fakeUpstream{chatQueue: []*providers.ChatResponse{
		chatResp("não vou responder em JSON", 500, 40),
		chatResp("continuo a não responder em JSON", 540, 40),
	}}
	client, responses, _ := newTestClient(upstream, miniPrices, 0, Config{})
	ctx := context.Background()

	req := &ChatRequest{
		Messages:   []providers.Message{{Role: "user", Content: "avalia"}},
		Model:      "gpt-4o-mini",
		Structured: true,
	}

	_, err := client.Chat(ctx, req)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindParseFailure))
	assert.Equal(t, 2, upstream.calls(), "exactly one repair re-prompt")

	// Nothing was cached: the same request dispatches again.
	_, err = client.Chat(ctx, req)
	require.Error(t, err)
	assert.Equal(t, 4, upstream.calls())

	// Both failed-parse calls still cost money and are on the ledger.
	stats, err := responses.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.CacheMisses)
	assert.Greater(t, stats.TotalCostEUR, 0.0)
}

func TestEmbed_RoundTripAndCache(t *testing.T) {
	upstream := &fakeUpstream{embedResp: &providers.EmbeddingsResponse{
		Data:  []providers.Embedding{{Embedding: []float32{0.1, 0.2, 0.3}}},
		Usage: providers.Usage{PromptTokens: 7, TotalTokens: 7},
	}}
	client, responses, _ := newTestClient(upstream, miniPrices, 0, Config{})
	ctx := context.Background()

	req := &EmbedRequest{Text: "padaria artesanal em braga", Model: "text-embedding-3-small"}

	first, err := client.Embed(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, first.Vector)
	assert.Equal(t, 3, first.Dimension)
	assert.Equal(t, 7, first.Tokens)
	assert.InDelta(t, 7.0/1e6*miniPrices.EmbeddingPerM, first.CostEUR, 1e-12)

	second, err := client.Embed(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Zero(t, second.CostEUR)
	assert.Equal(t, first.Vector, second.Vector)
	assert.Equal(t, 1, upstream.embedCalls)

	// The hit row lands in the ledger at eur=0.
	stats, err := responses.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.InDelta(t, first.CostEUR, stats.TotalCostEUR, 1e-12)
}

func TestEmbed_BudgetExceeded(t *testing.T) {
	upstream := &fakeUpstream{}
	prices := pricing.ModelPrices{EmbeddingPerM: 1000}
	client, _, _ := newTestClient(upstream, prices, 0, Config{RequestCapEUR: 0.30})

	// 400 words at 1000 EUR per million = 0.4 EUR.
	_, err := client.Embed(context.Background(), &EmbedRequest{
		Text:  strings.Repeat("palavra ", 400),
		Model: "text-embedding-3-small",
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindBudgetExceeded))
	assert.Equal(t, 0, upstream.embedCalls)
}

func TestEmbed_DocumentBudget(t *testing.T) {
	upstream := &fakeUpstream{embedResp: &providers.EmbeddingsResponse{
		Data:  []providers.Embedding{{Embedding: []float32{0.5}}},
		Usage: providers.Usage{TotalTokens: 100_000},
	}}
	// 100k tokens at 1 EUR per million = 0.1 EUR per embed.
	prices := pricing.ModelPrices{EmbeddingPerM: 1}
	client, _, docs := newTestClient(upstream, prices, 0.25, Config{RequestCapEUR: 0.30})
	ctx := context.Background()

	embed := func(text string) error {
		_, err := client.Embed(ctx, &EmbedRequest{
			Text:   strings.Repeat(text+" ", 100_000),
			Model:  "text-embedding-3-small",
			DocTag: "rag_query_12345",
		})
		return err
	}

	require.NoError(t, embed("uma"))
	require.NoError(t, embed("duas"))
	assert.InDelta(t, 0.20, docs.Spent("rag_query_12345"), 1e-9)

	err := embed("três")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindDocumentBudgetExceeded))
	assert.Equal(t, 2, upstream.embedCalls)
}

func TestEmbed_UpstreamErrorSurfaces(t *testing.T) {
	upstream := &fakeUpstream{embedErr: errors.New("boom")}
	client, _, _ := newTestClient(upstream, miniPrices, 0, Config{})

	_, err := client.Embed(context.Background(), &EmbedRequest{
		Text: "texto", Model: "text-embedding-3-small",
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUpstreamFailure))
}

func TestFlattenMessages(t *testing.T) {
	prompt := flattenMessages([]providers.Message{
		{Role: "system", Content: "és um assistente"},
		{Role: "user", Content: "olá"},
	})
	assert.Equal(t, "system: és um assistente\nuser: olá", prompt)
}

func TestParseStructured(t *testing.T) {
	t.Run("strict JSON passes", func(t *testing.T) {
		raw, err := parseStructured(`{"a": 1}`)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(raw))
	})

	t.Run("repairable JSON passes", func(t *testing.T) {
		raw, err := parseStructured(`{'a': 1, 'b': [1, 2,]}`)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1,"b":[1,2]}`, string(raw))
	})

	t.Run("arrays pass", func(t *testing.T) {
		raw, err := parseStructured(`[1, 2, 3]`)
		require.NoError(t, err)
		assert.JSONEq(t, `[1,2,3]`, string(raw))
	})

	t.Run("prose fails", func(t *testing.T) {
		_, err := parseStructured("não tenho JSON para dar")
		assert.Error(t, err)
	})

	t.Run("empty fails", func(t *testing.T) {
		_, err := parseStructured("   ")
		assert.Error(t, err)
	})
}
