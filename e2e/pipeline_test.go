package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/incentix/incentix/internal/database"
	"github.com/incentix/incentix/internal/services/budget"
	"github.com/incentix/incentix/internal/services/cache"
	"github.com/incentix/incentix/internal/services/llm"
	"github.com/incentix/incentix/internal/services/matching"
	"github.com/incentix/incentix/internal/services/pricing"
	"github.com/incentix/incentix/internal/services/providers"
	"github.com/incentix/incentix/internal/services/rag"
	"github.com/incentix/incentix/internal/services/token"
	"github.com/incentix/incentix/internal/store"
	"github.com/incentix/incentix/internal/testutil"
)

const (
	testChatModel  = "gpt-4o-mini"
	testEmbedModel = "text-embedding-3-small"
)

// fakeUpstream is an OpenAI-compatible double for the whole suite.
// Structured requests get a rankings payload covering every numbered
// line in the prompt, plain requests get a fixed Portuguese answer,
// and embeddings reuse the demo corpus hashing so retrieval against
// seeded vectors returns meaningful neighbors. It also serves the
// price sheet and the exchange rate, so the pricing path is exercised
// over real HTTP instead of falling back to the built-in table.
type fakeUpstream struct {
	srv        *httptest.Server
	chatCalls  atomic.Int64
	embedCalls atomic.Int64
}

var numberedLine = regexp.MustCompile(`(?m)^\d+\. `)

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", f.handleChat)
	mux.HandleFunc("/embeddings", f.handleEmbeddings)
	mux.HandleFunc("/prices.json", handlePrices)
	mux.HandleFunc("/rates.json", handleRates)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) handleChat(w http.ResponseWriter, r *http.Request) {
	f.chatCalls.Add(1)

	var req providers.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	prompt := ""
	for _, m := range req.Messages {
		prompt += m.Content + "\n"
	}

	text := "Com base nos documentos, o programa apoia projetos de digitalização de PME até 200 mil euros."
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		// One ranking per numbered line; indexes past the company list
		// are ignored by the caller.
		n := len(numberedLine.FindAllString(prompt, -1))
		if n == 0 {
			n = 1
		}
		rankings := make([]map[string]interface{}, 0, n)
		for i := 1; i <= n; i++ {
			rankings = append(rankings, map[string]interface{}{
				"company_index": i,
				"score":         10.0 - 0.5*float64(i-1),
				"reason":        "setor alinhado",
			})
		}
		raw, err := json.Marshal(map[string]interface{}{"rankings": rankings})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		text = string(raw)
	}

	resp := providers.ChatResponse{
		ID:      "chatcmpl-e2e",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
		Usage: providers.Usage{
			PromptTokens:     len(prompt) / 4,
			CompletionTokens: len(text) / 4,
			TotalTokens:      len(prompt)/4 + len(text)/4,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeUpstream) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	f.embedCalls.Add(1)

	var req providers.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data := make([]providers.Embedding, len(req.Input))
	chars := 0
	for i, input := range req.Input {
		chars += len(input)
		data[i] = providers.Embedding{
			Object:    "embedding",
			Index:     i,
			Embedding: database.DemoVector(input, database.DemoVectorDim),
		}
	}
	resp := providers.EmbeddingsResponse{
		Object: "list",
		Data:   data,
		Model:  req.Model,
		Usage:  providers.Usage{PromptTokens: chars / 4, TotalTokens: chars / 4},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func handlePrices(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprint(w, `{"models":{`+
		`"gpt-4o-mini":{"input_usd":0.150,"output_usd":0.600},`+
		`"text-embedding-3-small":{"embedding_usd":0.020}}}`)
}

func handleRates(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprint(w, `{"rates":{"EUR":0.92}}`)
}

// TestIncentiveMatchingPipeline runs the full stack against a real
// pgvector database: seed the demo corpus, rank companies with the
// LLM re-rank, answer a question over the corpus, and read the spend
// back from the ledger. Repeat calls must replay from the response
// cache without touching the upstream.
func TestIncentiveMatchingPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	logger := zap.NewNop()

	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	require.NoError(t, database.NewSeeder(db, logger).SeedAll(ctx))

	upstream := newFakeUpstream(t)

	responses := cache.New(cache.NewGormStore(db), cache.NewMemoryTier(time.Hour, 1000), logger)

	fetcher := pricing.NewHTTPFetcher(upstream.srv.URL+"/prices.json", upstream.srv.URL+"/rates.json", 5*time.Second, 5*time.Second)
	oracle := pricing.NewOracle(pricing.NewGormStore(db), fetcher, logger, pricing.OracleConfig{PriceTTL: 24 * time.Hour, RateTTL: 12 * time.Hour})

	docs := budget.NewDocTracker(0.30)

	gateway := llm.NewClient(
		providers.NewClient(providers.Config{BaseURL: upstream.srv.URL, APIKey: "test-key"}, logger),
		oracle, token.NewCounter(), responses, docs, logger,
		llm.Config{RequestCapEUR: 0.30, HardCapOutput: 800, ShrinkTarget: 1000, MaxConcurrent: 4},
	)

	corpus := store.NewPostgresStore(db)
	engine := matching.NewEngine(corpus,
		matching.NewReranker(gateway, testChatModel, logger), logger, matching.DefaultEngineConfig())

	opts := matching.MatchOptions{TopK: 5, Pool: 8, UseLLM: true}
	var firstRun []matching.Match

	t.Run("prices come from the published sheet", func(t *testing.T) {
		assert.InDelta(t, 0.92, oracle.Rate(ctx), 1e-9)

		prices := oracle.Prices(ctx, testChatModel)
		assert.InDelta(t, 0.150*0.92, prices.InputPerM, 1e-9)
		assert.InDelta(t, 0.600*0.92, prices.OutputPerM, 1e-9)
	})

	t.Run("match ranks the demo corpus", func(t *testing.T) {
		matches, err := engine.Match(ctx, "inc-digital-2024", opts)
		require.NoError(t, err)
		require.Len(t, matches, 5)

		for i := 1; i < len(matches); i++ {
			assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score,
				"matches must come back in descending score order")
		}
		for _, m := range matches {
			assert.True(t, m.LLMUsed)
			assert.NotEmpty(t, m.Explanation)
			assert.GreaterOrEqual(t, m.Score, 0.0)
			assert.LessOrEqual(t, m.Score, 1.0)
		}

		assert.EqualValues(t, 1, upstream.chatCalls.Load(), "one re-rank call expected")
		firstRun = matches
	})

	t.Run("identical match replays from cache", func(t *testing.T) {
		matches, err := engine.Match(ctx, "inc-digital-2024", opts)
		require.NoError(t, err)
		require.Len(t, matches, len(firstRun))

		for i := range matches {
			assert.Equal(t, firstRun[i].Company.CompanyID, matches[i].Company.CompanyID,
				"repeat run must produce the same order")
			assert.InDelta(t, firstRun[i].Score, matches[i].Score, 1e-9)
		}
		assert.EqualValues(t, 1, upstream.chatCalls.Load(),
			"the re-rank must be served from the response cache")
	})

	question := "Que apoios existem para a digitalização de PME?"
	answers := rag.NewEngine(gateway, corpus, logger, rag.Config{
		ChatModel:       testChatModel,
		EmbedModel:      testEmbedModel,
		MaxDocs:         5,
		AnswerMaxTokens: 800,
		ExcerptChars:    500,
		ConfidenceBoost: 1.2,
	})
	var firstAnswer *rag.Result

	t.Run("rag answers with citations", func(t *testing.T) {
		result, err := answers.Answer(ctx, question, 4)
		require.NoError(t, err)

		assert.NotEmpty(t, result.Text)
		assert.NotEmpty(t, result.Sources)
		assert.LessOrEqual(t, len(result.Sources), 4)
		assert.Greater(t, result.Confidence, 0.0)
		assert.LessOrEqual(t, result.Confidence, 1.0)
		assert.Greater(t, result.CostEUR, 0.0)
		assert.EqualValues(t, 1, upstream.embedCalls.Load())

		firstAnswer = result
	})

	t.Run("repeat question costs nothing", func(t *testing.T) {
		embedCalls := upstream.embedCalls.Load()
		chatCalls := upstream.chatCalls.Load()

		result, err := answers.Answer(ctx, question, 4)
		require.NoError(t, err)

		assert.Equal(t, firstAnswer.Text, result.Text)
		assert.Equal(t, 0.0, result.CostEUR)
		assert.Equal(t, embedCalls, upstream.embedCalls.Load())
		assert.Equal(t, chatCalls, upstream.chatCalls.Load())
	})

	t.Run("ledger aggregates the day", func(t *testing.T) {
		stats, err := responses.Stats(ctx, "")
		require.NoError(t, err)

		assert.Greater(t, stats.TotalCostEUR, 0.0)
		assert.Greater(t, stats.CacheHits, int64(0))
		assert.Greater(t, stats.CacheMisses, int64(0))
		assert.Contains(t, stats.ByModel, testChatModel)
		assert.Contains(t, stats.ByModel, testEmbedModel)

		// Hit rows carry eur=0: replaying a cached question adds hits
		// but nothing to the daily total.
		_, err = answers.Answer(ctx, question, 4)
		require.NoError(t, err)

		after, err := responses.Stats(ctx, "")
		require.NoError(t, err)
		assert.InDelta(t, stats.TotalCostEUR, after.TotalCostEUR, 1e-9)
		assert.Greater(t, after.CacheHits, stats.CacheHits)
	})

	t.Run("document budgets recorded the spend", func(t *testing.T) {
		docStats := gateway.DocStats()
		assert.GreaterOrEqual(t, docStats.DocumentsProcessed, 2)
		assert.Greater(t, docStats.TotalCostEUR, 0.0)
		assert.LessOrEqual(t, docStats.MaxCostEUR, 0.30)
	})
}

// TestHotTierSharedAcrossInstances verifies that two cache instances
// with separate durable stores see each other's entries through a
// shared Redis hot tier, the way separate processes would.
func TestHotTierSharedAcrossInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	logger := zap.NewNop()

	client, cleanup := testutil.NewTestRedis(t)
	defer cleanup()

	tier := cache.NewRedisTier(client, time.Hour, logger)
	writer := cache.New(cache.NewMemoryStore(), tier, logger)
	reader := cache.New(cache.NewMemoryStore(), tier, logger)

	params := cache.Params{Temperature: 0.2}
	stored := &cache.Completion{
		Text:            "Resposta partilhada entre instâncias.",
		InputTokens:     120,
		OutputTokens:    40,
		OriginalCostEUR: 0.0004,
	}
	require.NoError(t, writer.PutCompletion(ctx, "prompt partilhado", testChatModel, params, stored))

	hit, err := reader.GetCompletion(ctx, "prompt partilhado", testChatModel, params)
	require.NoError(t, err)
	require.NotNil(t, hit, "second instance must see the entry through Redis")
	assert.Equal(t, stored.Text, hit.Text)
	assert.Equal(t, stored.InputTokens, hit.InputTokens)
	assert.Equal(t, stored.OutputTokens, hit.OutputTokens)
	assert.InDelta(t, stored.OriginalCostEUR, hit.OriginalCostEUR, 1e-12)

	miss, err := reader.GetCompletion(ctx, "prompt desconhecido", testChatModel, params)
	require.NoError(t, err)
	assert.Nil(t, miss)

	embedding := &cache.Embedding{
		Vector:          database.DemoVector("energia renovável", 8),
		Dimension:       8,
		Tokens:          3,
		OriginalCostEUR: 0.00001,
	}
	require.NoError(t, writer.PutEmbedding(ctx, "energia renovável", testEmbedModel, embedding))

	embHit, err := reader.GetEmbedding(ctx, "energia renovável", testEmbedModel)
	require.NoError(t, err)
	require.NotNil(t, embHit)
	assert.Equal(t, embedding.Dimension, embHit.Dimension)
	assert.Len(t, embHit.Vector, 8)
}
