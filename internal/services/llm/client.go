// Package llm is the managed model client: every upstream call passes
// the response cache, the price oracle, the budget planner and the
// per-document tracker before it is allowed to spend money. Callers
// never talk to the provider directly.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/incentix/incentix/internal/errs"
	"github.com/incentix/incentix/internal/models"
	"github.com/incentix/incentix/internal/services/budget"
	"github.com/incentix/incentix/internal/services/cache"
	"github.com/incentix/incentix/internal/services/monitoring"
	"github.com/incentix/incentix/internal/services/pricing"
	"github.com/incentix/incentix/internal/services/providers"
)

const (
	DefaultRequestCapEUR = 0.30
	DefaultShrinkTarget  = 1000
	DefaultMaxConcurrent = 8
)

// Upstream is the transport the client spends through.
type Upstream interface {
	ChatCompletion(ctx context.Context, request *providers.ChatRequest) (*providers.ChatResponse, error)
	Embeddings(ctx context.Context, request *providers.EmbeddingsRequest) (*providers.EmbeddingsResponse, error)
}

// PriceSource yields EUR prices per million tokens; it never fails.
type PriceSource interface {
	Prices(ctx context.Context, model string) pricing.ModelPrices
}

// ResponseCache is the durable response cache plus the cost ledger.
type ResponseCache interface {
	GetCompletion(ctx context.Context, prompt, model string, params cache.Params) (*cache.Completion, error)
	PutCompletion(ctx context.Context, prompt, model string, params cache.Params, comp *cache.Completion) error
	GetEmbedding(ctx context.Context, text, model string) (*cache.Embedding, error)
	PutEmbedding(ctx context.Context, text, model string, emb *cache.Embedding) error
	RecordCost(ctx context.Context, model, operation string, inputTokens, outputTokens int, costEUR float64, fromCache bool) error
}

type Config struct {
	RequestCapEUR float64
	HardCapOutput int
	ShrinkTarget  int
	MaxConcurrent int64
}

// Client gates chat and embedding calls behind cache, prices and
// budgets. Cache and ledger degradation is logged, never fatal: a
// broken store must not take the gateway down with it.
type Client struct {
	upstream  Upstream
	prices    PriceSource
	counter   budget.TokenCounter
	responses ResponseCache
	docs      *budget.DocTracker
	planner   *budget.Planner
	sem       *semaphore.Weighted
	logger    *zap.Logger

	requestCap   float64
	shrinkTarget int
}

func NewClient(upstream Upstream, prices PriceSource, counter budget.TokenCounter,
	responses ResponseCache, docs *budget.DocTracker, logger *zap.Logger, cfg Config) *Client {

	if cfg.RequestCapEUR <= 0 {
		cfg.RequestCapEUR = DefaultRequestCapEUR
	}
	if cfg.ShrinkTarget <= 0 {
		cfg.ShrinkTarget = DefaultShrinkTarget
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		upstream:     upstream,
		prices:       prices,
		counter:      counter,
		responses:    responses,
		docs:         docs,
		planner:      budget.NewPlanner(counter, cfg.HardCapOutput),
		sem:          semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:       logger,
		requestCap:   cfg.RequestCapEUR,
		shrinkTarget: cfg.ShrinkTarget,
	}
}

// ChatRequest is one managed chat call. MaxTokens nil lets the planner
// derive the completion size from the request cap; Structured demands
// valid JSON back. DocTag ties the spend to a document budget.
type ChatRequest struct {
	Messages    []providers.Message
	Model       string
	Temperature float64
	MaxTokens   *int
	Structured  bool
	DocTag      string
}

type ChatResult struct {
	Text         string
	Object       json.RawMessage
	InputTokens  int
	OutputTokens int
	CostEUR      float64
	FromCache    bool
}

type EmbedRequest struct {
	Text   string
	Model  string
	DocTag string
}

type EmbedResult struct {
	Vector    []float32
	Dimension int
	Tokens    int
	CostEUR   float64
	FromCache bool
}

// Chat runs one budgeted chat completion.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	// Shrinking edits message contents, so work on a copy.
	messages := make([]providers.Message, len(req.Messages))
	copy(messages, req.Messages)

	params := cache.Params{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Structured:  req.Structured,
	}

	prompt := flattenMessages(messages)
	if result := c.chatFromCache(ctx, prompt, req.Model, params); result != nil {
		return result, nil
	}
	monitoring.RecordCacheMiss("chat")

	prices := c.prices.Prices(ctx, req.Model)

	planned, err := c.planChat(messages, req.Model, req.MaxTokens, prices)
	if err != nil {
		return nil, err
	}
	if planned.shrunk {
		// A shrunk prompt is the canonical one: an identical oversized
		// request shrinks to the same text and must hit its entry.
		prompt = planned.prompt
		if result := c.chatFromCache(ctx, prompt, req.Model, params); result != nil {
			return result, nil
		}
	}

	first, err := c.completeOnce(ctx, req, planned, prices)
	if err != nil {
		return nil, err
	}

	text := first.text
	inputTokens, outputTokens := first.inputTokens, first.outputTokens
	totalCost := first.costEUR

	var object json.RawMessage
	if req.Structured {
		object, err = parseStructured(text)
		if err != nil {
			repaired, rerr := c.repairStructured(ctx, req, planned.messages, text, err, prices)
			totalCost += repaired.costEUR
			if rerr != nil {
				return nil, rerr
			}
			text = repaired.text
			object = repaired.object
			inputTokens, outputTokens = repaired.inputTokens, repaired.outputTokens
		}
	}

	comp := &cache.Completion{
		Text:            text,
		Object:          object,
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		OriginalCostEUR: totalCost,
	}
	if err := c.responses.PutCompletion(ctx, prompt, req.Model, params, comp); err != nil {
		c.logger.Warn("Response cache write failed", zap.Error(err))
	}

	return &ChatResult{
		Text:         text,
		Object:       object,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostEUR:      totalCost,
		FromCache:    false,
	}, nil
}

// Embed runs one budgeted embedding call. There is no shrink path:
// callers split oversized inputs themselves.
func (c *Client) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResult, error) {
	if hit, err := c.responses.GetEmbedding(ctx, req.Text, req.Model); err != nil {
		c.logger.Warn("Embedding cache read failed", zap.Error(err))
	} else if hit != nil {
		monitoring.RecordCacheHit("embed")
		c.recordLedger(ctx, req.Model, models.OperationEmbed, hit.Tokens, 0, 0, true)
		return &EmbedResult{
			Vector:    hit.Vector,
			Dimension: hit.Dimension,
			Tokens:    hit.Tokens,
			CostEUR:   0,
			FromCache: true,
		}, nil
	}
	monitoring.RecordCacheMiss("embed")

	prices := c.prices.Prices(ctx, req.Model)
	tokens := c.counter.Count(req.Text, req.Model)
	estimate := float64(tokens) / 1e6 * prices.EmbeddingPerM

	if estimate > c.requestCap {
		monitoring.RecordBudgetRejection("request_budget")
		return nil, errs.New(errs.KindBudgetExceeded,
			"embedding of %d tokens projects %.4f EUR, over the %.2f EUR request cap",
			tokens, estimate, c.requestCap).
			WithTokens(req.Model, tokens, 0)
	}
	if req.DocTag != "" && c.docs != nil && !c.docs.CanSpend(req.DocTag, estimate) {
		monitoring.RecordBudgetRejection("document_budget")
		return nil, errs.New(errs.KindDocumentBudgetExceeded,
			"document %s has %.4f EUR left, embedding needs %.4f EUR",
			req.DocTag, c.docs.Remaining(req.DocTag), estimate).
			WithTokens(req.Model, tokens, 0)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.KindUpstreamFailure, err, "upstream slot wait aborted").
			WithTokens(req.Model, tokens, 0)
	}
	resp, err := c.upstream.Embeddings(ctx, &providers.EmbeddingsRequest{
		Model: req.Model,
		Input: []string{req.Text},
	})
	c.sem.Release(1)
	if err != nil {
		if errs.KindOf(err) == "" {
			return nil, errs.Wrap(errs.KindUpstreamFailure, err, "embedding call failed").
				WithTokens(req.Model, tokens, 0)
		}
		return nil, err
	}

	if len(resp.Data) == 0 {
		return nil, errs.New(errs.KindUpstreamFailure, "embeddings response carried no vectors").
			WithTokens(req.Model, tokens, 0)
	}
	vector := resp.Data[0].Embedding
	usedTokens := resp.Usage.TotalTokens
	if usedTokens == 0 {
		usedTokens = tokens
	}
	cost := float64(usedTokens) / 1e6 * prices.EmbeddingPerM

	c.recordLedger(ctx, req.Model, models.OperationEmbed, usedTokens, 0, cost, false)
	if req.DocTag != "" && c.docs != nil {
		c.docs.Record(req.DocTag, cost)
	}
	monitoring.RecordTokens(req.Model, "embed", float64(usedTokens), 0)
	monitoring.RecordSpend(req.Model, "embed", cost)

	emb := &cache.Embedding{
		Vector:          vector,
		Dimension:       len(vector),
		Tokens:          usedTokens,
		OriginalCostEUR: cost,
	}
	if err := c.responses.PutEmbedding(ctx, req.Text, req.Model, emb); err != nil {
		c.logger.Warn("Embedding cache write failed", zap.Error(err))
	}

	return &EmbedResult{
		Vector:    vector,
		Dimension: len(vector),
		Tokens:    usedTokens,
		CostEUR:   cost,
		FromCache: false,
	}, nil
}

// DocStats reports cumulative per-document spend.
func (c *Client) DocStats() budget.DocStats {
	if c.docs == nil {
		return budget.DocStats{}
	}
	return c.docs.Stats()
}

// chatFromCache returns a result when the prompt is already cached. A
// hit still writes a ledger row, flagged from-cache with eur=0: the
// repeat spent nothing, and hit counts carry the cache-effectiveness
// story.
func (c *Client) chatFromCache(ctx context.Context, prompt, model string, params cache.Params) *ChatResult {
	hit, err := c.responses.GetCompletion(ctx, prompt, model, params)
	if err != nil {
		c.logger.Warn("Response cache read failed", zap.Error(err))
		return nil
	}
	if hit == nil {
		return nil
	}
	monitoring.RecordCacheHit("chat")
	c.recordLedger(ctx, model, models.OperationChat, hit.InputTokens, hit.OutputTokens, 0, true)
	return &ChatResult{
		Text:         hit.Text,
		Object:       hit.Object,
		InputTokens:  hit.InputTokens,
		OutputTokens: hit.OutputTokens,
		CostEUR:      0,
		FromCache:    true,
	}
}

// plannedChat is a chat call sized to fit the request cap.
type plannedChat struct {
	messages    []providers.Message
	prompt      string
	inputTokens int
	maxOut      int
	shrunk      bool
}

// planChat sizes the completion. With MaxTokens supplied the call
// either fits as-is or is rejected; without it the planner derives the
// completion size, shrinking user messages last to first until the
// call fits.
func (c *Client) planChat(messages []providers.Message, model string, maxTokens *int, prices pricing.ModelPrices) (plannedChat, error) {
	prompt := flattenMessages(messages)
	inputTokens := c.counter.Count(prompt, model)

	if maxTokens != nil {
		projected := budget.EstimateCost(inputTokens, *maxTokens, prices.InputPerM, prices.OutputPerM)
		if projected > c.requestCap {
			monitoring.RecordBudgetRejection("request_budget")
			return plannedChat{}, errs.New(errs.KindBudgetExceeded,
				"projected cost %.4f EUR exceeds the %.2f EUR request cap", projected, c.requestCap).
				WithTokens(model, inputTokens, *maxTokens)
		}
		return plannedChat{messages: messages, prompt: prompt, inputTokens: inputTokens, maxOut: *maxTokens}, nil
	}

	maxOut, fits := c.planner.PlanOutput(inputTokens, prices.InputPerM, prices.OutputPerM, c.requestCap)
	if fits {
		return plannedChat{messages: messages, prompt: prompt, inputTokens: inputTokens, maxOut: maxOut}, nil
	}

	shrunk := false
	for i := len(messages) - 1; i >= 0 && !fits; i-- {
		if messages[i].Role != "user" {
			continue
		}
		reduced := c.planner.Shrink(messages[i].Content, c.shrinkTarget, model)
		if reduced == messages[i].Content {
			continue
		}
		messages[i].Content = reduced
		shrunk = true

		prompt = flattenMessages(messages)
		inputTokens = c.counter.Count(prompt, model)
		maxOut, fits = c.planner.PlanOutput(inputTokens, prices.InputPerM, prices.OutputPerM, c.requestCap)
	}

	if !fits {
		monitoring.RecordBudgetRejection("request_budget")
		return plannedChat{}, errs.New(errs.KindBudgetExceeded,
			"prompt of %d tokens cannot fit under the %.2f EUR request cap even after shrinking",
			inputTokens, c.requestCap).
			WithTokens(model, inputTokens, 0)
	}

	if shrunk {
		c.logger.Debug("Prompt shrunk to fit request cap",
			zap.String("model", model), zap.Int("input_tokens", inputTokens))
		monitoring.RecordShrink()
	}
	return plannedChat{messages: messages, prompt: prompt, inputTokens: inputTokens, maxOut: maxOut, shrunk: shrunk}, nil
}

type upstreamResult struct {
	text         string
	inputTokens  int
	outputTokens int
	costEUR      float64
}

// completeOnce runs one planned call: document gate, bounded dispatch,
// then accounting. Every completed call lands in the ledger and the
// document tracker, whether or not its content survives parsing.
func (c *Client) completeOnce(ctx context.Context, req *ChatRequest, planned plannedChat, prices pricing.ModelPrices) (*upstreamResult, error) {
	projected := budget.EstimateCost(planned.inputTokens, planned.maxOut, prices.InputPerM, prices.OutputPerM)
	if req.DocTag != "" && c.docs != nil && !c.docs.CanSpend(req.DocTag, projected) {
		monitoring.RecordBudgetRejection("document_budget")
		return nil, errs.New(errs.KindDocumentBudgetExceeded,
			"document %s has %.4f EUR left, call needs %.4f EUR",
			req.DocTag, c.docs.Remaining(req.DocTag), projected).
			WithTokens(req.Model, planned.inputTokens, planned.maxOut)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.KindUpstreamFailure, err, "upstream slot wait aborted").
			WithTokens(req.Model, planned.inputTokens, 0)
	}

	temperature := req.Temperature
	maxOut := planned.maxOut
	wireReq := &providers.ChatRequest{
		Model:       req.Model,
		Messages:    planned.messages,
		Temperature: &temperature,
		MaxTokens:   &maxOut,
	}
	if req.Structured {
		wireReq.ResponseFormat = &providers.ResponseFormat{Type: "json_object"}
	}

	resp, err := c.upstream.ChatCompletion(ctx, wireReq)
	c.sem.Release(1)
	if err != nil {
		if errs.KindOf(err) == "" {
			return nil, errs.Wrap(errs.KindUpstreamFailure, err, "chat call failed").
				WithTokens(req.Model, planned.inputTokens, 0)
		}
		return nil, err
	}

	usage := resp.Usage
	cost := budget.EstimateCost(usage.PromptTokens, usage.CompletionTokens, prices.InputPerM, prices.OutputPerM)

	c.recordLedger(ctx, req.Model, models.OperationChat, usage.PromptTokens, usage.CompletionTokens, cost, false)
	if req.DocTag != "" && c.docs != nil {
		c.docs.Record(req.DocTag, cost)
	}
	monitoring.RecordTokens(req.Model, "chat", float64(usage.PromptTokens), float64(usage.CompletionTokens))
	monitoring.RecordSpend(req.Model, "chat", cost)

	return &upstreamResult{
		text:         resp.Choices[0].Message.Content,
		inputTokens:  usage.PromptTokens,
		outputTokens: usage.CompletionTokens,
		costEUR:      cost,
	}, nil
}

type repairedResult struct {
	text         string
	object       json.RawMessage
	inputTokens  int
	outputTokens int
	costEUR      float64
}

// repairStructured issues the single repair re-prompt: the original
// conversation, the model's invalid answer, and the validation error.
// Any failure on this path surfaces as a parse failure carrying its
// cause; costEUR reports spend even when the repair did not parse.
func (c *Client) repairStructured(ctx context.Context, req *ChatRequest, messages []providers.Message, invalid string, parseErr error, prices pricing.ModelPrices) (repairedResult, error) {
	c.logger.Warn("Structured response was not valid JSON, issuing repair re-prompt",
		zap.String("model", req.Model), zap.Error(parseErr))
	monitoring.RecordError("parse_failure", "chat")

	repairMessages := make([]providers.Message, 0, len(messages)+2)
	repairMessages = append(repairMessages, messages...)
	repairMessages = append(repairMessages,
		providers.Message{Role: "assistant", Content: invalid},
		providers.Message{Role: "user", Content: fmt.Sprintf(
			"A resposta anterior não era JSON válido (%v). Responde novamente APENAS com JSON válido, sem qualquer texto adicional.",
			parseErr)},
	)

	planned, err := c.planChat(repairMessages, req.Model, req.MaxTokens, prices)
	if err != nil {
		return repairedResult{}, errs.Wrap(errs.KindParseFailure, err,
			"structured response invalid and repair call could not be planned").
			WithTokens(req.Model, 0, 0)
	}

	second, err := c.completeOnce(ctx, req, planned, prices)
	if err != nil {
		return repairedResult{}, errs.Wrap(errs.KindParseFailure, err,
			"structured response invalid and repair call failed").
			WithTokens(req.Model, planned.inputTokens, 0)
	}

	object, err := parseStructured(second.text)
	if err != nil {
		return repairedResult{costEUR: second.costEUR}, errs.Wrap(errs.KindParseFailure, err,
			"structured response still invalid after repair re-prompt").
			WithTokens(req.Model, second.inputTokens, second.outputTokens)
	}

	return repairedResult{
		text:         second.text,
		object:       object,
		inputTokens:  second.inputTokens,
		outputTokens: second.outputTokens,
		costEUR:      second.costEUR,
	}, nil
}

func (c *Client) recordLedger(ctx context.Context, model, operation string, inputTokens, outputTokens int, costEUR float64, fromCache bool) {
	if err := c.responses.RecordCost(ctx, model, operation, inputTokens, outputTokens, costEUR, fromCache); err != nil {
		c.logger.Warn("Cost ledger append failed", zap.Error(err))
	}
}

// flattenMessages renders the conversation as "role: content" lines,
// the canonical prompt form used for hashing and token counting.
func flattenMessages(messages []providers.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// parseStructured accepts the model's answer as a JSON object or
// array, trying strict decoding first and jsonrepair second (fences,
// trailing commas, single quotes and friends).
func parseStructured(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty response")
	}

	if raw, ok := decodeContainer(trimmed); ok {
		return raw, nil
	}

	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return nil, fmt.Errorf("response is not repairable JSON: %w", err)
	}
	if raw, ok := decodeContainer(strings.TrimSpace(repaired)); ok {
		return raw, nil
	}
	return nil, fmt.Errorf("response did not decode to a JSON object or array")
}

// decodeContainer admits objects and arrays only. The repairer happily
// quotes prose into a bare JSON string, which no structured caller can
// use.
func decodeContainer(s string) (json.RawMessage, bool) {
	if len(s) == 0 || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, false
	}
	return raw, true
}
