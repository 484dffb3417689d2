// Package rag answers free-text questions grounded on the stored
// incentive and company corpus: dense retrieval over both embedding
// sets, a fixed Portuguese instruction prompt, and a budgeted
// completion. When grounding is absent the engine refuses instead of
// letting the model guess.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/incentix/incentix/internal/services/llm"
	"github.com/incentix/incentix/internal/services/providers"
	"github.com/incentix/incentix/internal/store"
)

// RefusalPhrase is the canonical no-grounding answer. Callers branch
// on it, so the wording is a contract.
const RefusalPhrase = "Não tenho informação suficiente para responder a esta pergunta."

const answerTemplate = `Tu és um assistente especializado em incentivos públicos portugueses e empresas.

CONTEXTO RETRIEVED:
%s

PERGUNTA DO UTILIZADOR:
%s

INSTRUÇÕES:
1. Responde à pergunta baseando-te APENAS no contexto fornecido
2. Se não tiveres informação suficiente, diz "Não tenho informação suficiente para responder a esta pergunta"
3. Inclui citações específicas dos documentos quando relevante
4. Seja preciso e útil
5. Responde em português

RESPOSTA:`

const (
	DefaultChatModel  = "gpt-4o-mini"
	DefaultEmbedModel = "text-embedding-3-small"

	DefaultMaxDocs         = 5
	DefaultAnswerMaxTokens = 800
	DefaultExcerptChars    = 500
	DefaultConfidenceBoost = 1.2
)

// LLM is the slice of the model client the engine needs.
type LLM interface {
	Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResult, error)
	Embed(ctx context.Context, req *llm.EmbedRequest) (*llm.EmbedResult, error)
}

type Config struct {
	ChatModel  string
	EmbedModel string

	MaxDocs         int
	AnswerMaxTokens int
	ExcerptChars    int
	ConfidenceBoost float64
}

func DefaultConfig() Config {
	return Config{
		ChatModel:       DefaultChatModel,
		EmbedModel:      DefaultEmbedModel,
		MaxDocs:         DefaultMaxDocs,
		AnswerMaxTokens: DefaultAnswerMaxTokens,
		ExcerptChars:    DefaultExcerptChars,
		ConfidenceBoost: DefaultConfidenceBoost,
	}
}

// Source is one cited document, metadata included but never the full
// text.
type Source struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Title      string                 `json:"title"`
	Similarity float64                `json:"similarity"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type Result struct {
	Text       string   `json:"text"`
	Sources    []Source `json:"sources"`
	Confidence float64  `json:"confidence"`
	CostEUR    float64  `json:"cost_eur"`
}

type Engine struct {
	llm    LLM
	store  store.Store
	logger *zap.Logger
	cfg    Config
}

func NewEngine(client LLM, st store.Store, logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.ChatModel == "" {
		cfg.ChatModel = def.ChatModel
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = def.EmbedModel
	}
	if cfg.MaxDocs <= 0 {
		cfg.MaxDocs = def.MaxDocs
	}
	if cfg.AnswerMaxTokens <= 0 {
		cfg.AnswerMaxTokens = def.AnswerMaxTokens
	}
	if cfg.ExcerptChars <= 0 {
		cfg.ExcerptChars = def.ExcerptChars
	}
	if cfg.ConfidenceBoost <= 0 {
		cfg.ConfidenceBoost = def.ConfidenceBoost
	}
	return &Engine{llm: client, store: st, logger: logger, cfg: cfg}
}

// Answer retrieves grounding for the question and generates a cited
// answer. Retrieval problems degrade to the refusal phrase; generation
// failures surface so the caller sees the error kind.
func (e *Engine) Answer(ctx context.Context, question string, maxDocs int) (*Result, error) {
	if maxDocs <= 0 {
		maxDocs = e.cfg.MaxDocs
	}
	tag := queryTag(question)

	docs, spent := e.retrieve(ctx, question, maxDocs, tag)
	if len(docs) == 0 {
		e.logger.Info("Question refused for lack of grounding",
			zap.String("question", clip(question, 50)),
			zap.Float64("cost_eur", spent))
		return &Result{
			Text:       RefusalPhrase,
			Sources:    []Source{},
			Confidence: 0,
			CostEUR:    spent,
		}, nil
	}

	maxTokens := e.cfg.AnswerMaxTokens
	chat, err := e.llm.Chat(ctx, &llm.ChatRequest{
		Messages: []providers.Message{
			{Role: "user", Content: fmt.Sprintf(answerTemplate, e.contextBlocks(docs), question)},
		},
		Model:       e.cfg.ChatModel,
		Temperature: 0,
		MaxTokens:   &maxTokens,
		DocTag:      "rag_answer_" + tag,
	})
	if err != nil {
		return nil, err
	}

	sources := make([]Source, len(docs))
	totalSim := 0.0
	for i, doc := range docs {
		sources[i] = Source{
			Type:       doc.kind,
			ID:         doc.id,
			Title:      doc.title,
			Similarity: doc.similarity,
			Metadata:   doc.metadata,
		}
		totalSim += doc.similarity
	}
	confidence := e.cfg.ConfidenceBoost * totalSim / float64(len(docs))
	if confidence > 1 {
		confidence = 1
	}

	e.logger.Info("Question answered",
		zap.String("question", clip(question, 50)),
		zap.Int("sources", len(sources)),
		zap.Float64("confidence", confidence),
		zap.Float64("cost_eur", spent+chat.CostEUR),
		zap.Bool("from_cache", chat.FromCache))

	return &Result{
		Text:       strings.TrimSpace(chat.Text),
		Sources:    sources,
		Confidence: confidence,
		CostEUR:    spent + chat.CostEUR,
	}, nil
}

type document struct {
	kind       string
	id         string
	title      string
	content    string
	metadata   map[string]interface{}
	similarity float64
}

// retrieve embeds the question and pulls the nearest documents from
// both collections. Any failure degrades to an empty set; the cost of
// the embedding is reported either way.
func (e *Engine) retrieve(ctx context.Context, question string, maxDocs int, tag string) ([]document, float64) {
	emb, err := e.llm.Embed(ctx, &llm.EmbedRequest{
		Text:   question,
		Model:  e.cfg.EmbedModel,
		DocTag: "rag_query_" + tag,
	})
	if err != nil {
		e.logger.Warn("Question embedding failed", zap.Error(err))
		return nil, 0
	}

	incentives, err := e.store.NearestIncentives(ctx, emb.Vector, maxDocs)
	if err != nil {
		e.logger.Warn("Incentive retrieval failed", zap.Error(err))
		return nil, emb.CostEUR
	}
	companies, err := e.store.NearestCompanies(ctx, emb.Vector, maxDocs)
	if err != nil {
		e.logger.Warn("Company retrieval failed", zap.Error(err))
		return nil, emb.CostEUR
	}

	docs := make([]document, 0, len(incentives)+len(companies))
	for _, m := range incentives {
		docs = append(docs, incentiveDocument(m))
	}
	for _, m := range companies {
		docs = append(docs, companyDocument(m))
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].similarity != docs[j].similarity {
			return docs[i].similarity > docs[j].similarity
		}
		return docs[i].id < docs[j].id
	})
	if len(docs) > maxDocs {
		docs = docs[:maxDocs]
	}
	return docs, emb.CostEUR
}

func incentiveDocument(m store.IncentiveMatch) document {
	inc := m.Incentive
	meta := map[string]interface{}{
		"publication_date": formatDate(inc.PublicationDate),
		"start_date":       formatDate(inc.StartDate),
		"end_date":         formatDate(inc.EndDate),
		"total_budget":     inc.TotalBudget,
		"source_link":      inc.SourceLink,
	}
	if len(inc.AIDescription) > 0 {
		meta["ai_description"] = json.RawMessage(inc.AIDescription)
	} else {
		meta["ai_description"] = nil
	}
	return document{
		kind:       "incentive",
		id:         inc.IncentiveID,
		title:      inc.Title,
		content:    inc.Title + "\n" + inc.Description,
		metadata:   meta,
		similarity: m.Similarity,
	}
}

func companyDocument(m store.CompanyMatch) document {
	c := m.Company
	meta := map[string]interface{}{
		"cae_codes": []string(c.CAECodes),
		"size":      c.Size,
		"district":  c.District,
		"raw":       c.RawAttrs(),
	}
	return document{
		kind:       "company",
		id:         c.CompanyID,
		title:      c.Name,
		content:    c.Name + "\n" + c.RawDescription(),
		metadata:   meta,
		similarity: m.Similarity,
	}
}

// contextBlocks renders the retrieved documents in the shape the
// instruction template expects.
func (e *Engine) contextBlocks(docs []document) string {
	blocks := make([]string, len(docs))
	for i, doc := range docs {
		var b strings.Builder
		fmt.Fprintf(&b, "DOCUMENTO %d (%s):\n", i+1, strings.ToUpper(doc.kind))
		fmt.Fprintf(&b, "Título: %s\n", doc.title)
		fmt.Fprintf(&b, "Conteúdo: %s...\n", clip(doc.content, e.cfg.ExcerptChars))
		if len(doc.metadata) > 0 {
			if meta, err := json.MarshalIndent(doc.metadata, "", "  "); err == nil {
				fmt.Fprintf(&b, "Metadados: %s\n", meta)
			}
		}
		blocks[i] = b.String()
	}
	return strings.Join(blocks, "\n\n")
}

// queryTag derives the stable per-question document tag suffix, so
// the embedding and the answer share one budget bucket.
func queryTag(question string) string {
	h := fnv.New32a()
	h.Write([]byte(question))
	return strconv.FormatUint(uint64(h.Sum32()%1_000_000), 10)
}

func formatDate(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
