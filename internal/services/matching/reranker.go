package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/incentix/incentix/internal/models"
	"github.com/incentix/incentix/internal/services/llm"
	"github.com/incentix/incentix/internal/services/providers"
)

const rerankSystemPrompt = "Você é um especialista em matching de incentivos públicos com empresas."

// ChatCaller is the slice of the LLM client the re-ranker needs.
type ChatCaller interface {
	Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResult, error)
}

// RerankResult is one company's LLM verdict, score already rescaled
// to [0,1].
type RerankResult struct {
	Score  float64
	Reason string
}

// Reranker asks the model to grade a short list of candidates against
// an incentive. It degrades to nil on any upstream, budget or parse
// failure; a match run never fails because the re-rank did.
type Reranker struct {
	chat   ChatCaller
	model  string
	logger *zap.Logger
}

func NewReranker(chat ChatCaller, model string, logger *zap.Logger) *Reranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reranker{chat: chat, model: model, logger: logger}
}

type rerankPayload struct {
	Rankings []struct {
		CompanyIndex int     `json:"company_index"`
		Score        float64 `json:"score"`
		Reason       string  `json:"reason"`
	} `json:"rankings"`
}

// Rank returns a score per company ID, or nil when the model could
// not be consulted. On success every input company has an entry:
// candidates the model skipped get the 0.5 midpoint and no reason.
func (r *Reranker) Rank(ctx context.Context, incentive *models.Incentive, attrs models.StructuredAttrs, companies []*models.Company) map[string]RerankResult {
	if len(companies) == 0 {
		return nil
	}

	req := &llm.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: rerankSystemPrompt},
			{Role: "user", Content: rerankPrompt(incentive, attrs, companies)},
		},
		Model:       r.model,
		Temperature: 0,
		Structured:  true,
		DocTag:      "rerank_" + incentive.IncentiveID,
	}

	result, err := r.chat.Chat(ctx, req)
	if err != nil {
		r.logger.Warn("Re-rank skipped",
			zap.String("incentive_id", incentive.IncentiveID),
			zap.Int("companies", len(companies)),
			zap.Error(err))
		return nil
	}

	var payload rerankPayload
	if err := json.Unmarshal(result.Object, &payload); err != nil {
		r.logger.Warn("Re-rank response has unexpected shape",
			zap.String("incentive_id", incentive.IncentiveID),
			zap.Error(err))
		return nil
	}

	out := make(map[string]RerankResult, len(companies))
	for _, ranking := range payload.Rankings {
		idx := ranking.CompanyIndex
		if idx < 1 || idx > len(companies) {
			continue
		}
		id := companies[idx-1].CompanyID
		if _, dup := out[id]; dup {
			continue
		}
		out[id] = RerankResult{Score: clamp01(ranking.Score / 10), Reason: ranking.Reason}
	}
	for _, company := range companies {
		if _, ok := out[company.CompanyID]; !ok {
			out[company.CompanyID] = RerankResult{Score: 0.5}
		}
	}
	return out
}

func rerankPrompt(incentive *models.Incentive, attrs models.StructuredAttrs, companies []*models.Company) string {
	var b strings.Builder
	b.WriteString("Avalia a adequação destas empresas ao seguinte incentivo.\n\n")
	b.WriteString(incentiveSummary(incentive, attrs))
	b.WriteString("\n\nEmpresas:\n")
	for i, company := range companies {
		codes := company.CAECodes
		if len(codes) > 3 {
			codes = codes[:3]
		}
		fmt.Fprintf(&b, "%d. %s (CAE: %s) - %s\n",
			i+1, company.Name, strings.Join(codes, ", "), company.District)
	}
	b.WriteString("\nPara cada empresa, atribui:\n")
	b.WriteString("1. Score de 0-10 (0=inadequada, 10=perfeita)\n")
	b.WriteString("2. Breve explicação (2-3 palavras)\n\n")
	b.WriteString("Responde em JSON:\n")
	b.WriteString(`{"rankings": [{"company_index": 1, "score": 8.5, "reason": "..."}]}`)
	return b.String()
}

func incentiveSummary(incentive *models.Incentive, attrs models.StructuredAttrs) string {
	description := incentive.Description
	if description == "" {
		description = "N/A"
	}
	lines := []string{
		"Incentivo: " + incentive.Title,
		"Descrição: " + description,
	}
	if len(attrs.InvestmentObjectives) > 0 {
		lines = append(lines, "Objetivos: "+strings.Join(attrs.InvestmentObjectives, ", "))
	}
	if criteria := attrs.EligibilityCriteria; len(criteria) > 0 {
		if len(criteria) > 3 {
			criteria = criteria[:3]
		}
		lines = append(lines, "Critérios: "+strings.Join(criteria, ", "))
	}
	return strings.Join(lines, "\n")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
