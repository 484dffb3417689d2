package matching

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/incentix/incentix/internal/errs"
	"github.com/incentix/incentix/internal/models"
	"github.com/incentix/incentix/internal/store"
)

// Fusion weights and pipeline defaults.
const (
	DefaultWeightVector  = 0.50
	DefaultWeightLexical = 0.20
	DefaultWeightLLM     = 0.30

	DefaultRerankLimit = 20
	DefaultWorkers     = 8
	DefaultTopK        = 5
	DefaultPool        = 100
)

// Ranker grades candidates with an LLM. A nil map means the grading
// could not happen and the fusion falls back to the two deterministic
// components.
type Ranker interface {
	Rank(ctx context.Context, incentive *models.Incentive, attrs models.StructuredAttrs, companies []*models.Company) map[string]RerankResult
}

type EngineConfig struct {
	WeightVector  float64
	WeightLexical float64
	WeightLLM     float64

	// RerankLimit caps how many head candidates are sent to the model.
	RerankLimit int
	// Workers bounds the concurrent per-candidate scoring.
	Workers int

	Filter FilterConfig
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		WeightVector:  DefaultWeightVector,
		WeightLexical: DefaultWeightLexical,
		WeightLLM:     DefaultWeightLLM,
		RerankLimit:   DefaultRerankLimit,
		Workers:       DefaultWorkers,
		Filter:        DefaultFilterConfig(),
	}
}

// MatchOptions tune a single match run.
type MatchOptions struct {
	// TopK is how many matches to return.
	TopK int
	// Pool is how many nearest companies to pull before scoring.
	Pool int
	// UseLLM enables the re-rank stage.
	UseLLM bool
}

func DefaultMatchOptions() MatchOptions {
	return MatchOptions{TopK: DefaultTopK, Pool: DefaultPool, UseLLM: true}
}

func (o MatchOptions) normalized() MatchOptions {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.Pool <= 0 {
		o.Pool = DefaultPool
	}
	if o.Pool < o.TopK {
		o.Pool = o.TopK
	}
	return o
}

// Match is one ranked company with the components that produced its
// score.
type Match struct {
	Company      *models.Company    `json:"company"`
	Score        float64            `json:"score"`
	VectorScore  float64            `json:"vector_score"`
	LexicalScore float64            `json:"lexical_score"`
	LLMScore     float64            `json:"llm_score"`
	LLMUsed      bool               `json:"llm_used"`
	Penalty      float64            `json:"penalty"`
	Penalties    map[string]float64 `json:"penalties,omitempty"`
	Explanation  string             `json:"explanation"`
}

// Engine runs the ranking pipeline: vector recall from the store,
// parallel lexical and penalty scoring, optional LLM re-rank of the
// head, weighted fusion.
type Engine struct {
	store    store.Store
	reranker Ranker
	filter   *Filter
	lexical  *Lexical
	logger   *zap.Logger
	cfg      EngineConfig
}

func NewEngine(st store.Store, reranker Ranker, logger *zap.Logger, cfg EngineConfig) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WeightVector == 0 && cfg.WeightLexical == 0 && cfg.WeightLLM == 0 {
		cfg.WeightVector = DefaultWeightVector
		cfg.WeightLexical = DefaultWeightLexical
		cfg.WeightLLM = DefaultWeightLLM
	}
	if cfg.RerankLimit <= 0 {
		cfg.RerankLimit = DefaultRerankLimit
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Engine{
		store:    st,
		reranker: reranker,
		filter:   NewFilter(cfg.Filter),
		lexical:  NewLexical(),
		logger:   logger,
		cfg:      cfg,
	}
}

// Match ranks companies for one incentive. Identical inputs produce
// identical output order; score ties break on company ID.
func (e *Engine) Match(ctx context.Context, incentiveID string, opts MatchOptions) ([]Match, error) {
	opts = opts.normalized()

	incentive, err := e.store.GetIncentive(ctx, incentiveID)
	if err != nil {
		return nil, err
	}
	vec := incentive.Embedding.Vector()
	if len(vec) == 0 {
		return nil, errs.New(errs.KindNotFound, "incentive %s has no embedding", incentiveID)
	}

	attrs, err := incentive.Attrs()
	if err != nil {
		e.logger.Warn("Structured attributes unreadable, matching on text only",
			zap.String("incentive_id", incentiveID),
			zap.Error(err))
		attrs = models.StructuredAttrs{}
	}

	candidates, err := e.store.NearestCompanies(ctx, vec, opts.Pool)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []Match{}, nil
	}

	rows := make([]Match, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cand := candidates[i]
			penalty, fired := e.filter.Apply(attrs, cand.Company)
			rows[i] = Match{
				Company:      cand.Company,
				VectorScore:  cand.Similarity,
				LexicalScore: e.lexical.Score(incentive, attrs, cand.Company),
				Penalty:      penalty,
				Penalties:    fired,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Preliminary order decides who the model gets to see.
	for i := range rows {
		rows[i].Score = (e.cfg.WeightVector*rows[i].VectorScore +
			e.cfg.WeightLexical*rows[i].LexicalScore) * rows[i].Penalty
	}
	sortMatches(rows)

	var ranks map[string]RerankResult
	if opts.UseLLM && e.reranker != nil {
		head := make([]*models.Company, 0, e.cfg.RerankLimit)
		for i := 0; i < len(rows) && i < e.cfg.RerankLimit; i++ {
			head = append(head, rows[i].Company)
		}
		ranks = e.reranker.Rank(ctx, incentive, attrs, head)
	}

	if len(ranks) > 0 {
		// Candidates the model never saw keep the neutral midpoint, so
		// the re-rank reorders the head without burying the tail.
		for i := range rows {
			res, ok := ranks[rows[i].Company.CompanyID]
			if !ok {
				res = RerankResult{Score: 0.5}
			}
			rows[i].LLMScore = res.Score
			rows[i].LLMUsed = true
			rows[i].Score = (e.cfg.WeightVector*rows[i].VectorScore +
				e.cfg.WeightLexical*rows[i].LexicalScore +
				e.cfg.WeightLLM*res.Score) * rows[i].Penalty
			rows[i].Explanation = explanation(res.Reason, rows[i].Penalties)
		}
	} else {
		// Without the model the remaining weights are renormalized so
		// scores keep the same ceiling.
		scale := e.cfg.WeightVector + e.cfg.WeightLexical
		for i := range rows {
			rows[i].Score = ((e.cfg.WeightVector/scale)*rows[i].VectorScore +
				(e.cfg.WeightLexical/scale)*rows[i].LexicalScore) * rows[i].Penalty
			rows[i].Explanation = explanation("", rows[i].Penalties)
		}
	}

	sortMatches(rows)
	if len(rows) > opts.TopK {
		rows = rows[:opts.TopK]
	}
	return rows, nil
}

func sortMatches(rows []Match) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].Company.CompanyID < rows[j].Company.CompanyID
	})
}

// explanation merges the model's reason with the fired penalties, or
// falls back to the generic similarity note.
func explanation(reason string, fired map[string]float64) string {
	var parts []string
	if reason != "" {
		parts = append(parts, reason)
	}
	if len(fired) > 0 {
		rules := make([]string, 0, len(fired))
		for rule := range fired {
			rules = append(rules, rule)
		}
		sort.Strings(rules)
		rendered := make([]string, len(rules))
		for i, rule := range rules {
			rendered[i] = fmt.Sprintf("%s: %d%%", rule, int(math.Round(fired[rule]*100)))
		}
		parts = append(parts, "Penalizações: "+strings.Join(rendered, ", "))
	}
	if len(parts) == 0 {
		return "Match baseado em similaridade"
	}
	return strings.Join(parts, ". ")
}
