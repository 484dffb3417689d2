package matching

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/incentix/incentix/internal/models"
)

// BM25-lite parameters. The corpus is too small for real document
// statistics, so idf is fixed at 1 and the average length is a
// constant tuned on the seed data.
const (
	bm25K1        = 1.2
	bm25B         = 0.75
	bm25AvgDocLen = 50.0
	bm25Steepness = 5.0
)

// Portuguese function words stripped from both bags.
var stopwords = map[string]struct{}{
	"de": {}, "da": {}, "do": {}, "em": {}, "para": {}, "com": {},
	"por": {}, "que": {}, "e": {}, "a": {}, "o": {}, "as": {}, "os": {},
	"um": {}, "uma": {}, "uns": {}, "umas": {},
}

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// tokenize lowercases, strips punctuation and drops stopwords and
// tokens shorter than three runes.
func tokenize(text string) []string {
	cleaned := nonWord.ReplaceAllString(strings.ToLower(text), " ")
	fields := strings.Fields(cleaned)
	tokens := fields[:0]
	for _, tok := range fields {
		if utf8.RuneCountInString(tok) < 3 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// Lexical scores term overlap between an incentive and a company with
// a saturating BM25 variant. Scores land in (0,1); no overlap sits at
// the 0.5 midpoint so the component stays comparable with the vector
// similarity it is fused with.
type Lexical struct {
	k1     float64
	b      float64
	avgLen float64
}

func NewLexical() *Lexical {
	return &Lexical{k1: bm25K1, b: bm25B, avgLen: bm25AvgDocLen}
}

// Score returns the bounded lexical score for one company.
func (l *Lexical) Score(incentive *models.Incentive, attrs models.StructuredAttrs, company *models.Company) float64 {
	query := l.queryTerms(incentive, attrs)
	if len(query) == 0 {
		return bound(0)
	}

	docTokens := l.docTokens(company)
	tf := make(map[string]float64, len(docTokens))
	for _, tok := range docTokens {
		tf[tok]++
	}
	docLen := float64(len(docTokens))

	lengthNorm := l.k1 * (1 - l.b + l.b*docLen/l.avgLen)
	score := 0.0
	for term := range query {
		freq := tf[term]
		if freq == 0 {
			continue
		}
		score += freq / (freq + lengthNorm)
	}
	return bound(score / float64(len(query)))
}

// queryTerms builds the deduplicated query bag from the incentive text
// and its structured attributes. Only the first three eligibility
// criteria contribute; the tail is usually boilerplate.
func (l *Lexical) queryTerms(incentive *models.Incentive, attrs models.StructuredAttrs) map[string]struct{} {
	parts := []string{incentive.Title, incentive.Description}
	parts = append(parts, attrs.InvestmentObjectives...)
	parts = append(parts, attrs.SpecificPurposes...)
	parts = append(parts, attrs.SectorCodes...)
	criteria := attrs.EligibilityCriteria
	if len(criteria) > 3 {
		criteria = criteria[:3]
	}
	parts = append(parts, criteria...)

	terms := make(map[string]struct{})
	for _, tok := range tokenize(strings.Join(parts, " ")) {
		terms[tok] = struct{}{}
	}
	return terms
}

func (l *Lexical) docTokens(company *models.Company) []string {
	parts := []string{company.Name}
	parts = append(parts, company.CAECodes...)
	parts = append(parts, company.RawDescription(), company.District)
	return tokenize(strings.Join(parts, " "))
}

func bound(normalized float64) float64 {
	return 1 / (1 + math.Exp(-bm25Steepness*normalized))
}
