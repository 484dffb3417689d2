package matching

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"

	"github.com/incentix/incentix/internal/models"
)

func TestTokenize(t *testing.T) {
	t.Run("lowercases and strips punctuation", func(t *testing.T) {
		tokens := tokenize("Apoio à Digitalização-2024 (PME)!")
		assert.Equal(t, []string{"apoio", "digitalização", "2024", "pme"}, tokens)
	})

	t.Run("drops stopwords and short tokens", func(t *testing.T) {
		tokens := tokenize("apoio para as empresas que operam em si")
		assert.Equal(t, []string{"apoio", "empresas", "operam"}, tokens)
	})

	t.Run("rune length not byte length", func(t *testing.T) {
		// "têxtil" survives, "pã" is two runes even at four bytes.
		tokens := tokenize("têxtil pã")
		assert.Equal(t, []string{"têxtil"}, tokens)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, tokenize("  ,,, !!"))
	})
}

func TestLexical_Score(t *testing.T) {
	lex := NewLexical()

	incentive := &models.Incentive{
		Title:       "Apoio à digitalização industrial",
		Description: "Financiamento para modernização tecnológica",
	}
	attrs := models.StructuredAttrs{SectorCodes: []string{"62010"}}

	t.Run("no overlap sits at the midpoint", func(t *testing.T) {
		company := &models.Company{Name: "Padaria Central", District: "Faro"}
		assert.Equal(t, 0.5, lex.Score(incentive, attrs, company))
	})

	t.Run("empty query sits at the midpoint", func(t *testing.T) {
		company := &models.Company{Name: "Qualquer Empresa"}
		assert.Equal(t, 0.5, lex.Score(&models.Incentive{}, models.StructuredAttrs{}, company))
	})

	t.Run("overlap lifts the score", func(t *testing.T) {
		company := &models.Company{Name: "Digitalização Industrial Lda"}
		score := lex.Score(incentive, attrs, company)
		assert.Greater(t, score, 0.5)
		assert.Less(t, score, 1.0)
	})

	t.Run("more overlapping terms score higher", func(t *testing.T) {
		one := lex.Score(incentive, attrs, &models.Company{Name: "Digitalização Lda"})
		two := lex.Score(incentive, attrs, &models.Company{Name: "Digitalização Industrial Lda"})
		assert.Greater(t, two, one)
	})

	t.Run("sector codes count as terms", func(t *testing.T) {
		company := &models.Company{Name: "Sem Relação", CAECodes: []string{"62010"}}
		assert.Greater(t, lex.Score(incentive, attrs, company), 0.5)
	})

	t.Run("raw description feeds the document bag", func(t *testing.T) {
		company := &models.Company{
			Name: "Acme",
			Raw:  datatypes.JSON(`{"description": "modernização tecnológica de processos"}`),
		}
		assert.Greater(t, lex.Score(incentive, attrs, company), 0.5)
	})

	t.Run("term frequency saturates", func(t *testing.T) {
		once := lex.Score(incentive, attrs, &models.Company{Name: "digitalização"})
		many := lex.Score(incentive, attrs, &models.Company{
			Name: strings.Repeat("digitalização ", 10),
		})
		assert.Greater(t, many, once)
		assert.Less(t, many-once, 0.5, "repeated terms must not dominate")
	})

	t.Run("longer documents are normalized down", func(t *testing.T) {
		short := lex.Score(incentive, attrs, &models.Company{Name: "digitalização"})
		long := lex.Score(incentive, attrs, &models.Company{
			Name: "digitalização " + strings.Repeat("irrelevante ", 60),
		})
		assert.Greater(t, short, long)
	})

	t.Run("exact single-term value", func(t *testing.T) {
		// One query term, one doc token: tf=1, dl=1.
		// norm = 1.2*(0.25+0.75/50), score = 1/(1+norm), bounded by
		// the sigmoid. Pinned so parameter drift is caught.
		inc := &models.Incentive{Title: "digitalização"}
		company := &models.Company{Name: "digitalização"}
		assert.InDelta(t, 0.97798, lex.Score(inc, models.StructuredAttrs{}, company), 1e-4)
	})
}

func TestLexical_OnlyFirstThreeCriteria(t *testing.T) {
	lex := NewLexical()
	incentive := &models.Incentive{Title: "Apoio"}
	company := &models.Company{Name: "Aquacultura do Norte"}

	tail := models.StructuredAttrs{
		EligibilityCriteria: []string{"um", "dois", "três", "aquacultura"},
	}
	assert.Equal(t, 0.5, lex.Score(incentive, tail, company), "fourth criterion must be ignored")

	head := models.StructuredAttrs{
		EligibilityCriteria: []string{"aquacultura", "dois", "três", "quatro"},
	}
	assert.Greater(t, lex.Score(incentive, head, company), 0.5)
}
