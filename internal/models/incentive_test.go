package models

import (
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestIncentive_Attrs(t *testing.T) {
	t.Run("missing record yields zero value", func(t *testing.T) {
		inc := &Incentive{IncentiveID: "inc-1"}
		attrs, err := inc.Attrs()
		require.NoError(t, err)
		assert.Equal(t, StructuredAttrs{}, attrs)
	})

	t.Run("full record round-trips", func(t *testing.T) {
		inc := &Incentive{
			IncentiveID: "inc-2",
			AIDescription: datatypes.JSON(`{
				"caes": ["62010", "62020"],
				"company_size": ["micro", "pme"],
				"geographic_location": "Norte",
				"investment_objectives": ["digitalização"],
				"eligibility_criteria": ["PME certificada"]
			}`),
		}
		attrs, err := inc.Attrs()
		require.NoError(t, err)
		assert.Equal(t, []string{"62010", "62020"}, attrs.SectorCodes)
		assert.Equal(t, []string{SizeMicro, SizePME}, attrs.AllowedSizes)
		assert.Equal(t, "Norte", attrs.GeoScope)
		assert.Equal(t, []string{"digitalização"}, attrs.InvestmentObjectives)
		assert.Equal(t, []string{"PME certificada"}, attrs.EligibilityCriteria)
	})

	t.Run("unknown fields are ignored", func(t *testing.T) {
		inc := &Incentive{
			IncentiveID:   "inc-3",
			AIDescription: datatypes.JSON(`{"caes": ["01110"], "notas_internas": "x"}`),
		}
		attrs, err := inc.Attrs()
		require.NoError(t, err)
		assert.Equal(t, []string{"01110"}, attrs.SectorCodes)
	})

	t.Run("malformed record reports the error", func(t *testing.T) {
		inc := &Incentive{
			IncentiveID:   "inc-4",
			AIDescription: datatypes.JSON(`{"caes": [`),
		}
		_, err := inc.Attrs()
		assert.Error(t, err)
	})
}

func TestIncentiveEmbedding_Vector(t *testing.T) {
	var nilEmb *IncentiveEmbedding
	assert.Nil(t, nilEmb.Vector())
	assert.Nil(t, (&IncentiveEmbedding{}).Vector())

	vec := pgvector.NewVector([]float32{0.1, 0.2, 0.3})
	emb := &IncentiveEmbedding{IncentiveID: "inc-1", Embedding: &vec}
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, emb.Vector())
}
