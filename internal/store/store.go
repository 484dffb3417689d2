// Package store is the read-only retrieval layer over the ingested
// corpus: entity lookups and nearest-neighbour search over stored
// embeddings. Postgres with pgvector backs the real deployment, an
// in-process vector index backs lite mode and tests.
package store

import (
	"context"

	"github.com/incentix/incentix/internal/models"
)

// CompanyMatch is a company scored by cosine similarity to a query
// vector.
type CompanyMatch struct {
	Company    *models.Company
	Similarity float64
}

// IncentiveMatch is an incentive scored by cosine similarity to a
// query vector.
type IncentiveMatch struct {
	Incentive  *models.Incentive
	Similarity float64
}

// Store is the retrieval contract. Nearest methods return at most k
// rows ordered by similarity descending with ties broken by entity id
// ascending; entities without a stored vector never appear.
type Store interface {
	GetIncentive(ctx context.Context, id string) (*models.Incentive, error)
	GetCompany(ctx context.Context, id string) (*models.Company, error)
	NearestCompanies(ctx context.Context, vec []float32, k int) ([]CompanyMatch, error)
	NearestIncentives(ctx context.Context, vec []float32, k int) ([]IncentiveMatch, error)
	CompaniesWithEmbeddings(ctx context.Context, ids []string) ([]*models.Company, error)
}

// clampSimilarity bounds a cosine similarity into [0,1]; floating
// point noise and opposed vectors both land outside otherwise.
func clampSimilarity(sim float64) float64 {
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
