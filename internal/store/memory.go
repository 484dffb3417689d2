package store

import (
	"context"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/pgvector/pgvector-go"

	"github.com/incentix/incentix/internal/errs"
	"github.com/incentix/incentix/internal/models"
)

// MemoryStore keeps the corpus in process: entities in maps, vectors
// in chromem collections. It serves lite mode and tests; Add methods
// are the write surface the seeder uses.
type MemoryStore struct {
	mu         sync.RWMutex
	incentives map[string]*models.Incentive
	companies  map[string]*models.Company

	incentiveVectors *chromem.Collection
	companyVectors   *chromem.Collection
}

func NewMemoryStore() (*MemoryStore, error) {
	db := chromem.NewDB()
	// Embeddings always arrive precomputed, so no embedding func.
	incentiveVectors, err := db.CreateCollection("incentives", nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "incentive collection init failed")
	}
	companyVectors, err := db.CreateCollection("companies", nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "company collection init failed")
	}
	return &MemoryStore{
		incentives:       make(map[string]*models.Incentive),
		companies:        make(map[string]*models.Company),
		incentiveVectors: incentiveVectors,
		companyVectors:   companyVectors,
	}, nil
}

// AddIncentive stores the incentive; with a vector it also becomes
// searchable. The stored record carries the vector so GetIncentive
// hydrates exactly like the Postgres store.
func (s *MemoryStore) AddIncentive(ctx context.Context, inc *models.Incentive, vec []float32) error {
	stored := *inc
	if len(vec) > 0 {
		v := pgvector.NewVector(vec)
		stored.Embedding = &models.IncentiveEmbedding{IncentiveID: inc.IncentiveID, Embedding: &v}
	}

	s.mu.Lock()
	s.incentives[inc.IncentiveID] = &stored
	s.mu.Unlock()

	if len(vec) == 0 {
		return nil
	}
	err := s.incentiveVectors.AddDocument(ctx, chromem.Document{
		ID:        inc.IncentiveID,
		Embedding: vec,
		Content:   inc.Title,
	})
	if err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, err, "incentive vector insert failed")
	}
	return nil
}

func (s *MemoryStore) AddCompany(ctx context.Context, company *models.Company, vec []float32) error {
	stored := *company
	if len(vec) > 0 {
		v := pgvector.NewVector(vec)
		stored.Embedding = &models.CompanyEmbedding{CompanyID: company.CompanyID, Embedding: &v}
	}

	s.mu.Lock()
	s.companies[company.CompanyID] = &stored
	s.mu.Unlock()

	if len(vec) == 0 {
		return nil
	}
	err := s.companyVectors.AddDocument(ctx, chromem.Document{
		ID:        company.CompanyID,
		Embedding: vec,
		Content:   company.Name,
	})
	if err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, err, "company vector insert failed")
	}
	return nil
}

func (s *MemoryStore) GetIncentive(_ context.Context, id string) (*models.Incentive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incentives[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "incentive %s not found", id)
	}
	return inc, nil
}

func (s *MemoryStore) GetCompany(_ context.Context, id string) (*models.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	company, ok := s.companies[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "company %s not found", id)
	}
	return company, nil
}

func (s *MemoryStore) NearestCompanies(ctx context.Context, vec []float32, k int) ([]CompanyMatch, error) {
	results, err := s.queryVectors(ctx, s.companyVectors, vec, k)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "company vector search failed")
	}

	s.mu.RLock()
	matches := make([]CompanyMatch, 0, len(results))
	for _, r := range results {
		company, ok := s.companies[r.ID]
		if !ok {
			continue
		}
		matches = append(matches, CompanyMatch{
			Company:    company,
			Similarity: clampSimilarity(float64(r.Similarity)),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Company.CompanyID < matches[j].Company.CompanyID
	})
	return matches, nil
}

func (s *MemoryStore) NearestIncentives(ctx context.Context, vec []float32, k int) ([]IncentiveMatch, error) {
	results, err := s.queryVectors(ctx, s.incentiveVectors, vec, k)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "incentive vector search failed")
	}

	s.mu.RLock()
	matches := make([]IncentiveMatch, 0, len(results))
	for _, r := range results {
		inc, ok := s.incentives[r.ID]
		if !ok {
			continue
		}
		matches = append(matches, IncentiveMatch{
			Incentive:  inc,
			Similarity: clampSimilarity(float64(r.Similarity)),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Incentive.IncentiveID < matches[j].Incentive.IncentiveID
	})
	return matches, nil
}

// queryVectors runs a k-nearest query; chromem rejects asking for more
// results than the collection holds, so k is capped first.
func (s *MemoryStore) queryVectors(ctx context.Context, col *chromem.Collection, vec []float32, k int) ([]chromem.Result, error) {
	if k <= 0 {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	return col.QueryEmbedding(ctx, vec, k, nil, nil)
}

func (s *MemoryStore) CompaniesWithEmbeddings(_ context.Context, ids []string) ([]*models.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := make([]*models.Company, 0, len(ids))
	for _, id := range ids {
		if company, ok := s.companies[id]; ok {
			ordered = append(ordered, company)
		}
	}
	return ordered, nil
}
