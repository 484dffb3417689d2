package store

import (
	"context"
	"errors"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/incentix/incentix/internal/errs"
	"github.com/incentix/incentix/internal/models"
)

// PostgresStore reads the corpus from Postgres, with vector search
// delegated to pgvector's cosine operator.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetIncentive(ctx context.Context, id string) (*models.Incentive, error) {
	var inc models.Incentive
	err := s.db.WithContext(ctx).
		Preload("Embedding").
		Where("incentive_id = ?", id).
		First(&inc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.New(errs.KindNotFound, "incentive %s not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "incentive load failed")
	}
	return &inc, nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, id string) (*models.Company, error) {
	var company models.Company
	err := s.db.WithContext(ctx).
		Preload("Embedding").
		Where("company_id = ?", id).
		First(&company).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.New(errs.KindNotFound, "company %s not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "company load failed")
	}
	return &company, nil
}

// nearestRow is the flat shape both similarity queries scan into.
type nearestRow struct {
	ID         string  `gorm:"column:id"`
	Similarity float64 `gorm:"column:similarity"`
}

const nearestCompaniesSQL = `
SELECT ce.company_id AS id,
       1 - (ce.embedding <=> ?) AS similarity
FROM company_embeddings ce
WHERE ce.embedding IS NOT NULL
ORDER BY similarity DESC, ce.company_id ASC
LIMIT ?`

func (s *PostgresStore) NearestCompanies(ctx context.Context, vec []float32, k int) ([]CompanyMatch, error) {
	if k <= 0 {
		return nil, nil
	}

	var rows []nearestRow
	err := s.db.WithContext(ctx).
		Raw(nearestCompaniesSQL, pgvector.NewVector(vec), k).
		Scan(&rows).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "company vector search failed")
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	var companies []*models.Company
	if err := s.db.WithContext(ctx).Where("company_id IN ?", ids).Find(&companies).Error; err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "company hydration failed")
	}
	byID := make(map[string]*models.Company, len(companies))
	for _, company := range companies {
		byID[company.CompanyID] = company
	}

	matches := make([]CompanyMatch, 0, len(rows))
	for _, row := range rows {
		company, ok := byID[row.ID]
		if !ok {
			continue
		}
		matches = append(matches, CompanyMatch{
			Company:    company,
			Similarity: clampSimilarity(row.Similarity),
		})
	}
	return matches, nil
}

const nearestIncentivesSQL = `
SELECT ie.incentive_id AS id,
       1 - (ie.embedding <=> ?) AS similarity
FROM incentive_embeddings ie
WHERE ie.embedding IS NOT NULL
ORDER BY similarity DESC, ie.incentive_id ASC
LIMIT ?`

func (s *PostgresStore) NearestIncentives(ctx context.Context, vec []float32, k int) ([]IncentiveMatch, error) {
	if k <= 0 {
		return nil, nil
	}

	var rows []nearestRow
	err := s.db.WithContext(ctx).
		Raw(nearestIncentivesSQL, pgvector.NewVector(vec), k).
		Scan(&rows).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "incentive vector search failed")
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	var incentives []*models.Incentive
	if err := s.db.WithContext(ctx).Where("incentive_id IN ?", ids).Find(&incentives).Error; err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "incentive hydration failed")
	}
	byID := make(map[string]*models.Incentive, len(incentives))
	for _, inc := range incentives {
		byID[inc.IncentiveID] = inc
	}

	matches := make([]IncentiveMatch, 0, len(rows))
	for _, row := range rows {
		inc, ok := byID[row.ID]
		if !ok {
			continue
		}
		matches = append(matches, IncentiveMatch{
			Incentive:  inc,
			Similarity: clampSimilarity(row.Similarity),
		})
	}
	return matches, nil
}

// CompaniesWithEmbeddings hydrates companies and their vectors in the
// order requested, silently dropping unknown ids.
func (s *PostgresStore) CompaniesWithEmbeddings(ctx context.Context, ids []string) ([]*models.Company, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var companies []*models.Company
	err := s.db.WithContext(ctx).
		Preload("Embedding").
		Where("company_id IN ?", ids).
		Find(&companies).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "company batch load failed")
	}

	byID := make(map[string]*models.Company, len(companies))
	for _, company := range companies {
		byID[company.CompanyID] = company
	}
	ordered := make([]*models.Company, 0, len(ids))
	for _, id := range ids {
		if company, ok := byID[id]; ok {
			ordered = append(ordered, company)
		}
	}
	return ordered, nil
}
