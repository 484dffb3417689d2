package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/incentix/incentix/internal/errs"
	"github.com/incentix/incentix/internal/models"
)

func nowUTC() time.Time { return time.Now().UTC() }

// ResponseStore is the durable tier behind the cache: cached responses
// plus the cost ledger. Get methods return (nil, nil) on a miss.
type ResponseStore interface {
	GetCompletion(ctx context.Context, key string) (*models.CompletionCache, error)
	TouchCompletion(ctx context.Context, key string) error
	PutCompletion(ctx context.Context, row *models.CompletionCache) error

	GetEmbedding(ctx context.Context, key string) (*models.EmbeddingCache, error)
	TouchEmbedding(ctx context.Context, key string) error
	PutEmbedding(ctx context.Context, row *models.EmbeddingCache) error

	AppendCost(ctx context.Context, row *models.CostEntry) error
	Stats(ctx context.Context, date string) (*models.DailyStats, error)
}

// GormStore keeps responses and the ledger in Postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetCompletion(ctx context.Context, key string) (*models.CompletionCache, error) {
	var row models.CompletionCache
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "completion lookup failed")
	}
	return &row, nil
}

func (s *GormStore) TouchCompletion(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).
		Model(&models.CompletionCache{}).
		Where("cache_key = ?", key).
		UpdateColumns(map[string]interface{}{
			"last_accessed": gorm.Expr("NOW()"),
			"access_count":  gorm.Expr("access_count + 1"),
		}).Error
	if err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, err, "completion access bump failed")
	}
	return nil
}

func (s *GormStore) PutCompletion(ctx context.Context, row *models.CompletionCache) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			UpdateAll: true,
		}).
		Create(row).Error
	if err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, err, "completion write failed")
	}
	return nil
}

func (s *GormStore) GetEmbedding(ctx context.Context, key string) (*models.EmbeddingCache, error) {
	var row models.EmbeddingCache
	err := s.db.WithContext(ctx).Where("text_hash = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "embedding lookup failed")
	}
	return &row, nil
}

func (s *GormStore) TouchEmbedding(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).
		Model(&models.EmbeddingCache{}).
		Where("text_hash = ?", key).
		UpdateColumns(map[string]interface{}{
			"last_accessed": gorm.Expr("NOW()"),
			"access_count":  gorm.Expr("access_count + 1"),
		}).Error
	if err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, err, "embedding access bump failed")
	}
	return nil
}

func (s *GormStore) PutEmbedding(ctx context.Context, row *models.EmbeddingCache) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "text_hash"}},
			UpdateAll: true,
		}).
		Create(row).Error
	if err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, err, "embedding write failed")
	}
	return nil
}

func (s *GormStore) AppendCost(ctx context.Context, row *models.CostEntry) error {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, err, "ledger append failed")
	}
	return nil
}

func (s *GormStore) Stats(ctx context.Context, date string) (*models.DailyStats, error) {
	db := s.db.WithContext(ctx).Model(&models.CostEntry{})

	stats := &models.DailyStats{
		Date:    date,
		ByModel: make(map[string]*models.ModelStats),
	}

	if err := db.Session(&gorm.Session{}).
		Where("date = ?", date).
		Select("COALESCE(SUM(cost_eur), 0)").
		Scan(&stats.TotalCostEUR).Error; err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "ledger total failed")
	}

	var perModel []struct {
		Model   string
		CostEUR float64
		Count   int64
	}
	if err := db.Session(&gorm.Session{}).
		Where("date = ?", date).
		Select("model, COALESCE(SUM(cost_eur), 0) AS cost_eur, COUNT(*) AS count").
		Group("model").
		Scan(&perModel).Error; err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "ledger breakdown failed")
	}
	for _, m := range perModel {
		stats.ByModel[m.Model] = &models.ModelStats{CostEUR: m.CostEUR, Count: m.Count}
	}

	if err := db.Session(&gorm.Session{}).
		Where("date = ? AND from_cache = ?", date, true).
		Count(&stats.CacheHits).Error; err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "ledger hit count failed")
	}
	if err := db.Session(&gorm.Session{}).
		Where("date = ? AND from_cache = ?", date, false).
		Count(&stats.CacheMisses).Error; err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "ledger miss count failed")
	}

	return stats, nil
}

// MemoryStore is the lite-mode ResponseStore. It holds everything in
// process and is safe for concurrent use.
type MemoryStore struct {
	mu          sync.Mutex
	completions map[string]*models.CompletionCache
	embeddings  map[string]*models.EmbeddingCache
	ledger      []*models.CostEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		completions: make(map[string]*models.CompletionCache),
		embeddings:  make(map[string]*models.EmbeddingCache),
	}
}

func (s *MemoryStore) GetCompletion(_ context.Context, key string) (*models.CompletionCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.completions[key]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *MemoryStore) TouchCompletion(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.completions[key]; ok {
		row.AccessCount++
		row.LastAccessed = nowUTC()
	}
	return nil
}

func (s *MemoryStore) PutCompletion(_ context.Context, row *models.CompletionCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *row
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = nowUTC()
	}
	s.completions[row.CacheKey] = &cp
	return nil
}

func (s *MemoryStore) GetEmbedding(_ context.Context, key string) (*models.EmbeddingCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.embeddings[key]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *MemoryStore) TouchEmbedding(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.embeddings[key]; ok {
		row.AccessCount++
		row.LastAccessed = nowUTC()
	}
	return nil
}

func (s *MemoryStore) PutEmbedding(_ context.Context, row *models.EmbeddingCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *row
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = nowUTC()
	}
	s.embeddings[row.TextHash] = &cp
	return nil
}

func (s *MemoryStore) AppendCost(_ context.Context, row *models.CostEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *row
	s.ledger = append(s.ledger, &cp)
	return nil
}

func (s *MemoryStore) Stats(_ context.Context, date string) (*models.DailyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &models.DailyStats{
		Date:    date,
		ByModel: make(map[string]*models.ModelStats),
	}
	for _, row := range s.ledger {
		if row.Date != date {
			continue
		}
		stats.TotalCostEUR += row.CostEUR
		ms, ok := stats.ByModel[row.Model]
		if !ok {
			ms = &models.ModelStats{}
			stats.ByModel[row.Model] = ms
		}
		ms.CostEUR += row.CostEUR
		ms.Count++
		if row.FromCache {
			stats.CacheHits++
		} else {
			stats.CacheMisses++
		}
	}
	return stats, nil
}
