package pricing

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/incentix/incentix/internal/models"
)

// GormStore persists price records in the price_cache table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	var rec models.PriceRecord
	err := s.db.WithContext(ctx).First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return []byte(rec.Value), rec.FetchedAt, true, nil
}

func (s *GormStore) Put(ctx context.Context, key string, value []byte, fetchedAt time.Time) error {
	rec := models.PriceRecord{
		Key:       key,
		Value:     datatypes.JSON(value),
		FetchedAt: fetchedAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(&rec).Error
}

// MemoryStore keeps price records in process, for tests and lite mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	value     []byte
	fetchedAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, time.Time{}, false, nil
	}
	return rec.value, rec.fetchedAt, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = memoryRecord{value: value, fetchedAt: fetchedAt}
	return nil
}
