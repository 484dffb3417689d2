package models

import (
	"time"

	"gorm.io/datatypes"
)

// Price cache key conventions.
const (
	PriceKeyPrefix  = "prices:"
	ExchangeRateKey = "exchange_rate"
)

// PriceRecord is one row of the key-value price cache: either
// "prices:<model>" holding EUR per-million prices, or "exchange_rate"
// holding the USD to EUR rate. FetchedAt drives the TTL check, so
// fallback writers stamp it too.
type PriceRecord struct {
	Key       string         `gorm:"primaryKey" json:"key"`
	Value     datatypes.JSON `gorm:"not null" json:"value"`
	FetchedAt time.Time      `gorm:"not null" json:"fetched_at"`
}

func (PriceRecord) TableName() string {
	return "price_cache"
}
