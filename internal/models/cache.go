package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// CompletionCache is a content-addressed completion row. The key is
// sha256(model :: canonical prompt :: canonical params); every row is
// self-describing so migrations can walk the table.
type CompletionCache struct {
	CacheKey     string         `gorm:"primaryKey;column:cache_key" json:"cache_key"`
	Model        string         `gorm:"not null;index" json:"model"`
	PromptHash   string         `gorm:"not null;index" json:"prompt_hash"`
	ResponseText string         `gorm:"not null" json:"response_text"`
	ResponseJSON datatypes.JSON `gorm:"column:response_json" json:"response_json,omitempty"`
	InputTokens  int            `gorm:"not null" json:"input_tokens"`
	OutputTokens int            `gorm:"not null" json:"output_tokens"`
	CostEUR      float64        `gorm:"column:cost_eur;not null" json:"cost_eur"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	AccessCount  int            `gorm:"default:1" json:"access_count"`
}

func (CompletionCache) TableName() string {
	return "llm_cache"
}

// EmbeddingCache is keyed by sha256(model :: text). The vector is
// stored as a JSON array so the row stays portable across backends.
type EmbeddingCache struct {
	TextHash     string         `gorm:"primaryKey;column:text_hash" json:"text_hash"`
	Model        string         `gorm:"not null" json:"model"`
	Embedding    datatypes.JSON `gorm:"not null" json:"embedding"`
	Dimension    int            `gorm:"not null" json:"dimension"`
	Tokens       int            `gorm:"not null" json:"tokens"`
	CostEUR      float64        `gorm:"column:cost_eur;not null" json:"cost_eur"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	AccessCount  int            `gorm:"default:1" json:"access_count"`
}

func (EmbeddingCache) TableName() string {
	return "embedding_cache"
}

// Vector decodes the stored embedding.
func (e *EmbeddingCache) Vector() ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(e.Embedding, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// SetVector encodes the embedding for storage and fixes the dimension.
func (e *EmbeddingCache) SetVector(vec []float32) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	e.Embedding = data
	e.Dimension = len(vec)
	return nil
}
