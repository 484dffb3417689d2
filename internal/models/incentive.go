package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// Incentive is a public-funding measure as published by the issuing
// agency. The identifier is stable across updates; the embedding is
// regenerated whenever the structured attributes change.
type Incentive struct {
	IncentiveID     string         `gorm:"primaryKey;column:incentive_id" json:"incentive_id"`
	Title           string         `gorm:"not null" json:"title"`
	Description     string         `json:"description"`
	AIDescription   datatypes.JSON `gorm:"column:ai_description;type:jsonb" json:"ai_description,omitempty"`
	DocumentURLs    pq.StringArray `gorm:"column:document_urls;type:text[]" json:"document_urls,omitempty"`
	PublicationDate *time.Time     `json:"publication_date,omitempty"`
	StartDate       *time.Time     `json:"start_date,omitempty"`
	EndDate         *time.Time     `json:"end_date,omitempty"`
	TotalBudget     *float64       `json:"total_budget,omitempty"`
	SourceLink      string         `json:"source_link"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`

	Embedding *IncentiveEmbedding `gorm:"foreignKey:IncentiveID;references:IncentiveID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Incentive) TableName() string {
	return "incentives"
}

// StructuredAttrs is the closed record extracted from an incentive's
// free text by the ingestion pipeline and stored in ai_description.
type StructuredAttrs struct {
	SectorCodes          []string `json:"caes,omitempty"`
	AllowedSizes         []string `json:"company_size,omitempty"`
	GeoScope             string   `json:"geographic_location,omitempty"`
	InvestmentObjectives []string `json:"investment_objectives,omitempty"`
	SpecificPurposes     []string `json:"specific_purposes,omitempty"`
	EligibilityCriteria  []string `json:"eligibility_criteria,omitempty"`
}

// Attrs parses the structured-attributes record. A missing record
// yields the zero value, not an error.
func (i *Incentive) Attrs() (StructuredAttrs, error) {
	var attrs StructuredAttrs
	if len(i.AIDescription) == 0 {
		return attrs, nil
	}
	if err := json.Unmarshal(i.AIDescription, &attrs); err != nil {
		return StructuredAttrs{}, err
	}
	return attrs, nil
}

type IncentiveEmbedding struct {
	IncentiveID string           `gorm:"primaryKey;column:incentive_id" json:"incentive_id"`
	Embedding   *pgvector.Vector `gorm:"type:vector(1536)" json:"-"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func (IncentiveEmbedding) TableName() string {
	return "incentive_embeddings"
}

// Vector returns the stored embedding, or nil when not yet computed.
func (e *IncentiveEmbedding) Vector() []float32 {
	if e == nil || e.Embedding == nil {
		return nil
	}
	return e.Embedding.Slice()
}
