package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// Company size classes as stored in the corpus.
const (
	SizeMicro   = "micro"
	SizePME     = "pme"
	SizeGrande  = "grande"
	SizeUnknown = "unknown"

	// SizeNotApplicable appears only in incentive allowed-size lists
	// and disables the size rule entirely.
	SizeNotApplicable = "não aplicável"
)

type Company struct {
	CompanyID string         `gorm:"primaryKey;column:company_id" json:"company_id"`
	Name      string         `gorm:"not null" json:"name"`
	CAECodes  pq.StringArray `gorm:"column:cae_codes;type:text[]" json:"cae_codes,omitempty"`
	Size      string         `json:"size"`
	District  string         `json:"district,omitempty"`
	County    string         `json:"county,omitempty"`
	Parish    string         `json:"parish,omitempty"`
	Website   string         `json:"website,omitempty"`
	Raw       datatypes.JSON `gorm:"type:jsonb" json:"raw,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	Embedding *CompanyEmbedding `gorm:"foreignKey:CompanyID;references:CompanyID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Company) TableName() string {
	return "companies"
}

// RawDescription extracts the free-text description from the opaque
// raw attributes, when present.
func (c *Company) RawDescription() string {
	if len(c.Raw) == 0 {
		return ""
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(c.Raw, &raw); err != nil {
		return ""
	}
	if desc, ok := raw["description"].(string); ok {
		return desc
	}
	return ""
}

// RawAttrs returns the opaque raw attributes as a map, or nil.
func (c *Company) RawAttrs() map[string]interface{} {
	if len(c.Raw) == 0 {
		return nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(c.Raw, &raw); err != nil {
		return nil
	}
	return raw
}

type CompanyEmbedding struct {
	CompanyID string           `gorm:"primaryKey;column:company_id" json:"company_id"`
	Embedding *pgvector.Vector `gorm:"type:vector(1536)" json:"-"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (CompanyEmbedding) TableName() string {
	return "company_embeddings"
}

func (e *CompanyEmbedding) Vector() []float32 {
	if e == nil || e.Embedding == nil {
		return nil
	}
	return e.Embedding.Slice()
}
