package models

// Ledger operation kinds.
const (
	OperationChat  = "chat"
	OperationEmbed = "embed"
)

// CostEntry is one append-only ledger row per model call. Rows are
// written only after a successful receive-and-parse, so a crash can
// never leave a partial entry.
type CostEntry struct {
	BaseModel
	Date         string  `gorm:"not null;index" json:"date"` // YYYY-MM-DD, UTC
	Model        string  `gorm:"not null;index" json:"model"`
	Operation    string  `gorm:"not null" json:"operation"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostEUR      float64 `gorm:"column:cost_eur;not null" json:"cost_eur"`
	FromCache    bool    `gorm:"not null;default:false" json:"from_cache"`
}

func (CostEntry) TableName() string {
	return "cost_entries"
}

// DailyStats aggregates one day of ledger rows. Cached repeats append
// rows with eur=0, so TotalCostEUR is real upstream spend and the
// hit/miss counts carry the cache-effectiveness story.
type DailyStats struct {
	Date         string                 `json:"date"`
	TotalCostEUR float64                `json:"total_cost_eur"`
	ByModel      map[string]*ModelStats `json:"by_model"`
	CacheHits    int64                  `json:"cache_hits"`
	CacheMisses  int64                  `json:"cache_misses"`
}

type ModelStats struct {
	CostEUR float64 `json:"cost_eur"`
	Count   int64   `json:"count"`
}
