package budget

import "sync"

// DefaultDocumentCapEUR is the cumulative spend allowed per document
// tag across all calls that carry it.
const DefaultDocumentCapEUR = 0.30

// DocTracker accumulates spend per document tag and answers whether a
// projected cost still fits under the per-document cap. It does not
// block or schedule, callers check before dispatch and record after.
type DocTracker struct {
	mu    sync.Mutex
	cap   float64
	spent map[string]float64
}

// DocStats summarizes tracked spend across all tags.
type DocStats struct {
	DocumentsProcessed int     `json:"total_documents_processed"`
	TotalCostEUR       float64 `json:"total_cost_eur"`
	AverageCostEUR     float64 `json:"average_cost_per_document"`
	MaxCostEUR         float64 `json:"max_cost_per_document"`
}

func NewDocTracker(capEUR float64) *DocTracker {
	if capEUR <= 0 {
		capEUR = DefaultDocumentCapEUR
	}
	return &DocTracker{
		cap:   capEUR,
		spent: make(map[string]float64),
	}
}

// spendEpsilon absorbs float64 accumulation error so sums that land
// exactly on the cap still pass.
const spendEpsilon = 1e-9

// CanSpend reports whether estimateEUR still fits under the tag's cap.
func (t *DocTracker) CanSpend(tag string, estimateEUR float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent[tag]+estimateEUR <= t.cap+spendEpsilon
}

// Record adds actual spend to the tag.
func (t *DocTracker) Record(tag string, actualEUR float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent[tag] += actualEUR
}

// Spent returns the cumulative spend recorded for the tag.
func (t *DocTracker) Spent(tag string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent[tag]
}

// Remaining returns how much of the tag's cap is left, never negative.
func (t *DocTracker) Remaining(tag string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.cap - t.spent[tag]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset clears the tag's accumulated spend.
func (t *DocTracker) Reset(tag string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.spent, tag)
}

// Stats summarizes spend across every tag seen since start or reset.
func (t *DocTracker) Stats() DocStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := DocStats{DocumentsProcessed: len(t.spent)}
	for _, eur := range t.spent {
		stats.TotalCostEUR += eur
		if eur > stats.MaxCostEUR {
			stats.MaxCostEUR = eur
		}
	}
	if stats.DocumentsProcessed > 0 {
		stats.AverageCostEUR = stats.TotalCostEUR / float64(stats.DocumentsProcessed)
	}
	return stats
}
