package budget

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocTracker_CapEnforcement(t *testing.T) {
	tracker := NewDocTracker(0.30)

	t.Run("fresh tag accepts up to the cap", func(t *testing.T) {
		assert.True(t, tracker.CanSpend("doc-1", 0.30))
		assert.False(t, tracker.CanSpend("doc-1", 0.31))
	})

	t.Run("recorded spend eats into the cap", func(t *testing.T) {
		tracker.Record("doc-2", 0.25)
		assert.True(t, tracker.CanSpend("doc-2", 0.05))
		assert.False(t, tracker.CanSpend("doc-2", 0.06))
		assert.InDelta(t, 0.25, tracker.Spent("doc-2"), 1e-12)
		assert.InDelta(t, 0.05, tracker.Remaining("doc-2"), 1e-12)
	})

	t.Run("tags are independent", func(t *testing.T) {
		tracker.Record("doc-3", 0.30)
		assert.False(t, tracker.CanSpend("doc-3", 0.001))
		assert.True(t, tracker.CanSpend("doc-4", 0.30))
	})

	t.Run("overspend never yields negative remaining", func(t *testing.T) {
		tracker.Record("doc-5", 0.40)
		assert.Equal(t, 0.0, tracker.Remaining("doc-5"))
		assert.False(t, tracker.CanSpend("doc-5", 0.0001))
	})

	t.Run("reset reopens the tag", func(t *testing.T) {
		tracker.Record("doc-6", 0.30)
		assert.False(t, tracker.CanSpend("doc-6", 0.01))
		tracker.Reset("doc-6")
		assert.Equal(t, 0.0, tracker.Spent("doc-6"))
		assert.True(t, tracker.CanSpend("doc-6", 0.30))
	})
}

func TestDocTracker_DefaultCap(t *testing.T) {
	for _, capEUR := range []float64{0, -1} {
		tracker := NewDocTracker(capEUR)
		assert.True(t, tracker.CanSpend("doc", DefaultDocumentCapEUR))
		assert.False(t, tracker.CanSpend("doc", DefaultDocumentCapEUR+0.001))
	}
}

func TestDocTracker_Stats(t *testing.T) {
	tracker := NewDocTracker(1.0)

	assert.Equal(t, DocStats{}, tracker.Stats())

	tracker.Record("doc-a", 0.10)
	tracker.Record("doc-a", 0.05)
	tracker.Record("doc-b", 0.25)

	stats := tracker.Stats()
	assert.Equal(t, 2, stats.DocumentsProcessed)
	assert.InDelta(t, 0.40, stats.TotalCostEUR, 1e-12)
	assert.InDelta(t, 0.20, stats.AverageCostEUR, 1e-12)
	assert.InDelta(t, 0.25, stats.MaxCostEUR, 1e-12)

	tracker.Reset("doc-b")
	stats = tracker.Stats()
	assert.Equal(t, 1, stats.DocumentsProcessed)
	assert.InDelta(t, 0.15, stats.TotalCostEUR, 1e-12)
}

func TestDocTracker_ConcurrentRecords(t *testing.T) {
	tracker := NewDocTracker(1000)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			tag := fmt.Sprintf("doc-%d", id%2)
			for i := 0; i < 100; i++ {
				tracker.CanSpend(tag, 0.01)
				tracker.Record(tag, 0.01)
			}
		}(worker)
	}
	wg.Wait()

	assert.InDelta(t, 4.0, tracker.Spent("doc-0"), 1e-9)
	assert.InDelta(t, 4.0, tracker.Spent("doc-1"), 1e-9)

	stats := tracker.Stats()
	assert.Equal(t, 2, stats.DocumentsProcessed)
	assert.InDelta(t, 8.0, stats.TotalCostEUR, 1e-9)
}
