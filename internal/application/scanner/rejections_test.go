package scanner

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

func TestRejectionTracker_RingIsBounded(t *testing.T) {
	tr := NewRejectionTracker(3, time.Hour)
	now := time.Now()

	for i := 0; i < 5; i++ {
		tr.Record(domain.Rejection{Symbol: fmt.Sprintf("S%d", i), Category: domain.RejectSpread, At: now})
	}

	recent := tr.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "S4", recent[0].Symbol)
	assert.Equal(t, "S2", recent[2].Symbol)

	// counters are not bounded by the ring
	assert.Equal(t, 5, tr.Counts()[domain.RejectSpread])
	assert.Equal(t, 5, tr.Total())
}

func TestRejectionTracker_WindowClears(t *testing.T) {
	tr := NewRejectionTracker(10, time.Minute)
	start := time.Now()

	tr.Record(domain.Rejection{Category: domain.RejectFees, At: start})
	tr.Record(domain.Rejection{Category: domain.RejectFees, At: start.Add(30 * time.Second)})
	assert.Equal(t, 2, tr.Counts()[domain.RejectFees])

	tr.Record(domain.Rejection{Category: domain.RejectCapital, At: start.Add(61 * time.Second)})
	counts := tr.Counts()
	assert.Zero(t, counts[domain.RejectFees])
	assert.Equal(t, 1, counts[domain.RejectCapital])
	assert.Len(t, tr.Recent(0), 1)

	tr.Expire(start.Add(3 * time.Minute))
	assert.Zero(t, tr.Total())
	assert.Empty(t, tr.Recent(5))
}

func TestRejectionTracker_CountsListsEveryCategory(t *testing.T) {
	tr := NewRejectionTracker(0, 0)
	counts := tr.Counts()
	assert.Len(t, counts, len(domain.AllRejectionCategories))
	for _, c := range domain.AllRejectionCategories {
		assert.Zero(t, counts[c], c)
	}
}

func TestWindow_ReplaceAndTake(t *testing.T) {
	now := time.Now()
	w := newWindow(5)

	w.add([]domain.Opportunity{
		{ID: "a", Exchange: "binance", Symbol: "BTCUSDT", Score: 60, ExpiresAt: now.Add(time.Minute)},
		{ID: "b", Exchange: "binance", Symbol: "ETHUSDT", Score: 70, ExpiresAt: now.Add(time.Minute)},
	})
	w.add([]domain.Opportunity{
		{ID: "c", Exchange: "binance", Symbol: "BTCUSDT", Score: 80, ExpiresAt: now.Add(time.Minute)},
	})

	snap := w.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "c", snap[0].ID)

	o, ok := w.take("binance", now)
	require.True(t, ok)
	assert.Equal(t, "c", o.ID)
	assert.Len(t, w.snapshot(), 1)

	expired := w.prune(now.Add(2 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, "b", expired[0].ID)
}
