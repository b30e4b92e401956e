package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/apperr"
)

// S1 — Geometric grid construction.
func TestS1GeometricGridConstruction(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)

	var haveBuy, haveSell bool
	for i, s := range g.Slots {
		if s.Type == Buy {
			haveBuy = true
			assert.True(t, s.Price.LessThanOrEqual(decimal.NewFromInt(100)))
		}
		if s.Type == Sell {
			haveSell = true
			assert.True(t, s.Price.GreaterThanOrEqual(decimal.NewFromInt(100)))
		}
		if i > 0 {
			ratio, _ := g.Slots[i].Price.Div(g.Slots[i-1].Price).Float64()
			assert.InDelta(t, 1.01, ratio, 0.05*1.01)
		}
	}
	assert.True(t, haveBuy)
	assert.True(t, haveSell)

	spreadCount := 0
	for _, s := range g.Slots {
		if s.Type == Spread {
			spreadCount++
		}
	}
	assert.Equal(t, g.Gap, spreadCount)
}

// S2 — Rejected config.
func TestS2RejectedConfig_NonPositiveMinPrice(t *testing.T) {
	cfg := testConfig()
	cfg.MinPrice = decimal.Zero
	_, err := New(cfg)
	require.Error(t, err)
	var ci *apperr.ConfigInvalid
	require.ErrorAs(t, err, &ci)
	assert.Equal(t, "minPrice", ci.Field)
}

func TestS2RejectedConfig_ImbalancedRail(t *testing.T) {
	cfg := testConfig()
	cfg.MinPrice = decimal.NewFromInt(99)
	cfg.MaxPrice = decimal.NewFromInt(101)
	cfg.IncrementPercent = 1
	_, err := New(cfg)
	require.Error(t, err)
	var ci *apperr.ConfigInvalid
	require.ErrorAs(t, err, &ci)
	assert.Equal(t, "imbalancedRail", ci.Field)
}

// S3 — Single SELL fill rotates to BUY (grid-level half of the scenario;
// the COW commit half is exercised in internal/cow).
func TestS3SingleSellFillRotatesBoundary(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)

	sellIdx := -1
	for i, s := range g.Slots {
		if s.Type == Sell {
			sellIdx = i
			break
		}
	}
	require.GreaterOrEqual(t, sellIdx, 0)

	beforeBoundary := g.BoundaryIdx
	next := g.ShiftBoundaryOnFill(Sell, false)
	assert.Equal(t, beforeBoundary+1, next.BoundaryIdx)

	changed := AssignRoles(next.Slots, next.BoundaryIdx, next.Gap)
	next = next.WithSlots(changed)
	newBuy, _, found := next.SlotByID(next.Slots[next.BoundaryIdx].ID)
	require.True(t, found)
	assert.Equal(t, Buy, newBuy.Type)
}

// S7 — Rotation source clear: moving an orderId from one slot to another
// via plain Slot transitions (COW applies this as part of a batch).
func TestS7RotationSourceClear(t *testing.T) {
	oid := int64(7424242)
	g, err := New(testConfig())
	require.NoError(t, err)
	require.Greater(t, len(g.Slots), 97)

	source := g.Slots[94].ToActive(oid, decimal.NewFromFloat(83.90))
	g = g.WithSlots([]Slot{source})

	cleared := source.ToVirtual()
	dest := g.Slots[97].ToActive(oid, decimal.NewFromFloat(83.90))
	g = g.WithSlots([]Slot{cleared, dest})

	gotSource, _, _ := g.SlotByID(g.Slots[94].ID)
	assert.Equal(t, Virtual, gotSource.State)
	assert.Nil(t, gotSource.OrderID)

	gotDest, _, _ := g.SlotByID(g.Slots[97].ID)
	assert.Equal(t, Active, gotDest.State)
	require.NotNil(t, gotDest.OrderID)
	assert.Equal(t, oid, *gotDest.OrderID)
}
