package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		StartPrice:          decimal.NewFromInt(100),
		MinPrice:            decimal.NewFromInt(50),
		MaxPrice:            decimal.NewFromInt(200),
		IncrementPercent:    1,
		TargetSpreadPercent: 2,
		Precision:           4,
	}
}

// Invariant #1: no phantom orders.
func TestInvariant_NoPhantomOrders(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	for _, s := range g.Slots {
		if s.State == Active || s.State == Partial {
			assert.NotNil(t, s.OrderID, "slot %s in %s must carry an orderId", s.ID, s.State)
		}
	}
}

// Invariant #2: SPREAD discipline.
func TestInvariant_SpreadDiscipline(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	for _, s := range g.Slots {
		if s.Type == Spread {
			assert.True(t, s.Size.IsZero())
			assert.Nil(t, s.OrderID)
			assert.Equal(t, Virtual, s.State)
		}
	}
}

// Invariant #6: boundary bounds.
func TestInvariant_BoundaryBounds(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, g.BoundaryIdx, 0)
	assert.LessOrEqual(t, g.BoundaryIdx, len(g.Slots)-1)

	shifted := g.WithBoundary(len(g.Slots) + 100)
	assert.Equal(t, len(g.Slots)-1, shifted.BoundaryIdx)

	shifted = g.WithBoundary(-5)
	assert.Equal(t, 0, shifted.BoundaryIdx)
}

// Invariant #7: grid-version monotonicity is the responsibility of
// cow.Engine; here we verify WithVersion never lets a grid report a lower
// version than it started with when used as the engine intends.
func TestInvariant_VersionNeverDecreases(t *testing.T) {
	g, err := New(testConfig())
	require.NoError(t, err)
	require.Equal(t, uint64(0), g.Version)
	next := g.WithVersion(g.Version + 1)
	assert.Greater(t, next.Version, g.Version)
}

func TestSlot_ToVirtualClearsOrderAndSize(t *testing.T) {
	oid := int64(42)
	s := Slot{ID: "x", Type: Buy, State: Active, Size: decimal.NewFromInt(10), OrderID: &oid}
	v := s.ToVirtual()
	assert.Equal(t, Virtual, v.State)
	assert.Nil(t, v.OrderID)
	assert.True(t, v.Size.IsZero())
}

func TestSlot_ToSpreadPreservesCommittedSide(t *testing.T) {
	oid := int64(7)
	s := Slot{ID: "x", Type: Buy, CommittedSide: Buy, State: Active, OrderID: &oid, Size: decimal.NewFromInt(5)}
	spread := s.ToSpread()
	assert.Equal(t, Spread, spread.Type)
	assert.Equal(t, Buy, spread.CommittedSide)
	assert.True(t, spread.Size.IsZero())
	assert.Nil(t, spread.OrderID)
}

func TestSlot_IsPhantomDetection(t *testing.T) {
	s := Slot{State: Active, OrderID: nil}
	assert.True(t, s.IsPhantom())
	oid := int64(1)
	s.OrderID = &oid
	assert.False(t, s.IsPhantom())
}
