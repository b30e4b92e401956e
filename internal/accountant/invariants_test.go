package accountant

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"gridbot/internal/grid"
	"gridbot/internal/mathfees"
)

func testPrecision() Precision {
	return Precision{Buy: 4, Sell: 4}
}

func testFee() mathfees.NetworkFee {
	return mathfees.NetworkFee{CreateFee: decimal.NewFromInt(10), UpdateFee: decimal.NewFromInt(5), CancelFee: decimal.Zero}
}

// Invariant #3: fund invariant within tolerance after SetAccountTotals, with
// committed funds recomputed live from the grid (RequiredFunds) rather than
// an incrementally-tracked field — exercises CheckFundDrift's real path
// instead of pre-seeding an internal total.
func TestInvariant_FundInvariantHoldsAfterBaseline(t *testing.T) {
	a := New(testPrecision(), testFee())
	a.SetAccountTotals(decimal.NewFromInt(1000), decimal.NewFromInt(900), decimal.NewFromInt(500), decimal.NewFromInt(450))

	// committed = total - free for both sides: a buy slot sized 100 and a
	// sell slot sized 50, so drift check should pass.
	buyOID, sellOID := int64(1), int64(2)
	slots := []grid.Slot{
		{Type: grid.Buy, State: grid.Active, Size: decimal.NewFromInt(100), OrderID: &buyOID},
		{Type: grid.Sell, State: grid.Active, Size: decimal.NewFromInt(50), OrderID: &sellOID},
	}

	assert.False(t, a.CheckFundDrift(grid.Buy, slots))
	assert.False(t, a.CheckFundDrift(grid.Sell, slots))
}

// Drift is flagged when the grid's committed total no longer matches
// total-free, e.g. after a stale-order slot was cleaned without the chain
// balance having moved yet.
func TestInvariant_FundInvariantDetectsDrift(t *testing.T) {
	a := New(testPrecision(), testFee())
	a.SetAccountTotals(decimal.NewFromInt(1000), decimal.NewFromInt(900), decimal.NewFromInt(500), decimal.NewFromInt(450))

	buyOID := int64(1)
	slots := []grid.Slot{
		{Type: grid.Buy, State: grid.Active, Size: decimal.NewFromInt(10), OrderID: &buyOID},
	}

	assert.True(t, a.CheckFundDrift(grid.Buy, slots))
}

func TestIsBootstrapBeforeAndAfterSetAccountTotals(t *testing.T) {
	a := New(testPrecision(), testFee())
	assert.True(t, a.IsBootstrap())
	a.SetAccountTotals(decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero)
	assert.False(t, a.IsBootstrap())
}

func TestRequiredFunds_SumsActiveAndPartialOnly(t *testing.T) {
	oid := int64(1)
	slots := []grid.Slot{
		{Type: grid.Buy, State: grid.Active, Size: decimal.NewFromInt(10), OrderID: &oid},
		{Type: grid.Buy, State: grid.Virtual, Size: decimal.NewFromInt(999)},
		{Type: grid.Sell, State: grid.Partial, Size: decimal.NewFromInt(5), OrderID: &oid},
	}
	buy, sell := RequiredFunds(slots, 4, 4)
	assert.True(t, buy.Equal(decimal.NewFromInt(10)))
	assert.True(t, sell.Equal(decimal.NewFromInt(5)))
}
