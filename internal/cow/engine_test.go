package cow

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/accountant"
	"gridbot/internal/exchange"
	"gridbot/internal/grid"
	"gridbot/internal/mathfees"
	"gridbot/pkg/logging"
)

func testGridConfig() grid.Config {
	return grid.Config{
		StartPrice:          decimal.NewFromInt(100),
		MinPrice:            decimal.NewFromInt(50),
		MaxPrice:            decimal.NewFromInt(200),
		IncrementPercent:    1,
		TargetSpreadPercent: 2,
		Precision:           4,
	}
}

func testPrecision() accountant.Precision {
	return accountant.Precision{Buy: 4, Sell: 4}
}

func testFee() mathfees.NetworkFee {
	return mathfees.NetworkFee{CreateFee: decimal.NewFromInt(10), UpdateFee: decimal.NewFromInt(5), CancelFee: decimal.Zero}
}

func newTestEngine(t *testing.T, client exchange.Client) (*Engine, *grid.Grid) {
	t.Helper()
	g, err := grid.New(testGridConfig())
	require.NoError(t, err)

	acct := accountant.New(testPrecision(), testFee())
	acct.SetAccountTotals(decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000))

	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	return NewEngine(g, client, acct, testPrecision(), NoopDurableLog{}, logger), g
}

func firstVirtualSlot(g *grid.Grid, side grid.SlotType) grid.Slot {
	for _, s := range g.Slots {
		if s.Type == side && s.State == grid.Virtual {
			return s
		}
	}
	panic("no virtual slot on side")
}

// A successful CREATE commit bumps the grid version exactly once and
// leaves the slot ACTIVE with the order id the mock client assigned.
func TestEngine_Commit_CreateBumpsVersionAndActivatesSlot(t *testing.T) {
	client := exchange.NewMockClient(decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	engine, g := newTestEngine(t, client)
	slot := firstVirtualSlot(g, grid.Buy)

	actions := []Action{CreateAction{SlotID: slot.ID, Side: grid.Buy, Price: slot.Price, Size: decimal.NewFromInt(5)}}
	next, err := engine.Commit(context.Background(), "1.2.100", "key", actions, decimal.NewFromFloat(0.5), 1)
	require.NoError(t, err)

	assert.Equal(t, g.Version+1, next.Version)
	updated, _, ok := next.SlotByID(slot.ID)
	require.True(t, ok)
	assert.Equal(t, grid.Active, updated.State)
	assert.True(t, updated.Size.Equal(decimal.NewFromInt(5)))
}

// Committing the same batch of actions twice in a row must not silently
// double the grid version beyond one bump per Commit call (monotonic,
// one-at-a-time).
func TestEngine_Commit_VersionMonotonicAcrossSequentialCommits(t *testing.T) {
	client := exchange.NewMockClient(decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	engine, g := newTestEngine(t, client)

	buySlot := firstVirtualSlot(g, grid.Buy)
	next, err := engine.Commit(context.Background(), "1.2.100", "key",
		[]Action{CreateAction{SlotID: buySlot.ID, Side: grid.Buy, Price: buySlot.Price, Size: decimal.NewFromInt(5)}},
		decimal.NewFromFloat(0.5), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Version)

	sellSlot := firstVirtualSlot(next, grid.Sell)
	next2, err := engine.Commit(context.Background(), "1.2.100", "key",
		[]Action{CreateAction{SlotID: sellSlot.ID, Side: grid.Sell, Price: sellSlot.Price, Size: decimal.NewFromInt(5)}},
		decimal.NewFromFloat(0.5), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next2.Version)
	assert.Equal(t, next2, engine.Master())
}

// A CREATE into an already-ACTIVE slot must be rejected before anything
// broadcasts, and the master grid must be left untouched.
func TestEngine_Commit_RejectsCreateIntoOccupiedSlot(t *testing.T) {
	client := exchange.NewMockClient(decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	engine, g := newTestEngine(t, client)
	slot := firstVirtualSlot(g, grid.Buy)

	_, err := engine.Commit(context.Background(), "1.2.100", "key",
		[]Action{CreateAction{SlotID: slot.ID, Side: grid.Buy, Price: slot.Price, Size: decimal.NewFromInt(5)}},
		decimal.NewFromFloat(0.5), 1)
	require.NoError(t, err)
	before := engine.Master()

	_, err = engine.Commit(context.Background(), "1.2.100", "key",
		[]Action{CreateAction{SlotID: slot.ID, Side: grid.Buy, Price: slot.Price, Size: decimal.NewFromInt(3)}},
		decimal.NewFromFloat(0.5), 1)
	require.Error(t, err)
	assert.Equal(t, before, engine.Master())
}

// A dust-sized CREATE (below the minimum/dust floor) is rejected by
// validate before any op is built or broadcast.
func TestEngine_Commit_RejectsDustSizedCreate(t *testing.T) {
	client := exchange.NewMockClient(decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	engine, g := newTestEngine(t, client)
	slot := firstVirtualSlot(g, grid.Buy)

	_, err := engine.Commit(context.Background(), "1.2.100", "key",
		[]Action{CreateAction{SlotID: slot.ID, Side: grid.Buy, Price: slot.Price, Size: decimal.NewFromFloat(0.00004)}},
		decimal.NewFromFloat(0.5), 1)
	require.Error(t, err)
}

// CANCEL releases the reservation the slot's ACTIVE size was holding, and
// leaves the slot as a SPREAD placeholder.
func TestEngine_Commit_CancelReleasesReservationAndSpreadsSlot(t *testing.T) {
	client := exchange.NewMockClient(decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	engine, g := newTestEngine(t, client)
	slot := firstVirtualSlot(g, grid.Buy)

	created, err := engine.Commit(context.Background(), "1.2.100", "key",
		[]Action{CreateAction{SlotID: slot.ID, Side: grid.Buy, Price: slot.Price, Size: decimal.NewFromInt(5)}},
		decimal.NewFromFloat(0.5), 1)
	require.NoError(t, err)
	activeSlot, _, ok := created.SlotByID(slot.ID)
	require.True(t, ok)
	require.NotNil(t, activeSlot.OrderID)

	buyFreeBefore, _ := engine.acct.AvailableFunds()

	next, err := engine.Commit(context.Background(), "1.2.100", "key",
		[]Action{CancelAction{SlotID: slot.ID, OrderID: *activeSlot.OrderID}},
		decimal.NewFromFloat(0.5), 1)
	require.NoError(t, err)

	cancelled, _, ok := next.SlotByID(slot.ID)
	require.True(t, ok)
	assert.Equal(t, grid.Spread, cancelled.Type)
	assert.Nil(t, cancelled.OrderID)

	buyFreeAfter, _ := engine.acct.AvailableFunds()
	assert.True(t, buyFreeAfter.GreaterThan(buyFreeBefore), "cancel should release the reserved buy-side funds")
}

// Shadow-locked ids block a concurrent Commit from touching the same slot.
func TestEngine_Commit_ShadowLockBlocksOverlappingBatch(t *testing.T) {
	client := exchange.NewMockClient(decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	engine, g := newTestEngine(t, client)
	slot := firstVirtualSlot(g, grid.Buy)

	require.True(t, engine.ShadowLocks().TryAcquire([]string{slot.ID}))
	defer engine.ShadowLocks().Release([]string{slot.ID})

	_, err := engine.Commit(context.Background(), "1.2.100", "key",
		[]Action{CreateAction{SlotID: slot.ID, Side: grid.Buy, Price: slot.Price, Size: decimal.NewFromInt(5)}},
		decimal.NewFromFloat(0.5), 1)
	require.Error(t, err)
}

// Committing with a stale-order RPC error shape marks the order cleaned
// and reports it via IsStaleCleaned, so the fill pipeline can treat a
// later orphan fill for the same id as expected rather than anomalous.
// A lone batch referencing only the stale order, with nothing left to
// retry, surfaces StaleOnChainOrder and still marks the id cleaned.
func TestEngine_Commit_StaleOrderMarksCleaned(t *testing.T) {
	client := exchange.NewMockClient(decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	engine, g := newTestEngine(t, client)
	slot := firstVirtualSlot(g, grid.Buy)

	created, err := engine.Commit(context.Background(), "1.2.100", "key",
		[]Action{CreateAction{SlotID: slot.ID, Side: grid.Buy, Price: slot.Price, Size: decimal.NewFromInt(5)}},
		decimal.NewFromFloat(0.5), 1)
	require.NoError(t, err)
	activeSlot, _, ok := created.SlotByID(slot.ID)
	require.True(t, ok)
	orderID := *activeSlot.OrderID

	client.FailNextExecute = "Limit order 1.7." + decimalToStr(orderID) + " does not exist"

	_, err = engine.Commit(context.Background(), "1.2.100", "key",
		[]Action{UpdateAction{SlotID: slot.ID, OrderID: orderID, NewSize: decimal.NewFromInt(3)}},
		decimal.NewFromFloat(0.5), 1)
	require.Error(t, err)
	assert.True(t, engine.IsStaleCleaned(orderID))

	spreadSlot, _, ok := engine.Master().SlotByID(slot.ID)
	require.True(t, ok)
	assert.Equal(t, grid.Spread, spreadSlot.Type)
}

// S6 — a 2-op batch where one op references a now-stale order: the stale
// slot is cleaned up and the surviving op is retried once and lands,
// rather than the whole batch being dropped.
func TestEngine_Commit_StaleOrderRetriesSurvivingAction(t *testing.T) {
	client := exchange.NewMockClient(decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000), decimal.NewFromInt(10000))
	engine, g := newTestEngine(t, client)
	slot := firstVirtualSlot(g, grid.Buy)

	created, err := engine.Commit(context.Background(), "1.2.100", "key",
		[]Action{CreateAction{SlotID: slot.ID, Side: grid.Buy, Price: slot.Price, Size: decimal.NewFromInt(5)}},
		decimal.NewFromFloat(0.5), 1)
	require.NoError(t, err)
	activeSlot, _, ok := created.SlotByID(slot.ID)
	require.True(t, ok)
	orderID := *activeSlot.OrderID

	client.FailNextExecute = "Limit order 1.7." + decimalToStr(orderID) + " does not exist"

	other := firstVirtualSlot(created, grid.Sell)
	result, err := engine.Commit(context.Background(), "1.2.100", "key",
		[]Action{
			UpdateAction{SlotID: slot.ID, OrderID: orderID, NewSize: decimal.NewFromInt(3)},
			CreateAction{SlotID: other.ID, Side: grid.Sell, Price: other.Price, Size: decimal.NewFromInt(5)},
		},
		decimal.NewFromFloat(0.5), 1)
	require.NoError(t, err)
	assert.True(t, engine.IsStaleCleaned(orderID))

	staleSlot, _, ok := result.SlotByID(slot.ID)
	require.True(t, ok)
	assert.Equal(t, grid.Spread, staleSlot.Type)

	survived, _, ok := result.SlotByID(other.ID)
	require.True(t, ok)
	assert.Equal(t, grid.Active, survived.State)
	require.NotNil(t, survived.OrderID)
}

func decimalToStr(v int64) string {
	return decimal.NewFromInt(v).String()
}
