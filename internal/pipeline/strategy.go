package pipeline

import (
	"github.com/shopspring/decimal"

	"gridbot/internal/accountant"
	"gridbot/internal/cow"
	"gridbot/internal/grid"
	"gridbot/internal/mathfees"
)

// StrategyParams is the sizing configuration a RebalanceStrategy needs,
// pulled from config.GridConfig/AccountantConfig at wiring time, grounded on
// the teacher's StrategyConfig (internal/trading/grid/strategy.go) but
// reduced to the fields this core's pure grid-rebalance math actually uses.
type StrategyParams struct {
	Weight               decimal.Decimal
	IncrementPercent     float64
	BuyPrecision         int32
	SellPrecision        int32
	ReservedFeePerOrder  decimal.Decimal
	MinOrderSizeFactor   decimal.Decimal
	DustPercent          float64
}

// RebalanceStrategy turns a set of filled slot ids into the grid.Grid's next
// shape and the COW actions required to realize it, in the style of the
// teacher's GridStrategy.CalculateTargetState: a pure function of the
// current grid plus fill facts, no direct chain I/O.
type RebalanceStrategy interface {
	ProcessFilledOrders(master *grid.Grid, filledSlotIDs []string, exclude map[string]struct{}) ([]cow.Action, error)
}

// DefaultStrategy implements RebalanceStrategy with geometric re-sizing:
// shift the boundary per fill, reassign BUY/SELL/SPREAD roles, then re-size
// each side's active slots by weight, emitting CREATE for newly-activated
// spread slots and UPDATE for resized already-active slots.
type DefaultStrategy struct {
	acct   *accountant.Accountant
	params StrategyParams
}

func NewDefaultStrategy(acct *accountant.Accountant, params StrategyParams) *DefaultStrategy {
	return &DefaultStrategy{acct: acct, params: params}
}

func (s *DefaultStrategy) ProcessFilledOrders(master *grid.Grid, filledSlotIDs []string, exclude map[string]struct{}) ([]cow.Action, error) {
	working := master
	for _, id := range filledSlotIDs {
		if _, excluded := exclude[id]; excluded {
			continue
		}
		slot, _, ok := working.SlotByID(id)
		if !ok {
			continue
		}
		if slot.State != grid.Active && slot.State != grid.Partial {
			continue
		}
		wasPartial := slot.State == grid.Partial
		working = working.ShiftBoundaryOnFill(slot.Type, wasPartial)
	}

	roleChanges := grid.AssignRoles(working.Slots, working.BoundaryIdx, working.Gap)
	if len(roleChanges) > 0 {
		working = working.WithSlots(roleChanges)
	}

	buyFree, sellFree := s.acct.AvailableFunds()
	activeBuy := len(grid.ActiveSlotsOnSide(working.Slots, grid.Buy))
	activeSell := len(grid.ActiveSlotsOnSide(working.Slots, grid.Sell))

	var actions []cow.Action
	actions = append(actions, s.sizeAndDiffSide(working, grid.Buy, buyFree, s.params.BuyPrecision, activeBuy, activeSell)...)
	actions = append(actions, s.sizeAndDiffSide(working, grid.Sell, sellFree, s.params.SellPrecision, activeBuy, activeSell)...)

	return actions, nil
}

// sizeAndDiffSide computes the target size for every BUY or SELL slot on
// side, then diffs each target against the slot's size before resizing: a
// VIRTUAL slot that gets a non-zero target becomes a CREATE, an
// ACTIVE/PARTIAL slot whose target size differs from its pre-resize size
// beyond tolerance becomes an UPDATE.
func (s *DefaultStrategy) sizeAndDiffSide(working *grid.Grid, side grid.SlotType, budget decimal.Decimal, precision int32, activeBuy, activeSell int) []cow.Action {
	before := make(map[string]decimal.Decimal, len(working.Slots))
	for _, slot := range working.Slots {
		before[slot.ID] = slot.Size
	}

	sized := grid.SizeSide(working.Slots, side, budget, s.params.Weight, s.params.IncrementPercent, precision, s.params.ReservedFeePerOrder, activeBuy, activeSell)

	var actions []cow.Action
	for _, slot := range sized {
		if slot.Size.IsZero() {
			continue
		}
		switch slot.State {
		case grid.Virtual:
			if !mathfees.OrderSizeValid(slot.Size, precision, s.params.MinOrderSizeFactor, nil, s.params.DustPercent) {
				continue
			}
			actions = append(actions, cow.CreateAction{SlotID: slot.ID, Side: side, Price: slot.Price, Size: slot.Size})
		case grid.Active, grid.Partial:
			if slot.OrderID == nil {
				continue
			}
			priorSize := before[slot.ID]
			if !mathfees.WithinTolerance(slot.Size, priorSize, precision, s.params.DustPercent, priorSize) {
				newSize := slot.Size
				actions = append(actions, cow.UpdateAction{SlotID: slot.ID, OrderID: *slot.OrderID, NewSize: newSize})
			}
		}
	}
	return actions
}
