package cow

import (
	"github.com/shopspring/decimal"

	"gridbot/internal/grid"
)

// Action is the tagged-union COW plan entry: CREATE/UPDATE/CANCEL. Rendered
// as a Go interface with three concrete types rather than a protobuf
// oneof, since this core's external wire format is owned by the chain
// collaborator (internal/exchange), not by a gRPC service this repo hosts.
type Action interface {
	isAction()
	TargetSlotID() string
}

// CreateAction places a new order into a currently VIRTUAL/SPREAD slot.
type CreateAction struct {
	SlotID string
	Side   grid.SlotType
	Price  decimal.Decimal
	Size   decimal.Decimal
}

func (CreateAction) isAction()                 {}
func (a CreateAction) TargetSlotID() string    { return a.SlotID }

// UpdateAction resizes (and optionally reprices/rotates) an existing order.
type UpdateAction struct {
	SlotID     string
	OrderID    int64
	NewSize    decimal.Decimal
	NewPrice   *decimal.Decimal
	NewSlotID  *string // non-nil for a rotation: orderId moves to this slot
}

func (UpdateAction) isAction()              {}
func (a UpdateAction) TargetSlotID() string { return a.SlotID }

// CancelAction cancels an existing order, reverting its slot to a SPREAD
// placeholder (or VIRTUAL, depending on role after reassignment).
type CancelAction struct {
	SlotID  string
	OrderID int64
}

func (CancelAction) isAction()              {}
func (a CancelAction) TargetSlotID() string { return a.SlotID }
