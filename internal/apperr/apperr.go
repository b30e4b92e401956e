// Package apperr defines the tagged-variant error types raised by the grid
// engine's core packages. Each variant carries the structured context a
// caller needs to react (slot id, side, amount, ...); callers should use
// errors.As rather than matching on Error() strings.
package apperr

import (
	"errors"
	"fmt"
)

// ConfigInvalid is raised at grid/config construction when a field fails
// validation. Fail-fast: never returned after startup.
type ConfigInvalid struct {
	Field string
	Value any
}

func (e *ConfigInvalid) Error() string {
	return fmt.Sprintf("config invalid: field %q value %v", e.Field, e.Value)
}

// NoAccount means the account id could not be resolved. Fatal for start.
type NoAccount struct {
	Name string
}

func (e *NoAccount) Error() string {
	return fmt.Sprintf("no account: cannot resolve %q", e.Name)
}

// IllegalOrderState is consumed once by the pipeline to trigger a recovery
// sync plus a one-cycle maintenance cooldown.
type IllegalOrderState struct {
	Context string
	SlotID  string
	Details string
}

func (e *IllegalOrderState) Error() string {
	return fmt.Sprintf("illegal order state in %s slot=%s: %s", e.Context, e.SlotID, e.Details)
}

// AccountingCommitmentFailed follows the same recovery path as IllegalOrderState.
type AccountingCommitmentFailed struct {
	Side    string
	Amount  string
	Context string
}

func (e *AccountingCommitmentFailed) Error() string {
	return fmt.Sprintf("accounting commitment failed side=%s amount=%s context=%s", e.Side, e.Amount, e.Context)
}

// CreateSlotOccupied means the COW engine rejected the batch outright; no
// master mutation occurred.
type CreateSlotOccupied struct {
	TargetID       string
	CurrentOrderID int64
	CurrentType    string
	CurrentState   string
}

func (e *CreateSlotOccupied) Error() string {
	return fmt.Sprintf("create target slot %s occupied: orderId=%d type=%s state=%s",
		e.TargetID, e.CurrentOrderID, e.CurrentType, e.CurrentState)
}

// StaleOnChainOrder is parsed out of a broadcaster's raw RPC error text. It
// triggers slot->SPREAD cleanup, stale-cleaned bookkeeping, and a one-shot
// retry of the remaining batch.
type StaleOnChainOrder struct {
	OrderID int64
}

func (e *StaleOnChainOrder) Error() string {
	return fmt.Sprintf("stale on-chain order %d", e.OrderID)
}

// PartialOnChainState is non-fatal: it surfaces that earlier groups of a
// grouped create execution were confirmed while a later group failed. The
// next sync reconverges state.
type PartialOnChainState struct {
	GroupsBroadcast           int
	GroupsTotal               int
	BroadcastedOperationCount int
}

func (e *PartialOnChainState) Error() string {
	return fmt.Sprintf("partial on-chain state: %d/%d groups broadcast (%d ops)",
		e.GroupsBroadcast, e.GroupsTotal, e.BroadcastedOperationCount)
}

// PersistenceFailure is logged and retried on the next opportunity; callers
// typically carry a persistenceWarning flag alongside it.
type PersistenceFailure struct {
	Op  string
	Err error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }

// As is a small convenience wrapper around errors.As for call sites that
// only need a boolean, matching the teacher's preference for terse helpers
// in pkg/errors.
func As[T error](err error) (T, bool) {
	var target T
	ok := errors.As(err, &target)
	return target, ok
}
