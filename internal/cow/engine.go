// Package cow implements the Working-Grid / Copy-on-Write engine: the
// master grid is mutated only after the chain confirms the operations
// that justify it. See Engine.Commit for the seven-step workflow.
package cow

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"gridbot/internal/accountant"
	"gridbot/internal/apperr"
	"gridbot/internal/core"
	"gridbot/internal/exchange"
	"gridbot/internal/grid"
	"gridbot/internal/mathfees"
)

// staleOrderPatterns are the three RPC error shapes spec.md §4.4 names.
var staleOrderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Limit order (\S+) does not exist`),
	regexp.MustCompile(`Unable to find Object (\S+)`),
	regexp.MustCompile(`object (\S+) (?:does not exist|not found)`),
}

// minRetention is the floor for the stale-cleaned retention window, per
// spec.md §4.4 ("max(dedupWindow, 5 min)").
const minRetention = 5 * time.Minute

// Engine serializes commitWorkingGrid calls (the teacher's gridLock
// equivalent is this struct's own internal synchronization: only one
// Commit mutates e.master at a time, enforced by CAS plus shadow locks on
// the touched ids).
type Engine struct {
	master       atomic.Pointer[grid.Grid]
	client       exchange.Client
	acct         *accountant.Accountant
	shadow       *ShadowLocks
	durable      DurableLog
	staleCleaned *TimedIDSet
	precision    accountant.Precision
	logger       core.Logger
	retryPolicy  failsafe.Executor[*exchange.BatchResult]
}

// NewEngine constructs a COW engine around an already-published initial
// grid. durable may be NoopDurableLog{} when no DBOS journal is configured.
func NewEngine(initial *grid.Grid, client exchange.Client, acct *accountant.Accountant, precision accountant.Precision, durable DurableLog, logger core.Logger) *Engine {
	e := &Engine{
		client:       client,
		acct:         acct,
		shadow:       NewShadowLocks(),
		durable:      durable,
		staleCleaned: NewTimedIDSet(minRetention),
		precision:    precision,
		logger:       logger,
	}
	e.master.Store(initial)
	return e
}

// Master returns the currently published grid.
func (e *Engine) Master() *grid.Grid {
	return e.master.Load()
}

// Client returns the exchange client the engine broadcasts through.
func (e *Engine) Client() exchange.Client { return e.client }

// ShadowLocks exposes the engine's cooperative exclusion set so strategy
// selection can skip in-flight ids.
func (e *Engine) ShadowLocks() *ShadowLocks { return e.shadow }

// IsStaleCleaned reports whether orderID was cleaned up by a prior batch
// failure and is still within its retention window; the fill pipeline
// consults this before crediting an unresolvable fill as an orphan.
func (e *Engine) IsStaleCleaned(orderID int64) bool {
	return e.staleCleaned.Contains(orderID, time.Now())
}

// project applies every action to a working copy of master, producing the
// phantom-free working grid described in spec.md §4.4 step 2. It never
// touches e.master.
func project(master *grid.Grid, actions []Action) (*grid.Grid, error) {
	changed := make([]grid.Slot, 0, len(actions))
	for _, act := range actions {
		slot, _, ok := master.SlotByID(act.TargetSlotID())
		if !ok {
			return nil, fmt.Errorf("cow: action targets unknown slot %s", act.TargetSlotID())
		}
		switch a := act.(type) {
		case CreateAction:
			// CREATEs land VIRTUAL with null orderId until broadcast confirms.
			n := slot
			n.Price = a.Price
			n.Size = a.Size
			changed = append(changed, n)
		case UpdateAction:
			if a.NewSlotID != nil {
				// Rotation: the order moves off this slot entirely, so the
				// source must go VIRTUAL with no orderId, never ACTIVE with
				// the old id retained (spec.md §8 S7) — otherwise source and
				// destination both reference the same on-chain order.
				changed = append(changed, slot.ToVirtual())
				dest, _, ok := master.SlotByID(*a.NewSlotID)
				if ok {
					destActive := dest.ToActive(a.OrderID, a.NewSize)
					if a.NewPrice != nil {
						destActive.Price = *a.NewPrice
					}
					changed = append(changed, destActive)
				}
			} else if a.NewSize.IsZero() {
				// In-place vacate (no rotation target): the order is gone,
				// so the slot reverts to VIRTUAL rather than ACTIVE/size=0.
				changed = append(changed, slot.ToVirtual())
			} else {
				n := slot.ToPartial(a.NewSize)
				if a.NewPrice != nil {
					n.Price = *a.NewPrice
				}
				oid := a.OrderID
				n.OrderID = &oid
				changed = append(changed, n)
			}
		case CancelAction:
			changed = append(changed, slot.ToSpread())
		}
	}
	return master.WithSlots(changed), nil
}

// validate implements spec.md §4.4 step 3: no CREATE into an occupied
// slot, per-order minimum/dust thresholds, and a peak-running fund check
// against available (optimistic) balances.
func (e *Engine) validate(master, working *grid.Grid, actions []Action, minFactor decimal.Decimal, dustPct float64) error {
	for _, act := range actions {
		create, ok := act.(CreateAction)
		if !ok {
			continue
		}
		cur, _, found := master.SlotByID(create.SlotID)
		if found && (cur.State == grid.Active || cur.State == grid.Partial) {
			return &apperr.CreateSlotOccupied{
				TargetID:       create.SlotID,
				CurrentOrderID: orderIDOrZero(cur.OrderID),
				CurrentType:    cur.Type.String(),
				CurrentState:   cur.State.String(),
			}
		}
		precision := e.precision.Sell
		if create.Side == grid.Buy {
			precision = e.precision.Buy
		}
		if !mathfees.OrderSizeValid(create.Size, precision, minFactor, nil, dustPct) {
			return fmt.Errorf("cow: order size %s invalid for slot %s (dust/minimum)", create.Size, create.SlotID)
		}
	}

	requiredBuy, requiredSell := accountant.RequiredFunds(working.Slots, e.precision.Buy, e.precision.Sell)
	availBuy, availSell := e.acct.AvailableFunds()
	if requiredBuy.GreaterThan(availBuy) {
		return &apperr.AccountingCommitmentFailed{Side: "buy", Amount: requiredBuy.String(), Context: "cow.validate.peakRunning"}
	}
	if requiredSell.GreaterThan(availSell) {
		return &apperr.AccountingCommitmentFailed{Side: "sell", Amount: requiredSell.String(), Context: "cow.validate.peakRunning"}
	}
	return nil
}

func orderIDOrZero(oid *int64) int64 {
	if oid == nil {
		return 0
	}
	return *oid
}

// touchedIDs collects every orderId/slotId an action batch references, for
// shadow-lock acquisition.
func touchedIDs(actions []Action) []string {
	ids := make([]string, 0, len(actions)*2)
	for _, act := range actions {
		ids = append(ids, act.TargetSlotID())
		switch a := act.(type) {
		case UpdateAction:
			ids = append(ids, fmt.Sprintf("order:%d", a.OrderID))
		case CancelAction:
			ids = append(ids, fmt.Sprintf("order:%d", a.OrderID))
		}
	}
	return ids
}

// isAllCreatesBothSides reports whether actions are entirely CreateAction
// with at least one buy and one sell present, triggering outside-in pair
// grouping (spec.md §4.4 step 5).
func isAllCreatesBothSides(actions []Action) bool {
	var haveBuy, haveSell bool
	for _, act := range actions {
		c, ok := act.(CreateAction)
		if !ok {
			return false
		}
		if c.Side == grid.Buy {
			haveBuy = true
		} else if c.Side == grid.Sell {
			haveSell = true
		}
	}
	return haveBuy && haveSell
}

// pairGroups sorts CREATE actions outside-in: [outermost sell, outermost
// buy], [next sell, next buy], ... per spec.md §4.4 step 5.
func pairGroups(actions []Action) [][]Action {
	var buys, sells []CreateAction
	for _, act := range actions {
		c := act.(CreateAction)
		if c.Side == grid.Buy {
			buys = append(buys, c)
		} else {
			sells = append(sells, c)
		}
	}
	sort.Slice(buys, func(i, j int) bool { return buys[i].Price.LessThan(buys[j].Price) })   // outermost buy = lowest price first
	sort.Slice(sells, func(i, j int) bool { return sells[i].Price.GreaterThan(sells[j].Price) }) // outermost sell = highest price first

	n := len(buys)
	if len(sells) > n {
		n = len(sells)
	}
	groups := make([][]Action, 0, n)
	for i := 0; i < n; i++ {
		var g []Action
		if i < len(sells) {
			g = append(g, sells[i])
		}
		if i < len(buys) {
			g = append(g, buys[i])
		}
		groups = append(groups, g)
	}
	return groups
}

// buildOps turns a group of actions into native exchange.BuiltOp values.
// Building each action's op is I/O-free CPU work in the mock collaborator
// but may involve an RPC round-trip against a real chain client (e.g. to
// fetch current asset precision); errgroup drives the legs of one pair
// group concurrently — I/O parallelism only, never concurrent state
// mutation (spec.md §9 "golang.org/x/sync"). It also returns acts, the
// subset of group whose op survived the nil-op filter, in the same order
// as the returned ops — so a caller can zip a BatchResult's
// OperationResults back against the actions that produced them (see
// applyCreateOrderIDs).
func (e *Engine) buildOps(ctx context.Context, account string, group []Action) (ops []exchange.BuiltOp, acts []Action, err error) {
	built := make([]exchange.BuiltOp, len(group))
	g, gctx := errgroup.WithContext(ctx)
	for i, act := range group {
		i, act := i, act
		g.Go(func() error {
			op, err := e.buildOneOp(gctx, account, act)
			if err != nil {
				return err
			}
			if op != nil {
				built[i] = *op
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	// Filter out skipped (nil) ops — e.g. a zero-delta UPDATE — keeping
	// ops and acts in lockstep.
	ops = make([]exchange.BuiltOp, 0, len(group))
	acts = make([]Action, 0, len(group))
	for i, op := range built {
		if op.Op != nil {
			ops = append(ops, op)
			acts = append(acts, group[i])
		}
	}
	return ops, acts, nil
}

func (e *Engine) buildOneOp(ctx context.Context, account string, act Action) (*exchange.BuiltOp, error) {
	switch a := act.(type) {
	case CreateAction:
		return e.client.BuildCreateOrderOp(ctx, account, a.Size, "", a.Size, "", 0)
	case UpdateAction:
		return e.client.BuildUpdateOrderOp(ctx, account, a.OrderID, &a.NewSize, nil, a.NewPrice, 0)
	case CancelAction:
		return e.client.BuildCancelOrderOp(ctx, account, a.OrderID)
	}
	return nil, fmt.Errorf("cow: unknown action type %T", act)
}

// Commit implements the full seven-step COW workflow.
func (e *Engine) Commit(ctx context.Context, account, privateKey string, actions []Action, minFactor decimal.Decimal, dustPct float64) (*grid.Grid, error) {
	if len(actions) == 0 {
		return e.Master(), nil
	}

	master := e.Master()
	baseVersion := master.Version

	working, err := project(master, actions)
	if err != nil {
		return nil, err
	}
	if err := e.validate(master, working, actions, minFactor, dustPct); err != nil {
		return nil, err
	}

	ids := touchedIDs(actions)
	if !e.shadow.TryAcquire(ids) {
		return nil, fmt.Errorf("cow: shadow lock contention on batch of %d actions", len(actions))
	}
	defer e.shadow.Release(ids)

	batchID := fmt.Sprintf("batch-%d-%d", baseVersion, time.Now().UnixNano())
	if err := e.durable.RecordBatch(ctx, batchID, actions); err != nil {
		return nil, fmt.Errorf("cow: durable journal failed: %w", err)
	}

	var result *exchange.BatchResult
	var groups [][]Action
	if isAllCreatesBothSides(actions) {
		groups = pairGroups(actions)
	} else {
		groups = [][]Action{actions}
	}

	broadcastedGroups := 0
	var lastResult *exchange.BatchResult
	for _, group := range groups {
		ops, opActs, err := e.buildOps(ctx, account, group)
		if err != nil {
			return nil, err
		}
		if len(ops) == 0 {
			broadcastedGroups++
			continue
		}

		res, execErr := e.client.ExecuteBatch(ctx, account, privateKey, ops)
		if execErr != nil {
			if broadcastedGroups > 0 {
				// Earlier groups already confirmed on-chain: surface
				// PartialOnChainState rather than silently discarding.
				return nil, &apperr.PartialOnChainState{
					GroupsBroadcast:           broadcastedGroups,
					GroupsTotal:               len(groups),
					BroadcastedOperationCount: len(ops),
				}
			}
			retried, retriedActs, staleIDs, retryErr := e.handleBroadcastFailure(ctx, account, privateKey, group, execErr)
			if retryErr != nil {
				return nil, retryErr
			}
			res = retried
			opActs = retriedActs
			if len(staleIDs) > 0 {
				// The stale slot(s) were already cleaned directly on master
				// (spec.md §4.4 step 7). Drop the actions that referenced
				// them and reproject the working grid from the refreshed
				// master so the final swap doesn't reintroduce the stale
				// order id or fight the direct cleanup mutation.
				actions = dropStaleActions(actions, staleIDs)
				master = e.Master()
				baseVersion = master.Version
				working, err = project(master, actions)
				if err != nil {
					return nil, err
				}
			}
		}
		// CREATEs land VIRTUAL in project(); now that the batch confirmed,
		// promote each to ACTIVE with the chain-assigned order id.
		working = applyCreateOrderIDs(working, opActs, res)
		lastResult = res
		broadcastedGroups++
	}
	result = lastResult

	// Step 6: verify staleness, swap, bump version, persist optimistic deltas.
	if master.Version != baseVersion {
		return nil, fmt.Errorf("cow: stale working grid (baseVersion=%d currentVersion=%d)", baseVersion, master.Version)
	}
	next := working.WithVersion(baseVersion + 1)
	e.applyOptimisticAccounting(master, actions, result)
	if !e.master.CompareAndSwap(master, next) {
		return nil, fmt.Errorf("cow: concurrent commit detected, rejecting as stale")
	}
	return next, nil
}

// applyOptimisticAccounting implements step 6's per-action adjustments:
// CREATE reserves against the virtual balance, UPDATE applies the delta
// between the pre-commit and post-commit size on the slot's actual side,
// CANCEL releases whatever was reserved for the cancelled order. master is
// the pre-commit grid snapshot, used to recover each action's prior size
// and side since Action values only carry the new state.
func (e *Engine) applyOptimisticAccounting(master *grid.Grid, actions []Action, result *exchange.BatchResult) {
	for _, act := range actions {
		switch a := act.(type) {
		case CreateAction:
			e.acct.ReserveVirtual(a.Side, a.Size)
		case UpdateAction:
			slot, _, ok := master.SlotByID(a.SlotID)
			if !ok {
				continue
			}
			_ = e.acct.UpdateOptimisticFreeBalance(slot.Type, slot.Size, a.NewSize, decimal.Zero, "cow.update")
		case CancelAction:
			slot, _, ok := master.SlotByID(a.SlotID)
			if !ok {
				continue
			}
			e.acct.ReleaseVirtual(slot.Type, slot.Size)
		}
	}
}

// handleBroadcastFailure implements step 7: parse stale-order references,
// clean up their slots, and retry the group once with the stale-referencing
// actions filtered out (spec.md §4.4 step 7, scenario S6). Returns the
// result of that retry plus the surviving actions in lockstep with its
// OperationResults (see applyCreateOrderIDs), or the original/retry error
// if nothing could be salvaged.
func (e *Engine) handleBroadcastFailure(ctx context.Context, account, privateKey string, group []Action, err error) (*exchange.BatchResult, []Action, []int64, error) {
	staleIDs := parseStaleOrderIDs(err.Error())
	if len(staleIDs) == 0 {
		return nil, nil, nil, err
	}
	stale := make(map[int64]bool, len(staleIDs))
	now := time.Now()
	for _, id := range staleIDs {
		stale[id] = true
		master := e.Master()
		if slot, _, ok := master.SlotByOrderID(id); ok {
			next := master.WithSlots([]grid.Slot{slot.ToSpread()})
			e.master.CompareAndSwap(master, next.WithVersion(master.Version+1))
		}
		e.staleCleaned.Mark(id, now)
	}

	remaining := make([]Action, 0, len(group))
	for _, act := range group {
		if !referencesStaleOrder(act, stale) {
			remaining = append(remaining, act)
		}
	}
	if len(remaining) == 0 {
		return nil, nil, staleIDs, &apperr.StaleOnChainOrder{OrderID: staleIDs[0]}
	}

	ops, opActs, buildErr := e.buildOps(ctx, account, remaining)
	if buildErr != nil {
		return nil, nil, staleIDs, buildErr
	}
	if len(ops) == 0 {
		return &exchange.BatchResult{Success: true}, opActs, staleIDs, nil
	}
	res, retryErr := e.client.ExecuteBatch(ctx, account, privateKey, ops)
	if retryErr != nil {
		return nil, nil, staleIDs, retryErr
	}
	return res, opActs, staleIDs, nil
}

// applyCreateOrderIDs promotes each CREATE in acts from VIRTUAL to ACTIVE
// with the chain-assigned order id once its batch has confirmed. acts and
// result.OperationResults are in lockstep (see buildOps), so index i of
// each refers to the same operation.
func applyCreateOrderIDs(working *grid.Grid, acts []Action, result *exchange.BatchResult) *grid.Grid {
	if result == nil || len(acts) == 0 {
		return working
	}
	var changed []grid.Slot
	for i, act := range acts {
		create, ok := act.(CreateAction)
		if !ok || i >= len(result.OperationResults) {
			continue
		}
		opRes := result.OperationResults[i]
		if opRes.Kind != "create" {
			continue
		}
		slot, _, ok := working.SlotByID(create.SlotID)
		if !ok {
			continue
		}
		changed = append(changed, slot.ToActive(opRes.ReturnValue, create.Size))
	}
	if len(changed) == 0 {
		return working
	}
	return working.WithSlots(changed)
}

// dropStaleActions filters staleIDs' referencing actions out of actions,
// used to reproject the working grid after a successful reduced-batch
// retry so the stale order id is never reintroduced.
func dropStaleActions(actions []Action, staleIDs []int64) []Action {
	stale := make(map[int64]bool, len(staleIDs))
	for _, id := range staleIDs {
		stale[id] = true
	}
	out := make([]Action, 0, len(actions))
	for _, act := range actions {
		if !referencesStaleOrder(act, stale) {
			out = append(out, act)
		}
	}
	return out
}

// referencesStaleOrder reports whether act targets one of the order ids
// just cleaned up, and so must be dropped from the single retry attempt.
func referencesStaleOrder(act Action, stale map[int64]bool) bool {
	switch a := act.(type) {
	case UpdateAction:
		return stale[a.OrderID]
	case CancelAction:
		return stale[a.OrderID]
	}
	return false
}

// parseStaleOrderIDs extracts chain order ids from the three RPC error
// shapes spec.md §4.4 names. It is the one place in this repo where
// string-matching a collaborator's raw error text is required.
func parseStaleOrderIDs(msg string) []int64 {
	var ids []int64
	for _, re := range staleOrderPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			if id, ok := parseChainID(m[1]); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// parseChainID extracts the trailing numeric component of a chain object
// id like "1.7.42", returning 42. Real ids are opaque to this core beyond
// that trailing integer, which is all grid.Slot.OrderID stores.
func parseChainID(raw string) (int64, bool) {
	var a, b, c int64
	n, err := fmt.Sscanf(raw, "%d.%d.%d", &a, &b, &c)
	if err == nil && n == 3 {
		return c, true
	}
	var single int64
	if _, err := fmt.Sscanf(raw, "%d", &single); err == nil {
		return single, true
	}
	return 0, false
}
