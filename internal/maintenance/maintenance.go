// Package maintenance implements the periodic health/divergence/spread
// controller described in spec.md §4.6, grounded on the teacher's
// internal/risk.Reconciler run-loop (ticker + context cancellation +
// sync.WaitGroup, with a locked single-pass Reconcile method).
package maintenance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"gridbot/internal/accountant"
	"gridbot/internal/core"
	"gridbot/internal/cow"
	"gridbot/internal/exchange"
	"gridbot/internal/grid"
	"gridbot/internal/mathfees"
	"gridbot/internal/pipeline"
	"gridbot/pkg/retry"
	"gridbot/pkg/telemetry"
)

// PipelineSignals reports the live state the controller needs to decide
// whether it is safe to run structural corrections (step 4's
// pipelineEmpty gate).
type PipelineSignals interface {
	QueueDepth() int
}

// Config tunes the controller's cadence and thresholds.
type Config struct {
	Interval            time.Duration
	RecoveryCooldown    time.Duration
	DivergenceThreshold float64
	RecoveryRatePerSec  float64
	Account             string
	PrivateKey          string
	MinOrderSizeFactor  decimal.Decimal
	DustPercent         float64
	BuyPrecision        int32
	SellPrecision       int32
	TargetSpreadPercent float64
	SizeWeight          decimal.Decimal
	IncrementPercent    float64
	ReservedFeePerOrder decimal.Decimal
}

// Controller runs the maintenance sequence (drift check, recovery cooldown,
// pipelineEmpty gate, then health check, divergence check and spread
// correction) under the canonical fillProcessingLock -> divergenceLock order.
type Controller struct {
	lock           *pipeline.FillLock
	divergenceLock sync.Mutex

	engine   *cow.Engine
	acct     *accountant.Accountant
	client   exchange.Client
	pipeline PipelineSignals
	logger   core.Logger
	metrics  *telemetry.MetricsHolder

	divergenceThreshold float64
	cooldownCycles      atomic.Int32
	recoveryCooldown    time.Duration
	lastRecovery        time.Time
	recoveryLimiter     *rate.Limiter
	mu                  sync.Mutex

	account            string
	privateKey         string
	minOrderSizeFactor decimal.Decimal
	dustPercent        float64
	buyPrecision       int32
	sellPrecision      int32

	targetSpreadPercent float64
	sizeWeight          decimal.Decimal
	incrementPercent    float64
	reservedFeePerOrder decimal.Decimal
}

// NewController constructs a Controller. lock must be the same *FillLock
// given to the Pipeline so both honor one outer critical section.
func NewController(engine *cow.Engine, acct *accountant.Accountant, client exchange.Client, pl PipelineSignals, lock *pipeline.FillLock, logger core.Logger, cfg Config) *Controller {
	if cfg.DivergenceThreshold <= 0 {
		cfg.DivergenceThreshold = grid.DivergenceThreshold
	}
	rps := cfg.RecoveryRatePerSec
	if rps <= 0 {
		rps = 1
	}
	minFactor := cfg.MinOrderSizeFactor
	if minFactor.IsZero() {
		minFactor = decimal.NewFromFloat(0.5)
	}
	weight := cfg.SizeWeight
	if weight.IsZero() {
		weight = decimal.NewFromInt(1)
	}

	return &Controller{
		lock:                lock,
		engine:              engine,
		acct:                acct,
		client:              client,
		pipeline:            pl,
		logger:              logger.WithField("component", "maintenance"),
		metrics:             telemetry.GetGlobalMetrics(),
		divergenceThreshold: cfg.DivergenceThreshold,
		recoveryCooldown:    cfg.RecoveryCooldown,
		recoveryLimiter:     rate.NewLimiter(rate.Limit(rps), 1),
		account:             cfg.Account,
		privateKey:          cfg.PrivateKey,
		minOrderSizeFactor:  minFactor,
		dustPercent:         cfg.DustPercent,
		buyPrecision:        cfg.BuyPrecision,
		sellPrecision:       cfg.SellPrecision,
		targetSpreadPercent: cfg.TargetSpreadPercent,
		sizeWeight:          weight,
		incrementPercent:    cfg.IncrementPercent,
		reservedFeePerOrder: cfg.ReservedFeePerOrder,
	}
}

// TriggerRecovery implements pipeline.RecoveryHook: runs a recovery sync
// (rate-limited so a hot failure loop cannot hammer the chain) and enters a
// one-cycle cooldown on the next periodic Run.
func (c *Controller) TriggerRecovery(ctx context.Context, reason string) {
	c.logger.Warn("recovery sync requested", "reason", reason)
	c.cooldownCycles.Store(1)

	if !c.recoveryLimiter.Allow() {
		c.logger.Warn("recovery sync rate-limited, deferring", "reason", reason)
		return
	}
	if err := c.acct.PerformStateRecovery(ctx, c.client); err != nil {
		c.logger.Error("recovery sync failed", "error", err, "reason", reason)
	}
}

// Run executes one pass of the maintenance sequence. Each step is caught
// independently per spec.md §7's error-propagation policy: one step's
// failure does not prevent the others from running.
func (c *Controller) Run(ctx context.Context) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.metrics.SetFillProcessingLockBusy(true)
	defer c.metrics.SetFillProcessingLockBusy(false)

	// Step 1: recalculate funds is implicit — accountant state is always
	// current; this step exists in spec.md to force a fresh drift check
	// immediately below rather than reusing a stale cached value.
	liveSlots := c.engine.Master().Slots
	buyDrift := c.acct.CheckFundDrift(grid.Buy, liveSlots)
	sellDrift := c.acct.CheckFundDrift(grid.Sell, liveSlots)
	if buyDrift || sellDrift {
		c.logger.Warn("fund drift detected during maintenance pass", "buyDrift", buyDrift, "sellDrift", sellDrift)
		c.TriggerRecovery(ctx, "fund_drift")
	}

	// Step 2: no action is taken here, and no eviction loop is started.
	// cow.TimedIDSet and the pipeline's dedup set ignore entries past their
	// window on lookup, but expired entries stay in memory.

	// Step 3: recovery cooldown.
	if c.cooldownCycles.Load() > 0 {
		c.cooldownCycles.Add(-1)
		return
	}

	// Step 4: pipelineEmpty gate.
	if !c.pipelineEmpty() {
		return
	}

	c.divergenceLock.Lock()
	defer c.divergenceLock.Unlock()
	c.metrics.SetDivergenceLockBusy(true)
	defer c.metrics.SetDivergenceLockBusy(false)

	c.runHealthCheck(ctx)
	if !c.pipelineEmpty() {
		return
	}
	c.runDivergenceCheck(ctx)
	if !c.pipelineEmpty() {
		return
	}
	c.runSpreadCorrection(ctx)
}

func (c *Controller) pipelineEmpty() bool {
	return c.pipeline == nil || (c.pipeline.QueueDepth() == 0 && c.engine.ShadowLocks().Count() == 0)
}

// runHealthCheck cancels both-sides dust: when every ACTIVE slot on both
// rails is below the single-dust threshold, the grid is too thin to be
// useful and is cleared rather than left to bleed fees on resize attempts.
func (c *Controller) runHealthCheck(ctx context.Context) {
	master := c.engine.Master()
	buys := grid.ActiveSlotsOnSide(master.Slots, grid.Buy)
	sells := grid.ActiveSlotsOnSide(master.Slots, grid.Sell)

	if !c.allDust(buys, c.buyPrecision) || !c.allDust(sells, c.sellPrecision) {
		return
	}

	var actions []cow.Action
	for _, s := range append(buys, sells...) {
		if s.State != grid.Active && s.State != grid.Partial {
			continue
		}
		if s.OrderID != nil {
			actions = append(actions, cow.CancelAction{SlotID: s.ID, OrderID: *s.OrderID})
		}
	}
	if len(actions) == 0 {
		return
	}
	if _, err := c.engine.Commit(ctx, c.account, c.privateKey, actions, c.minOrderSizeFactor, c.dustPercent); err != nil {
		c.logger.Error("dust cancellation failed", "error", err)
	}
}

// allDust reports whether every ACTIVE/PARTIAL slot on one rail is below
// the dust floor, i.e. the whole rail is too thin to leave resting.
func (c *Controller) allDust(slots []grid.Slot, precision int32) bool {
	found := false
	for _, s := range slots {
		if s.State != grid.Active && s.State != grid.Partial {
			continue
		}
		found = true
		if mathfees.OrderSizeValid(s.Size, precision, c.minOrderSizeFactor, nil, c.dustPercent) {
			return false
		}
	}
	return found
}

// runDivergenceCheck compares each ACTIVE/PARTIAL slot's tracked size
// against its actual on-chain resting amount. A side whose RMS deviation
// (or whose surplus/deficit ratio) exceeds threshold is re-sized from the
// chain snapshot and corrected via COW: UPDATE for resized orders, CANCEL
// for orders that size to zero, CREATE to fill any newly-opened holes.
func (c *Controller) runDivergenceCheck(ctx context.Context) {
	master := c.engine.Master()
	var orders []exchange.OpenOrder
	err := retry.Do(ctx, retry.DefaultPolicy, isTransientRPCError, func() error {
		var rpcErr error
		orders, rpcErr = c.client.ReadOpenOrders(ctx, c.account)
		return rpcErr
	})
	if err != nil {
		c.logger.Error("divergence check: read open orders failed", "error", err)
		return
	}
	ordersByID := make(map[int64]exchange.OpenOrder, len(orders))
	for _, o := range orders {
		ordersByID[o.ID] = o
	}

	var calcBuy, persistedBuy, calcSell, persistedSell []mathfees.SlotSize
	for _, s := range master.Slots {
		if s.State != grid.Active && s.State != grid.Partial || s.OrderID == nil {
			continue
		}
		switch s.Type {
		case grid.Buy:
			calcBuy = append(calcBuy, mathfees.SlotSize{SlotID: s.ID, Size: s.Size})
			if o, ok := ordersByID[*s.OrderID]; ok {
				persistedBuy = append(persistedBuy, mathfees.SlotSize{SlotID: s.ID, Size: o.ForSale})
			}
		case grid.Sell:
			calcSell = append(calcSell, mathfees.SlotSize{SlotID: s.ID, Size: s.Size})
			if o, ok := ordersByID[*s.OrderID]; ok {
				persistedSell = append(persistedSell, mathfees.SlotSize{SlotID: s.ID, Size: o.ForSale})
			}
		}
	}

	updated := grid.Divergence(calcBuy, persistedBuy, calcSell, persistedSell, c.divergenceThreshold)
	if updated == 0 {
		return
	}

	buyFree, sellFree := c.acct.AvailableFunds()
	var actions []cow.Action
	if updated.Has(grid.BuyUpdated) {
		actions = append(actions, c.correctSide(master, grid.Buy, buyFree, ordersByID)...)
	}
	if updated.Has(grid.SellUpdated) {
		actions = append(actions, c.correctSide(master, grid.Sell, sellFree, ordersByID)...)
	}
	if len(actions) == 0 {
		return
	}
	if _, err := c.engine.Commit(ctx, c.account, c.privateKey, actions, c.minOrderSizeFactor, c.dustPercent); err != nil {
		c.logger.Error("divergence correction commit failed", "error", err)
	}
}

// correctSide re-sizes side from budget, then diffs each target against
// the chain-persisted size (not the stale master size) so the correction
// actually converges the on-chain state rather than re-affirming it.
func (c *Controller) correctSide(master *grid.Grid, side grid.SlotType, budget decimal.Decimal, ordersByID map[int64]exchange.OpenOrder) []cow.Action {
	precision := c.buyPrecision
	if side == grid.Sell {
		precision = c.sellPrecision
	}
	activeBuy := len(grid.ActiveSlotsOnSide(master.Slots, grid.Buy))
	activeSell := len(grid.ActiveSlotsOnSide(master.Slots, grid.Sell))
	sized := grid.SizeSide(master.Slots, side, budget, c.sizeWeight, c.incrementPercent, precision, c.reservedFeePerOrder, activeBuy, activeSell)

	var actions []cow.Action
	for _, slot := range sized {
		switch slot.State {
		case grid.Virtual:
			if slot.Size.IsZero() || !mathfees.OrderSizeValid(slot.Size, precision, c.minOrderSizeFactor, nil, c.dustPercent) {
				continue
			}
			actions = append(actions, cow.CreateAction{SlotID: slot.ID, Side: side, Price: slot.Price, Size: slot.Size})
		case grid.Active, grid.Partial:
			if slot.OrderID == nil {
				continue
			}
			if slot.Size.IsZero() {
				actions = append(actions, cow.CancelAction{SlotID: slot.ID, OrderID: *slot.OrderID})
				continue
			}
			persisted, ok := ordersByID[*slot.OrderID]
			if !ok {
				// Order vanished from the chain snapshot but master still
				// thinks it's live; the stale-order path in cow.Engine
				// handles reconciling this on the next commit attempt.
				continue
			}
			if !mathfees.WithinTolerance(slot.Size, persisted.ForSale, precision, c.dustPercent, persisted.ForSale) {
				actions = append(actions, cow.UpdateAction{SlotID: slot.ID, OrderID: *slot.OrderID, NewSize: slot.Size})
			}
		}
	}
	return actions
}

// spreadTolerancePercent is added to targetSpreadPercent before the spread
// correction fires, so a tiny, noisy overshoot doesn't trigger a correction
// on every pass.
const spreadTolerancePercent = 0.5

// runSpreadCorrection measures the gap between the innermost resting BUY
// and SELL, and when it exceeds targetSpreadPercent+tolerance, places a new
// order at the nearest inward empty VIRTUAL slot on whichever side(s) have
// room, sized to match that side's existing active orders.
func (c *Controller) runSpreadCorrection(ctx context.Context) {
	master := c.engine.Master()
	bestBuy, okBuy := innermostActiveSlot(master.Slots, grid.Buy, false)
	bestSell, okSell := innermostActiveSlot(master.Slots, grid.Sell, true)
	if !okBuy || !okSell {
		return
	}

	mid := bestBuy.Price.Add(bestSell.Price).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return
	}
	spreadPct, _ := bestSell.Price.Sub(bestBuy.Price).Div(mid).Mul(decimal.NewFromInt(100)).Float64()
	if spreadPct <= c.targetSpreadPercent+spreadTolerancePercent {
		return
	}

	var actions []cow.Action
	if hole, ok := nearestEmptyVirtual(master.Slots, grid.Buy, bestSell.Price); ok {
		if size := matchingNeighborSize(master.Slots, grid.Buy); size.IsPositive() &&
			mathfees.OrderSizeValid(size, c.buyPrecision, c.minOrderSizeFactor, nil, c.dustPercent) {
			actions = append(actions, cow.CreateAction{SlotID: hole.ID, Side: grid.Buy, Price: hole.Price, Size: size})
		}
	}
	if hole, ok := nearestEmptyVirtual(master.Slots, grid.Sell, bestBuy.Price); ok {
		if size := matchingNeighborSize(master.Slots, grid.Sell); size.IsPositive() &&
			mathfees.OrderSizeValid(size, c.sellPrecision, c.minOrderSizeFactor, nil, c.dustPercent) {
			actions = append(actions, cow.CreateAction{SlotID: hole.ID, Side: grid.Sell, Price: hole.Price, Size: size})
		}
	}
	if len(actions) == 0 {
		return
	}
	if _, err := c.engine.Commit(ctx, c.account, c.privateKey, actions, c.minOrderSizeFactor, c.dustPercent); err != nil {
		c.logger.Error("spread correction commit failed", "error", err)
	}
}

// innermostActiveSlot returns the ACTIVE/PARTIAL slot on side closest to
// the boundary: the highest-priced BUY or the lowest-priced SELL,
// selected via wantMin.
func innermostActiveSlot(slots []grid.Slot, side grid.SlotType, wantMin bool) (grid.Slot, bool) {
	var best grid.Slot
	found := false
	for _, s := range slots {
		if s.Type != side || (s.State != grid.Active && s.State != grid.Partial) {
			continue
		}
		if !found {
			best, found = s, true
			continue
		}
		if wantMin && s.Price.LessThan(best.Price) {
			best = s
		} else if !wantMin && s.Price.GreaterThan(best.Price) {
			best = s
		}
	}
	return best, found
}

// nearestEmptyVirtual finds the VIRTUAL slot on side whose price is
// nearest to reference, the same idea as the pipeline's bootstrap-mode
// rotation target lookup.
func nearestEmptyVirtual(slots []grid.Slot, side grid.SlotType, reference decimal.Decimal) (grid.Slot, bool) {
	var best grid.Slot
	found := false
	bestDist := decimal.Zero
	for _, s := range slots {
		if s.Type != side || s.State != grid.Virtual {
			continue
		}
		dist := s.Price.Sub(reference).Abs()
		if !found || dist.LessThan(bestDist) {
			best, bestDist, found = s, dist, true
		}
	}
	return best, found
}

// matchingNeighborSize returns the size of the first ACTIVE/PARTIAL slot
// found on side, used as the template size for a new spread-correction
// order so it doesn't undercut its neighbors.
func matchingNeighborSize(slots []grid.Slot, side grid.SlotType) decimal.Decimal {
	for _, s := range slots {
		if s.Type == side && (s.State == grid.Active || s.State == grid.Partial) {
			return s.Size
		}
	}
	return decimal.Zero
}

// isTransientRPCError treats any failure of a read-only chain query as
// worth retrying, since reading open orders has no side effects and the
// most common failure mode against a witness node is a momentary
// connection hiccup rather than a permanent rejection.
func isTransientRPCError(err error) bool {
	return err != nil && err != context.Canceled && err != context.DeadlineExceeded
}

// RunLoop ticks Run on interval until ctx is cancelled, in the teacher's
// Reconciler.runLoop style.
func (c *Controller) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Run(ctx)
		}
	}
}
