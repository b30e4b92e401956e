// Package pipeline implements the single-consumer fill-processing queue:
// dedup, chain sync, rebalance, and execution through the COW engine, in
// the style of the teacher's position.SuperPositionManager fill-handling
// loop (internal/trading/position/manager.go) generalized to grid slots.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/accountant"
	"gridbot/internal/apperr"
	"gridbot/internal/core"
	"gridbot/internal/cow"
	"gridbot/internal/exchange"
	"gridbot/internal/grid"
	"gridbot/internal/mathfees"
	"gridbot/pkg/telemetry"
)

// BatchStressTier describes one adaptive chunk size for large fill bursts:
// once the unprocessed fill count reaches MinCount, fills are chunked into
// groups of ChunkSize rather than processed as one unified rebalance.
type BatchStressTier struct {
	MinCount  int
	ChunkSize int
}

// DefaultBatchStressTiers mirrors the shape of spec.md's BATCH_STRESS_TIERS:
// small batches rebalance as one unit, larger ones chunk to bound the size
// of any single COW commit.
var DefaultBatchStressTiers = []BatchStressTier{
	{MinCount: 11, ChunkSize: 5},
	{MinCount: 26, ChunkSize: 8},
}

const maxUnifiedBatchSize = 10

// RecoveryHook lets the pipeline ask the maintenance controller to run a
// recovery sync and enter a one-cycle cooldown, without internal/pipeline
// importing internal/maintenance directly (maintenance already imports
// pipeline for FillLock, so the reverse import would be a cycle).
type RecoveryHook interface {
	TriggerRecovery(ctx context.Context, reason string)
}

// Config tunes the pipeline's queue, dedup window, and validation inputs.
type Config struct {
	QueueCapacity      int
	DedupeWindow       time.Duration
	StressTiers        []BatchStressTier
	Account            string
	PrivateKey         string
	MinOrderSizeFactor decimal.Decimal
	DustPercent        float64
	BuyPrecision       int32
	SellPrecision      int32
}

// Pipeline is the single-consumer fill queue described in spec.md §4.5.
type Pipeline struct {
	queue chan exchange.FillEvent

	dedup *dedupSet

	engine   *cow.Engine
	client   exchange.Client
	acct     *accountant.Accountant
	strategy RebalanceStrategy
	recovery RecoveryHook
	logger   core.Logger
	metrics  *telemetry.MetricsHolder

	stressTiers []BatchStressTier

	lock         *FillLock
	shuttingDown atomic.Bool

	account            string
	privateKey         string
	minOrderSizeFactor decimal.Decimal
	dustPercent        float64
	buyPrecision       int32
	sellPrecision      int32
}

// New constructs a Pipeline sharing lock with the caller's
// internal/maintenance.Controller, per spec.md's canonical
// fillProcessingLock -> divergenceLock order.
func New(engine *cow.Engine, acct *accountant.Accountant, strategy RebalanceStrategy, recovery RecoveryHook, lock *FillLock, logger core.Logger, cfg Config) *Pipeline {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 5 * time.Minute
	}
	if cfg.MinOrderSizeFactor.IsZero() {
		cfg.MinOrderSizeFactor = decimal.NewFromFloat(2.0)
	}
	if cfg.DustPercent <= 0 {
		cfg.DustPercent = 0.01
	}
	tiers := cfg.StressTiers
	if tiers == nil {
		tiers = DefaultBatchStressTiers
	}
	if lock == nil {
		lock = NewFillLock()
	}

	return &Pipeline{
		queue:              make(chan exchange.FillEvent, cfg.QueueCapacity),
		dedup:              newDedupSet(cfg.DedupeWindow),
		engine:             engine,
		client:             engine.Client(),
		acct:               acct,
		strategy:           strategy,
		recovery:           recovery,
		lock:               lock,
		logger:             logger.WithField("component", "pipeline"),
		metrics:            telemetry.GetGlobalMetrics(),
		stressTiers:        tiers,
		account:            cfg.Account,
		privateKey:         cfg.PrivateKey,
		minOrderSizeFactor: cfg.MinOrderSizeFactor,
		dustPercent:        cfg.DustPercent,
		buyPrecision:       cfg.BuyPrecision,
		sellPrecision:      cfg.SellPrecision,
	}
}

// Submit pushes a raw fill event onto the queue; called from the exchange
// listener callback. Non-blocking: a full queue drops the event and logs,
// since the chain will resurface it on the next open-orders sync.
func (p *Pipeline) Submit(event exchange.FillEvent) {
	select {
	case p.queue <- event:
		p.metrics.SetQueueDepth(int64(len(p.queue)))
	default:
		p.logger.Error("fill queue full, dropping event", "orderId", event.OrderID)
	}
}

// Shutdown marks the pipeline as shutting down; in-flight work finishes
// under fillProcessingLock, matching spec.md's shutdown semantics.
func (p *Pipeline) Shutdown() {
	p.shuttingDown.Store(true)
	p.lock.Lock()
	defer p.lock.Unlock()
}

// QueueDepth reports the current number of unprocessed events, for
// pipelineEmpty checks in internal/maintenance.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

// Consume drains the queue once. It is intended to be invoked by the
// listener callback (edge-triggered) or a light polling loop, rather than a
// busy spin; calling it with an empty queue is a cheap no-op.
func (p *Pipeline) Consume(ctx context.Context) {
	if p.shuttingDown.Load() {
		return
	}
	if len(p.queue) == 0 {
		return
	}

	if p.acct.IsBootstrap() {
		p.consumeBootstrap(ctx)
		return
	}

	if !p.lock.TryLock() {
		p.metrics.LockContentionEvents.Add(ctx, 1)
		return
	}
	p.metrics.SetFillProcessingLockBusy(true)
	defer func() {
		p.metrics.SetFillProcessingLockBusy(false)
		p.lock.Unlock()
	}()

	for len(p.queue) > 0 {
		batch := p.drain()
		if len(batch) == 0 {
			break
		}
		p.processDrainedBatch(ctx, batch)
	}
}

// drain empties the queue into a slice without blocking, preserving arrival
// order within this snapshot.
func (p *Pipeline) drain() []exchange.FillEvent {
	var batch []exchange.FillEvent
	for {
		select {
		case ev := <-p.queue:
			batch = append(batch, ev)
		default:
			p.metrics.SetQueueDepth(int64(len(p.queue)))
			return batch
		}
	}
}

// processDrainedBatch resolves each raw event to a grid slot, dedups, syncs
// against the chain per the configured fill-processing mode, then
// rebalances and commits in stress-tiered chunks.
func (p *Pipeline) processDrainedBatch(ctx context.Context, events []exchange.FillEvent) {
	start := time.Now()
	master := p.engine.Master()

	// Step 3 (spec.md §4.5): history mode trusts each event's own payload;
	// open_orders mode refreshes the full chain snapshot up front so
	// resolved fills and price-mismatched still-open slots can both be
	// diffed against it below.
	var openOrders map[int64]exchange.OpenOrder
	if p.client.GetFillProcessingMode() == exchange.OpenOrders {
		openOrders = p.syncOpenOrders(ctx)
	}

	var resolvedSlotIDs []string
	seen := map[string]struct{}{}

	for _, ev := range events {
		key := fmt.Sprintf("%d:%d:%s", ev.OrderID, ev.BlockNum, ev.EventID)
		if p.dedup.SeenRecently(key, start) {
			continue
		}
		p.dedup.Mark(key, start)

		slot, _, ok := master.SlotByOrderID(ev.OrderID)
		if !ok {
			if p.engine.IsStaleCleaned(ev.OrderID) {
				continue
			}
			side := grid.Buy
			if ev.IsMaker {
				side = grid.Sell
			}
			p.acct.ProcessFillAccounting(accountant.FillOp{
				Side: side, Pays: ev.Pays, Receives: ev.Receives, IsMaker: ev.IsMaker,
			})
			continue
		}
		if openOrders != nil {
			if _, stillOpen := openOrders[ev.OrderID]; stillOpen {
				// open_orders mode: the chain still lists this order, so the
				// event was a partial; only a slot that has actually vanished
				// from the snapshot counts as resolved below.
				continue
			}
		}
		if _, dup := seen[slot.ID]; dup {
			continue
		}
		seen[slot.ID] = struct{}{}
		resolvedSlotIDs = append(resolvedSlotIDs, slot.ID)
	}

	var priceMismatchSlotIDs []string
	if openOrders != nil {
		priceMismatchSlotIDs = priceMismatchSlots(master, openOrders, p.buyPrecision, p.sellPrecision)
	}
	if len(priceMismatchSlotIDs) > 0 {
		p.logger.Warn("open orders sync found price-mismatched slots, running correction pass", "count", len(priceMismatchSlotIDs))
		p.rebalanceAndCommit(ctx, priceMismatchSlotIDs)
	}

	if len(resolvedSlotIDs) == 0 {
		return
	}

	for _, chunk := range p.chunk(resolvedSlotIDs) {
		p.rebalanceAndCommit(ctx, chunk)
	}

	p.metrics.FillsProcessed.Add(ctx, int64(len(resolvedSlotIDs)))
	p.metrics.BatchesExecuted.Add(ctx, 1)
	p.metrics.FillProcessingTimeMs.Record(ctx, float64(time.Since(start).Milliseconds()))
	p.metrics.SetRecentFillsTracked(int64(p.dedup.Len()))
}

// syncOpenOrders refreshes the full open-orders snapshot for open_orders
// fill-processing mode (spec.md §4.5 step 3).
func (p *Pipeline) syncOpenOrders(ctx context.Context) map[int64]exchange.OpenOrder {
	orders, err := p.client.ReadOpenOrders(ctx, p.account)
	if err != nil {
		p.logger.Error("open orders sync failed", "error", err)
		return nil
	}
	byID := make(map[int64]exchange.OpenOrder, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}
	return byID
}

// priceMismatchSlots diffs every still-resting ACTIVE/PARTIAL slot's
// recorded price against its on-chain price, collecting the ones outside
// rounding tolerance for a correction pass (spec.md §4.5 step 3).
func priceMismatchSlots(master *grid.Grid, openOrders map[int64]exchange.OpenOrder, buyPrecision, sellPrecision int32) []string {
	var mismatched []string
	for _, slot := range master.Slots {
		if (slot.State != grid.Active && slot.State != grid.Partial) || slot.OrderID == nil {
			continue
		}
		onChain, ok := openOrders[*slot.OrderID]
		if !ok || onChain.QuotePrice.IsZero() {
			continue
		}
		precision := buyPrecision
		if slot.Type == grid.Sell {
			precision = sellPrecision
		}
		chainPrice := onChain.BasePrice.Div(onChain.QuotePrice)
		tol := mathfees.PriceTolerance(slot.Price, onChain.ForSale, onChain.ForSale, precision, precision)
		if slot.Price.Sub(chainPrice).Abs().GreaterThan(tol) {
			mismatched = append(mismatched, slot.ID)
		}
	}
	return mismatched
}

// chunk splits slot ids per spec.md's adaptive batch-stress rule: small
// batches rebalance in one unit, larger ones split into configured tiers
// with tail balancing so no singleton trailing chunk is left.
func (p *Pipeline) chunk(ids []string) [][]string {
	if len(ids) <= maxUnifiedBatchSize {
		return [][]string{ids}
	}

	size := maxUnifiedBatchSize
	tiers := append([]BatchStressTier(nil), p.stressTiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinCount > tiers[j].MinCount })
	for _, tier := range tiers {
		if len(ids) >= tier.MinCount {
			size = tier.ChunkSize
			break
		}
	}

	var chunks [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	if len(chunks) > 1 && len(chunks[len(chunks)-1]) == 1 {
		last := chunks[len(chunks)-1]
		chunks = chunks[:len(chunks)-1]
		chunks[len(chunks)-1] = append(chunks[len(chunks)-1], last...)
	}
	return chunks
}

func (p *Pipeline) rebalanceAndCommit(ctx context.Context, filledSlotIDs []string) {
	master := p.engine.Master()
	exclude := map[string]struct{}{}
	for _, id := range p.engine.ShadowLocks().Snapshot() {
		exclude[id] = struct{}{}
	}

	actions, err := p.strategy.ProcessFilledOrders(master, filledSlotIDs, exclude)
	if err != nil {
		p.logger.Error("rebalance computation failed", "error", err)
		return
	}
	if len(actions) == 0 {
		return
	}

	_, err = p.engine.Commit(ctx, p.account, p.privateKey, actions, p.minOrderSizeFactor, p.dustPercent)
	if err == nil {
		return
	}

	if _, ok := apperr.As[*apperr.IllegalOrderState](err); ok {
		p.triggerRecovery(ctx, "illegal_order_state")
		return
	}
	if _, ok := apperr.As[*apperr.AccountingCommitmentFailed](err); ok {
		p.triggerRecovery(ctx, "accounting_commitment_failed")
		return
	}
	p.logger.Error("batch commit failed", "error", err)
}

func (p *Pipeline) triggerRecovery(ctx context.Context, reason string) {
	p.logger.Warn("triggering recovery sync", "reason", reason)
	if p.recovery != nil {
		p.recovery.TriggerRecovery(ctx, reason)
	}
}

// consumeBootstrap implements spec.md's simplified bootstrap-mode handling:
// no rebalance math, just virtualize the filled slot and rotate to the
// market-closest empty slot on the opposite side so the startup grid shape
// is preserved.
func (p *Pipeline) consumeBootstrap(ctx context.Context) {
	for len(p.queue) > 0 {
		batch := p.drain()
		master := p.engine.Master()

		var actions []cow.Action
		for _, ev := range batch {
			slot, _, ok := master.SlotByOrderID(ev.OrderID)
			if !ok {
				continue
			}
			oppositeSide := grid.Sell
			if slot.Type == grid.Sell {
				oppositeSide = grid.Buy
			}
			target, ok := closestEmptyVirtual(master, oppositeSide, slot.Price)
			if !ok {
				continue
			}
			actions = append(actions, cow.UpdateAction{SlotID: slot.ID, OrderID: ev.OrderID, NewSize: decimal.Zero})
			actions = append(actions, cow.CreateAction{SlotID: target.ID, Side: oppositeSide, Price: target.Price, Size: target.Size})
		}
		if len(actions) == 0 {
			continue
		}
		if _, err := p.engine.Commit(ctx, p.account, p.privateKey, actions, p.minOrderSizeFactor, p.dustPercent); err != nil {
			p.logger.Error("bootstrap commit failed", "error", err)
		}
	}
}

// closestEmptyVirtual finds the VIRTUAL slot on side whose price is nearest
// to reference, used by bootstrap mode to pick the rotation target.
func closestEmptyVirtual(g *grid.Grid, side grid.SlotType, reference decimal.Decimal) (grid.Slot, bool) {
	var best grid.Slot
	found := false
	bestDist := decimal.Zero
	for _, s := range g.Slots {
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
