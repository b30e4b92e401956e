// Package accountant is the fund accountant: chain-free vs committed
// capital, optimistic reservations, invariant checks, and fee settlement.
//
// LOCK ORDERING HIERARCHY:
// To prevent deadlocks, locks MUST be acquired in this order relative to
// the rest of the engine:
// 1. fillProcessingLock (internal/pipeline, outermost)
// 2. acct.mu (this package's global lock)
//
// RULES:
//   - NEVER call back into the pipeline or cow packages while holding acct.mu.
//   - Keep critical sections as short as possible; all operations here are
//     pure in-memory arithmetic, no RPC.
package accountant

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"gridbot/internal/apperr"
	"gridbot/internal/grid"
	"gridbot/internal/mathfees"
)

// SideTotals mirrors a per-asset-side chain snapshot.
type SideTotals struct {
	Total decimal.Decimal
	Free  decimal.Decimal
}

// Funds is the accountant's full fund-state snapshot.
type Funds struct {
	AccountTotals struct {
		Buy, Sell         decimal.Decimal
		BuyFree, SellFree decimal.Decimal
	}
	Virtual struct {
		Buy, Sell decimal.Decimal
	}
	BTSFeesOwed decimal.Decimal
	CacheFunds  struct {
		Buy, Sell decimal.Decimal
	}
}

// Precision bundles the two assets' precisions, needed for tolerance math.
type Precision struct {
	Buy  int32
	Sell int32
}

// Accountant tracks the chain snapshot and the optimistic book, and
// enforces the fund invariant on every mutation.
type Accountant struct {
	mu        sync.RWMutex
	funds     Funds
	precision Precision
	feeAsset  mathfees.NetworkFee
	bootstrap bool
}

// New constructs an Accountant with zeroed funds; call SetAccountTotals
// before any fill processing.
func New(precision Precision, feeAsset mathfees.NetworkFee) *Accountant {
	return &Accountant{precision: precision, feeAsset: feeAsset, bootstrap: true}
}

// SetAccountTotals sets the authoritative baseline from a chain snapshot;
// all invariant checks hereafter use it.
func (a *Accountant) SetAccountTotals(buyTotal, buyFree, sellTotal, sellFree decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funds.AccountTotals.Buy = buyTotal
	a.funds.AccountTotals.BuyFree = buyFree
	a.funds.AccountTotals.Sell = sellTotal
	a.funds.AccountTotals.SellFree = sellFree
	a.bootstrap = false
}

// RestoreFeesOwed seeds btsFeesOwed from a persisted snapshot on restart, so
// fee accrual across a crash isn't silently dropped. Call before any fill
// processing begins.
func (a *Accountant) RestoreFeesOwed(owed decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funds.BTSFeesOwed = owed
}

// IsBootstrap reports whether SetAccountTotals has never been called,
// signalling the pipeline to use bootstrap-mode fill handling.
func (a *Accountant) IsBootstrap() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bootstrap
}

// Snapshot returns a copy of the current fund state.
func (a *Accountant) Snapshot() Funds {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.funds
}

// FillOp is the minimal shape ProcessFillAccounting needs from a chain fill.
type FillOp struct {
	Side    grid.SlotType // side the filled order sat on
	Pays    decimal.Decimal
	Receives decimal.Decimal
	IsMaker bool
}

// ProcessFillAccounting credits receives, net of the maker/taker fee via
// the configured NetworkFee, to the free balance of op.Side itself (Buy to
// BuyFree, Sell to SellFree). op.Pays is not used, and committed funds are
// not adjusted here.
func (a *Accountant) ProcessFillAccounting(op FillOp) {
	a.mu.Lock()
	defer a.mu.Unlock()

	proceeds := a.feeAsset.NetProceeds(op.Receives, op.IsMaker)

	switch op.Side {
	case grid.Buy:
		// Buy-side fill: proceeds are credited to the buy side's free balance.
		a.funds.AccountTotals.BuyFree = a.funds.AccountTotals.BuyFree.Add(proceeds)
	case grid.Sell:
		a.funds.AccountTotals.SellFree = a.funds.AccountTotals.SellFree.Add(proceeds)
	}
}

// UpdateOptimisticFreeBalance applies the delta (oldSize-newSize) to the
// relevant free balance with precision-quantized arithmetic, and deducts
// fee from the fee-asset side. Returns AccountingCommitmentFailed if this
// would drive a free balance negative beyond precision slack.
func (a *Accountant) UpdateOptimisticFreeBalance(side grid.SlotType, oldSize, newSize, fee decimal.Decimal, context string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var precision int32
	switch side {
	case grid.Buy:
		precision = a.precision.Buy
	case grid.Sell:
		precision = a.precision.Sell
	}

	delta := mathfees.Quantize(oldSize.Sub(newSize), precision)

	var free *decimal.Decimal
	switch side {
	case grid.Buy:
		free = &a.funds.AccountTotals.BuyFree
	case grid.Sell:
		free = &a.funds.AccountTotals.SellFree
	}

	candidate := free.Add(delta).Sub(fee)
	slack := mathfees.PrecisionSlack(precision).Neg()
	if candidate.LessThan(slack) {
		return &apperr.AccountingCommitmentFailed{
			Side:    side.String(),
			Amount:  candidate.String(),
			Context: context,
		}
	}
	*free = candidate
	a.funds.BTSFeesOwed = a.funds.BTSFeesOwed.Add(fee)
	return nil
}

// DeductBtsFees settles btsFeesOwed on the given side: consume cacheFunds
// fully first, then charge the FULL remaining owed amount to chain-free
// (never (owed-cache) — that's the bug mode spec.md explicitly calls out).
// If chain-free is insufficient, defer: no partial settlement.
func (a *Accountant) DeductBtsFees(side grid.SlotType) {
	a.mu.Lock()
	defer a.mu.Unlock()

	owed := a.funds.BTSFeesOwed
	if !owed.IsPositive() {
		return
	}

	var cache, free *decimal.Decimal
	switch side {
	case grid.Buy:
		cache = &a.funds.CacheFunds.Buy
		free = &a.funds.AccountTotals.BuyFree
	case grid.Sell:
		cache = &a.funds.CacheFunds.Sell
		free = &a.funds.AccountTotals.SellFree
	default:
		return
	}

	if free.LessThan(owed) {
		// Insufficient chain-free to cover the full remainder; defer (S5).
		return
	}

	*cache = decimal.Zero
	*free = free.Sub(owed)
	a.funds.BTSFeesOwed = decimal.Zero
}

// CheckFundDrift reports whether |actual-(chainFree+gridCommitted)| exceeds
// tolerance for the given side, flagging the need for recovery sync.
// gridCommitted is recomputed live from slots via RequiredFunds rather than
// an incrementally-maintained field, so it can never drift out of sync with
// what is actually ACTIVE/PARTIAL on the grid.
func (a *Accountant) CheckFundDrift(side grid.SlotType, slots []grid.Slot) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	requiredBuy, requiredSell := RequiredFunds(slots, a.precision.Buy, a.precision.Sell)

	var actual, free, committed decimal.Decimal
	var precision int32
	switch side {
	case grid.Buy:
		actual = a.funds.AccountTotals.Buy
		free = a.funds.AccountTotals.BuyFree
		committed = requiredBuy
		precision = a.precision.Buy
	case grid.Sell:
		actual = a.funds.AccountTotals.Sell
		free = a.funds.AccountTotals.SellFree
		committed = requiredSell
		precision = a.precision.Sell
	}

	return !mathfees.WithinTolerance(actual, free.Add(committed), precision, 0.001, actual)
}

// RecoverySource is the narrow RPC contract PerformStateRecovery needs; a
// thin projection of internal/exchange.Client kept here to avoid an import
// cycle (accountant must not depend on exchange's broader surface).
type RecoverySource interface {
	FetchBalances(ctx context.Context) (buyTotal, buyFree, sellTotal, sellFree decimal.Decimal, err error)
}

// PerformStateRecovery re-fetches balances and rebaselines AccountTotals.
// Reconciling the grid itself against the chain is the caller's (COW
// engine's) responsibility; this only refreshes the fund baseline.
func (a *Accountant) PerformStateRecovery(ctx context.Context, src RecoverySource) error {
	buyTotal, buyFree, sellTotal, sellFree, err := src.FetchBalances(ctx)
	if err != nil {
		return err
	}
	a.SetAccountTotals(buyTotal, buyFree, sellTotal, sellFree)
	return nil
}

// RequiredFunds iterates ACTIVE+PARTIAL slots and sums sizes per side in
// quantized (integer-equivalent) units, used to validate a COW working
// grid before broadcast.
func RequiredFunds(slots []grid.Slot, buyPrecision, sellPrecision int32) (buy, sell decimal.Decimal) {
	for _, s := range slots {
		if s.State != grid.Active && s.State != grid.Partial {
			continue
		}
		switch s.Type {
		case grid.Buy:
			buy = buy.Add(mathfees.Quantize(s.Size, buyPrecision))
		case grid.Sell:
			sell = sell.Add(mathfees.Quantize(s.Size, sellPrecision))
		}
	}
	return buy, sell
}

// AvailableFunds returns the current optimistic free balance on each side
// (chain-free minus in-flight virtual reservations), used by the COW
// engine's peak-running-requirement fund check.
func (a *Accountant) AvailableFunds() (buyFree, sellFree decimal.Decimal) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	buyFree = a.funds.AccountTotals.BuyFree.Sub(a.funds.Virtual.Buy)
	sellFree = a.funds.AccountTotals.SellFree.Sub(a.funds.Virtual.Sell)
	return buyFree, sellFree
}

// ReserveVirtual adds an optimistic reservation on a side before chain
// confirmation (e.g. mid-COW-commit peak-running checks).
func (a *Accountant) ReserveVirtual(side grid.SlotType, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch side {
	case grid.Buy:
		a.funds.Virtual.Buy = a.funds.Virtual.Buy.Add(amount)
	case grid.Sell:
		a.funds.Virtual.Sell = a.funds.Virtual.Sell.Add(amount)
	}
}

// ReleaseVirtual releases a previously reserved optimistic amount.
func (a *Accountant) ReleaseVirtual(side grid.SlotType, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch side {
	case grid.Buy:
		a.funds.Virtual.Buy = a.funds.Virtual.Buy.Sub(amount)
	case grid.Sell:
		a.funds.Virtual.Sell = a.funds.Virtual.Sell.Sub(amount)
	}
}
