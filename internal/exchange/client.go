// Package exchange defines the narrow RPC/client contract the core
// consumes from the blockchain collaborator. No implementation ships here
// (the real chain client is an external collaborator); mock.go provides a
// deterministic in-memory fake for tests, in the style of the teacher's
// internal/trading/backtest.SimulatedExchange.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// OpenOrder is one row of a ReadOpenOrders response.
type OpenOrder struct {
	ID       int64
	ForSale  decimal.Decimal
	BasePrice  decimal.Decimal
	QuotePrice decimal.Decimal
}

// BuiltOp is the result of building a chain operation: the opaque op plus
// the final integer amounts actually committed (after chain-side rounding).
type BuiltOp struct {
	Op         any
	FinalInts  []int64
}

// OperationResult is one entry of an ExecuteBatch response:
// Kind identifies the operation family ("create"|"update"|"cancel"), and
// ReturnValue carries the assigned chain order id for CREATE.
type OperationResult struct {
	Kind        string
	ReturnValue int64
}

// BatchResult is the outcome of ExecuteBatch.
type BatchResult struct {
	Success           bool
	OperationResults  []OperationResult
	Raw               string
}

// FillProcessingMode selects how the pipeline syncs resolved fills.
type FillProcessingMode int

const (
	History FillProcessingMode = iota
	OpenOrders
)

// FillEvent mirrors the chain listener's raw callback payload.
type FillEvent struct {
	OrderID  int64
	Pays     decimal.Decimal
	Receives decimal.Decimal
	IsMaker  bool
	BlockNum uint64
	EventID  string
}

// FillCallback receives batches of fill events as delivered by the chain
// listener subscription.
type FillCallback func(events []FillEvent)

// Client is the narrow RPC contract consumed by the core, exactly the
// operations spec.md §6 names.
type Client interface {
	WaitForConnected(ctx context.Context, timeoutMs int) error
	ResolveAccountID(ctx context.Context, name string) (string, error)
	ReadOpenOrders(ctx context.Context, accountRef string) ([]OpenOrder, error)

	// BuildCreateOrderOp returns (nil, nil) when amounts round to zero
	// on-chain, per spec.md §6.
	BuildCreateOrderOp(ctx context.Context, account string, amountToSell decimal.Decimal, sellAssetID string, minToReceive decimal.Decimal, receiveAssetID string, expiration int64) (*BuiltOp, error)

	// BuildUpdateOrderOp returns (nil, nil) when the integer delta is zero.
	BuildUpdateOrderOp(ctx context.Context, account string, orderID int64, newAmountToSell *decimal.Decimal, deltaAmountToSell *decimal.Decimal, newPrice *decimal.Decimal, rawOnChain int64) (*BuiltOp, error)

	BuildCancelOrderOp(ctx context.Context, account string, orderID int64) (*BuiltOp, error)

	ExecuteBatch(ctx context.Context, account string, privateKey string, ops []BuiltOp) (*BatchResult, error)

	ListenForFills(ctx context.Context, account string, cb FillCallback) (unsubscribe func(), err error)

	GetFillProcessingMode() FillProcessingMode

	// FetchBalances satisfies accountant.RecoverySource.
	FetchBalances(ctx context.Context) (buyTotal, buyFree, sellTotal, sellFree decimal.Decimal, err error)
}
