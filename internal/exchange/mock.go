package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// MockClient is a deterministic in-memory fake of Client, used only by
// tests, in the style of the teacher's internal/trading/backtest.SimulatedExchange.
type MockClient struct {
	mu sync.Mutex

	nextOrderID int64
	openOrders  map[int64]OpenOrder

	buyTotal, buyFree, sellTotal, sellFree decimal.Decimal

	// FailNextExecute, if non-empty, makes the next ExecuteBatch call fail
	// with this raw error text (used to simulate stale-order RPC errors).
	FailNextExecute string

	fillCb FillCallback
}

// NewMockClient constructs a MockClient seeded with the given balances.
func NewMockClient(buyTotal, buyFree, sellTotal, sellFree decimal.Decimal) *MockClient {
	return &MockClient{
		nextOrderID: 1000,
		openOrders:  make(map[int64]OpenOrder),
		buyTotal:    buyTotal,
		buyFree:     buyFree,
		sellTotal:   sellTotal,
		sellFree:    sellFree,
	}
}

// SeedOpenOrder injects an order directly into the mock's open-orders
// table, for tests exercising divergence detection against a chain
// snapshot rather than one produced by a prior ExecuteBatch call.
func (m *MockClient) SeedOpenOrder(o OpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrders[o.ID] = o
}

// RemoveOpenOrder drops an order from the mock's open-orders table, for
// tests simulating a fill that has fully closed the order on chain — the
// next ReadOpenOrders snapshot no longer lists it.
func (m *MockClient) RemoveOpenOrder(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.openOrders, id)
}

func (m *MockClient) WaitForConnected(ctx context.Context, timeoutMs int) error { return nil }

func (m *MockClient) ResolveAccountID(ctx context.Context, name string) (string, error) {
	return "1.2.100", nil
}

func (m *MockClient) ReadOpenOrders(ctx context.Context, accountRef string) ([]OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OpenOrder, 0, len(m.openOrders))
	for _, o := range m.openOrders {
		out = append(out, o)
	}
	return out, nil
}

func (m *MockClient) BuildCreateOrderOp(ctx context.Context, account string, amountToSell decimal.Decimal, sellAssetID string, minToReceive decimal.Decimal, receiveAssetID string, expiration int64) (*BuiltOp, error) {
	if amountToSell.IsZero() {
		return nil, nil
	}
	return &BuiltOp{Op: fmt.Sprintf("create:%s:%s", sellAssetID, amountToSell.String())}, nil
}

func (m *MockClient) BuildUpdateOrderOp(ctx context.Context, account string, orderID int64, newAmountToSell *decimal.Decimal, deltaAmountToSell *decimal.Decimal, newPrice *decimal.Decimal, rawOnChain int64) (*BuiltOp, error) {
	if deltaAmountToSell != nil && deltaAmountToSell.IsZero() {
		return nil, nil
	}
	return &BuiltOp{Op: fmt.Sprintf("update:%d", orderID)}, nil
}

func (m *MockClient) BuildCancelOrderOp(ctx context.Context, account string, orderID int64) (*BuiltOp, error) {
	return &BuiltOp{Op: fmt.Sprintf("cancel:%d", orderID)}, nil
}

func (m *MockClient) ExecuteBatch(ctx context.Context, account string, privateKey string, ops []BuiltOp) (*BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNextExecute != "" {
		err := fmt.Errorf("%s", m.FailNextExecute)
		m.FailNextExecute = ""
		return nil, err
	}

	results := make([]OperationResult, len(ops))
	for i, op := range ops {
		s, _ := op.Op.(string)
		switch {
		case len(s) >= 6 && s[:6] == "create":
			id := m.nextOrderID
			m.nextOrderID++
			m.openOrders[id] = OpenOrder{ID: id}
			results[i] = OperationResult{Kind: "create", ReturnValue: id}
		case len(s) >= 6 && s[:6] == "cancel":
			results[i] = OperationResult{Kind: "cancel"}
		default:
			results[i] = OperationResult{Kind: "update"}
		}
	}
	return &BatchResult{Success: true, OperationResults: results}, nil
}

func (m *MockClient) ListenForFills(ctx context.Context, account string, cb FillCallback) (func(), error) {
	m.mu.Lock()
	m.fillCb = cb
	m.mu.Unlock()
	return func() {}, nil
}

// DeliverFills lets a test simulate the chain listener pushing a batch.
func (m *MockClient) DeliverFills(events []FillEvent) {
	m.mu.Lock()
	cb := m.fillCb
	m.mu.Unlock()
	if cb != nil {
		cb(events)
	}
}

func (m *MockClient) GetFillProcessingMode() FillProcessingMode { return OpenOrders }

func (m *MockClient) FetchBalances(ctx context.Context) (decimal.Decimal, decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buyTotal, m.buyFree, m.sellTotal, m.sellFree, nil
}
