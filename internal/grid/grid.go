// Package grid implements the order-grid state machine: slots, role
// assignment, boundary tracking, and the versioned master grid. The master
// grid is logically immutable once published (this package's equivalent of
// a deepFreeze): every mutating operation here returns a new *Grid or a new
// Slot value rather than mutating in place. The sole writer of a published
// master pointer is internal/cow.Engine, via atomic.Pointer[Grid].
package grid

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"gridbot/internal/apperr"
	"gridbot/internal/mathfees"
)

// SlotType is one of BUY, SELL, SPREAD.
type SlotType int

const (
	Buy SlotType = iota
	Sell
	Spread
)

func (t SlotType) String() string {
	switch t {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	case Spread:
		return "SPREAD"
	default:
		return "UNKNOWN"
	}
}

// SlotState is one of VIRTUAL, ACTIVE, PARTIAL.
type SlotState int

const (
	Virtual SlotState = iota
	Active
	Partial
)

func (s SlotState) String() string {
	switch s {
	case Virtual:
		return "VIRTUAL"
	case Active:
		return "ACTIVE"
	case Partial:
		return "PARTIAL"
	default:
		return "UNKNOWN"
	}
}

// Slot is a fixed-id position on the geometric price ladder. Slots are
// plain value types: every transition method below returns a new Slot,
// never mutates the receiver.
type Slot struct {
	ID            string
	Type          SlotType
	State         SlotState
	Price         decimal.Decimal
	Size          decimal.Decimal
	OrderID       *int64
	RawOnChain    int64
	CommittedSide SlotType
}

// IsPhantom reports the invariant violation state ∈ {ACTIVE, PARTIAL} ∧
// orderId == nil, which must auto-correct to VIRTUAL.
func (s Slot) IsPhantom() bool {
	return (s.State == Active || s.State == Partial) && s.OrderID == nil
}

// ToActive returns a copy of the slot transitioned to ACTIVE with the given
// on-chain order id and size.
func (s Slot) ToActive(orderID int64, size decimal.Decimal) Slot {
	n := s
	n.State = Active
	n.OrderID = &orderID
	n.Size = size
	n.CommittedSide = s.Type
	return n
}

// ToPartial returns a copy transitioned to PARTIAL with the reduced size.
func (s Slot) ToPartial(remainingSize decimal.Decimal) Slot {
	n := s
	n.State = Partial
	n.Size = remainingSize
	return n
}

// ToVirtual returns a copy transitioned back to VIRTUAL: orderId cleared,
// size zeroed. Role may flip via a subsequent AssignRoles call.
func (s Slot) ToVirtual() Slot {
	n := s
	n.State = Virtual
	n.OrderID = nil
	n.Size = decimal.Zero
	return n
}

// ToSpread returns a copy converted to a SPREAD placeholder: size zero,
// orderId nil, state VIRTUAL, preserving CommittedSide.
func (s Slot) ToSpread() Slot {
	n := s
	n.Type = Spread
	n.State = Virtual
	n.OrderID = nil
	n.Size = decimal.Zero
	return n
}

// Config parametrizes geometric grid construction.
type Config struct {
	StartPrice          decimal.Decimal
	MinPrice             decimal.Decimal
	MaxPrice             decimal.Decimal
	IncrementPercent     float64
	TargetSpreadPercent  float64
	Precision            int32
}

func (c Config) validate() error {
	if !c.MinPrice.IsPositive() {
		return &apperr.ConfigInvalid{Field: "minPrice", Value: c.MinPrice}
	}
	if !c.MaxPrice.IsPositive() {
		return &apperr.ConfigInvalid{Field: "maxPrice", Value: c.MaxPrice}
	}
	if !c.StartPrice.IsPositive() {
		return &apperr.ConfigInvalid{Field: "startPrice", Value: c.StartPrice}
	}
	if c.StartPrice.LessThan(c.MinPrice) || c.StartPrice.GreaterThan(c.MaxPrice) {
		return &apperr.ConfigInvalid{Field: "startPrice", Value: c.StartPrice}
	}
	if c.IncrementPercent <= 0 || c.IncrementPercent >= 100 {
		return &apperr.ConfigInvalid{Field: "incrementPercent", Value: c.IncrementPercent}
	}
	return nil
}

// Grid is the ordered sequence of slots plus boundary and version. Never
// mutate a Grid in place after it has been returned from New or
// cow.Engine.Commit; build a new one via WithSlots/WithBoundary instead.
type Grid struct {
	Slots       []Slot
	BoundaryIdx int
	Gap         int
	Version     uint64
}

// New constructs a geometric grid around cfg.StartPrice, spanning
// [MinPrice, MaxPrice] with ratio (1+incrementPercent/100) between adjacent
// slots, assigns the initial boundary and roles, and returns the frozen
// VIRTUAL/Version-0 master grid.
func New(cfg Config) (*Grid, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	inc := decimal.NewFromFloat(1 + cfg.IncrementPercent/100)

	// Walk down from StartPrice to MinPrice, then up to MaxPrice, collecting
	// prices in ascending order.
	var downPrices []decimal.Decimal
	p := cfg.StartPrice
	for p.GreaterThanOrEqual(cfg.MinPrice) {
		downPrices = append(downPrices, p)
		p = p.Div(inc)
	}
	// downPrices is currently descending (Start..Min); reverse to ascending.
	for i, j := 0, len(downPrices)-1; i < j; i, j = i+1, j-1 {
		downPrices[i], downPrices[j] = downPrices[j], downPrices[i]
	}

	var upPrices []decimal.Decimal
	p = cfg.StartPrice.Mul(inc)
	for p.LessThanOrEqual(cfg.MaxPrice) {
		upPrices = append(upPrices, p)
		p = p.Mul(inc)
	}

	allPrices := append(downPrices, upPrices...)
	if len(allPrices) == 0 {
		return nil, &apperr.ConfigInvalid{Field: "priceRange", Value: "empty"}
	}

	// Index of StartPrice within allPrices (the last entry of downPrices).
	k := len(downPrices) - 1
	if k < 0 {
		k = 0
	}

	slots := make([]Slot, len(allPrices))
	for i, price := range allPrices {
		slots[i] = Slot{
			ID:    fmt.Sprintf("slot-%d", i),
			Price: price.Round(cfg.Precision),
			State: Virtual,
		}
	}

	gap := mathfees.GapSlots(cfg.IncrementPercent, cfg.TargetSpreadPercent)
	boundary := k
	if boundary >= len(slots) {
		boundary = len(slots) - 1
	}

	buyCount := boundary + 1
	sellStart := boundary + gap + 1
	sellCount := len(slots) - sellStart
	if buyCount <= 0 || sellCount <= 0 {
		return nil, &apperr.ConfigInvalid{Field: "imbalancedRail", Value: fmt.Sprintf("buy=%d sell=%d", buyCount, sellCount)}
	}

	for i := range slots {
		switch {
		case i <= boundary:
			slots[i].Type = Buy
			slots[i].CommittedSide = Buy
		case i >= sellStart:
			slots[i].Type = Sell
			slots[i].CommittedSide = Sell
		default:
			slots[i].Type = Spread
		}
	}

	return &Grid{
		Slots:       slots,
		BoundaryIdx: boundary,
		Gap:         gap,
		Version:     0,
	}, nil
}

// SlotByID finds a slot by stable id.
func (g *Grid) SlotByID(id string) (Slot, int, bool) {
	for i, s := range g.Slots {
		if s.ID == id {
			return s, i, true
		}
	}
	return Slot{}, -1, false
}

// SlotByOrderID finds the slot currently holding the given on-chain order id.
func (g *Grid) SlotByOrderID(orderID int64) (Slot, int, bool) {
	for i, s := range g.Slots {
		if s.OrderID != nil && *s.OrderID == orderID {
			return s, i, true
		}
	}
	return Slot{}, -1, false
}

// WithSlots returns a new Grid with the given slots substituted in place
// (matched by ID), boundary and gap unchanged, version left for the caller
// to bump (only cow.Engine.Commit should do so on a published grid).
func (g *Grid) WithSlots(changed []Slot) *Grid {
	byID := make(map[string]Slot, len(changed))
	for _, s := range changed {
		byID[s.ID] = s
	}
	next := make([]Slot, len(g.Slots))
	for i, s := range g.Slots {
		if c, ok := byID[s.ID]; ok {
			next[i] = c
		} else {
			next[i] = s
		}
	}
	return &Grid{Slots: next, BoundaryIdx: g.BoundaryIdx, Gap: g.Gap, Version: g.Version}
}

// WithBoundary returns a new Grid with a different boundary index, clamped
// to [0, len(slots)-1].
func (g *Grid) WithBoundary(b int) *Grid {
	if b < 0 {
		b = 0
	}
	if b > len(g.Slots)-1 {
		b = len(g.Slots) - 1
	}
	return &Grid{Slots: g.Slots, BoundaryIdx: b, Gap: g.Gap, Version: g.Version}
}

// WithVersion returns a copy stamped with the given version, used only by
// cow.Engine.Commit on a successful swap.
func (g *Grid) WithVersion(v uint64) *Grid {
	return &Grid{Slots: g.Slots, BoundaryIdx: g.BoundaryIdx, Gap: g.Gap, Version: v}
}

// ShiftBoundaryOnFill applies the spec's fill-driven boundary shift: a full
// SELL fill increments b, a full BUY fill decrements it; partials never
// shift it. Clamped to [0, len-1].
func (g *Grid) ShiftBoundaryOnFill(filledType SlotType, wasPartial bool) *Grid {
	if wasPartial {
		return g
	}
	b := g.BoundaryIdx
	switch filledType {
	case Sell:
		b++
	case Buy:
		b--
	}
	return g.WithBoundary(b)
}

// AssignRoles deterministically reassigns BUY/SPREAD/SELL roles from a
// boundary and gap, returning copies of only the slots whose Type changed
// (the Go rendering of "returns new slot references only for changed
// slots" — since Slot is a value type, object identity is expressed here
// as slice membership rather than pointer equality).
func AssignRoles(slots []Slot, b, gap int) []Slot {
	sellStart := b + gap + 1
	var changed []Slot
	for i, s := range slots {
		var want SlotType
		switch {
		case i <= b:
			want = Buy
		case i >= sellStart:
			want = Sell
		default:
			want = Spread
		}
		if s.Type == want {
			continue
		}
		n := s
		n.Type = want
		if want == Spread {
			n = n.ToSpread()
		} else {
			n.CommittedSide = want
		}
		changed = append(changed, n)
	}
	return changed
}

// ActiveSlotsOnSide returns the slots of the given side (excluding SPREAD)
// in ascending-price order, as stored.
func ActiveSlotsOnSide(slots []Slot, side SlotType) []Slot {
	var out []Slot
	for _, s := range slots {
		if s.Type == side {
			out = append(out, s)
		}
	}
	return out
}

// SizeSide applies mathfees.AllocateByWeights to the slots on one side
// (excluding SPREAD), distributing budget after deducting reserved network
// fees proportional to the number of active orders on both sides. BUY
// distributes in reverse (largest nearest market); SELL forward.
func SizeSide(slots []Slot, side SlotType, budget decimal.Decimal, weight decimal.Decimal, incrementPercent float64, precision int32, reservedFeePerOrder decimal.Decimal, activeBuyOrders, activeSellOrders int) []Slot {
	side_ := ActiveSlotsOnSide(slots, side)
	if len(side_) == 0 {
		return nil
	}

	totalActive := activeBuyOrders + activeSellOrders
	reserve := reservedFeePerOrder.Mul(decimal.NewFromInt(int64(totalActive)))
	available := budget.Sub(reserve)
	if available.IsNegative() {
		available = decimal.Zero
	}

	incFactor := decimal.NewFromFloat(incrementPercent / 100)
	reverse := side == Buy
	p := precision
	sizes := mathfees.AllocateByWeights(available, len(side_), weight, incFactor, reverse, &p)

	out := make([]Slot, len(side_))
	for i, s := range side_ {
		n := s
		n.Size = sizes[i]
		out[i] = n
	}
	return out
}

// SidesUpdated is a bitset of which sides diverged from their calculated
// ideal sizing, consumed by internal/maintenance.
type SidesUpdated uint8

const (
	BuyUpdated SidesUpdated = 1 << iota
	SellUpdated
)

func (s SidesUpdated) Has(side SidesUpdated) bool { return s&side != 0 }

// DivergenceThreshold is the default RMS trigger (~14.3%) from spec.md §4.2.
const DivergenceThreshold = 0.143

// Divergence computes RMS/ratio metrics per side and returns the bitset of
// sides whose divergence exceeds threshold or whose surplus/deficit ratio
// exceeds ratioThreshold. It never mutates the grid directly.
func Divergence(calc, persisted []mathfees.SlotSize, calcSell, persistedSell []mathfees.SlotSize, ratioThreshold float64) SidesUpdated {
	var updated SidesUpdated
	if mathfees.DivergenceRMS(calc, persisted) >= DivergenceThreshold || surplusDeficitRatio(calc, persisted) >= ratioThreshold {
		updated |= BuyUpdated
	}
	if mathfees.DivergenceRMS(calcSell, persistedSell) >= DivergenceThreshold || surplusDeficitRatio(calcSell, persistedSell) >= ratioThreshold {
		updated |= SellUpdated
	}
	return updated
}

// surplusDeficitRatio sums persisted vs calculated (active-target) size
// across matched slot ids and returns the absolute relative difference of
// the totals, i.e. how far the side's aggregate on-chain exposure has
// drifted from the active target independent of per-slot RMS.
func surplusDeficitRatio(calc, persisted []mathfees.SlotSize) float64 {
	var calcTotal, persistedTotal decimal.Decimal
	for _, c := range calc {
		calcTotal = calcTotal.Add(c.Size)
	}
	for _, p := range persisted {
		persistedTotal = persistedTotal.Add(p.Size)
	}
	if calcTotal.IsZero() {
		if persistedTotal.IsZero() {
			return 0
		}
		return 1
	}
	diff := persistedTotal.Sub(calcTotal).Div(calcTotal)
	f, _ := diff.Abs().Float64()
	return f
}

// SortByPrice orders slots ascending by price, used after any reconstruction
// that may not preserve order (e.g. rebuilding from a chain snapshot).
func SortByPrice(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Price.LessThan(slots[j].Price)
	})
}
