// Package position owns the lifecycle of a single trade: entry, a partial
// exit at the first target with the stop moved to breakeven, then the second
// target or the stop.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atfleming/tradestream/alert"
	"github.com/atfleming/tradestream/broker"
	"github.com/atfleming/tradestream/journal"
	"github.com/atfleming/tradestream/market"
)

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrUnknownPosition   = errors.New("unknown position")
)

type State string

const (
	PendingEntry      State = "PENDING_ENTRY"
	Open              State = "OPEN"
	PartiallyClosed   State = "PARTIALLY_CLOSED"
	Closed            State = "CLOSED"
	Stopped           State = "STOPPED"
	UnknownAtShutdown State = "UNKNOWN_AT_SHUTDOWN"
)

// Terminal states ignore every further event.
func (s State) Terminal() bool {
	return s == Closed || s == Stopped || s == UnknownAtShutdown
}

// RemainderPolicy decides which target takes the odd unit of an odd quantity.
type RemainderPolicy string

const (
	RemainderToTarget2 RemainderPolicy = "target2"
	RemainderToTarget1 RemainderPolicy = "target1"
)

func (r RemainderPolicy) Validate() error {
	switch r {
	case RemainderToTarget1, RemainderToTarget2:
		return nil
	}
	return fmt.Errorf("unknown remainder policy %q", r)
}

// Params are the money rules applied to one position.
type Params struct {
	UnitValue         decimal.Decimal // P&L per point per unit
	CommissionPerUnit decimal.Decimal // charged on QuantityTotal at close
	Remainder         RemainderPolicy
}

// ExitIntent is what a tick asks the position to do.
type ExitIntent struct {
	Kind     broker.FillKind
	Quantity int
	RefPrice float64
}

type Position struct {
	ID        string
	Alert     *alert.Alert
	Path      broker.Path
	Symbol    string
	Direction alert.Direction

	QuantityTotal     int
	QuantityRemaining int

	EntryFillPrice float64
	CurrentStop    float64
	Target1        float64
	Target2        float64

	State       State
	RealizedPnL decimal.Decimal
	Commission  decimal.Decimal
	Exits       []broker.Fill

	LastPrice   float64
	LastPriceAt time.Time
	OpenedAt    time.Time
	ClosedAt    time.Time

	params Params
	seen   map[string]struct{}
}

// New returns a position waiting for its entry fill.
func New(id string, a *alert.Alert, path broker.Path, quantity int, p Params) (*Position, error) {
	if id == "" {
		return nil, errors.New("position: empty id")
	}
	if a == nil {
		return nil, errors.New("position: nil alert")
	}
	if quantity < 1 {
		return nil, fmt.Errorf("position: quantity %d", quantity)
	}
	if p.Remainder == "" {
		p.Remainder = RemainderToTarget2
	}
	if err := p.Remainder.Validate(); err != nil {
		return nil, err
	}
	if p.UnitValue.IsZero() {
		p.UnitValue = decimal.NewFromInt(1)
	}
	return &Position{
		ID:                id,
		Alert:             a,
		Path:              path,
		Symbol:            a.Symbol,
		Direction:         a.Direction,
		QuantityTotal:     quantity,
		QuantityRemaining: 0,
		CurrentStop:       a.StopPrice,
		Target1:           a.Target1,
		Target2:           a.Target2,
		State:             PendingEntry,
		RealizedPnL:       decimal.Zero,
		Commission:        decimal.Zero,
		params:            p,
		seen:              make(map[string]struct{}),
	}, nil
}

// Target1Quantity is how many units the first target exits.
func (p *Position) Target1Quantity() int {
	if p.params.Remainder == RemainderToTarget1 {
		return (p.QuantityTotal + 1) / 2
	}
	return p.QuantityTotal / 2
}

// Evaluate decides whether t triggers an exit. It does not mutate p.
//
// In OPEN the stop is checked before target1. In PARTIALLY_CLOSED target2 is
// checked before the breakeven stop. At most one transition fires per tick.
func (p *Position) Evaluate(t market.Tick) (ExitIntent, bool) {
	switch p.State {
	case Open:
		if p.stopHit(t) {
			return ExitIntent{Kind: broker.KindStop, Quantity: p.QuantityRemaining, RefPrice: p.CurrentStop}, true
		}
		if p.reached(t, p.Target1) {
			return ExitIntent{Kind: broker.KindTarget1, Quantity: p.Target1Quantity(), RefPrice: p.observedOr(t, p.Target1)}, true
		}
	case PartiallyClosed:
		if p.reached(t, p.Target2) {
			return ExitIntent{Kind: broker.KindTarget2, Quantity: p.QuantityRemaining, RefPrice: p.observedOr(t, p.Target2)}, true
		}
		if p.stopHit(t) {
			return ExitIntent{Kind: broker.KindStop, Quantity: p.QuantityRemaining, RefPrice: p.CurrentStop}, true
		}
	}
	return ExitIntent{}, false
}

// reached reports whether t touched level in the favorable direction.
func (p *Position) reached(t market.Tick, level float64) bool {
	lo, hi := t.Bounds()
	if p.Direction == alert.Long {
		return hi >= level
	}
	return lo <= level
}

func (p *Position) stopHit(t market.Tick) bool {
	lo, hi := t.Bounds()
	if p.Direction == alert.Long {
		return lo <= p.CurrentStop
	}
	return hi >= p.CurrentStop
}

// observedOr returns the tick's price if it satisfies level, else level
// itself (the range touched it but the last print is back inside).
func (p *Position) observedOr(t market.Tick, level float64) float64 {
	if (t.Price-level)*p.Direction.Sign() >= 0 {
		return t.Price
	}
	return level
}

// Observe records the latest price.
func (p *Position) Observe(t market.Tick) {
	p.LastPrice = t.Price
	p.LastPriceAt = t.Time
}

// Apply folds a fill into the position. It returns false with no error for a
// fill that was already applied or that arrives after a terminal state.
func (p *Position) Apply(f broker.Fill) (bool, error) {
	if f.PositionID != p.ID {
		return false, fmt.Errorf("%w: fill for %q applied to %q", ErrIllegalTransition, f.PositionID, p.ID)
	}
	if p.State.Terminal() {
		return false, nil
	}
	if f.OrderID != "" {
		if _, dup := p.seen[f.OrderID]; dup {
			return false, nil
		}
	}

	switch f.Kind {
	case broker.KindEntry:
		if p.State != PendingEntry {
			return false, p.illegal(f)
		}
		if f.Quantity < 1 || f.Quantity > p.QuantityTotal {
			return false, p.illegal(f)
		}
		p.QuantityTotal = f.Quantity
		p.QuantityRemaining = f.Quantity
		p.EntryFillPrice = f.Price
		p.CurrentStop = p.Alert.StopPrice
		p.State = Open
		p.OpenedAt = f.Time

	case broker.KindTarget1:
		if p.State != Open || f.Quantity != p.Target1Quantity() {
			return false, p.illegal(f)
		}
		p.exit(f)
		// Breakeven relocation lands in the same step as the partial exit.
		p.CurrentStop = p.EntryFillPrice
		p.State = PartiallyClosed
		if p.QuantityRemaining == 0 {
			p.finish(Closed, f.Time)
		}

	case broker.KindTarget2:
		if p.State != PartiallyClosed || f.Quantity != p.QuantityRemaining {
			return false, p.illegal(f)
		}
		p.exit(f)
		p.finish(Closed, f.Time)

	case broker.KindStop:
		if (p.State != Open && p.State != PartiallyClosed) || f.Quantity != p.QuantityRemaining {
			return false, p.illegal(f)
		}
		p.exit(f)
		p.finish(Stopped, f.Time)

	default:
		return false, p.illegal(f)
	}

	if f.OrderID != "" {
		p.seen[f.OrderID] = struct{}{}
	}
	return true, nil
}

func (p *Position) illegal(f broker.Fill) error {
	return fmt.Errorf("%w: %s fill of %d in %s (remaining %d) for %q",
		ErrIllegalTransition, f.Kind, f.Quantity, p.State, p.QuantityRemaining, p.ID)
}

func (p *Position) exit(f broker.Fill) {
	p.QuantityRemaining -= f.Quantity
	p.RealizedPnL = p.RealizedPnL.Add(p.pnl(f.Price, f.Quantity))
	p.Exits = append(p.Exits, f)
}

func (p *Position) finish(s State, at time.Time) {
	p.State = s
	p.ClosedAt = at
	p.Commission = p.params.CommissionPerUnit.Mul(decimal.NewFromInt(int64(p.QuantityTotal)))
	p.RealizedPnL = p.RealizedPnL.Sub(p.Commission)
}

// MarkUnknown records that an exit was in flight when the process stopped.
func (p *Position) MarkUnknown(at time.Time) {
	if p.State.Terminal() {
		return
	}
	p.State = UnknownAtShutdown
	p.ClosedAt = at
}

func (p *Position) pnl(price float64, qty int) decimal.Decimal {
	return decimal.NewFromFloat(price).
		Sub(decimal.NewFromFloat(p.EntryFillPrice)).
		Mul(decimal.NewFromInt(int64(qty))).
		Mul(decimal.NewFromInt(int64(p.Direction))).
		Mul(p.params.UnitValue)
}

// UnrealizedPnL values the remaining quantity at price.
func (p *Position) UnrealizedPnL(price float64) decimal.Decimal {
	if p.State != Open && p.State != PartiallyClosed {
		return decimal.Zero
	}
	return p.pnl(price, p.QuantityRemaining)
}

// ExitedQuantity sums every applied exit.
func (p *Position) ExitedQuantity() int {
	n := 0
	for _, f := range p.Exits {
		n += f.Quantity
	}
	return n
}

// ExitRequest builds the order for intent.
func (p *Position) ExitRequest(in ExitIntent) broker.OrderRequest {
	typ := broker.Market
	if in.Kind == broker.KindStop {
		typ = broker.Stop
	}
	return broker.OrderRequest{
		PositionID:    p.ID,
		ClientOrderID: broker.ClientOrderID(p.ID, in.Kind),
		Symbol:        p.Symbol,
		Direction:     p.Direction,
		Side:          broker.ExitSide(p.Direction),
		Quantity:      in.Quantity,
		Type:          typ,
		Kind:          in.Kind,
		RefPrice:      in.RefPrice,
	}
}

// Snapshot returns a copy that shares no mutable state with p.
func (p *Position) Snapshot() Position {
	c := *p
	c.Exits = append([]broker.Fill(nil), p.Exits...)
	c.seen = nil
	return c
}

func (p *Position) Record() journal.PositionRecord {
	rec := journal.PositionRecord{
		ID:          p.ID,
		Path:        string(p.Path),
		Symbol:      p.Symbol,
		Direction:   p.Direction.String(),
		Quantity:    p.QuantityTotal,
		Remaining:   p.QuantityRemaining,
		EntryPrice:  p.EntryFillPrice,
		Stop:        p.CurrentStop,
		Target1:     p.Target1,
		Target2:     p.Target2,
		State:       string(p.State),
		RealizedPnL: p.RealizedPnL,
		Commission:  p.Commission,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    p.ClosedAt,
	}
	if p.Alert != nil {
		rec.MessageID = p.Alert.MessageID
	}
	return rec
}
