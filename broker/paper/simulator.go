// Package paper synthesizes fills locally. It never blocks and has no
// external dependency, so any error it returns is a configuration or caller
// bug.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atfleming/tradestream/broker"
	"github.com/atfleming/tradestream/pkg/id"
)

var ErrPositionNotFound = errors.New("paper position not found")

type Config struct {
	TickSize      float64
	SlippageTicks int
}

func (c Config) Validate() error {
	if c.TickSize <= 0 {
		return fmt.Errorf("paper: tick_size must be positive, got %g", c.TickSize)
	}
	if c.SlippageTicks < 0 {
		return fmt.Errorf("paper: slippage_ticks must be >= 0, got %d", c.SlippageTicks)
	}
	return nil
}

type ledger struct {
	open  int
	fills []broker.Fill
}

// Simulator is the paper broker.
type Simulator struct {
	mu        sync.Mutex
	cfg       Config
	positions map[string]*ledger
	now       func() time.Time
}

func NewSimulator(cfg Config) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Simulator{
		cfg:       cfg,
		positions: make(map[string]*ledger),
		now:       time.Now,
	}, nil
}

// SetClock overrides the fill timestamp source.
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Slippage is the adverse price offset applied to market and stop fills.
func (s *Simulator) Slippage() float64 {
	return float64(s.cfg.SlippageTicks) * s.cfg.TickSize
}

// PlaceOrder fills immediately. Entries and stops slip against the order side;
// target exits fill at the reference price.
func (s *Simulator) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Fill, error) {
	if err := ctx.Err(); err != nil {
		return broker.Fill{}, err
	}
	if err := req.Validate(); err != nil {
		return broker.Fill{}, fmt.Errorf("paper: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.positions[req.PositionID]
	switch {
	case req.Kind == broker.KindEntry:
		if ok {
			return broker.Fill{}, fmt.Errorf("paper: %w: duplicate entry for %q", broker.ErrInvalidOrder, req.PositionID)
		}
		l = &ledger{}
		s.positions[req.PositionID] = l
	case !ok:
		return broker.Fill{}, fmt.Errorf("paper: %w: %q", ErrPositionNotFound, req.PositionID)
	case req.Quantity > l.open:
		return broker.Fill{}, fmt.Errorf("paper: %w: exit %d exceeds open %d", broker.ErrInvalidOrder, req.Quantity, l.open)
	}

	price := req.RefPrice
	if req.Kind == broker.KindEntry || req.Kind == broker.KindStop {
		price = s.slip(req.Side, price)
	}

	f := broker.Fill{
		PositionID: req.PositionID,
		OrderID:    id.Prefixed("paper"),
		Path:       broker.Paper,
		Kind:       req.Kind,
		Quantity:   req.Quantity,
		Price:      price,
		Time:       s.now(),
	}
	if req.Kind == broker.KindEntry {
		l.open = req.Quantity
	} else {
		l.open -= req.Quantity
	}
	l.fills = append(l.fills, f)
	return f, nil
}

func (s *Simulator) slip(side broker.Side, price float64) float64 {
	if side == broker.Buy {
		return price + s.Slippage()
	}
	return price - s.Slippage()
}

func (s *Simulator) PositionStatus(ctx context.Context, positionID string) ([]broker.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("paper status: %w: %q", ErrPositionNotFound, positionID)
	}
	out := make([]broker.Fill, len(l.fills))
	copy(out, l.fills)
	return out, nil
}

// OpenQuantity is the simulator's own view of the remaining size.
func (s *Simulator) OpenQuantity(positionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.positions[positionID]; ok {
		return l.open
	}
	return 0
}
