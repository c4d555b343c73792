package market

import (
	"errors"
	"sync"
	"time"
)

var ErrNoPrice = errors.New("price not found")

// Tick is one price observation. High and Low are optional; when set they
// bound every price traded since the previous tick, so a single sample can
// bracket several thresholds.
type Tick struct {
	Symbol string
	Price  float64
	High   float64
	Low    float64
	Time   time.Time
}

// Bounds returns the lowest and highest price covered by t.
func (t Tick) Bounds() (lo, hi float64) {
	lo, hi = t.Price, t.Price
	if t.Low > 0 && t.Low < lo {
		lo = t.Low
	}
	if t.High > hi {
		hi = t.High
	}
	return lo, hi
}

// Absorb widens t's High and Low to cover older, a tick that is being
// dropped in t's favor.
func (t Tick) Absorb(older Tick) Tick {
	lo, hi := t.Bounds()
	olo, ohi := older.Bounds()
	if olo > 0 && olo < lo {
		lo = olo
	}
	if ohi > hi {
		hi = ohi
	}
	t.Low, t.High = lo, hi
	return t
}

// TickStore keeps the latest tick per symbol.
type TickStore struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

func NewTickStore() *TickStore {
	return &TickStore{ticks: make(map[string]Tick)}
}

func (s *TickStore) Set(t Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[t.Symbol] = t
}

func (s *TickStore) Get(symbol string) (Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[symbol]
	if !ok {
		return Tick{}, ErrNoPrice
	}
	return t, nil
}
