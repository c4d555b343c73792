package risk

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/atfleming/tradestream/alert"
)

var ErrUnknownSizeClass = errors.New("unknown size class")

// SizeMapping derives the three tiers from one base unit: C = base, B = 2C,
// A = 3C.
type SizeMapping struct {
	BaseUnit int
}

func (m SizeMapping) Validate() error {
	if m.BaseUnit < 1 {
		return fmt.Errorf("sizing: base_unit must be >= 1, got %d", m.BaseUnit)
	}
	return nil
}

func (m SizeMapping) Quantity(class alert.SizeClass) (int, error) {
	switch class {
	case alert.ClassA:
		return 3 * m.BaseUnit, nil
	case alert.ClassB:
		return 2 * m.BaseUnit, nil
	case alert.ClassC:
		return m.BaseUnit, nil
	}
	return 0, fmt.Errorf("size %q: %w", class, ErrUnknownSizeClass)
}

// SizeFor is a pure lookup of class in mapping.
func SizeFor(class alert.SizeClass, m SizeMapping) (int, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	return m.Quantity(class)
}

// Sizer holds the live mapping. Swap replaces it as a whole; readers never see
// a partially updated mapping.
type Sizer struct {
	cur atomic.Pointer[SizeMapping]
}

func NewSizer(m SizeMapping) (*Sizer, error) {
	s := &Sizer{}
	if err := s.Swap(m); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sizer) Size(class alert.SizeClass) (int, error) {
	return s.cur.Load().Quantity(class)
}

func (s *Sizer) Swap(m SizeMapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.cur.Store(&m)
	return nil
}

func (s *Sizer) Mapping() SizeMapping { return *s.cur.Load() }
