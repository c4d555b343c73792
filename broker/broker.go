package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atfleming/tradestream/alert"
)

var (
	// ErrOrderRejected means the venue refused the order. Not retried.
	ErrOrderRejected = errors.New("order rejected")
	// ErrUnavailable covers transport failures and venue-side errors.
	ErrUnavailable   = errors.New("broker unavailable")
	ErrInvalidOrder  = errors.New("invalid order")
)

// Path identifies which execution venue a position lives on.
type Path string

const (
	Paper Path = "paper"
	Live  Path = "live"
)

type FillKind string

const (
	KindEntry   FillKind = "entry"
	KindTarget1 FillKind = "target1"
	KindTarget2 FillKind = "target2"
	KindStop    FillKind = "stop"
)

// IsExit reports whether the fill reduces a position.
func (k FillKind) IsExit() bool { return k == KindTarget1 || k == KindTarget2 || k == KindStop }

type OrderType string

const (
	Market OrderType = "market"
	Stop   OrderType = "stop"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// EntrySide is the side that opens a position in dir.
func EntrySide(dir alert.Direction) Side {
	if dir == alert.Short {
		return Sell
	}
	return Buy
}

// ExitSide is the side that reduces a position in dir.
func ExitSide(dir alert.Direction) Side {
	if dir == alert.Short {
		return Buy
	}
	return Sell
}

type OrderRequest struct {
	PositionID string
	// ClientOrderID is the idempotency key the venue dedupes on. Resending
	// the same intent must reuse it.
	ClientOrderID string
	Symbol        string
	Direction     alert.Direction
	Side          Side
	Quantity      int
	Type          OrderType
	Kind          FillKind
	RefPrice      float64 // alert entry for entries, triggering level for exits
}

// ClientOrderID names the one order a position sends for kind. A position
// enters once and exits at most once per kind.
func ClientOrderID(positionID string, kind FillKind) string {
	return positionID + "-" + string(kind)
}

func (r OrderRequest) Validate() error {
	switch {
	case r.PositionID == "":
		return fmt.Errorf("%w: missing position id", ErrInvalidOrder)
	case r.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrInvalidOrder)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity %d", ErrInvalidOrder, r.Quantity)
	case r.Side != Buy && r.Side != Sell:
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, r.Side)
	case r.RefPrice <= 0:
		return fmt.Errorf("%w: reference price %g", ErrInvalidOrder, r.RefPrice)
	}
	return nil
}

// Fill is a normalized execution report from either path.
type Fill struct {
	PositionID string
	OrderID    string
	Path       Path
	Kind       FillKind
	Quantity   int
	Price      float64
	Time       time.Time
}

// Broker places orders and answers status polls.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error)
	PositionStatus(ctx context.Context, positionID string) ([]Fill, error)
}

// FillStreamer pushes fills as the venue reports them. The channel closes when
// ctx is done or the stream ends.
type FillStreamer interface {
	Fills(ctx context.Context) (<-chan Fill, error)
}
