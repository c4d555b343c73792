package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Reason string

const (
	ReasonCircuitOpen     Reason = "circuit_open"
	ReasonDailyTradeLimit Reason = "daily_trade_limit"
	ReasonPositionLimit   Reason = "position_limit"
	ReasonDailyLossLimit  Reason = "daily_loss_limit"
	ReasonEnginePaused    Reason = "engine_paused"
)

// Limits are the admission thresholds. Zero ConsecutiveLossThreshold or
// CircuitDrawdown disables that breaker trigger.
type Limits struct {
	MaxDailyTrades           int
	MaxPositionSize          int
	DailyLossLimit           decimal.Decimal
	ConsecutiveLossThreshold int
	CircuitDrawdown          decimal.Decimal
}

func (l Limits) Validate() error {
	if l.MaxDailyTrades < 1 {
		return errors.New("risk: max_daily_trades must be >= 1")
	}
	if l.MaxPositionSize < 1 {
		return errors.New("risk: max_position_size must be >= 1")
	}
	if !l.DailyLossLimit.IsPositive() {
		return errors.New("risk: daily_loss_limit must be positive")
	}
	if l.ConsecutiveLossThreshold < 0 {
		return errors.New("risk: consecutive_loss_circuit_threshold must be >= 0")
	}
	if l.CircuitDrawdown.IsNegative() {
		return errors.New("risk: circuit_drawdown must be >= 0")
	}
	return nil
}

// Candidate is a sized trade asking for admission.
type Candidate struct {
	Symbol       string
	Quantity     int
	OpenQuantity int // quantity already open across live positions
}

type Decision struct {
	Allowed bool
	Reason  Reason
	Msg     string
}

func (d *Decision) reject(r Reason, format string, args ...any) {
	d.Allowed = false
	d.Reason = r
	d.Msg = fmt.Sprintf(format, args...)
}

// Err returns nil for an admission and a *RejectError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RejectError{Reason: d.Reason, Msg: d.Msg}
}

type RejectError struct {
	Reason Reason
	Msg    string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Msg)
}

// Reject builds a Decision for a rejection decided outside the gate.
func Reject(r Reason, msg string) Decision {
	return Decision{Reason: r, Msg: msg}
}

// Evaluate applies the limits in order and stops at the first failure.
func Evaluate(c Candidate, s State, l Limits) Decision {
	d := Decision{Allowed: true}

	if s.CircuitOpen {
		d.reject(ReasonCircuitOpen, "circuit breaker open: %s", s.CircuitReason)
		return d
	}
	if s.TradesToday >= l.MaxDailyTrades {
		d.reject(ReasonDailyTradeLimit, "trades today %d >= max %d", s.TradesToday, l.MaxDailyTrades)
		return d
	}
	if c.OpenQuantity+c.Quantity > l.MaxPositionSize {
		d.reject(ReasonPositionLimit, "open %d + candidate %d > max %d", c.OpenQuantity, c.Quantity, l.MaxPositionSize)
		return d
	}
	if s.RealizedToday.LessThanOrEqual(l.DailyLossLimit.Neg()) {
		d.reject(ReasonDailyLossLimit, "realized today %s <= -%s", s.RealizedToday.StringFixed(2), l.DailyLossLimit.StringFixed(2))
		return d
	}
	return d
}

// Gate serializes every read and write of State.
type Gate struct {
	mu     sync.Mutex
	limits Limits
	state  State
	now    func() time.Time
	log    *zap.Logger
}

type GateOption func(*Gate)

func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func WithLogger(l *zap.Logger) GateOption {
	return func(g *Gate) { g.log = l }
}

func NewGate(l Limits, opts ...GateOption) *Gate {
	g := &Gate{
		limits: l,
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.state = newState(g.now())
	return g
}

// Admit evaluates c and, when allowed, reserves a daily trade slot.
func (g *Gate) Admit(c Candidate) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := Evaluate(c, g.state, g.limits)
	if d.Allowed {
		g.state.TradesToday++
	}
	return d
}

// Release returns a slot reserved by Admit when nothing was executed.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.TradesToday > 0 {
		g.state.TradesToday--
	}
}

// RecordClose books the realized P&L of a terminal position and reports
// whether this close tripped the circuit breaker.
func (g *Gate) RecordClose(pnl decimal.Decimal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := &g.state
	s.RealizedToday = s.RealizedToday.Add(pnl)
	if s.RealizedToday.GreaterThan(s.PeakPnL) {
		s.PeakPnL = s.RealizedToday
	}
	switch {
	case pnl.IsNegative():
		s.ConsecutiveLosses++
	case pnl.IsPositive():
		s.ConsecutiveLosses = 0
	}

	if s.CircuitOpen {
		return false
	}
	if n := g.limits.ConsecutiveLossThreshold; n > 0 && s.ConsecutiveLosses >= n {
		g.trip(fmt.Sprintf("%d consecutive losses", s.ConsecutiveLosses))
		return true
	}
	if dd := g.limits.CircuitDrawdown; dd.IsPositive() && s.Drawdown().GreaterThanOrEqual(dd) {
		g.trip(fmt.Sprintf("drawdown %s from peak %s", s.Drawdown().StringFixed(2), s.PeakPnL.StringFixed(2)))
		return true
	}
	return false
}

func (g *Gate) trip(reason string) {
	g.state.CircuitOpen = true
	g.state.CircuitReason = reason
	g.log.Warn("circuit breaker opened", zap.String("reason", reason))
}

// Reset starts a new session. It is the only way to close the breaker.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = newState(g.now())
	g.log.Info("risk state reset", zap.Time("session", g.state.SessionDate))
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Limits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}
