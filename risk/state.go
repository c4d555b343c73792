package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the session's risk ledger. Only Gate mutates it.
type State struct {
	SessionDate       time.Time
	TradesToday       int
	RealizedToday     decimal.Decimal
	PeakPnL           decimal.Decimal
	ConsecutiveLosses int
	CircuitOpen       bool
	CircuitReason     string
}

// Drawdown is how far realized P&L sits below the session peak.
func (s State) Drawdown() decimal.Decimal {
	return s.PeakPnL.Sub(s.RealizedToday)
}

func newState(session time.Time) State {
	return State{
		SessionDate:   session,
		RealizedToday: decimal.Zero,
		PeakPnL:       decimal.Zero,
	}
}
