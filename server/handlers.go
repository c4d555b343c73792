package server

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/atfleming/tradestream/journal"
	"github.com/atfleming/tradestream/position"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type fillView struct {
	OrderID  string    `json:"order_id"`
	Kind     string    `json:"kind"`
	Quantity int       `json:"quantity"`
	Price    float64   `json:"price"`
	Time     time.Time `json:"time"`
}

type positionView struct {
	ID                string          `json:"id"`
	MessageID         string          `json:"message_id,omitempty"`
	Path              string          `json:"path"`
	Symbol            string          `json:"symbol"`
	Direction         string          `json:"direction"`
	State             string          `json:"state"`
	QuantityTotal     int             `json:"quantity_total"`
	QuantityRemaining int             `json:"quantity_remaining"`
	EntryFillPrice    float64         `json:"entry_fill_price"`
	CurrentStop       float64         `json:"current_stop"`
	Target1           float64         `json:"target1"`
	Target2           float64         `json:"target2"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	Commission        decimal.Decimal `json:"commission"`
	LastPrice         float64         `json:"last_price,omitempty"`
	LastPriceAt       *time.Time      `json:"last_price_at,omitempty"`
	OpenedAt          time.Time       `json:"opened_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	Exits             []fillView      `json:"exits"`
}

func viewPosition(p position.Position) positionView {
	v := positionView{
		ID:                p.ID,
		Path:              string(p.Path),
		Symbol:            p.Symbol,
		Direction:         p.Direction.String(),
		State:             string(p.State),
		QuantityTotal:     p.QuantityTotal,
		QuantityRemaining: p.QuantityRemaining,
		EntryFillPrice:    p.EntryFillPrice,
		CurrentStop:       p.CurrentStop,
		Target1:           p.Target1,
		Target2:           p.Target2,
		RealizedPnL:       p.RealizedPnL,
		UnrealizedPnL:     decimal.Zero,
		Commission:        p.Commission,
		LastPrice:         p.LastPrice,
		OpenedAt:          p.OpenedAt,
		Exits:             make([]fillView, 0, len(p.Exits)),
	}
	if p.Alert != nil {
		v.MessageID = p.Alert.MessageID
	}
	if !p.LastPriceAt.IsZero() {
		t := p.LastPriceAt
		v.LastPriceAt = &t
		if !p.State.Terminal() && p.QuantityRemaining > 0 {
			v.UnrealizedPnL = p.UnrealizedPnL(p.LastPrice)
		}
	}
	if !p.ClosedAt.IsZero() {
		t := p.ClosedAt
		v.ClosedAt = &t
	}
	for _, f := range p.Exits {
		v.Exits = append(v.Exits, fillView{
			OrderID:  f.OrderID,
			Kind:     string(f.Kind),
			Quantity: f.Quantity,
			Price:    f.Price,
			Time:     f.Time,
		})
	}
	return v
}

// listPositions supports ?state=OPEN (exact) and ?open=true (any
// non-terminal state).
func (s *Server) listPositions(c *gin.Context) {
	if s.deps.Positions == nil {
		fail(c, http.StatusServiceUnavailable, "position engine not running")
		return
	}
	state := strings.ToUpper(c.Query("state"))
	openOnly := c.Query("open") == "true"

	all := s.deps.Positions.Positions()
	sort.Slice(all, func(i, j int) bool { return all[i].OpenedAt.Before(all[j].OpenedAt) })

	out := make([]positionView, 0, len(all))
	for _, p := range all {
		if state != "" && string(p.State) != state {
			continue
		}
		if openOnly && p.State.Terminal() {
			continue
		}
		out = append(out, viewPosition(p))
	}
	ok(c, out)
}

func (s *Server) getPosition(c *gin.Context) {
	if s.deps.Positions == nil {
		fail(c, http.StatusServiceUnavailable, "position engine not running")
		return
	}
	p, err := s.deps.Positions.Get(c.Param("id"))
	if errors.Is(err, position.ErrUnknownPosition) {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, viewPosition(p))
}

type riskView struct {
	SessionDate       time.Time       `json:"session_date"`
	TradesToday       int             `json:"trades_today"`
	RealizedToday     decimal.Decimal `json:"realized_today"`
	PeakPnL           decimal.Decimal `json:"peak_pnl"`
	Drawdown          decimal.Decimal `json:"drawdown"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	CircuitOpen       bool            `json:"circuit_open"`
	CircuitReason     string          `json:"circuit_reason,omitempty"`
	Limits            limitsView      `json:"limits"`
}

type limitsView struct {
	MaxDailyTrades           int             `json:"max_daily_trades"`
	MaxPositionSize          int             `json:"max_position_size"`
	DailyLossLimit           decimal.Decimal `json:"daily_loss_limit"`
	ConsecutiveLossThreshold int             `json:"consecutive_loss_circuit_threshold"`
	CircuitDrawdown          decimal.Decimal `json:"circuit_drawdown"`
}

func (s *Server) riskState(c *gin.Context) {
	if s.deps.Risk == nil {
		fail(c, http.StatusServiceUnavailable, "risk gate not running")
		return
	}
	st := s.deps.Risk.State()
	l := s.deps.Risk.Limits()
	ok(c, riskView{
		SessionDate:       st.SessionDate,
		TradesToday:       st.TradesToday,
		RealizedToday:     st.RealizedToday,
		PeakPnL:           st.PeakPnL,
		Drawdown:          st.Drawdown(),
		ConsecutiveLosses: st.ConsecutiveLosses,
		CircuitOpen:       st.CircuitOpen,
		CircuitReason:     st.CircuitReason,
		Limits: limitsView{
			MaxDailyTrades:           l.MaxDailyTrades,
			MaxPositionSize:          l.MaxPositionSize,
			DailyLossLimit:           l.DailyLossLimit,
			ConsecutiveLossThreshold: l.ConsecutiveLossThreshold,
			CircuitDrawdown:          l.CircuitDrawdown,
		},
	})
}

func (s *Server) resetRisk(c *gin.Context) {
	if s.deps.Sessions == nil {
		fail(c, http.StatusServiceUnavailable, "session scheduler not running")
		return
	}
	s.deps.Sessions.ResetSession(c.Request.Context(), "http")
	s.riskState(c)
}

type routerView struct {
	Mode     string `json:"mode"`
	Halted   bool   `json:"halted"`
	Failures int    `json:"failures"`
	Fatal    string `json:"fatal,omitempty"`
}

func (s *Server) routerStatus(c *gin.Context) {
	if s.deps.Router == nil {
		fail(c, http.StatusServiceUnavailable, "router not running")
		return
	}
	r := s.deps.Router
	v := routerView{Mode: string(r.Mode()), Halted: r.Halted(), Failures: r.Failures()}
	if err := r.Fatal(); err != nil {
		v.Fatal = err.Error()
	}
	ok(c, v)
}

func (s *Server) resumeRouter(c *gin.Context) {
	if s.deps.Router == nil {
		fail(c, http.StatusServiceUnavailable, "router not running")
		return
	}
	s.deps.Router.Resume()
	s.routerStatus(c)
}

type summaryView struct {
	From                 time.Time       `json:"from"`
	To                   time.Time       `json:"to"`
	Trades               int             `json:"trades"`
	Wins                 int             `json:"wins"`
	Losses               int             `json:"losses"`
	Breakeven            int             `json:"breakeven"`
	WinRate              float64         `json:"win_rate"`
	GrossProfit          decimal.Decimal `json:"gross_profit"`
	GrossLoss            decimal.Decimal `json:"gross_loss"`
	ProfitFactor         float64         `json:"profit_factor"`
	NetPnL               decimal.Decimal `json:"net_pnl"`
	Commission           decimal.Decimal `json:"commission"`
	LargestWin           decimal.Decimal `json:"largest_win"`
	LargestLoss          decimal.Decimal `json:"largest_loss"`
	MaxConsecutiveLosses int             `json:"max_consecutive_losses"`
}

// summary reports closed positions in [from, to). Both bounds take RFC3339
// or a plain date; the default window is the last 24 hours.
func (s *Server) summary(c *gin.Context) {
	if s.deps.Journal == nil {
		fail(c, http.StatusServiceUnavailable, "journal not open")
		return
	}
	now := s.now()
	from, err := parseTime(c.Query("from"), now.Add(-24*time.Hour))
	if err != nil {
		fail(c, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseTime(c.Query("to"), now)
	if err != nil {
		fail(c, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	if !to.After(from) {
		fail(c, http.StatusBadRequest, "to must be after from")
		return
	}

	sum, err := s.deps.Journal.Summary(c.Request.Context(), from, to)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, summaryView{
		From:                 from,
		To:                   to,
		Trades:               sum.Trades,
		Wins:                 sum.Wins,
		Losses:               sum.Losses,
		Breakeven:            sum.Breakeven,
		WinRate:              sum.WinRate,
		GrossProfit:          sum.GrossProfit,
		GrossLoss:            sum.GrossLoss,
		ProfitFactor:         sum.ProfitFactor,
		NetPnL:               sum.NetPnL,
		Commission:           sum.Commission,
		LargestWin:           sum.LargestWin,
		LargestLoss:          sum.LargestLoss,
		MaxConsecutiveLosses: sum.MaxConsecutiveLosses,
	})
}

type eventView struct {
	ID         int64     `json:"id"`
	Time       time.Time `json:"time"`
	Level      string    `json:"level"`
	Kind       string    `json:"kind"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	PositionID string    `json:"position_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
}

func (s *Server) events(c *gin.Context) {
	if s.deps.Journal == nil {
		fail(c, http.StatusServiceUnavailable, "journal not open")
		return
	}
	since, err := parseTime(c.Query("since"), time.Time{})
	if err != nil {
		fail(c, http.StatusBadRequest, "since: "+err.Error())
		return
	}
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			fail(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit > maxEventLimit {
			limit = maxEventLimit
		}
	}

	evs, err := s.deps.Journal.ListEvents(c.Request.Context(), since, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, viewEvents(evs))
}

func viewEvents(evs []journal.Event) []eventView {
	out := make([]eventView, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventView{
			ID:         e.ID,
			Time:       e.Time,
			Level:      string(e.Level),
			Kind:       e.Kind,
			Code:       e.Code,
			Message:    e.Message,
			PositionID: e.PositionID,
			MessageID:  e.MessageID,
		})
	}
	return out
}

func parseTime(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", raw)
	}
	return t, nil
}
