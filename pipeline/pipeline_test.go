package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atfleming/tradestream/alert"
	"github.com/atfleming/tradestream/broker"
	"github.com/atfleming/tradestream/broker/paper"
	"github.com/atfleming/tradestream/feed"
	"github.com/atfleming/tradestream/journal"
	"github.com/atfleming/tradestream/market"
	"github.com/atfleming/tradestream/metrics"
	"github.com/atfleming/tradestream/position"
	"github.com/atfleming/tradestream/risk"
	"github.com/atfleming/tradestream/router"
)

var t0 = time.Date(2025, 9, 2, 14, 30, 0, 0, time.UTC)

type fakeLive struct {
	mu  sync.Mutex
	err error
	n   int
}

func (f *fakeLive) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	if f.err != nil {
		return broker.Fill{}, f.err
	}
	return broker.Fill{
		PositionID: req.PositionID,
		OrderID:    fmt.Sprintf("live-%d", f.n),
		Path:       broker.Live,
		Kind:       req.Kind,
		Quantity:   req.Quantity,
		Price:      req.RefPrice,
		Time:       t0,
	}, nil
}

func (f *fakeLive) PositionStatus(context.Context, string) ([]broker.Fill, error) { return nil, nil }

func (f *fakeLive) orders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type harness struct {
	p      *Pipeline
	j      *journal.SQLite
	gate   *risk.Gate
	engine *position.Engine
	router *router.Router
	hub    *market.Hub
}

type setup struct {
	mode        router.Mode
	limits      risk.Limits
	liveErr     error
	retryBudget int
	// paper replaces the simulator.
	paper broker.Broker
}

func defaultLimits() risk.Limits {
	return risk.Limits{
		MaxDailyTrades:  5,
		MaxPositionSize: 10,
		DailyLossLimit:  decimal.NewFromInt(1000),
	}
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	if s.mode == "" {
		s.mode = router.ModePaper
	}
	if s.limits.MaxDailyTrades == 0 {
		s.limits = defaultLimits()
	}

	j, err := journal.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)

	parser, err := alert.NewParser(alert.DefaultParserConfig())
	require.NoError(t, err)
	sizer, err := risk.NewSizer(risk.SizeMapping{BaseUnit: 1})
	require.NoError(t, err)
	gate := risk.NewGate(s.limits, risk.WithClock(func() time.Time { return t0 }))

	var paperBroker broker.Broker = s.paper
	if paperBroker == nil {
		sim, err := paper.NewSimulator(paper.Config{TickSize: 0.25, SlippageTicks: 1})
		require.NoError(t, err)
		paperBroker = sim
	}
	r, err := router.New(router.Config{Mode: s.mode, RetryBudget: s.retryBudget}, paperBroker, &fakeLive{err: s.liveErr})
	require.NoError(t, err)

	hub := market.NewHub(16)
	m := metrics.New("test")
	engine, err := position.NewEngine(position.Config{
		UnitValue:         decimal.NewFromInt(50),
		CommissionPerUnit: decimal.RequireFromString("2.50"),
		ExitTimeout:       time.Second,
		ShutdownTimeout:   time.Second,
	}, hub, r, j, position.WithLedger(gate), position.WithMetrics(m))
	require.NoError(t, err)

	p, err := New(parser, sizer, gate, r, engine, j, WithMetrics(m), WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = engine.Shutdown(context.Background())
		p.Close()
		_ = j.Close()
	})
	return &harness{p: p, j: j, gate: gate, engine: engine, router: r, hub: hub}
}

func msg(id, text string) feed.Message {
	return feed.Message{ID: id, Text: text, Time: t0}
}

func (h *harness) eventKinds(t *testing.T) []string {
	t.Helper()
	evs, err := h.j.ListEvents(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	var kinds []string
	for _, e := range evs {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestHandleExecutes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{})
	ctx := context.Background()

	out, err := h.p.Handle(ctx, msg("m-1", "🚨 ES long 6326: B\nStop: 6316\n@everyone"))
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, out.Status)
	assert.Equal(t, 2, out.Quantity)
	require.Len(t, out.Positions, 1)
	require.NotNil(t, out.Alert)
	assert.Equal(t, 6333.0, out.Alert.Target1)

	assert.Equal(t, 1, h.gate.State().TradesToday)
	assert.Equal(t, 2, h.engine.OpenQuantity())

	rec, err := h.j.GetAlert(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, journal.AlertExecuted, rec.Status)
	assert.Equal(t, "ES", rec.Symbol)

	pos, err := h.j.GetPosition(ctx, out.Positions[0])
	require.NoError(t, err)
	assert.Equal(t, "OPEN", pos.State)
	assert.Equal(t, 6326.25, pos.EntryPrice)
}

func TestHandleDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{})
	ctx := context.Background()
	text := "ES long 6326: C\nStop: 6316"

	_, err := h.p.Handle(ctx, msg("m-1", text))
	require.NoError(t, err)

	out, err := h.p.Handle(ctx, msg("m-1", text))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, out.Status)
	assert.Len(t, h.engine.Positions(), 1)
	assert.Equal(t, 1, h.gate.State().TradesToday)
	assert.Contains(t, h.eventKinds(t), journal.KindDuplicate)
}

func TestHandleDuplicateAcrossRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "restart.db")
	j, err := journal.NewSQLite(path)
	require.NoError(t, err)
	ok, err := j.ClaimAlert(context.Background(), journal.AlertRecord{MessageID: "m-old", ReceivedAt: t0})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, j.Close())

	j, err = journal.NewSQLite(path)
	require.NoError(t, err)
	defer j.Close()

	parser, err := alert.NewParser(alert.DefaultParserConfig())
	require.NoError(t, err)
	sizer, err := risk.NewSizer(risk.SizeMapping{BaseUnit: 1})
	require.NoError(t, err)
	sim, err := paper.NewSimulator(paper.Config{TickSize: 0.25})
	require.NoError(t, err)
	r, err := router.New(router.Config{Mode: router.ModePaper}, sim, nil)
	require.NoError(t, err)
	engine, err := position.NewEngine(position.Config{}, nil, r, j)
	require.NoError(t, err)
	p, err := New(parser, sizer, risk.NewGate(defaultLimits()), r, engine, j)
	require.NoError(t, err)
	defer p.Close()

	out, err := p.Handle(context.Background(), msg("m-old", "ES long 6326: A\nStop: 6316"))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, out.Status)
	assert.Empty(t, engine.Positions())
}

func TestHandleRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		kind   string
		reason string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "missing stop",
			text:   "ES long 6326: A",
			kind:   journal.KindParseError,
			reason: string(alert.MissingField),
			check: func(t *testing.T, err error) {
				var pe *alert.ParseError
				assert.True(t, errors.As(err, &pe))
			},
		},
		{
			name:   "stop on wrong side",
			text:   "ES long 6326: A\nStop: 6330",
			kind:   journal.KindParseError,
			reason: string(alert.OutOfRange),
		},
		{
			name:   "unknown size class",
			text:   "ES long 6326: D\nStop: 6316",
			kind:   journal.KindSizeError,
			reason: "D",
			check: func(t *testing.T, err error) {
				assert.True(t, errors.Is(err, risk.ErrUnknownSizeClass))
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, setup{})
			ctx := context.Background()

			out, err := h.p.Handle(ctx, msg("m-x", tt.text))
			require.Error(t, err)
			assert.Equal(t, StatusRejected, out.Status)
			assert.Equal(t, tt.reason, out.Reason)
			if tt.check != nil {
				tt.check(t, err)
			}
			assert.Contains(t, h.eventKinds(t), tt.kind)
			assert.Zero(t, h.gate.State().TradesToday)
			assert.Empty(t, h.engine.Positions())

			rec, err := h.j.GetAlert(ctx, "m-x")
			require.NoError(t, err)
			assert.Equal(t, journal.AlertRejected, rec.Status)
		})
	}
}

func TestHandleDailyTradeLimit(t *testing.T) {
	t.Parallel()

	limits := defaultLimits()
	limits.MaxDailyTrades = 1
	h := newHarness(t, setup{limits: limits})
	ctx := context.Background()

	_, err := h.p.Handle(ctx, msg("m-1", "ES long 6326: C\nStop: 6316"))
	require.NoError(t, err)

	out, err := h.p.Handle(ctx, msg("m-2", "ES short 6330: C\nStop: 6340"))
	require.Error(t, err)
	var re *risk.RejectError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, risk.ReasonDailyTradeLimit, re.Reason)
	assert.Equal(t, string(risk.ReasonDailyTradeLimit), out.Reason)
	assert.Len(t, h.engine.Positions(), 1)
}

func TestHandlePositionLimit(t *testing.T) {
	t.Parallel()

	limits := defaultLimits()
	limits.MaxPositionSize = 3
	h := newHarness(t, setup{limits: limits})
	ctx := context.Background()

	_, err := h.p.Handle(ctx, msg("m-1", "ES long 6326: A\nStop: 6316"))
	require.NoError(t, err)

	out, err := h.p.Handle(ctx, msg("m-2", "ES long 6326: C\nStop: 6316"))
	require.Error(t, err)
	assert.Equal(t, string(risk.ReasonPositionLimit), out.Reason)
}

func TestHandleLiveFailureReleasesReservation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{mode: router.ModeLive, liveErr: broker.ErrUnavailable})
	ctx := context.Background()

	out, err := h.p.Handle(ctx, msg("m-1", "ES long 6326: B\nStop: 6316"))
	require.Error(t, err)
	var ee *router.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, broker.Live, ee.Path)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "live_failed", out.Reason)
	assert.Zero(t, h.gate.State().TradesToday)
	assert.Empty(t, h.engine.Positions())
	assert.Contains(t, h.eventKinds(t), journal.KindExecutionError)

	rec, err := h.j.GetAlert(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, journal.AlertFailed, rec.Status)
}

func TestHandleEnginePaused(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{mode: router.ModeLive, liveErr: broker.ErrUnavailable, retryBudget: 1})
	ctx := context.Background()

	_, err := h.p.Handle(ctx, msg("m-1", "ES long 6326: B\nStop: 6316"))
	require.Error(t, err)
	require.True(t, h.router.Halted())

	out, err := h.p.Handle(ctx, msg("m-2", "ES long 6326: B\nStop: 6316"))
	require.Error(t, err)
	assert.Equal(t, string(risk.ReasonEnginePaused), out.Reason)
	assert.Contains(t, h.eventKinds(t), journal.KindEnginePaused)
}

func TestHandlePaperFailureStopsIntake(t *testing.T) {
	t.Parallel()

	broken := &fakeLive{err: errors.New("tick size not configured")}
	h := newHarness(t, setup{paper: broken})
	ctx := context.Background()

	out, err := h.p.Handle(ctx, msg("m-1", "ES long 6326: B\nStop: 6316"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, router.ErrPaperFatal))
	assert.Equal(t, "paper_fatal", out.Reason)
	assert.True(t, h.router.Halted())

	for _, id := range []string{"m-2", "m-3"} {
		out, err = h.p.Handle(ctx, msg(id, "ES long 6326: B\nStop: 6316"))
		require.Error(t, err)
		assert.Equal(t, StatusRejected, out.Status)
		assert.Equal(t, string(risk.ReasonEnginePaused), out.Reason)
	}
	assert.Equal(t, 1, broken.orders())
	assert.Zero(t, h.gate.State().TradesToday)

	// Resume does not reopen a broken simulator.
	h.router.Resume()
	_, err = h.p.Handle(ctx, msg("m-4", "ES long 6326: B\nStop: 6316"))
	require.Error(t, err)
	assert.Equal(t, 1, broken.orders())
}

func TestHandleConcurrentPartialFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{mode: router.ModeConcurrent, liveErr: broker.ErrOrderRejected})
	ctx := context.Background()

	out, err := h.p.Handle(ctx, msg("m-1", "ES long 6326: B\nStop: 6316"))
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, out.Status)
	assert.Equal(t, "live_failed", out.Reason)
	require.Len(t, out.Positions, 1)
	assert.Equal(t, 1, h.gate.State().TradesToday)
	assert.Contains(t, h.eventKinds(t), journal.KindExecutionError)
}

func TestHandleConcurrentSharesAdmission(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{mode: router.ModeConcurrent})
	out, err := h.p.Handle(context.Background(), msg("m-1", "ES long 6326: B\nStop: 6316"))
	require.NoError(t, err)
	require.Len(t, out.Positions, 2)
	assert.Equal(t, 1, h.gate.State().TradesToday)
	assert.Equal(t, 2, h.engine.OpenQuantity())
}

func TestEndToEndTargets(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{})
	ctx := context.Background()

	out, err := h.p.Handle(ctx, msg("m-1", "ES long 6326: B\nStop: 6316"))
	require.NoError(t, err)
	id := out.Positions[0]
	require.Eventually(t, func() bool { return h.hub.Subscribers("ES") == 1 }, time.Second, 5*time.Millisecond)

	for _, px := range []float64{6326, 6333, 6338} {
		h.hub.Publish(market.Tick{Symbol: "ES", Price: px, Time: t0})
	}
	require.Eventually(t, func() bool {
		p, err := h.engine.Get(id)
		return err == nil && p.State == position.Closed
	}, 2*time.Second, 5*time.Millisecond)

	// (6333-6326.25)*50 + (6338-6326.25)*50 - 2*2.50
	want := decimal.RequireFromString("920")
	p, err := h.engine.Get(id)
	require.NoError(t, err)
	assert.True(t, p.RealizedPnL.Equal(want), p.RealizedPnL.String())
	assert.True(t, h.gate.State().RealizedToday.Equal(want))

	rec, err := h.j.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", rec.State)
	assert.True(t, rec.RealizedPnL.Equal(want))

	exits, err := h.j.ListExits(ctx, id)
	require.NoError(t, err)
	require.Len(t, exits, 2)
	assert.Equal(t, 1, exits[0].Quantity)
	assert.Equal(t, 1, exits[1].Quantity)
}

func TestHandleMissingID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{})
	out, err := h.p.Handle(context.Background(), feed.Message{Text: "ES long 6326: A\nStop: 6316"})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, out.Status)
}

type sliceSource []feed.Message

func (s sliceSource) Run(_ context.Context, handle func(feed.Message)) error {
	for _, m := range s {
		handle(m)
	}
	return nil
}

func TestRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, setup{})
	src := sliceSource{
		msg("m-1", "ES long 6326: C\nStop: 6316"),
		msg("m-2", "not an alert"),
		msg("m-1", "ES long 6326: C\nStop: 6316"),
	}
	require.NoError(t, h.p.Run(context.Background(), src))
	assert.Len(t, h.engine.Positions(), 1)
}
