package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atfleming/tradestream/broker"
	"github.com/atfleming/tradestream/journal"
	"github.com/atfleming/tradestream/market"
	"github.com/atfleming/tradestream/metrics"
)

type fakeExiter struct {
	mu    sync.Mutex
	reqs  []broker.OrderRequest
	err   error
	block bool
	n     int

	// lose executes the order at the venue but drops the reply.
	lose      bool
	venue     []broker.Fill
	statusErr error
	statusN   int
}

func (f *fakeExiter) Exit(ctx context.Context, path broker.Path, req broker.OrderRequest) (broker.Fill, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.n++
	n, err, block, lose := f.n, f.err, f.block, f.lose
	fill := broker.Fill{
		PositionID: req.PositionID,
		OrderID:    fmt.Sprintf("x-%d", n),
		Path:       path,
		Kind:       req.Kind,
		Quantity:   req.Quantity,
		Price:      req.RefPrice,
		Time:       t0,
	}
	if err == nil && !block {
		f.venue = append(f.venue, fill)
	}
	f.mu.Unlock()

	switch {
	case block:
		<-ctx.Done()
		return broker.Fill{}, ctx.Err()
	case err != nil:
		return broker.Fill{}, err
	case lose:
		return broker.Fill{}, fmt.Errorf("%w: %w", broker.ErrUnavailable, context.DeadlineExceeded)
	}
	return fill, nil
}

func (f *fakeExiter) Status(_ context.Context, _ broker.Path, positionID string) ([]broker.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusN++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	var out []broker.Fill
	for _, v := range f.venue {
		if v.PositionID == positionID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeExiter) set(fn func(*fakeExiter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeExiter) statusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusN
}

func (f *fakeExiter) requests() []broker.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.OrderRequest(nil), f.reqs...)
}

type memRecorder struct {
	mu     sync.Mutex
	opens  []journal.PositionRecord
	exits  []journal.ExitRecord
	closes []journal.PositionRecord
	events []journal.Event
}

func (m *memRecorder) RecordOpen(_ context.Context, p journal.PositionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens = append(m.opens, p)
	return nil
}

func (m *memRecorder) RecordExit(_ context.Context, x journal.ExitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits = append(m.exits, x)
	return nil
}

func (m *memRecorder) RecordClose(_ context.Context, p journal.PositionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, p)
	return nil
}

func (m *memRecorder) RecordEvent(_ context.Context, e journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memRecorder) Close() error { return nil }

func (m *memRecorder) eventKinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Kind)
	}
	return out
}

func (m *memRecorder) eventCodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Code)
	}
	return out
}

func (m *memRecorder) closed() []journal.PositionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]journal.PositionRecord(nil), m.closes...)
}

type fakeLedger struct {
	mu   sync.Mutex
	pnls []decimal.Decimal
	trip bool
}

func (l *fakeLedger) RecordClose(pnl decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pnls = append(l.pnls, pnl)
	return l.trip
}

func entryFill(id string, path broker.Path, qty int, price float64) broker.Fill {
	return broker.Fill{
		PositionID: id,
		OrderID:    id + "-entry",
		Path:       path,
		Kind:       broker.KindEntry,
		Quantity:   qty,
		Price:      price,
		Time:       t0,
	}
}

func testConfig() Config {
	return Config{
		UnitValue:         decimal.NewFromInt(50),
		CommissionPerUnit: decimal.RequireFromString("2.50"),
		Remainder:         RemainderToTarget2,
		ExitTimeout:       time.Second,
		ShutdownTimeout:   time.Second,
	}
}

func newTestEngine(t *testing.T, feed PriceFeed, ex Exiter, cfg Config) (*Engine, *memRecorder, *fakeLedger) {
	t.Helper()
	rec := &memRecorder{}
	led := &fakeLedger{}
	e, err := NewEngine(cfg, feed, ex, rec,
		WithLedger(led),
		WithMetrics(metrics.New("test")),
		WithClock(func() time.Time { return t0 }),
	)
	require.NoError(t, err)
	return e, rec, led
}

func slotFor(t *testing.T, e *Engine, id string) *slot {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[id]
	require.True(t, ok)
	return s
}

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(testConfig(), nil, nil, &memRecorder{})
	assert.Error(t, err)
	_, err = NewEngine(testConfig(), nil, &fakeExiter{}, nil)
	assert.Error(t, err)
}

func TestEngineTargetsThroughExiter(t *testing.T) {
	t.Parallel()

	ex := &fakeExiter{}
	e, rec, led := newTestEngine(t, nil, ex, testConfig())

	snap, err := e.Open(longES(), 3, entryFill("pos-a", broker.Paper, 3, 6326))
	require.NoError(t, err)
	assert.Equal(t, Open, snap.State)
	require.Len(t, rec.opens, 1)

	s := slotFor(t, e, "pos-a")
	assert.False(t, e.onTick(s, tick(6330)))
	assert.False(t, e.onTick(s, tick(6333)))
	assert.True(t, e.onTick(s, tick(6338)))

	reqs := ex.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, broker.KindTarget1, reqs[0].Kind)
	assert.Equal(t, 1, reqs[0].Quantity)
	assert.Equal(t, broker.Sell, reqs[0].Side)
	assert.Equal(t, broker.Market, reqs[0].Type)
	assert.Equal(t, broker.KindTarget2, reqs[1].Kind)
	assert.Equal(t, 2, reqs[1].Quantity)

	p, err := e.Get("pos-a")
	require.NoError(t, err)
	assert.Equal(t, Closed, p.State)
	// 1550 less 3 units of paper commission
	assert.True(t, p.RealizedPnL.Equal(decimal.RequireFromString("1542.5")), p.RealizedPnL.String())

	require.Len(t, rec.exits, 2)
	assert.Equal(t, "PARTIALLY_CLOSED", rec.exits[0].State)
	assert.Equal(t, 6326.0, rec.exits[0].Stop)
	require.Len(t, rec.closed(), 1)
	require.Len(t, led.pnls, 1)
	assert.True(t, led.pnls[0].Equal(p.RealizedPnL))

	assert.Equal(t, 0, e.OpenQuantity())
}

func TestEngineLiveSkipsCommission(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t, nil, &fakeExiter{}, testConfig())
	_, err := e.Open(longES(), 2, entryFill("pos-l", broker.Live, 2, 6326))
	require.NoError(t, err)

	s := slotFor(t, e, "pos-l")
	require.True(t, e.onTick(s, tick(6310)))

	p, err := e.Get("pos-l")
	require.NoError(t, err)
	assert.Equal(t, Stopped, p.State)
	assert.True(t, p.Commission.IsZero())
	assert.True(t, p.RealizedPnL.Equal(decimal.NewFromInt(-1000)))
}

func TestEngineZeroQuantityTarget1(t *testing.T) {
	t.Parallel()

	ex := &fakeExiter{}
	e, rec, _ := newTestEngine(t, nil, ex, testConfig())
	_, err := e.Open(longES(), 1, entryFill("pos-1u", broker.Paper, 1, 6326))
	require.NoError(t, err)

	s := slotFor(t, e, "pos-1u")
	assert.False(t, e.onTick(s, tick(6333)))
	assert.Empty(t, ex.requests())

	p, err := e.Get("pos-1u")
	require.NoError(t, err)
	assert.Equal(t, PartiallyClosed, p.State)
	assert.Equal(t, 6326.0, p.CurrentStop)
	require.Len(t, rec.exits, 1)
	assert.Equal(t, 0, rec.exits[0].Quantity)

	assert.True(t, e.onTick(s, tick(6325)))
	require.Len(t, ex.requests(), 1)
	assert.Equal(t, broker.Stop, ex.requests()[0].Type)
}

func TestEngineExitError(t *testing.T) {
	t.Parallel()

	ex := &fakeExiter{err: broker.ErrUnavailable}
	e, rec, _ := newTestEngine(t, nil, ex, testConfig())
	_, err := e.Open(longES(), 2, entryFill("pos-e", broker.Paper, 2, 6326))
	require.NoError(t, err)

	s := slotFor(t, e, "pos-e")
	assert.False(t, e.onTick(s, tick(6333)))
	assert.Contains(t, rec.eventKinds(), journal.KindExitError)

	p, _ := e.Get("pos-e")
	assert.Equal(t, Open, p.State)

	// The next qualifying tick tries again.
	ex.mu.Lock()
	ex.err = nil
	ex.mu.Unlock()
	assert.False(t, e.onTick(s, tick(6334)))
	p, _ = e.Get("pos-e")
	assert.Equal(t, PartiallyClosed, p.State)
}

func TestEngineLostExitReplySettlesFromVenue(t *testing.T) {
	t.Parallel()

	ex := &fakeExiter{lose: true}
	e, rec, _ := newTestEngine(t, nil, ex, testConfig())
	_, err := e.Open(longES(), 2, entryFill("pos-lost", broker.Live, 2, 6326))
	require.NoError(t, err)

	s := slotFor(t, e, "pos-lost")
	assert.False(t, e.onTick(s, tick(6315)))
	p, _ := e.Get("pos-lost")
	assert.Equal(t, Open, p.State)

	ex.set(func(f *fakeExiter) { f.lose = false })
	assert.True(t, e.onTick(s, tick(6314)))

	require.Len(t, ex.requests(), 1, "the stop already filled at the venue")
	assert.Equal(t, 1, ex.statusCalls())
	p, err = e.Get("pos-lost")
	require.NoError(t, err)
	assert.Equal(t, Stopped, p.State)
	assert.Equal(t, 2, p.ExitedQuantity())
	assert.Len(t, rec.closed(), 1)
}

func TestEngineExitRetryReusesClientOrderID(t *testing.T) {
	t.Parallel()

	ex := &fakeExiter{err: broker.ErrUnavailable, statusErr: broker.ErrUnavailable}
	e, rec, _ := newTestEngine(t, nil, ex, testConfig())
	_, err := e.Open(longES(), 2, entryFill("pos-r", broker.Live, 2, 6326))
	require.NoError(t, err)
	s := slotFor(t, e, "pos-r")

	assert.False(t, e.onTick(s, tick(6315)))
	require.Len(t, ex.requests(), 1)

	// Venue status unknown: hold rather than send a second stop.
	assert.False(t, e.onTick(s, tick(6314)))
	assert.Len(t, ex.requests(), 1)
	assert.Contains(t, rec.eventCodes(), "status_unavailable")

	ex.set(func(f *fakeExiter) { f.err, f.statusErr = nil, nil })
	assert.True(t, e.onTick(s, tick(6313)))

	reqs := ex.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "pos-r-stop", reqs[0].ClientOrderID)
	assert.Equal(t, reqs[0].ClientOrderID, reqs[1].ClientOrderID)
	assert.Equal(t, 2, ex.statusCalls())

	p, _ := e.Get("pos-r")
	assert.Equal(t, Stopped, p.State)
}

func TestEngineRejectedExitSkipsStatus(t *testing.T) {
	t.Parallel()

	ex := &fakeExiter{err: broker.ErrOrderRejected}
	e, _, _ := newTestEngine(t, nil, ex, testConfig())
	_, err := e.Open(longES(), 2, entryFill("pos-rej", broker.Live, 2, 6326))
	require.NoError(t, err)
	s := slotFor(t, e, "pos-rej")

	assert.False(t, e.onTick(s, tick(6315)))
	assert.False(t, e.onTick(s, tick(6314)))
	assert.Len(t, ex.requests(), 2)
	assert.Zero(t, ex.statusCalls())
}

func TestEngineApplyFill(t *testing.T) {
	t.Parallel()

	e, rec, _ := newTestEngine(t, nil, &fakeExiter{}, testConfig())
	_, err := e.Open(longES(), 2, entryFill("pos-f", broker.Live, 2, 6326))
	require.NoError(t, err)

	stop := broker.Fill{PositionID: "pos-f", OrderID: "v-9", Path: broker.Live, Kind: broker.KindStop, Quantity: 2, Price: 6316}
	require.NoError(t, e.ApplyFill(stop))
	require.NoError(t, e.ApplyFill(stop))
	assert.Len(t, rec.closed(), 1)

	err = e.ApplyFill(broker.Fill{PositionID: "ghost", Kind: broker.KindStop, Quantity: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownPosition))
	assert.Contains(t, rec.eventKinds(), journal.KindUnknownFill)

	p, err := e.Get("pos-f")
	require.NoError(t, err)
	assert.Equal(t, Stopped, p.State)
}

func TestEngineConsumeFills(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t, nil, &fakeExiter{}, testConfig())
	_, err := e.Open(longES(), 2, entryFill("pos-c", broker.Live, 2, 6326))
	require.NoError(t, err)

	ch := make(chan broker.Fill, 2)
	ch <- broker.Fill{PositionID: "pos-c", OrderID: "v-1", Kind: broker.KindTarget1, Quantity: 1, Price: 6333}
	ch <- broker.Fill{PositionID: "pos-c", OrderID: "v-2", Kind: broker.KindTarget2, Quantity: 1, Price: 6338}
	close(ch)
	e.ConsumeFills(context.Background(), ch)

	p, err := e.Get("pos-c")
	require.NoError(t, err)
	assert.Equal(t, Closed, p.State)
}

func TestEngineCircuitEvent(t *testing.T) {
	t.Parallel()

	e, rec, led := newTestEngine(t, nil, &fakeExiter{}, testConfig())
	led.trip = true
	_, err := e.Open(longES(), 2, entryFill("pos-x", broker.Paper, 2, 6326))
	require.NoError(t, err)

	require.True(t, e.onTick(slotFor(t, e, "pos-x"), tick(6300)))
	assert.Contains(t, rec.eventKinds(), journal.KindCircuitOpen)
}

func TestEngineOpenQuantity(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t, nil, &fakeExiter{}, testConfig())
	shared := longES()
	_, err := e.Open(shared, 3, entryFill("pos-p", broker.Paper, 3, 6326))
	require.NoError(t, err)
	_, err = e.Open(shared, 3, entryFill("pos-q", broker.Live, 3, 6326.25))
	require.NoError(t, err)
	_, err = e.Open(shortES(), 1, entryFill("pos-r", broker.Paper, 1, 6326))
	require.NoError(t, err)

	// The paper and live positions mirror one alert.
	assert.Equal(t, 4, e.OpenQuantity())
	assert.Len(t, e.Positions(), 3)

	_, err = e.Open(shared, 3, entryFill("pos-p", broker.Paper, 3, 6326))
	assert.Error(t, err)
}

func TestEngineArchivesClosed(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RetainClosed = 2
	e, rec, _ := newTestEngine(t, nil, &fakeExiter{}, cfg)

	for _, id := range []string{"pos-1", "pos-2", "pos-3"} {
		_, err := e.Open(longES(), 2, entryFill(id, broker.Paper, 2, 6326))
		require.NoError(t, err)
		require.True(t, e.onTick(slotFor(t, e, id), tick(6310)))
	}
	_, err := e.Open(longES(), 1, entryFill("pos-4", broker.Paper, 1, 6326))
	require.NoError(t, err)

	e.mu.Lock()
	assert.Len(t, e.slots, 1)
	assert.Len(t, e.archive, 2)
	e.mu.Unlock()

	_, err = e.Get("pos-1")
	assert.True(t, errors.Is(err, ErrUnknownPosition))
	p, err := e.Get("pos-3")
	require.NoError(t, err)
	assert.Equal(t, Stopped, p.State)
	assert.Len(t, e.Positions(), 3)
	assert.Equal(t, 1, e.OpenQuantity())
	assert.Len(t, rec.closed(), 3)

	// A late copy of an archived fill is still recognised.
	require.NoError(t, e.ApplyFill(broker.Fill{PositionID: "pos-3", OrderID: "x-3", Kind: broker.KindStop, Quantity: 2, Price: 6316}))
	_, err = e.Open(longES(), 2, entryFill("pos-3", broker.Paper, 2, 6326))
	assert.Error(t, err)
}

func TestEngineMonitorWithHub(t *testing.T) {
	t.Parallel()

	hub := market.NewHub(16)
	ex := &fakeExiter{}
	e, rec, _ := newTestEngine(t, hub, ex, testConfig())

	_, err := e.Open(longES(), 2, entryFill("pos-h", broker.Paper, 2, 6326))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers("ES") == 1 }, time.Second, 5*time.Millisecond)

	for _, px := range []float64{6326, 6333, 6316} {
		hub.Publish(market.Tick{Symbol: "ES", Price: px, Time: t0})
	}

	require.Eventually(t, func() bool {
		p, _ := e.Get("pos-h")
		return p.State == Stopped
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hub.Subscribers("ES") == 0 }, time.Second, 5*time.Millisecond)

	p, _ := e.Get("pos-h")
	assert.Equal(t, 2, p.ExitedQuantity())
	assert.Len(t, ex.requests(), 2)
	assert.Len(t, rec.closed(), 1)
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngineStaleWarning(t *testing.T) {
	t.Parallel()

	hub := market.NewHub(16)
	cfg := testConfig()
	cfg.StaleAfter = 20 * time.Millisecond
	e, rec, _ := newTestEngine(t, hub, &fakeExiter{}, cfg)

	_, err := e.Open(longES(), 2, entryFill("pos-s", broker.Paper, 2, 6326))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, k := range rec.eventKinds() {
			if k == journal.KindStaleFeed {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// One warning per gap.
	time.Sleep(60 * time.Millisecond)
	n := 0
	for _, k := range rec.eventKinds() {
		if k == journal.KindStaleFeed {
			n++
		}
	}
	assert.Equal(t, 1, n)
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngineShutdownMarksInflightUnknown(t *testing.T) {
	t.Parallel()

	hub := market.NewHub(16)
	ex := &fakeExiter{block: true}
	cfg := testConfig()
	cfg.ExitTimeout = time.Minute
	cfg.ShutdownTimeout = 50 * time.Millisecond
	e, rec, led := newTestEngine(t, hub, ex, cfg)

	_, err := e.Open(longES(), 2, entryFill("pos-u", broker.Paper, 2, 6326))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers("ES") == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(market.Tick{Symbol: "ES", Price: 6300, Time: t0})
	require.Eventually(t, func() bool { return len(ex.requests()) == 1 }, time.Second, 5*time.Millisecond)

	err = e.Shutdown(context.Background())
	require.Error(t, err)

	p, err := e.Get("pos-u")
	require.NoError(t, err)
	assert.Equal(t, UnknownAtShutdown, p.State)
	assert.Contains(t, rec.eventKinds(), journal.KindUnknownAtShutdown)
	require.Len(t, rec.closed(), 1)
	assert.Equal(t, "UNKNOWN_AT_SHUTDOWN", rec.closed()[0].State)
	assert.Empty(t, led.pnls)

	_, err = e.Open(longES(), 1, entryFill("pos-late", broker.Paper, 1, 6326))
	assert.Error(t, err)
}

func TestEngineShutdownIdle(t *testing.T) {
	t.Parallel()

	hub := market.NewHub(4)
	e, _, _ := newTestEngine(t, hub, &fakeExiter{}, testConfig())
	_, err := e.Open(longES(), 2, entryFill("pos-i", broker.Paper, 2, 6326))
	require.NoError(t, err)

	require.NoError(t, e.Shutdown(context.Background()))
	p, _ := e.Get("pos-i")
	assert.Equal(t, Open, p.State)
}
