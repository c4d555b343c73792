package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atfleming/tradestream/alert"
	"github.com/atfleming/tradestream/broker"
	"github.com/atfleming/tradestream/journal"
	"github.com/atfleming/tradestream/market"
	"github.com/atfleming/tradestream/metrics"
)

// PriceFeed hands each position its own tick subscription.
type PriceFeed interface {
	Subscribe(symbol string) (<-chan market.Tick, func())
}

// Exiter sends exit orders to the venue the position lives on and reports
// what that venue has filled for a position.
type Exiter interface {
	Exit(ctx context.Context, path broker.Path, req broker.OrderRequest) (broker.Fill, error)
	Status(ctx context.Context, path broker.Path, positionID string) ([]broker.Fill, error)
}

// RiskLedger books realized P&L of terminal positions and reports whether
// the close tripped the circuit breaker.
type RiskLedger interface {
	RecordClose(pnl decimal.Decimal) bool
}

type Config struct {
	UnitValue         decimal.Decimal
	CommissionPerUnit decimal.Decimal // paper path only; live commission is the venue's
	Remainder         RemainderPolicy
	StaleAfter        time.Duration // 0 disables stale-feed warnings
	ExitTimeout       time.Duration
	ShutdownTimeout   time.Duration

	// RetainClosed is how many terminal positions stay queryable in memory
	// after their close is recorded. The journal keeps the rest.
	RetainClosed int
}

func (c Config) params(path broker.Path) Params {
	p := Params{UnitValue: c.UnitValue, Remainder: c.Remainder}
	if path == broker.Paper {
		p.CommissionPerUnit = c.CommissionPerUnit
	}
	return p
}

type slot struct {
	mu       sync.Mutex
	pos      *Position
	inflight bool
	stale    bool

	// unsettled is set when an exit failed without a definite rejection, so
	// the venue may have filled it anyway.
	unsettled bool
}

// Engine runs one monitor goroutine per open position. Positions share no
// mutable state; each slot has its own lock.
type Engine struct {
	cfg     Config
	feed    PriceFeed
	exits   Exiter
	rec     journal.Recorder
	ledger  RiskLedger
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	slots    map[string]*slot
	archive  map[string]*slot
	archived []string // oldest first

	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	exitCtx    context.Context
	exitCancel context.CancelFunc
	closing    atomic.Bool
}

type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithLogger(l *zap.Logger) Option       { return func(e *Engine) { e.log = l } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithLedger(l RiskLedger) Option        { return func(e *Engine) { e.ledger = l } }

func NewEngine(cfg Config, feed PriceFeed, exits Exiter, rec journal.Recorder, opts ...Option) (*Engine, error) {
	if exits == nil {
		return nil, errors.New("position engine: nil exiter")
	}
	if rec == nil {
		return nil, errors.New("position engine: nil recorder")
	}
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.RetainClosed <= 0 {
		cfg.RetainClosed = 256
	}
	e := &Engine{
		cfg:     cfg,
		feed:    feed,
		exits:   exits,
		rec:     rec,
		log:     zap.NewNop(),
		now:     time.Now,
		slots:   make(map[string]*slot),
		archive: make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	// Exits outlive monitor cancellation; only the shutdown deadline stops them.
	e.exitCtx, e.exitCancel = context.WithCancel(context.Background())
	return e, nil
}

// Open creates a position from its entry fill, records it, and starts its
// monitor.
func (e *Engine) Open(a *alert.Alert, quantity int, entry broker.Fill) (Position, error) {
	if e.closing.Load() {
		return Position{}, errors.New("position engine: shutting down")
	}
	p, err := New(entry.PositionID, a, entry.Path, quantity, e.cfg.params(entry.Path))
	if err != nil {
		return Position{}, err
	}
	if _, err := p.Apply(entry); err != nil {
		return Position{}, err
	}

	s := &slot{pos: p}
	e.mu.Lock()
	_, open := e.slots[p.ID]
	_, closed := e.archive[p.ID]
	if open || closed {
		e.mu.Unlock()
		return Position{}, fmt.Errorf("position engine: duplicate position %q", p.ID)
	}
	e.slots[p.ID] = s
	e.mu.Unlock()

	e.metrics.PositionOpened(string(p.Path))
	e.metrics.Fill(string(p.Path), string(broker.KindEntry))
	e.record("open", p.ID, e.rec.RecordOpen(context.Background(), p.Record()))
	e.log.Info("position opened",
		zap.String("position_id", p.ID),
		zap.String("path", string(p.Path)),
		zap.String("symbol", p.Symbol),
		zap.Stringer("direction", p.Direction),
		zap.Int("quantity", p.QuantityTotal),
		zap.Float64("entry", p.EntryFillPrice),
		zap.Float64("stop", p.CurrentStop),
	)

	if e.feed != nil {
		ticks, unsubscribe := e.feed.Subscribe(p.Symbol)
		e.wg.Add(1)
		go e.monitor(s, ticks, unsubscribe)
	}
	return p.Snapshot(), nil
}

func (e *Engine) monitor(s *slot, ticks <-chan market.Tick, unsubscribe func()) {
	defer e.wg.Done()
	defer unsubscribe()

	var (
		timer  *time.Timer
		staleC <-chan time.Time
	)
	if e.cfg.StaleAfter > 0 {
		timer = time.NewTimer(e.cfg.StaleAfter)
		defer timer.Stop()
		staleC = timer.C
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(e.cfg.StaleAfter)
				staleC = timer.C
			}
			if done := e.onTick(s, t); done {
				return
			}
		case <-staleC:
			// Warn once per gap; the next tick re-arms the timer.
			staleC = nil
			e.onStale(s)
		}
	}
}

// onTick evaluates one tick against the position and executes at most one
// transition. It reports whether the position is terminal.
func (e *Engine) onTick(s *slot, t market.Tick) bool {
	s.mu.Lock()
	p := s.pos
	if p.State.Terminal() {
		s.mu.Unlock()
		return true
	}
	p.Observe(t)
	s.stale = false
	if s.inflight {
		s.mu.Unlock()
		return false
	}
	in, ok := p.Evaluate(t)
	if !ok {
		s.mu.Unlock()
		return false
	}
	if s.unsettled {
		// No new exit until the venue says what became of the last one. A
		// fill found here is this tick's transition.
		applied := e.settleLocked(s)
		done := p.State.Terminal()
		if applied || s.unsettled || done {
			s.mu.Unlock()
			return done
		}
		if in, ok = p.Evaluate(t); !ok {
			s.mu.Unlock()
			return false
		}
	}

	if in.Quantity == 0 {
		// Nothing to sell at target1; the stop still moves to breakeven.
		e.applyLocked(s, broker.Fill{
			PositionID: p.ID,
			Path:       p.Path,
			Kind:       in.Kind,
			Price:      in.RefPrice,
			Time:       e.now(),
		})
		done := p.State.Terminal()
		s.mu.Unlock()
		return done
	}

	s.inflight = true
	req := p.ExitRequest(in)
	path := p.Path
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(e.exitCtx, e.cfg.ExitTimeout)
	fill, err := e.exits.Exit(ctx, path, req)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = false

	if err != nil {
		if e.closing.Load() {
			e.markUnknownLocked(s, err)
			return true
		}
		s.unsettled = !errors.Is(err, broker.ErrOrderRejected)
		e.log.Error("exit order failed",
			zap.String("position_id", p.ID),
			zap.String("kind", string(in.Kind)),
			zap.String("client_order_id", req.ClientOrderID),
			zap.Int("quantity", in.Quantity),
			zap.Bool("unsettled", s.unsettled),
			zap.Error(err),
		)
		e.event(journal.Event{
			Level:      journal.Error,
			Kind:       journal.KindExitError,
			Code:       string(in.Kind),
			Message:    err.Error(),
			PositionID: p.ID,
		})
		return false
	}
	if fill.PositionID == "" {
		fill.PositionID = p.ID
	}
	e.applyLocked(s, fill)
	return p.State.Terminal()
}

// settleLocked asks the venue for the position's fills and applies any exit
// the engine has not seen. It reports whether one was applied. s.mu is held
// on entry and on return but released around the venue call.
func (e *Engine) settleLocked(s *slot) bool {
	p := s.pos
	s.inflight = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(e.exitCtx, e.cfg.ExitTimeout)
	fills, err := e.exits.Status(ctx, p.Path, p.ID)
	cancel()

	s.mu.Lock()
	s.inflight = false
	if err != nil {
		e.log.Warn("exit status unavailable; holding exits",
			zap.String("position_id", p.ID),
			zap.Error(err),
		)
		e.event(journal.Event{
			Level:      journal.Warn,
			Kind:       journal.KindExitError,
			Code:       "status_unavailable",
			Message:    err.Error(),
			PositionID: p.ID,
		})
		return false
	}
	s.unsettled = false

	applied := false
	for _, f := range fills {
		if !f.Kind.IsExit() || p.State.Terminal() {
			continue
		}
		if f.PositionID == "" {
			f.PositionID = p.ID
		}
		before := p.ExitedQuantity()
		if e.applyLocked(s, f) == nil && p.ExitedQuantity() != before {
			applied = true
		}
	}
	if applied {
		e.log.Info("exit settled from venue status",
			zap.String("position_id", p.ID),
			zap.String("state", string(p.State)),
			zap.Int("remaining", p.QuantityRemaining),
		)
	}
	return applied
}

func (e *Engine) onStale(s *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pos
	if p.State.Terminal() || s.stale {
		return
	}
	s.stale = true
	e.metrics.StaleFeed()
	e.log.Warn("stale price feed",
		zap.String("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.Duration("after", e.cfg.StaleAfter),
		zap.Time("last_price_at", p.LastPriceAt),
	)
	e.event(journal.Event{
		Level:      journal.Warn,
		Kind:       journal.KindStaleFeed,
		Code:       "no_tick",
		Message:    fmt.Sprintf("no price for %s within %s", p.Symbol, e.cfg.StaleAfter),
		PositionID: p.ID,
	})
}

// ApplyFill routes a venue-reported fill to its position. Fills for unknown
// positions are logged, recorded and dropped.
func (e *Engine) ApplyFill(f broker.Fill) error {
	s, ok := e.lookup(f.PositionID)
	if !ok {
		e.metrics.UnknownFill()
		e.log.Warn("fill for unknown position",
			zap.String("position_id", f.PositionID),
			zap.String("order_id", f.OrderID),
			zap.String("kind", string(f.Kind)),
		)
		e.event(journal.Event{
			Level:      journal.Warn,
			Kind:       journal.KindUnknownFill,
			Code:       string(f.Kind),
			Message:    fmt.Sprintf("order %s qty %d @ %g", f.OrderID, f.Quantity, f.Price),
			PositionID: f.PositionID,
		})
		return fmt.Errorf("apply fill: %w: %q", ErrUnknownPosition, f.PositionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return e.applyLocked(s, f)
}

// ConsumeFills applies pushed fills until ch closes or ctx is done.
func (e *Engine) ConsumeFills(ctx context.Context, ch <-chan broker.Fill) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-ch:
			if !ok {
				return
			}
			_ = e.ApplyFill(f)
		}
	}
}

// applyLocked applies f and writes the resulting record. s.mu must be held.
func (e *Engine) applyLocked(s *slot, f broker.Fill) error {
	p := s.pos
	applied, err := p.Apply(f)
	if err != nil {
		e.log.Error("fill rejected by position",
			zap.String("position_id", p.ID),
			zap.String("kind", string(f.Kind)),
			zap.Int("quantity", f.Quantity),
			zap.Error(err),
		)
		e.event(journal.Event{
			Level:      journal.Error,
			Kind:       journal.KindExitError,
			Code:       "illegal_transition",
			Message:    err.Error(),
			PositionID: p.ID,
		})
		return err
	}
	if !applied {
		return nil
	}

	e.metrics.Fill(string(p.Path), string(f.Kind))
	if f.Kind.IsExit() {
		e.record("exit", p.ID, e.rec.RecordExit(context.Background(), journal.ExitRecord{
			PositionID:  p.ID,
			OrderID:     f.OrderID,
			Kind:        string(f.Kind),
			Quantity:    f.Quantity,
			Price:       f.Price,
			PnL:         p.pnl(f.Price, f.Quantity),
			Time:        f.Time,
			State:       string(p.State),
			Remaining:   p.QuantityRemaining,
			Stop:        p.CurrentStop,
			RealizedPnL: p.RealizedPnL,
		}))
		e.log.Info("position exit",
			zap.String("position_id", p.ID),
			zap.String("kind", string(f.Kind)),
			zap.Int("quantity", f.Quantity),
			zap.Float64("price", f.Price),
			zap.String("state", string(p.State)),
			zap.Float64("stop", p.CurrentStop),
		)
	}
	if p.State.Terminal() {
		e.closeLocked(s)
	}
	return nil
}

func (e *Engine) closeLocked(s *slot) {
	p := s.pos
	e.record("close", p.ID, e.rec.RecordClose(context.Background(), p.Record()))
	e.retire(p.ID, s)
	e.metrics.PositionClosed(string(p.Path), string(p.State), p.RealizedPnL.InexactFloat64())
	e.log.Info("position closed",
		zap.String("position_id", p.ID),
		zap.String("state", string(p.State)),
		zap.String("realized_pnl", p.RealizedPnL.StringFixed(2)),
	)
	if p.State == UnknownAtShutdown || e.ledger == nil {
		return
	}
	if tripped := e.ledger.RecordClose(p.RealizedPnL); tripped {
		e.event(journal.Event{
			Level:      journal.Warn,
			Kind:       journal.KindCircuitOpen,
			Code:       "circuit_open",
			Message:    "circuit breaker opened after close of " + p.ID,
			PositionID: p.ID,
		})
	}
}

func (e *Engine) markUnknownLocked(s *slot, cause error) {
	p := s.pos
	p.MarkUnknown(e.now())
	e.log.Error("exit unacknowledged at shutdown",
		zap.String("position_id", p.ID),
		zap.Int("remaining", p.QuantityRemaining),
		zap.Error(cause),
	)
	e.event(journal.Event{
		Level:      journal.Error,
		Kind:       journal.KindUnknownAtShutdown,
		Code:       "exit_unacknowledged",
		Message:    cause.Error(),
		PositionID: p.ID,
	})
	e.closeLocked(s)
}

// Shutdown stops every monitor. Monitors with an exit in flight get until
// ShutdownTimeout (or ctx) to hear back; positions still waiting after that
// are marked UNKNOWN_AT_SHUTDOWN.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closing.Store(true)
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(e.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	e.exitCancel()
	<-done
	return fmt.Errorf("position engine: shutdown deadline passed with exits in flight")
}

// retire moves a terminal slot out of the open set into the bounded archive,
// evicting the oldest archived position when it is full.
func (e *Engine) retire(id string, s *slot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.slots[id]; !ok {
		return
	}
	delete(e.slots, id)
	e.archive[id] = s
	e.archived = append(e.archived, id)
	for len(e.archived) > e.cfg.RetainClosed {
		delete(e.archive, e.archived[0])
		e.archived = e.archived[1:]
	}
}

func (e *Engine) lookup(id string) (*slot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.slots[id]; ok {
		return s, true
	}
	s, ok := e.archive[id]
	return s, ok
}

// OpenQuantity is the quantity at risk across non-terminal positions. Paths
// sharing one alert count once.
func (e *Engine) OpenQuantity() int {
	e.mu.Lock()
	slots := make([]*slot, 0, len(e.slots))
	for _, s := range e.slots {
		slots = append(slots, s)
	}
	e.mu.Unlock()

	perAlert := make(map[*alert.Alert]int)
	for _, s := range slots {
		s.mu.Lock()
		p := s.pos
		if !p.State.Terminal() && p.QuantityRemaining > perAlert[p.Alert] {
			perAlert[p.Alert] = p.QuantityRemaining
		}
		s.mu.Unlock()
	}
	total := 0
	for _, q := range perAlert {
		total += q
	}
	return total
}

// Positions returns snapshots of the open positions and the most recently
// closed ones.
func (e *Engine) Positions() []Position {
	e.mu.Lock()
	slots := make([]*slot, 0, len(e.slots)+len(e.archive))
	for _, s := range e.slots {
		slots = append(slots, s)
	}
	for _, s := range e.archive {
		slots = append(slots, s)
	}
	e.mu.Unlock()

	out := make([]Position, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.pos.Snapshot())
		s.mu.Unlock()
	}
	return out
}

// Get returns a snapshot of one position.
func (e *Engine) Get(id string) (Position, error) {
	s, ok := e.lookup(id)
	if !ok {
		return Position{}, fmt.Errorf("%w: %q", ErrUnknownPosition, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos.Snapshot(), nil
}

func (e *Engine) event(ev journal.Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.record("event", ev.PositionID, e.rec.RecordEvent(context.Background(), ev))
}

func (e *Engine) record(op, id string, err error) {
	if err != nil {
		e.log.Error("recorder write failed", zap.String("op", op), zap.String("position_id", id), zap.Error(err))
	}
}
