// Package pipeline turns chat messages into positions: dedupe, parse, size,
// admit, execute, open. Messages are handled strictly one at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/atfleming/tradestream/alert"
	"github.com/atfleming/tradestream/broker"
	"github.com/atfleming/tradestream/feed"
	"github.com/atfleming/tradestream/journal"
	"github.com/atfleming/tradestream/metrics"
	"github.com/atfleming/tradestream/position"
	"github.com/atfleming/tradestream/risk"
	"github.com/atfleming/tradestream/router"
)

// Outcome statuses.
const (
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
	StatusExecuted  = "executed"
	StatusFailed    = "failed"
)

type Parser interface {
	ParseMessage(messageID string, ts time.Time, raw string) (alert.Alert, error)
}

type Sizer interface {
	Size(class alert.SizeClass) (int, error)
}

type Gate interface {
	Admit(c risk.Candidate) risk.Decision
	Release()
	State() risk.State
}

type Executor interface {
	Execute(ctx context.Context, t router.Trade) ([]broker.Fill, error)
	Halted() bool
}

type Positions interface {
	Open(a *alert.Alert, quantity int, entry broker.Fill) (position.Position, error)
	OpenQuantity() int
}

// Outcome is what became of one message.
type Outcome struct {
	MessageID string
	Status    string
	Reason    string
	Alert     *alert.Alert
	Quantity  int
	Positions []string
}

type Pipeline struct {
	parser    Parser
	sizer     Sizer
	gate      Gate
	exec      Executor
	positions Positions
	store     journal.Store
	seen      *ristretto.Cache
	seenTTL   time.Duration
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time

	mu sync.Mutex
}

type Option func(*Pipeline)

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }
func WithLogger(l *zap.Logger) Option       { return func(p *Pipeline) { p.log = l } }
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithDedupeTTL sets how long message IDs stay in the in-memory cache in
// front of the journal's unique index.
func WithDedupeTTL(d time.Duration) Option { return func(p *Pipeline) { p.seenTTL = d } }

func New(parser Parser, sizer Sizer, gate Gate, exec Executor, positions Positions, store journal.Store, opts ...Option) (*Pipeline, error) {
	if parser == nil || sizer == nil || gate == nil || exec == nil || positions == nil || store == nil {
		return nil, errors.New("pipeline: all components are required")
	}
	seen, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: dedupe cache: %w", err)
	}
	p := &Pipeline{
		parser:    parser,
		sizer:     sizer,
		gate:      gate,
		exec:      exec,
		positions: positions,
		store:     store,
		seen:      seen,
		seenTTL:   24 * time.Hour,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Close releases the dedupe cache.
func (p *Pipeline) Close() { p.seen.Close() }

// Run feeds every message from src through Handle until src stops.
func (p *Pipeline) Run(ctx context.Context, src feed.Source) error {
	return src.Run(ctx, func(m feed.Message) {
		if _, err := p.Handle(ctx, m); err != nil {
			p.log.Debug("message not executed", zap.String("message_id", m.ID), zap.Error(err))
		}
	})
}

// Handle processes one message. Duplicates return a nil error. Every other
// non-executed outcome returns the typed error that stopped it.
func (p *Pipeline) Handle(ctx context.Context, m feed.Message) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := Outcome{MessageID: m.ID}
	if m.ID == "" {
		return p.fail(ctx, out, errors.New("message without id"))
	}
	if _, hit := p.seen.Get(m.ID); hit {
		return p.duplicate(ctx, out)
	}

	a, perr := p.parser.ParseMessage(m.ID, m.Time, m.Text)
	rec := journal.AlertRecord{
		MessageID:  m.ID,
		RawText:    m.Text,
		ReceivedAt: p.now(),
		Status:     journal.AlertReceived,
	}
	if perr == nil {
		rec.Symbol = a.Symbol
		rec.Direction = a.Direction.String()
		rec.EntryPrice = a.EntryPrice
		rec.StopPrice = a.StopPrice
		rec.SizeClass = string(a.SizeClass)
	}

	claimed, err := p.store.ClaimAlert(ctx, rec)
	if err != nil {
		// No trade without a durable claim.
		return p.fail(ctx, out, fmt.Errorf("claim alert: %w", err))
	}
	p.seen.SetWithTTL(m.ID, struct{}{}, 1, p.seenTTL)
	if !claimed {
		return p.duplicate(ctx, out)
	}

	if perr != nil {
		code := "unparsed"
		var pe *alert.ParseError
		if errors.As(perr, &pe) {
			code = string(pe.Reason)
		}
		p.log.Info("alert rejected by parser", zap.String("message_id", m.ID), zap.Error(perr))
		return p.reject(ctx, out, journal.KindParseError, code, perr)
	}
	out.Alert = &a

	qty, err := p.sizer.Size(a.SizeClass)
	if err != nil {
		p.log.Warn("alert not sized", zap.String("message_id", m.ID), zap.String("size_class", string(a.SizeClass)), zap.Error(err))
		return p.reject(ctx, out, journal.KindSizeError, string(a.SizeClass), err)
	}
	out.Quantity = qty

	if p.exec.Halted() {
		d := risk.Reject(risk.ReasonEnginePaused, "order router halted")
		p.metrics.Admission(string(d.Reason))
		p.log.Warn("alert rejected", zap.String("message_id", m.ID), zap.String("reason", string(d.Reason)))
		return p.reject(ctx, out, journal.KindEnginePaused, string(d.Reason), d.Err())
	}

	d := p.gate.Admit(risk.Candidate{
		Symbol:       a.Symbol,
		Quantity:     qty,
		OpenQuantity: p.positions.OpenQuantity(),
	})
	p.observeRisk()
	if !d.Allowed {
		p.metrics.Admission(string(d.Reason))
		p.log.Warn("alert rejected",
			zap.String("message_id", m.ID),
			zap.String("reason", string(d.Reason)),
			zap.String("detail", d.Msg))
		return p.reject(ctx, out, journal.KindRejected, string(d.Reason), d.Err())
	}
	p.metrics.Admission("admitted")

	fills, xerr := p.exec.Execute(ctx, router.Trade{Alert: &a, Quantity: qty})
	if len(fills) == 0 {
		p.gate.Release()
		p.observeRisk()
		if xerr == nil {
			xerr = errors.New("no fills")
		}
		p.event(ctx, journal.Event{Level: journal.Error, Kind: journal.KindExecutionError, Code: codeFor(xerr), Message: xerr.Error(), MessageID: m.ID})
		p.mark(ctx, m.ID, journal.AlertFailed, xerr.Error())
		p.metrics.Alert(StatusFailed)
		out.Status, out.Reason = StatusFailed, codeFor(xerr)
		return out, xerr
	}

	for _, f := range fills {
		pos, err := p.positions.Open(&a, qty, f)
		if err != nil {
			p.log.Error("position not opened",
				zap.String("message_id", m.ID),
				zap.String("position_id", f.PositionID),
				zap.Error(err))
			p.event(ctx, journal.Event{Level: journal.Error, Kind: journal.KindExecutionError, Code: "open_failed", Message: err.Error(), PositionID: f.PositionID, MessageID: m.ID})
			continue
		}
		out.Positions = append(out.Positions, pos.ID)
	}
	if xerr != nil {
		// One path of a concurrent entry failed; the other is open.
		p.event(ctx, journal.Event{Level: journal.Error, Kind: journal.KindExecutionError, Code: codeFor(xerr), Message: xerr.Error(), MessageID: m.ID})
		out.Reason = codeFor(xerr)
	}

	p.mark(ctx, m.ID, journal.AlertExecuted, out.Reason)
	p.metrics.Alert(StatusExecuted)
	p.log.Info("alert executed",
		zap.String("message_id", m.ID),
		zap.String("alert", a.String()),
		zap.Int("quantity", qty),
		zap.Strings("positions", out.Positions))
	out.Status = StatusExecuted
	return out, nil
}

func (p *Pipeline) duplicate(ctx context.Context, out Outcome) (Outcome, error) {
	p.metrics.Alert(StatusDuplicate)
	p.log.Info("duplicate message dropped", zap.String("message_id", out.MessageID))
	p.event(ctx, journal.Event{Level: journal.Info, Kind: journal.KindDuplicate, Code: "message_id", Message: "already processed", MessageID: out.MessageID})
	out.Status = StatusDuplicate
	return out, nil
}

func (p *Pipeline) reject(ctx context.Context, out Outcome, kind, code string, err error) (Outcome, error) {
	p.event(ctx, journal.Event{Level: journal.Warn, Kind: kind, Code: code, Message: err.Error(), MessageID: out.MessageID})
	p.mark(ctx, out.MessageID, journal.AlertRejected, code)
	p.metrics.Alert(StatusRejected)
	out.Status, out.Reason = StatusRejected, code
	return out, err
}

func (p *Pipeline) fail(ctx context.Context, out Outcome, err error) (Outcome, error) {
	p.log.Error("message failed", zap.String("message_id", out.MessageID), zap.Error(err))
	p.event(ctx, journal.Event{Level: journal.Error, Kind: journal.KindExecutionError, Code: "journal", Message: err.Error(), MessageID: out.MessageID})
	p.metrics.Alert(StatusFailed)
	out.Status, out.Reason = StatusFailed, "journal"
	return out, err
}

func (p *Pipeline) observeRisk() {
	s := p.gate.State()
	p.metrics.RiskState(s.TradesToday, s.CircuitOpen)
}

func (p *Pipeline) mark(ctx context.Context, id, status, reason string) {
	if err := p.store.MarkAlert(ctx, id, status, reason); err != nil {
		p.log.Error("mark alert failed", zap.String("message_id", id), zap.Error(err))
	}
}

func (p *Pipeline) event(ctx context.Context, e journal.Event) {
	if e.Time.IsZero() {
		e.Time = p.now()
	}
	if err := p.store.RecordEvent(ctx, e); err != nil {
		p.log.Error("record event failed", zap.String("kind", e.Kind), zap.Error(err))
	}
}

// codeFor names the failing path of an execution error.
func codeFor(err error) string {
	var ee *router.ExecutionError
	if errors.As(err, &ee) {
		if errors.Is(err, router.ErrPaperFatal) {
			return "paper_fatal"
		}
		return string(ee.Path) + "_failed"
	}
	return "execution_failed"
}
