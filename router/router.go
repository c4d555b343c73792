// Package router sends entry and exit orders to the paper simulator, the live
// broker, or both.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/atfleming/tradestream/alert"
	"github.com/atfleming/tradestream/broker"
	"github.com/atfleming/tradestream/metrics"
	"github.com/atfleming/tradestream/pkg/id"
)

// ErrPaperFatal marks a paper simulator failure. The simulator only fails on
// bad configuration or a bad request, so it is never retried.
var ErrPaperFatal = errors.New("paper execution failed")

type Mode string

const (
	ModePaper      Mode = "paper"
	ModeLive       Mode = "live"
	ModeConcurrent Mode = "concurrent"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModePaper, ModeLive, ModeConcurrent:
		return m, nil
	}
	return "", fmt.Errorf("unknown execution mode %q (want paper|live|concurrent)", s)
}

// Paths lists the venues an entry goes to, paper first.
func (m Mode) Paths() []broker.Path {
	switch m {
	case ModePaper:
		return []broker.Path{broker.Paper}
	case ModeLive:
		return []broker.Path{broker.Live}
	case ModeConcurrent:
		return []broker.Path{broker.Paper, broker.Live}
	}
	return nil
}

// ExecutionError reports a failed order on one path.
type ExecutionError struct {
	Path broker.Path
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s execution: %v", e.Path, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Trade is an admitted alert at its sized quantity.
type Trade struct {
	Alert    *alert.Alert
	Quantity int
}

type Config struct {
	Mode Mode
	// RetryBudget is how many consecutive live failures halt new entries.
	// 0 never halts.
	RetryBudget int
}

type Router struct {
	cfg     Config
	paper   broker.Broker
	live    broker.Broker
	metrics *metrics.Metrics
	log     *zap.Logger
	newID   func() string

	mu       sync.Mutex
	failures int
	halted   bool
	fatal    error // first paper failure; never cleared
}

type Option func(*Router)

func WithMetrics(m *metrics.Metrics) Option { return func(r *Router) { r.metrics = m } }
func WithLogger(l *zap.Logger) Option       { return func(r *Router) { r.log = l } }

// WithIDs replaces the position ID generator.
func WithIDs(f func() string) Option { return func(r *Router) { r.newID = f } }

// New wires a router. The broker for each path the mode uses must be non-nil.
func New(cfg Config, paper, live broker.Broker, opts ...Option) (*Router, error) {
	if cfg.RetryBudget < 0 {
		return nil, fmt.Errorf("router: retry budget %d", cfg.RetryBudget)
	}
	for _, p := range cfg.Mode.Paths() {
		if p == broker.Paper && paper == nil {
			return nil, fmt.Errorf("router: mode %s needs a paper broker", cfg.Mode)
		}
		if p == broker.Live && live == nil {
			return nil, fmt.Errorf("router: mode %s needs a live broker", cfg.Mode)
		}
	}
	if len(cfg.Mode.Paths()) == 0 {
		return nil, fmt.Errorf("router: unknown mode %q", cfg.Mode)
	}
	r := &Router{
		cfg:   cfg,
		paper: paper,
		live:  live,
		log:   zap.NewNop(),
		newID: func() string { return id.Prefixed("pos") },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Router) Mode() Mode { return r.cfg.Mode }

// Execute places the entry on every path the mode names. Paths run
// independently; the fills that succeeded are returned alongside the joined
// errors of the ones that did not.
func (r *Router) Execute(ctx context.Context, t Trade) ([]broker.Fill, error) {
	if t.Alert == nil || t.Quantity < 1 {
		return nil, fmt.Errorf("router: invalid trade (quantity %d)", t.Quantity)
	}
	paths := r.cfg.Mode.Paths()
	fills := make([]*broker.Fill, len(paths))
	errs := make([]error, len(paths))

	if len(paths) == 1 {
		f, err := r.entry(ctx, paths[0], t)
		fills[0], errs[0] = f, err
	} else {
		var wg sync.WaitGroup
		for i, p := range paths {
			wg.Add(1)
			go func(i int, p broker.Path) {
				defer wg.Done()
				fills[i], errs[i] = r.entry(ctx, p, t)
			}(i, p)
		}
		wg.Wait()
	}

	var out []broker.Fill
	for _, f := range fills {
		if f != nil {
			out = append(out, *f)
		}
	}
	return out, errors.Join(errs...)
}

func (r *Router) entry(ctx context.Context, path broker.Path, t Trade) (*broker.Fill, error) {
	posID := r.newID()
	req := broker.OrderRequest{
		PositionID:    posID,
		ClientOrderID: broker.ClientOrderID(posID, broker.KindEntry),
		Symbol:        t.Alert.Symbol,
		Direction:     t.Alert.Direction,
		Side:          broker.EntrySide(t.Alert.Direction),
		Quantity:      t.Quantity,
		Type:          broker.Market,
		Kind:          broker.KindEntry,
		RefPrice:      t.Alert.EntryPrice,
	}
	f, err := r.place(ctx, path, req)
	if err != nil {
		return nil, err
	}
	r.log.Info("entry filled",
		zap.String("path", string(path)),
		zap.String("position_id", f.PositionID),
		zap.String("order_id", f.OrderID),
		zap.String("message_id", t.Alert.MessageID),
		zap.Int("quantity", f.Quantity),
		zap.Float64("price", f.Price),
	)
	return &f, nil
}

// Exit sends an exit order to path. It satisfies position.Exiter.
func (r *Router) Exit(ctx context.Context, path broker.Path, req broker.OrderRequest) (broker.Fill, error) {
	return r.place(ctx, path, req)
}

// Status returns what path has filled for a position. It satisfies
// position.Exiter and does not count toward the retry budget.
func (r *Router) Status(ctx context.Context, path broker.Path, positionID string) ([]broker.Fill, error) {
	b, err := r.broker(path)
	if err != nil {
		return nil, &ExecutionError{Path: path, Err: err}
	}
	fills, err := b.PositionStatus(ctx, positionID)
	if err != nil {
		return nil, &ExecutionError{Path: path, Err: err}
	}
	for i := range fills {
		if fills[i].Path == "" {
			fills[i].Path = path
		}
	}
	return fills, nil
}

func (r *Router) place(ctx context.Context, path broker.Path, req broker.OrderRequest) (broker.Fill, error) {
	b, err := r.broker(path)
	if err != nil {
		return broker.Fill{}, &ExecutionError{Path: path, Err: err}
	}

	f, err := b.PlaceOrder(ctx, req)
	if err != nil {
		r.metrics.ExecutionError(string(path))
		r.log.Error("order failed",
			zap.String("path", string(path)),
			zap.String("position_id", req.PositionID),
			zap.String("kind", string(req.Kind)),
			zap.Int("quantity", req.Quantity),
			zap.Error(err),
		)
		if path == broker.Paper {
			err = fmt.Errorf("%w: %w", ErrPaperFatal, err)
			r.paperFailed(err)
			return broker.Fill{}, &ExecutionError{Path: path, Err: err}
		}
		r.liveFailed()
		return broker.Fill{}, &ExecutionError{Path: path, Err: err}
	}

	if path == broker.Live {
		r.liveSucceeded()
	}
	if f.Path == "" {
		f.Path = path
	}
	if f.PositionID == "" {
		f.PositionID = req.PositionID
	}
	if f.Kind == "" {
		f.Kind = req.Kind
	}
	return f, nil
}

func (r *Router) broker(path broker.Path) (broker.Broker, error) {
	switch {
	case path == broker.Paper && r.paper != nil:
		return r.paper, nil
	case path == broker.Live && r.live != nil:
		return r.live, nil
	}
	return nil, fmt.Errorf("no broker for path %q", path)
}

func (r *Router) liveFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	if r.cfg.RetryBudget > 0 && r.failures >= r.cfg.RetryBudget && !r.halted {
		r.halted = true
		r.metrics.RouterHalted(true)
		r.log.Warn("live retry budget exhausted; new entries paused",
			zap.Int("consecutive_failures", r.failures))
	}
}

func (r *Router) liveSucceeded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = 0
}

// paperFailed latches the router closed to new entries. The simulator has no
// transient failures, so whatever broke it breaks every later order too.
func (r *Router) paperFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal != nil {
		return
	}
	r.fatal = err
	r.metrics.RouterHalted(true)
	r.log.Error("paper simulator failed; new entries stopped until restart", zap.Error(err))
}

// Halted reports whether new entries are refused: either consecutive live
// failures exhausted the retry budget (cleared by Resume) or the paper
// simulator failed (cleared only by a restart).
func (r *Router) Halted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted || r.fatal != nil
}

// Fatal returns the paper failure that halted the router, if any.
func (r *Router) Fatal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// Resume clears the retry-budget halt and the failure count. A paper
// failure stays latched.
func (r *Router) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted {
		r.log.Info("router resumed", zap.Int("consecutive_failures", r.failures))
	}
	r.halted = false
	r.failures = 0
	r.metrics.RouterHalted(r.fatal != nil)
}

// Failures is the current run of consecutive live failures.
func (r *Router) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}
