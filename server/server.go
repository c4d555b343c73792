// Package server exposes the running engine over HTTP for operators: health,
// Prometheus metrics, open positions, risk state, and a few controls.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/atfleming/tradestream/journal"
	"github.com/atfleming/tradestream/position"
	"github.com/atfleming/tradestream/risk"
	"github.com/atfleming/tradestream/router"
)

type PositionLister interface {
	Positions() []position.Position
	Get(id string) (position.Position, error)
}

type RiskView interface {
	State() risk.State
	Limits() risk.Limits
}

type SessionResetter interface {
	ResetSession(ctx context.Context, by string)
}

type RouterControl interface {
	Mode() router.Mode
	Halted() bool
	Resume()
	Failures() int
	Fatal() error
}

type JournalReader interface {
	Summary(ctx context.Context, start, end time.Time) (journal.Summary, error)
	ListEvents(ctx context.Context, since time.Time, limit int) ([]journal.Event, error)
}

// Deps are the components the handlers read from. Any of them may be nil, in
// which case the matching routes answer 503.
type Deps struct {
	Positions PositionLister
	Risk      RiskView
	Sessions  SessionResetter
	Router    RouterControl
	Journal   JournalReader
	Metrics   http.Handler
	Logger    *zap.Logger
}

type Server struct {
	R    *gin.Engine
	deps Deps
	log  *zap.Logger
	now  func() time.Time
}

type apiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, apiResponse{Code: 0, Message: "ok", Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, apiResponse{Code: status, Message: message})
}

var releaseMode sync.Once

// New builds the router with request logging and panic recovery.
func New(d Deps) *Server {
	releaseMode.Do(func() { gin.SetMode(gin.ReleaseMode) })
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	g := gin.New()
	g.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http_request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	})
	g.Use(gin.Recovery())

	s := &Server{R: g, deps: d, log: log, now: time.Now}

	g.GET("/healthz", s.health)
	if d.Metrics != nil {
		g.GET("/metrics", gin.WrapH(d.Metrics))
	}

	v1 := g.Group("/v1")
	v1.GET("/positions", s.listPositions)
	v1.GET("/positions/:id", s.getPosition)
	v1.GET("/risk", s.riskState)
	v1.POST("/risk/reset", s.resetRisk)
	v1.GET("/router", s.routerStatus)
	v1.POST("/router/resume", s.resumeRouter)
	v1.GET("/summary", s.summary)
	v1.GET("/events", s.events)
	return s
}

// Run serves on addr until ctx is cancelled, then drains for up to five
// seconds.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.R,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops http listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func (s *Server) health(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if s.deps.Router != nil && s.deps.Router.Halted() {
		status["router"] = "halted"
	}
	if s.deps.Risk != nil && s.deps.Risk.State().CircuitOpen {
		status["circuit"] = "open"
	}
	c.JSON(http.StatusOK, status)
}
