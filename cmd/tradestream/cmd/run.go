package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atfleming/tradestream/alert"
	"github.com/atfleming/tradestream/broker"
	"github.com/atfleming/tradestream/broker/live"
	"github.com/atfleming/tradestream/broker/paper"
	"github.com/atfleming/tradestream/config"
	"github.com/atfleming/tradestream/feed"
	"github.com/atfleming/tradestream/journal"
	"github.com/atfleming/tradestream/logging"
	"github.com/atfleming/tradestream/market"
	"github.com/atfleming/tradestream/metrics"
	"github.com/atfleming/tradestream/pipeline"
	"github.com/atfleming/tradestream/position"
	"github.com/atfleming/tradestream/risk"
	"github.com/atfleming/tradestream/router"
	"github.com/atfleming/tradestream/server"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the alert pipeline",
	Long: `Run the alert-to-position engine: read alerts from the configured feed,
size and admit them, place entries on the paper simulator, the live broker, or
both, and manage every position until it closes.

SIGINT or SIGTERM stops intake and waits for in-flight exit orders.
SIGHUP reloads the size mapping from the config file.

Example:
  tradestream run -c tradestream.yaml`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go a.reloadOnHangup(ctx)

	return a.run(ctx)
}

// app holds every long-lived component of a run.
type app struct {
	cfg *config.Config
	log *zap.Logger

	journal  *journal.SQLite
	metrics  *metrics.Metrics
	hub      *market.Hub
	prices   market.Source
	live     *live.Client
	router   *router.Router
	gate     *risk.Gate
	sizer    *risk.Sizer
	engine   *position.Engine
	pipeline *pipeline.Pipeline
	sched    *pipeline.Scheduler
	server   *server.Server
	feed     feed.Source

	shutdownTimeout time.Duration
}

func newApp(cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.journal, err = journal.NewSQLite(cfg.Journal.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	a.metrics = metrics.New("tradestream")
	a.hub = market.NewHub(cfg.Prices.Buffer)
	a.prices = priceSource(cfg, log)

	mode, err := router.ParseMode(cfg.Execution.Mode)
	if err != nil {
		return nil, err
	}
	sim, err := paper.NewSimulator(paper.Config{
		TickSize:      cfg.Contract.TickSize,
		SlippageTicks: cfg.Execution.SlippageTicks,
	})
	if err != nil {
		return nil, err
	}
	var liveBroker broker.Broker
	if mode != router.ModePaper {
		timeout, err := cfg.HTTPTimeout()
		if err != nil {
			return nil, err
		}
		a.live, err = live.NewClient(live.Config{
			BaseURL:     cfg.Broker.BaseURL,
			FillsURL:    cfg.Broker.FillsURL,
			Token:       cfg.Broker.Token,
			RateLimit:   cfg.Broker.RateLimit,
			RateBurst:   cfg.Broker.RateBurst,
			HTTPTimeout: timeout,
		}, log.Named("live"))
		if err != nil {
			return nil, err
		}
		liveBroker = a.live
	}
	a.router, err = router.New(router.Config{Mode: mode, RetryBudget: cfg.Broker.RetryBudget}, sim, liveBroker,
		router.WithMetrics(a.metrics), router.WithLogger(log.Named("router")))
	if err != nil {
		return nil, err
	}

	a.gate = risk.NewGate(cfg.RiskLimits(), risk.WithLogger(log.Named("risk")))
	a.sizer, err = risk.NewSizer(cfg.SizeMapping())
	if err != nil {
		return nil, err
	}

	ec, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	a.shutdownTimeout = ec.ShutdownTimeout
	a.engine, err = position.NewEngine(ec, a.hub, a.router, a.journal,
		position.WithMetrics(a.metrics), position.WithLogger(log.Named("engine")), position.WithLedger(a.gate))
	if err != nil {
		return nil, err
	}

	parser, err := alert.NewParser(cfg.ParserConfig())
	if err != nil {
		return nil, err
	}
	a.pipeline, err = pipeline.New(parser, a.sizer, a.gate, a.router, a.engine, a.journal,
		pipeline.WithMetrics(a.metrics), pipeline.WithLogger(log.Named("pipeline")))
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a.sched, err = pipeline.NewScheduler(cfg.Risk.SessionReset, loc, a.gate, a.journal, log.Named("session"))
	if err != nil {
		return nil, err
	}

	if cfg.Server.Addr != "" {
		a.server = server.New(server.Deps{
			Positions: a.engine,
			Risk:      a.gate,
			Sessions:  a.sched,
			Router:    a.router,
			Journal:   a.journal,
			Metrics:   a.metrics.Handler(),
			Logger:    log.Named("http"),
		})
	}

	a.feed, err = alertSource(cfg, log)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func priceSource(cfg *config.Config, log *zap.Logger) market.Source {
	if cfg.Prices.Source == "ws" {
		return &market.WSStream{URL: cfg.Prices.URL, Log: log.Named("prices")}
	}
	return &market.CSVReplay{Path: cfg.Prices.ReplayFile, Speed: cfg.Prices.ReplaySpeed}
}

func alertSource(cfg *config.Config, log *zap.Logger) (feed.Source, error) {
	switch cfg.Feed.Type {
	case "discord":
		return &feed.Discord{
			Token:  cfg.Feed.Discord.Token,
			Filter: feed.Filter{Channels: cfg.Feed.Discord.Channels, Authors: cfg.Feed.Discord.Authors},
			Log:    log.Named("discord"),
		}, nil
	case "kafka":
		return &feed.Kafka{
			Brokers: cfg.Feed.Kafka.Brokers,
			Topic:   cfg.Feed.Kafka.Topic,
			GroupID: cfg.Feed.Kafka.GroupID,
			Log:     log.Named("kafka"),
		}, nil
	case "stdin":
		return &feed.Lines{R: os.Stdin, Channel: "stdin"}, nil
	}
	return nil, fmt.Errorf("unknown feed type %q", cfg.Feed.Type)
}

func (a *app) run(ctx context.Context) error {
	a.log.Info("tradestream starting",
		zap.String("mode", string(a.router.Mode())),
		zap.String("symbol", a.cfg.Contract.Symbol),
		zap.String("feed", a.cfg.Feed.Type),
		zap.String("prices", a.cfg.Prices.Source),
		zap.String("journal", a.cfg.Journal.DBPath),
	)

	a.sched.Start()
	a.log.Info("risk session reset scheduled", zap.Time("next", a.sched.Next()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		supervisePrices(gctx, a.prices, a.hub, a.log.Named("prices"), time.Second, 30*time.Second)
		return nil
	})

	if a.live != nil && a.cfg.Broker.FillsURL != "" {
		g.Go(func() error {
			fills, err := a.live.Fills(gctx)
			if err != nil {
				return fmt.Errorf("live fills: %w", err)
			}
			a.engine.ConsumeFills(gctx, fills)
			return nil
		})
	}

	if a.server != nil {
		g.Go(func() error { return a.server.Run(gctx, a.cfg.Server.Addr) })
	}

	g.Go(func() error {
		err := a.pipeline.Run(gctx, a.feed)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("alert feed: %w", err)
		}
		a.log.Info("alert feed ended; open positions stay managed until shutdown")
		return nil
	})

	<-gctx.Done()
	a.log.Info("shutting down")
	a.sched.Stop()

	shutCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout+5*time.Second)
	defer cancel()
	shutErr := a.engine.Shutdown(shutCtx)
	if shutErr != nil {
		a.log.Warn("engine shutdown", zap.Error(shutErr))
	}

	err := g.Wait()
	for _, p := range a.engine.Positions() {
		if !p.State.Terminal() {
			a.log.Warn("position left open", zap.String("position_id", p.ID), zap.String("state", string(p.State)))
		}
	}
	return errors.Join(err, shutErr)
}

// supervisePrices keeps the price feed running. A failed feed is logged and
// reconnected with backoff; open positions stay monitored and the stale-feed
// warning covers the gap. A feed that ends cleanly, like a finished replay,
// is not restarted.
func supervisePrices(ctx context.Context, src market.Source, pub market.Publisher, log *zap.Logger, minWait, maxWait time.Duration) {
	wait := minWait
	for {
		started := time.Now()
		err := src.Run(ctx, pub)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.Info("price feed ended")
			return
		}
		if time.Since(started) > maxWait {
			wait = minWait
		}
		log.Error("price feed failed; reconnecting", zap.Error(err), zap.Duration("wait", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if wait *= 2; wait > maxWait {
			wait = maxWait
		}
	}
}

// reloadOnHangup swaps in the size mapping from the config file on SIGHUP.
// Everything else needs a restart.
func (a *app) reloadOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := loadConfig()
			if err != nil {
				a.log.Error("reload config", zap.Error(err))
				continue
			}
			if err := a.sizer.Swap(cfg.SizeMapping()); err != nil {
				a.log.Error("reload size mapping", zap.Error(err))
				continue
			}
			a.log.Info("size mapping reloaded", zap.Int("base_unit", cfg.Sizing.BaseUnit))
		}
	}
}

func (a *app) close() {
	if a.pipeline != nil {
		a.pipeline.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Warn("close journal", zap.Error(err))
		}
	}
}
