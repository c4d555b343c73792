package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/atfleming/tradestream/journal"
)

// Resetter starts a new risk session.
type Resetter interface {
	Reset()
}

// Scheduler resets the risk session on a cron schedule (seconds field
// included), evaluated in the configured exchange timezone.
type Scheduler struct {
	cron  *cron.Cron
	gate  Resetter
	rec   journal.Recorder
	log   *zap.Logger
	now   func() time.Time
	entry cron.EntryID
}

func NewScheduler(spec string, tz *time.Location, gate Resetter, rec journal.Recorder, log *zap.Logger) (*Scheduler, error) {
	if tz == nil {
		tz = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(tz)),
		gate: gate,
		rec:  rec,
		log:  log,
		now:  time.Now,
	}
	id, err := s.cron.AddFunc(spec, func() { s.ResetSession(context.Background(), "schedule") })
	if err != nil {
		return nil, fmt.Errorf("session reset schedule %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

// ResetSession resets the gate and records who asked.
func (s *Scheduler) ResetSession(ctx context.Context, by string) {
	s.gate.Reset()
	s.log.Info("risk session reset", zap.String("by", by))
	if s.rec == nil {
		return
	}
	err := s.rec.RecordEvent(ctx, journal.Event{
		Time:    s.now(),
		Level:   journal.Info,
		Kind:    journal.KindRiskReset,
		Code:    by,
		Message: "risk session reset",
	})
	if err != nil {
		s.log.Error("record event failed", zap.String("kind", journal.KindRiskReset), zap.Error(err))
	}
}

// Next is the next scheduled reset.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("session scheduler started", zap.Time("next_reset", s.Next()))
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("session scheduler stopped")
}
