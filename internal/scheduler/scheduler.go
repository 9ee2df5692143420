// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/sensorhub/internal/session"
	"github.com/user/sensorhub/internal/types"
)

// tickTimeout bounds one background pass so a wedged store cannot pile up
// overlapping passes.
const tickTimeout = 2 * time.Minute

// Scheduler runs low-priority background reconcile passes over every active
// session on a cron schedule. Passes are fire-and-forget; failures are
// logged, never fatal.
type Scheduler struct {
	sessions types.SessionStore
	rec      session.Reconciler
	schedule string
	cron     *cron.Cron
}

// cronParser accepts standard 5-field cron expressions, descriptors like
// @every, and an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler reconciling on the given cron schedule.
func New(sessions types.SessionStore, rec session.Reconciler, schedule string) *Scheduler {
	return &Scheduler{
		sessions: sessions,
		rec:      rec,
		schedule: schedule,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers the reconcile entry and starts the cron ticker.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.tick); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("background reconcile scheduled", "schedule", s.schedule)
	return nil
}

// Stop stops the ticker and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	sessions, err := s.sessions.List(ctx)
	if err != nil {
		slog.Error("background reconcile: list sessions", "error", err)
		return
	}

	for _, sess := range sessions {
		if sess.Status != types.SessionActive {
			continue
		}
		report, err := s.rec.Reconcile(ctx, sess.ID)
		if err != nil {
			slog.Error("background reconcile failed", "session_id", string(sess.ID), "error", err)
			continue
		}
		if report.InconsistenciesFound > 0 {
			slog.Info("background reconcile repaired",
				"session_id", string(sess.ID),
				"found", report.InconsistenciesFound,
				"repaired", report.Repaired)
		}
	}
}
