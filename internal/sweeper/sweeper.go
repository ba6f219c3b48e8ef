// Package sweeper runs the periodic maintenance jobs: pending-call TTL
// collection, idle-session removal, and spool retention trimming.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wirebus/wirebus/internal/pending"
	"github.com/wirebus/wirebus/internal/session"
)

// Sweeper schedules the maintenance jobs on one cron runner.
type Sweeper struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates an idle sweeper.
func New(logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cron:   cron.New(),
		logger: logger.With("component", "sweeper"),
	}
}

// AddPendingSweep reclaims expired pending-call entries on schedule.
func (s *Sweeper) AddPendingSweep(schedule string, reg *pending.Registry) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if n := reg.Sweep(); n > 0 {
			s.logger.Info("pending calls swept", "count", n)
		}
	})
	return err
}

// AddIdleSessionSweep removes connection records inactive longer than
// maxIdle.
func (s *Sweeper) AddIdleSessionSweep(schedule string, table *session.Table, maxIdle time.Duration) error {
	_, err := s.cron.AddFunc(schedule, func() {
		table.SweepIdle(maxIdle)
	})
	return err
}

// AddSpoolTrim drops spooled results older than the retention window.
func (s *Sweeper) AddSpoolTrim(schedule string, spool *session.Spool, retention time.Duration) error {
	_, err := s.cron.AddFunc(schedule, func() {
		n, err := spool.TrimOlderThan(context.Background(), retention)
		if err != nil {
			s.logger.Error("spool trim failed", "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("spool trimmed", "count", n)
		}
	})
	return err
}

// Start begins running scheduled jobs.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started")
}

// Stop halts scheduling and waits for running jobs.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("sweeper stopped")
}
