/**
 * @description
 * Cron scheduler setup for the periodic ledger audit.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron          *cron.Cron
	jobs          *Jobs
	logger        *slog.Logger
	auditSchedule string
}

// NewScheduler creates a new scheduler instance. Overlapping audit runs are skipped.
func NewScheduler(jobs *Jobs, logger *slog.Logger, auditSchedule string) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:          c,
		jobs:          jobs,
		logger:        logger,
		auditSchedule: auditSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.auditSchedule, s.jobs.AuditLedger); err != nil {
		s.logger.Error("failed to schedule ledger audit job", "schedule", s.auditSchedule, "error", err)
		return err
	}
	s.logger.Info("scheduled ledger audit job", "schedule", s.auditSchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler. The returned context is done once
// running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
