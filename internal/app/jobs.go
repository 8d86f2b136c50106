/**
 * @description
 * Scheduled job implementations for the rewards-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/rewards-service/internal/ledger"
)

const defaultAuditTimeout = 10 * time.Minute

// Auditor is the part of the service the audit job drives.
type Auditor interface {
	AuditLedger(ctx context.Context) (ledger.AuditReport, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	auditor Auditor
	logger  *slog.Logger
	timeout time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(auditor Auditor, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{auditor: auditor, logger: logger, timeout: defaultAuditTimeout}
}

// AuditLedger reconciles every wallet with its transaction log. Violations have
// already been alerted on by the time this returns; the job only reports the pass.
func (j *Jobs) AuditLedger() {
	j.logger.Info("starting ledger audit job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	report, err := j.auditor.AuditLedger(ctx)
	if err != nil {
		j.logger.Error("ledger audit job failed", "checked", report.Checked, "error", err)
		return
	}
	if !report.OK() {
		j.logger.Error("ledger audit found violations", "checked", report.Checked, "violations", len(report.Violations))
		return
	}

	j.logger.Info("ledger audit job finished",
		"checked", report.Checked, "duration", report.FinishedAt.Sub(report.StartedAt))
}
