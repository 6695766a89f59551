package maintenance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"pulsespace/pkg/logger"
	"pulsespace/pkg/telemetry"
)

const maxConsecutiveRenewFails = 3

// runOnce acquires the lease, purges expired dedupe records, compacts and
// writes audit records around the work.
func (m *Manager) runOnce(ctx context.Context) (Report, error) {
	rep := Report{RunID: uuid.NewString(), StartedAt: m.clk.Now()}
	ttl := m.cfg.LockTTL.Duration()
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	owner := uuid.NewString()
	acq, err := m.lease.Acquire(owner, ttl)
	if err != nil {
		telemetry.MaintenanceRuns.WithLabelValues("error").Inc()
		return rep, errors.Annotate(err, "lease acquire")
	}
	if !acq {
		rep.Skipped = true
		telemetry.MaintenanceRuns.WithLabelValues("skipped").Inc()
		return rep, nil
	}
	defer func() {
		if err := m.lease.Release(owner); err != nil {
			logger.Error("maintenance_lease_release_error", "error", err)
		}
	}()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	hbDone := make(chan struct{})
	go m.renewLoop(runCtx, runCancel, owner, ttl, hbDone)
	defer func() {
		runCancel()
		<-hbDone
	}()

	logger.AuditInfo("maintenance_audit_header",
		"run_id", rep.RunID,
		"owner", owner,
		"started_at", rep.StartedAt.Format(time.RFC3339),
		"dedupe_ttl", m.cfg.DedupeTTL.Duration().String(),
		"skip_compact", m.cfg.SkipCompact,
	)

	err = m.work(runCtx, &rep)
	rep.Duration = m.clk.Now().Sub(rep.StartedAt)

	status := "success"
	if err != nil {
		status = "failed"
	}
	footer := []any{
		"run_id", rep.RunID,
		"status", status,
		"dedupe_purged", rep.DedupePurged,
		"compacted", rep.Compacted,
		"duration", rep.Duration.String(),
	}
	if err != nil {
		footer = append(footer, "error", err.Error())
	}
	logger.AuditInfo("maintenance_audit_footer", footer...)
	telemetry.MaintenanceRuns.WithLabelValues(status).Inc()
	logger.Info("maintenance_run_complete", footer...)
	return rep, err
}

func (m *Manager) work(ctx context.Context, rep *Report) error {
	cutoff := m.clk.Now().Add(-m.cfg.DedupeTTL.Duration())
	n, err := m.store.PurgeDedupe(cutoff)
	rep.DedupePurged = n
	if err != nil {
		return errors.Annotate(err, "purge dedupe")
	}
	if m.cfg.SkipCompact {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Annotate(err, "maintenance run aborted")
	}
	if err := m.store.Compact(); err != nil {
		return errors.Annotate(err, "compact")
	}
	rep.Compacted = true
	return nil
}

// renewLoop keeps the lease alive and cancels the run after repeated
// renewal failures.
func (m *Manager) renewLoop(ctx context.Context, abort context.CancelFunc, owner string, ttl time.Duration, done chan<- struct{}) {
	defer close(done)
	var fails int
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clk.After(ttl / 3):
		}
		if err := m.lease.Renew(owner, ttl); err != nil {
			fails++
			logger.Error("maintenance_lease_renew_failed", "error", err, "count", fails)
			if fails >= maxConsecutiveRenewFails {
				logger.Error("maintenance_lease_lost", "owner", owner)
				abort()
				return
			}
			continue
		}
		fails = 0
	}
}
