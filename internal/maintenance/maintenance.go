// Package maintenance runs periodic housekeeping against the message store:
// expiring publish dedupe records and compacting the keyspace.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"pulsespace/pkg/config"
	"pulsespace/pkg/logger"
)

// ErrRunInProgress is returned by RunNow while another run holds the lease.
const ErrRunInProgress = errors.ConstError("maintenance run in progress")

// Store is the part of the message store maintenance works on.
type Store interface {
	PurgeDedupe(cutoff time.Time) (int, error)
	Compact() error
}

// Report summarizes one run.
type Report struct {
	RunID        string        `json:"runId"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"durationNs"`
	DedupePurged int           `json:"dedupePurged"`
	Compacted    bool          `json:"compacted"`
	// Skipped is set when another process held the lease.
	Skipped bool `json:"skipped"`
}

type Manager struct {
	cfg   config.MaintenanceConfig
	store Store
	lease *fileLease
	clk   clock.Clock

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a manager that keeps its lease under dir.
func New(cfg config.MaintenanceConfig, st Store, dir string, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Manager{
		cfg:   cfg,
		store: st,
		lease: newFileLease(dir, clk.Now),
		clk:   clk,
	}
}

// Start launches the cron loop. It is a no-op when maintenance is disabled.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		logger.Info("maintenance_disabled")
		return nil
	}
	if !gronx.IsValid(m.cfg.Cron) {
		return errors.NotValidf("maintenance cron %q", m.cfg.Cron)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.AlreadyExistsf("maintenance scheduler")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	logger.Info("maintenance_enabled", "cron", m.cfg.Cron)
	go m.scheduleLoop(ctx)
	return nil
}

// Stop ends the cron loop and waits for an in-flight scheduled run.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) scheduleLoop(ctx context.Context) {
	defer close(m.done)
	for {
		now := m.clk.Now()
		next, err := gronx.NextTickAfter(m.cfg.Cron, now, false)
		if err != nil {
			logger.Error("maintenance_nexttick_failed", "cron", m.cfg.Cron, "error", err)
			select {
			case <-m.clk.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		wait := next.Sub(now)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-m.clk.After(wait):
			if _, err := m.RunNow(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
				logger.Error("maintenance_run_error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs a run immediately. Overlapping calls in the same process
// fail with ErrRunInProgress; a lease held by another process yields a
// Skipped report.
func (m *Manager) RunNow(ctx context.Context) (Report, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return Report{}, errors.WithType(errors.New("maintenance already running"), ErrRunInProgress)
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()
	return m.runOnce(ctx)
}
