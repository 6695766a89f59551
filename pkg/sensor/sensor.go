package sensor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"pulsespace/pkg/logger"
	"pulsespace/pkg/telemetry"
)

// Sensor polls disk usage of the volume holding the database and raises
// an alert with hysteresis.
type Sensor struct {
	config    MonitorConfig
	path      string
	statfs    func(path string) (usedPct float64, err error)
	now       func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	mu        sync.Mutex
	diskAlert bool
	lowSince  time.Time
	lastPct   float64
}

type MonitorConfig struct {
	PollInterval   time.Duration
	DiskHighPct    int
	DiskLowPct     int
	RecoveryWindow time.Duration
}

func NewSensor(path string, config MonitorConfig) *Sensor {
	return &Sensor{
		config: config,
		path:   path,
		statfs: diskUsedPct,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

func (s *Sensor) Start() {
	s.check()
	go s.run()
}

func (s *Sensor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Alerting reports whether disk usage crossed the high watermark and has
// not yet recovered.
func (s *Sensor) Alerting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diskAlert
}

// UsedPercent returns the last observed disk usage.
func (s *Sensor) UsedPercent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPct
}

func (s *Sensor) run() {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.check()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sensor) check() {
	usedPct, err := s.statfs(s.path)
	if err != nil {
		logger.Warn("sensor_disk_stat_failed", "path", s.path, "error", err)
		return
	}
	now := s.now()
	telemetry.DiskUsedPercent.Set(usedPct)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPct = usedPct

	switch {
	case usedPct > float64(s.config.DiskHighPct):
		s.lowSince = time.Time{}
		if !s.diskAlert {
			logger.Warn("disk_usage_high", "used_pct", usedPct, "threshold_pct", s.config.DiskHighPct)
			s.diskAlert = true
		}
	case usedPct < float64(s.config.DiskLowPct) && s.diskAlert:
		if s.lowSince.IsZero() {
			s.lowSince = now
		}
		if now.Sub(s.lowSince) >= s.config.RecoveryWindow {
			logger.Info("disk_usage_recovered", "used_pct", usedPct, "below_pct", s.config.DiskLowPct, "window", s.config.RecoveryWindow)
			s.diskAlert = false
			s.lowSince = time.Time{}
		}
	default:
		s.lowSince = time.Time{}
	}
}

func diskUsedPct(path string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	available := stat.Bavail * uint64(stat.Bsize)
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}
	return float64(total-available) / float64(total) * 100, nil
}
