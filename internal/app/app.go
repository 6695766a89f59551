package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/valyala/fasthttp"

	"pulsespace/internal/maintenance"
	"pulsespace/pkg/auth"
	"pulsespace/pkg/config"
	"pulsespace/pkg/gateway"
	"pulsespace/pkg/logger"
	"pulsespace/pkg/reads"
	"pulsespace/pkg/registry"
	"pulsespace/pkg/sensor"
	"pulsespace/pkg/state"
	"pulsespace/pkg/store"
	"pulsespace/pkg/telemetry"
	"pulsespace/pkg/timeutil"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	store    *store.Store
	tokens   *auth.Tokens
	registry *registry.Registry
	gateway  *gateway.Gateway
	tracker  *reads.Tracker
	maint    *maintenance.Manager
	hwSensor *sensor.Sensor
	security *auth.Middleware

	srvFast     *fasthttp.Server
	srvRealtime *http.Server
	state       string
}

// New opens the store and builds every component without starting any
// listener or background loop. Run starts those.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	cfg := eff.Config
	config.SetRuntime(cfg)

	if err := timeutil.SetZone(cfg.Time.Zone); err != nil {
		return nil, errors.Annotatef(err, "time zone %q", cfg.Time.Zone)
	}

	if state.PathsVar.Store == "" {
		return nil, errors.New("state paths not initialized")
	}
	if err := logger.AttachAuditFileSink(state.PathsVar.Audit); err != nil {
		return nil, errors.Annotate(err, "attach audit sink")
	}
	if err := telemetry.Init(telemetry.Options{
		Dir:           state.PathsVar.Tel,
		BufferSize:    int(cfg.Telemetry.BufferSize.Int64()),
		QueueCapacity: cfg.Telemetry.QueueCapacity,
		FlushInterval: cfg.Telemetry.FlushInterval.Duration(),
		MaxFileSize:   cfg.Telemetry.FileMaxSize.Int64(),
		SlowThreshold: cfg.Telemetry.SlowThreshold.Duration(),
	}); err != nil {
		return nil, errors.Annotate(err, "init telemetry")
	}

	tokens, err := auth.NewTokens(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, cfg.Security.JWT.TTL.Duration())
	if err != nil {
		return nil, errors.Trace(err)
	}

	st, err := store.Open(state.PathsVar.Store)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open pebble at %s", state.PathsVar.Store)
	}

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		store:     st,
		tokens:    tokens,
		registry:  registry.New(cfg.Realtime.SendQueue),
	}

	rt := cfg.Realtime
	a.gateway = gateway.New(gateway.Config{
		Heartbeat:       rt.Heartbeat.Duration(),
		WriteTimeout:    rt.WriteTimeout.Duration(),
		MaxFrameBytes:   rt.MaxFrameBytes.Int64(),
		FramesPerSecond: rt.FramesPerSecond,
		FrameBurst:      rt.FrameBurst,
		MaxDecodeErrors: rt.MaxDecodeErrors,
		MaxContentRunes: rt.MaxContentRunes,
		AllowedOrigins:  append([]string{}, rt.AllowedOrigins...),
	}, st, tokens, a.registry)

	a.tracker, err = reads.NewTracker(reads.Config{
		Window:    cfg.Reads.Debounce.Duration(),
		Persister: st,
		OnAdvance: a.gateway.ReadAdvanced,
	})
	if err != nil {
		_ = st.Close()
		return nil, errors.Trace(err)
	}
	a.gateway.SetReadMarker(a.tracker)

	mon := cfg.Sensor.Monitor
	a.hwSensor = sensor.NewSensor(state.PathsVar.DB, sensor.MonitorConfig{
		PollInterval:   mon.PollInterval.Duration(),
		DiskHighPct:    mon.DiskHighPct,
		DiskLowPct:     mon.DiskLowPct,
		RecoveryWindow: mon.RecoveryWindow.Duration(),
	})
	a.maint = maintenance.New(cfg.Maintenance, st, state.PathsVar.Maintenance, nil)

	logConfigSummary(cfg, st)
	return a, nil
}

func logConfigSummary(cfg *config.Config, st *store.Store) {
	items := []string{
		fmt.Sprintf("rest_addr: %s", cfg.Addr()),
		fmt.Sprintf("realtime_addr: %s%s", cfg.RealtimeAddr(), cfg.Realtime.Path),
		fmt.Sprintf("heartbeat: %s", cfg.Realtime.Heartbeat.Duration()),
		fmt.Sprintf("max_frame: %s", humanize.IBytes(uint64(cfg.Realtime.MaxFrameBytes.Int64()))),
		fmt.Sprintf("send_queue: %s", humanize.Comma(int64(cfg.Realtime.SendQueue))),
		fmt.Sprintf("read_debounce: %s", cfg.Reads.Debounce.Duration()),
		fmt.Sprintf("catchup_limit: %d", cfg.Catchup.Limit),
		fmt.Sprintf("time_zone: %s", cfg.Time.Zone),
		fmt.Sprintf("store_size: %s", humanize.Bytes(st.DiskUsage())),
	}
	logger.LogConfigSummary("config_runtime_summary", items)
}

// Run starts maintenance, the disk sensor and both listeners, then blocks
// until ctx is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()
	a.state = "starting"

	if err := a.maint.Start(ctx); err != nil {
		return errors.Annotate(err, "start maintenance")
	}
	a.hwSensor.Start()

	restErr := a.startHTTP(ctx)
	rtErr := a.startRealtime(ctx)
	a.state = "running"
	logger.Info("server_started", "rest", a.eff.Config.Addr(), "realtime", a.eff.Config.RealtimeAddr())

	select {
	case <-ctx.Done():
		return nil
	case err := <-restErr:
		return errors.Annotate(err, "rest listener")
	case err := <-rtErr:
		return errors.Annotate(err, "realtime listener")
	}
}
