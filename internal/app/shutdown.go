package app

import (
	"context"

	"github.com/juju/errors"

	"pulsespace/pkg/state/shutdown"
	"pulsespace/pkg/telemetry"
)

// Shutdown stops listeners first so no new work arrives, then drains the
// gateway and read tracker before closing the store. The caller syncs logs.
func (a *App) Shutdown(ctx context.Context) error {
	a.state = "shutting_down"
	err := shutdown.Run(ctx, a.shutdownSteps())
	if err == nil {
		a.state = "stopped"
	}
	return err
}

func (a *App) shutdownSteps() []shutdown.Step {
	return []shutdown.Step{
		{Name: "rest listener", Fn: func(ctx context.Context) error {
			if a.srvFast == nil {
				return nil
			}
			done := make(chan error, 1)
			go func() { done <- a.srvFast.Shutdown() }()
			select {
			case err := <-done:
				return errors.Trace(err)
			case <-ctx.Done():
				return errors.Annotate(ctx.Err(), "waiting for rest listener")
			}
		}},
		{Name: "realtime listener", Fn: func(ctx context.Context) error {
			if a.srvRealtime == nil {
				return nil
			}
			return errors.Trace(a.srvRealtime.Shutdown(ctx))
		}},
		{Name: "realtime gateway", Fn: func(ctx context.Context) error {
			return a.gateway.Close(ctx)
		}},
		{Name: "read tracker", Fn: func(context.Context) error {
			err := a.tracker.Flush()
			a.tracker.Close()
			return errors.Annotate(err, "flush read positions")
		}},
		{Name: "security middleware", Fn: func(context.Context) error {
			if a.security != nil {
				a.security.Close()
			}
			return nil
		}},
		{Name: "maintenance", Fn: func(context.Context) error {
			a.maint.Stop()
			return nil
		}},
		{Name: "disk sensor", Fn: func(context.Context) error {
			a.hwSensor.Stop()
			return nil
		}},
		{Name: "store", Fn: func(context.Context) error {
			return errors.Annotate(a.store.Close(), "close store")
		}},
		{Name: "telemetry", Fn: func(context.Context) error {
			telemetry.Close()
			return nil
		}},
	}
}
