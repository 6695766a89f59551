package app

import (
	"context"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"pulsespace/pkg/api"
	"pulsespace/pkg/auth"
	"pulsespace/pkg/config/banner"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}

// restHandler builds the REST router wrapped in the security middleware.
func (a *App) restHandler() fasthttp.RequestHandler {
	cfg := a.eff.Config
	a.security = auth.NewMiddleware(auth.SecConfig{
		AllowedOrigins: append([]string{}, cfg.Security.CORS.AllowedOrigins...),
		RPS:            cfg.Security.RateLimit.RPS,
		Burst:          cfg.Security.RateLimit.Burst,
		IPWhitelist:    append([]string{}, cfg.Security.IPWhitelist...),
		AdminKeys:      auth.KeySet(cfg.Security.APIKeys.Admin),
		Tokens:         a.tokens,
	})

	srv := api.New(api.Deps{
		Store:       a.store,
		Tokens:      a.tokens,
		Publisher:   a.gateway,
		Reads:       a.tracker,
		Readiness:   a.hwSensor,
		Maintainer:  a.maint,
		Connections: a.gateway.Connections,
	})
	return a.security.Wrap(srv.Handler())
}

// startHTTP builds and starts the REST fasthttp server, returning a channel
// that delivers errors.
func (a *App) startHTTP(_ context.Context) <-chan error {
	cfg := a.eff.Config

	const (
		readBufferSize       = 64 * 1024
		readTimeout          = 10 * time.Second
		writeTimeout         = 10 * time.Second
		idleTimeout          = 30 * time.Second
		maxKeepaliveDuration = 2 * time.Minute
	)
	a.srvFast = &fasthttp.Server{
		Name:                 "pulsespace",
		Handler:              a.restHandler(),
		ReadBufferSize:       readBufferSize,
		MaxRequestBodySize:   api.MaxBodyBytes,
		ReduceMemoryUsage:    true,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MaxKeepaliveDuration: maxKeepaliveDuration,
	}

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Addr()
		tls := cfg.Server.TLS
		var err error
		if tls.CertFile != "" {
			err = a.srvFast.ListenAndServeTLS(addr, tls.CertFile, tls.KeyFile)
		} else {
			err = a.srvFast.ListenAndServe(addr)
		}
		if err != nil {
			errCh <- err
		}
	}()
	return errCh
}

// startRealtime serves the websocket gateway on its own listener. gorilla
// upgrades net/http connections, so this one is not fasthttp.
func (a *App) startRealtime(_ context.Context) <-chan error {
	cfg := a.eff.Config
	mux := http.NewServeMux()
	mux.Handle(cfg.Realtime.Path, a.gateway)

	a.srvRealtime = &http.Server{
		Addr:              cfg.RealtimeAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		tls := cfg.Server.TLS
		var err error
		if tls.CertFile != "" {
			err = a.srvRealtime.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.srvRealtime.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}
