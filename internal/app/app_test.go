package app

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"pulsespace/pkg/config"
	"pulsespace/pkg/state"
)

func testEffective(t *testing.T) config.EffectiveConfigResult {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Server.DBPath = dir
	cfg.Security.JWT.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Security.APIKeys.Admin = []string{"admin-key"}
	eff := config.EffectiveConfigResult{Config: cfg, Addr: cfg.Addr(), DBPath: dir, Source: "test"}
	require.NoError(t, config.ValidateConfig(eff))
	require.NoError(t, state.Init(dir))
	return eff
}

// state.Init runs once per process, so a single test drives the whole
// lifecycle.
func TestAppLifecycle(t *testing.T) {
	a, err := New(testEffective(t), "test", "none", "unknown")
	require.NoError(t, err)
	require.NotNil(t, a.gateway)
	require.NotNil(t, a.tracker)

	var names []string
	for _, s := range a.shutdownSteps() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"rest listener", "realtime listener", "realtime gateway", "read tracker",
		"security middleware", "maintenance", "disk sensor", "store", "telemetry",
	}, names)

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: a.restHandler()}
	go func() { _ = srv.Serve(ln) }()
	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}

	get := func(path string, header map[string]string) int {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		req.SetRequestURI("http://pulsespace.test" + path)
		for k, v := range header {
			req.Header.Set(k, v)
		}
		require.NoError(t, client.DoTimeout(req, resp, 5*time.Second))
		return resp.StatusCode()
	}

	assert.Equal(t, fasthttp.StatusOK, get("/healthz", nil))
	assert.Equal(t, fasthttp.StatusUnauthorized, get("/api/workspaces", nil))
	assert.Equal(t, fasthttp.StatusOK, get("/admin/stats", map[string]string{"Authorization": "Bearer admin-key"}))

	require.NoError(t, srv.Shutdown())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	assert.Equal(t, "stopped", a.state)
}
