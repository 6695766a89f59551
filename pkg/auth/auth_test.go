package auth

import (
	"testing"
	"time"

	"pulsespace/pkg/models"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

const secret = "0123456789abcdef0123"

func TestTokenRoundTrip(t *testing.T) {
	tok, err := NewTokens(secret, "", time.Hour)
	require.NoError(t, err)
	raw, exp, err := tok.Issue(models.User{ID: 7, Email: "ann@example.com", Name: "Ann"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	id, err := tok.ResolveIdentity(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	c, err := tok.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "Ann", c.Name)
}

func TestTokenRejections(t *testing.T) {
	tok, err := NewTokens(secret, "", time.Minute)
	require.NoError(t, err)
	raw, _, err := tok.Issue(models.User{ID: 1})
	require.NoError(t, err)

	other, err := NewTokens("another-secret-value", "", time.Minute)
	require.NoError(t, err)
	_, err = other.ResolveIdentity(raw)
	assert.True(t, errors.Is(err, errors.Unauthorized))

	tok.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = tok.ResolveIdentity(raw)
	assert.True(t, errors.Is(err, errors.Unauthorized), "expired")

	_, err = tok.ResolveIdentity("")
	assert.True(t, errors.Is(err, errors.Unauthorized))

	_, err = NewTokens("short", "", 0)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
}

func TestPasswords(t *testing.T) {
	h, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.NoError(t, CheckPassword(h, "correct horse"))
	assert.True(t, errors.Is(CheckPassword(h, "wrong horse"), errors.Unauthorized))

	_, err = HashPassword("short")
	assert.True(t, errors.Is(err, errors.NotValid))
}

func serve(h fasthttp.RequestHandler, method, path string, headers map[string]string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	for k, v := range headers {
		ctx.Request.Header.Set(k, v)
	}
	h(&ctx)
	return &ctx
}

func TestMiddleware(t *testing.T) {
	tok, err := NewTokens(secret, "", time.Hour)
	require.NoError(t, err)
	m := NewMiddleware(SecConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AdminKeys:      KeySet([]string{"admin-key"}),
		Tokens:         tok,
	})
	defer m.Close()

	var seen int64
	h := m.Wrap(func(ctx *fasthttp.RequestCtx) {
		seen, _ = MemberFromCtx(ctx)
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := serve(h, "GET", "/healthz", nil)
	assert.Equal(t, 200, ctx.Response.StatusCode())

	ctx = serve(h, "OPTIONS", "/api/channels", map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, 204, ctx.Response.StatusCode())
	assert.Equal(t, "https://app.example.com", string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")))

	ctx = serve(h, "GET", "/api/workspaces", nil)
	assert.Equal(t, 401, ctx.Response.StatusCode())

	ctx = serve(h, "POST", "/api/auth/login", nil)
	assert.Equal(t, 200, ctx.Response.StatusCode())

	raw, _, err := tok.Issue(models.User{ID: 9})
	require.NoError(t, err)
	ctx = serve(h, "GET", "/api/workspaces", map[string]string{"Authorization": "Bearer " + raw})
	assert.Equal(t, 200, ctx.Response.StatusCode())
	assert.Equal(t, int64(9), seen)

	ctx = serve(h, "GET", "/admin/stats", map[string]string{"Authorization": "Bearer " + raw})
	assert.Equal(t, 401, ctx.Response.StatusCode())
	ctx = serve(h, "GET", "/admin/stats", map[string]string{"X-API-Key": "admin-key"})
	assert.Equal(t, 200, ctx.Response.StatusCode())
}

func TestMiddlewareRateLimits(t *testing.T) {
	m := NewMiddleware(SecConfig{RPS: 1, Burst: 2, Clock: testclock.NewClock(time.Now())})
	defer m.Close()
	h := m.Wrap(func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(200) })
	for i := 0; i < 2; i++ {
		assert.Equal(t, 200, serve(h, "POST", "/api/auth/login", nil).Response.StatusCode())
	}
	assert.Equal(t, 429, serve(h, "POST", "/api/auth/login", nil).Response.StatusCode())
}

func TestMiddlewareIPWhitelist(t *testing.T) {
	m := NewMiddleware(SecConfig{IPWhitelist: []string{"10.0.0.1"}})
	defer m.Close()
	h := m.Wrap(func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(200) })
	assert.Equal(t, 403, serve(h, "GET", "/healthz", nil).Response.StatusCode())
}

func TestLimiterPoolEvictsIdle(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	p := newLimiterPool(10, 10, clk)
	defer p.Close()
	p.Allow("a")
	clk.Advance(5 * time.Minute)
	p.Allow("b")
	clk.Advance(6 * time.Minute)
	assert.Equal(t, 1, p.evictIdle())
	assert.Equal(t, 1, p.size())
}

func TestOriginChecker(t *testing.T) {
	check := OriginChecker([]string{"https://app.example.com"})
	assert.True(t, check("", "ws.example.com"))
	assert.True(t, check("https://app.example.com", "ws.example.com"))
	assert.True(t, check("https://ws.example.com", "ws.example.com"))
	assert.False(t, check("https://evil.example.com", "ws.example.com"))
}
