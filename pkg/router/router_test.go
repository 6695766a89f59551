package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func request(r *Router, method, path string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	r.Handler(&ctx)
	return &ctx
}

func TestParamsAndMethods(t *testing.T) {
	r := New()
	var got int64
	r.GET("/api/channels/{channelId}/messages", func(ctx *fasthttp.RequestCtx) {
		id, err := Int64Param(ctx, "channelId")
		require.NoError(t, err)
		got = id
		ctx.SetStatusCode(fasthttp.StatusOK)
	})
	r.PATCH("/api/messages/channels/{channelId}/read", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusAccepted)
	})

	ctx := request(r, "GET", "/api/channels/42/messages?limit=3")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, int64(42), got)

	ctx = request(r, "PATCH", "/api/messages/channels/42/read")
	assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())

	ctx = request(r, "DELETE", "/api/channels/42/messages")
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())
	assert.Equal(t, "GET", string(ctx.Response.Header.Peek("Allow")))

	ctx = request(r, "GET", "/api/channels/42")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestInt64ParamRejectsGarbage(t *testing.T) {
	r := New()
	var err error
	r.GET("/x/{id}", func(ctx *fasthttp.RequestCtx) { _, err = Int64Param(ctx, "id") })
	request(r, "GET", "/x/abc")
	assert.Error(t, err)
	request(r, "GET", "/x/-1")
	assert.Error(t, err)
}

func TestRoutesListing(t *testing.T) {
	r := New()
	r.GET("/healthz", func(*fasthttp.RequestCtx) {})
	r.POST("/api/auth/login", func(*fasthttp.RequestCtx) {})
	assert.Equal(t, []string{"GET /healthz", "POST /api/auth/login"}, r.Routes())
}
