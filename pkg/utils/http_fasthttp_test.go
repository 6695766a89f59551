package utils

import (
	"encoding/json"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{errors.Unauthorizedf("token"), 401, "UNAUTHORIZED"},
		{errors.Forbiddenf("channel"), 403, "FORBIDDEN"},
		{errors.NotFoundf("channel 3"), 404, "NOT_FOUND"},
		{errors.NotValidf("limit"), 400, "INVALID_ARGUMENT"},
		{errors.AlreadyExistsf("member"), 400, "ALREADY_EXISTS"},
		{errors.QuotaLimitExceededf("rate"), 429, "RESOURCE_EXHAUSTED"},
		{errors.New("boom"), 500, "INTERNAL"},
	}
	for _, c := range cases {
		status, code := StatusFor(errors.Annotate(c.err, "ctx"))
		assert.Equal(t, c.status, status, c.code)
		assert.Equal(t, c.code, code)
	}
}

func TestWriteErrorFastHidesInternals(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteErrorFast(&ctx, errors.New("pebble: corrupted sstable"))
	assert.Equal(t, 500, ctx.Response.StatusCode())
	var body ErrorBody
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, "internal error", body.Error)
	assert.Equal(t, "INTERNAL", body.Code)
}
