package utils

import (
	"encoding/json"
	"net/http"

	"pulsespace/pkg/logger"

	"github.com/juju/errors"
	"github.com/valyala/fasthttp"
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// JSONErrorFast writes a JSON error response using fasthttp.
func JSONErrorFast(ctx *fasthttp.RequestCtx, status int, code, message string) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	_ = json.NewEncoder(ctx).Encode(ErrorBody{Error: message, Code: code})
}

// JSONWriteFast writes a JSON response with the provided status code.
func JSONWriteFast(ctx *fasthttp.RequestCtx, status int, v interface{}) error {
	ctx.SetContentType("application/json")
	if status != 0 {
		ctx.SetStatusCode(status)
	}
	return json.NewEncoder(ctx).Encode(v)
}

// JSONErrorHTTP is JSONErrorFast for net/http handlers.
func JSONErrorHTTP(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: message, Code: code})
}

// StatusFor maps an error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errors.Unauthorized):
		return fasthttp.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, errors.Forbidden):
		return fasthttp.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, errors.NotFound), errors.Is(err, errors.UserNotFound):
		return fasthttp.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, errors.AlreadyExists):
		return fasthttp.StatusBadRequest, "ALREADY_EXISTS"
	case errors.Is(err, errors.NotValid), errors.Is(err, errors.BadRequest):
		return fasthttp.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, errors.QuotaLimitExceeded):
		return fasthttp.StatusTooManyRequests, "RESOURCE_EXHAUSTED"
	default:
		return fasthttp.StatusInternalServerError, "INTERNAL"
	}
}

// WriteErrorFast maps err onto the response. Internal errors are logged and
// their text is not exposed.
func WriteErrorFast(ctx *fasthttp.RequestCtx, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	if status == fasthttp.StatusInternalServerError {
		logger.Error("request_failed", "method", string(ctx.Method()), "path", string(ctx.Path()), "error", errors.Details(err))
		msg = "internal error"
	}
	JSONErrorFast(ctx, status, code, msg)
}
