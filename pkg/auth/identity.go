package auth

import (
	"github.com/juju/errors"
	"github.com/valyala/fasthttp"
)

const memberKey = "member_id"

// SetMember attaches the authenticated member id to the request.
func SetMember(ctx *fasthttp.RequestCtx, memberID int64) {
	ctx.SetUserValue(memberKey, memberID)
}

// MemberFromCtx returns the authenticated member id.
func MemberFromCtx(ctx *fasthttp.RequestCtx) (int64, error) {
	id, ok := ctx.UserValue(memberKey).(int64)
	if !ok || id <= 0 {
		return 0, errors.Unauthorizedf("no authenticated member")
	}
	return id, nil
}
