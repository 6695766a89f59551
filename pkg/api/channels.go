package api

import (
	"github.com/juju/errors"
	"github.com/valyala/fasthttp"

	"pulsespace/pkg/models"
	"pulsespace/pkg/store"
)

type createChannelRequest struct {
	WorkspaceID int64  `json:"workspaceId"`
	Name        string `json:"name"`
	Visibility  string `json:"visibility"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Color       string `json:"color"`
}

func (s *Server) CreateChannel(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	var req createChannelRequest
	if !decodeBody(ctx, &req) {
		return
	}
	if req.WorkspaceID <= 0 {
		fail(ctx, errors.NotValidf("workspaceId %d", req.WorkspaceID))
		return
	}
	vis, valid := models.ParseVisibility(req.Visibility)
	if !valid {
		fail(ctx, errors.NotValidf("visibility %q", req.Visibility))
		return
	}
	ch, err := s.deps.Store.CreateChannel(me, store.NewChannel{
		WorkspaceID: req.WorkspaceID,
		Name:        req.Name,
		Visibility:  vis,
		Description: req.Description,
		Icon:        req.Icon,
		Color:       req.Color,
	})
	if err != nil {
		fail(ctx, err, errorCase{errors.Forbidden, fasthttp.StatusForbidden, "NOT_MEMBER"})
		return
	}
	respond(ctx, fasthttp.StatusCreated, ch)
}

// ListChannels returns the visible channels of a workspace, newest first,
// with the caller's unread state folded in.
func (s *Server) ListChannels(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	wsID, ok := param(ctx, "workspaceId")
	if !ok {
		return
	}
	list, err := s.deps.Store.VisibleChannels(me, wsID)
	if err != nil {
		fail(ctx, err, errorCase{errors.Forbidden, fasthttp.StatusForbidden, "NOT_MEMBER"})
		return
	}
	for i := range list {
		u := s.withPending(me, models.Unread{
			ChannelID:         list[i].ID,
			LastReadMessageID: list[i].LastReadMessageID,
			UnreadCount:       list[i].UnreadCount,
		})
		list[i].LastReadMessageID = u.LastReadMessageID
		list[i].UnreadCount = u.UnreadCount
	}
	respond(ctx, fasthttp.StatusOK, list)
}

func (s *Server) AddChannelMember(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	chID, ok := param(ctx, "channelId")
	if !ok {
		return
	}
	var req inviteRequest
	if !decodeBody(ctx, &req) {
		return
	}
	m, err := s.deps.Store.AddChannelMember(me, chID, req.Email)
	if err != nil {
		fail(ctx, err, inviteCases...)
		return
	}
	respond(ctx, fasthttp.StatusCreated, m)
}

func (s *Server) ChannelMembers(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	chID, ok := param(ctx, "channelId")
	if !ok {
		return
	}
	list, err := s.deps.Store.ChannelMembers(me, chID)
	if err != nil {
		fail(ctx, err)
		return
	}
	respond(ctx, fasthttp.StatusOK, list)
}

func (s *Server) ChannelRole(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	chID, ok := param(ctx, "channelId")
	if !ok {
		return
	}
	role, err := s.deps.Store.ChannelRole(chID, me)
	if err != nil {
		fail(ctx, err, errorCase{errors.Forbidden, fasthttp.StatusForbidden, "NOT_MEMBER"})
		return
	}
	respond(ctx, fasthttp.StatusOK, roleResponse{Role: string(role)})
}
