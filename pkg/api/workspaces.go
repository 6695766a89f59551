package api

import (
	"github.com/juju/errors"
	"github.com/valyala/fasthttp"
)

type createWorkspaceRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type inviteRequest struct {
	Email string `json:"email"`
}

type roleResponse struct {
	Role string `json:"role"`
}

// invite errors shared by workspace and channel member routes
var inviteCases = []errorCase{
	{errors.UserNotFound, fasthttp.StatusNotFound, "EMAIL_NOT_FOUND"},
	{errors.AlreadyExists, fasthttp.StatusBadRequest, "DUPLICATE_MEMBER"},
}

func (s *Server) CreateWorkspace(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	var req createWorkspaceRequest
	if !decodeBody(ctx, &req) {
		return
	}
	w, err := s.deps.Store.CreateWorkspace(me, req.Name, req.Description)
	if err != nil {
		fail(ctx, err)
		return
	}
	respond(ctx, fasthttp.StatusCreated, w)
}

func (s *Server) ListWorkspaces(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	list, err := s.deps.Store.ListWorkspaces(me)
	if err != nil {
		fail(ctx, err)
		return
	}
	respond(ctx, fasthttp.StatusOK, list)
}

func (s *Server) InviteWorkspaceMember(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	wsID, ok := param(ctx, "workspaceId")
	if !ok {
		return
	}
	var req inviteRequest
	if !decodeBody(ctx, &req) {
		return
	}
	m, err := s.deps.Store.AddWorkspaceMember(me, wsID, req.Email)
	if err != nil {
		fail(ctx, err, inviteCases...)
		return
	}
	respond(ctx, fasthttp.StatusCreated, m)
}

func (s *Server) WorkspaceMembers(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	wsID, ok := param(ctx, "workspaceId")
	if !ok {
		return
	}
	list, err := s.deps.Store.WorkspaceMembers(me, wsID)
	if err != nil {
		fail(ctx, err, errorCase{errors.Forbidden, fasthttp.StatusForbidden, "NOT_MEMBER"})
		return
	}
	respond(ctx, fasthttp.StatusOK, list)
}

func (s *Server) WorkspaceRole(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	wsID, ok := param(ctx, "workspaceId")
	if !ok {
		return
	}
	role, err := s.deps.Store.WorkspaceRole(wsID, me)
	if err != nil {
		fail(ctx, err, errorCase{errors.Forbidden, fasthttp.StatusForbidden, "NOT_MEMBER"})
		return
	}
	respond(ctx, fasthttp.StatusOK, roleResponse{Role: string(role)})
}
