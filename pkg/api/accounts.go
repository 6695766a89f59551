package api

import (
	"strings"

	"github.com/juju/errors"
	"github.com/valyala/fasthttp"

	"pulsespace/pkg/auth"
	"pulsespace/pkg/logger"
)

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID int64  `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

func (s *Server) Signup(ctx *fasthttp.RequestCtx) {
	var req signupRequest
	if !decodeBody(ctx, &req) {
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		fail(ctx, err)
		return
	}
	u, err := s.deps.Store.CreateUser(req.Email, req.Name, hash)
	if err != nil {
		fail(ctx, err, errorCase{errors.AlreadyExists, fasthttp.StatusBadRequest, "DUPLICATE_EMAIL"})
		return
	}
	logger.Info("user_signed_up", "user_id", u.ID)
	respond(ctx, fasthttp.StatusCreated, u.Public())
}

func (s *Server) Login(ctx *fasthttp.RequestCtx) {
	var req loginRequest
	if !decodeBody(ctx, &req) {
		return
	}
	u, err := s.deps.Store.GetUserByEmail(strings.TrimSpace(req.Email))
	if err != nil {
		fail(ctx, err, errorCase{errors.UserNotFound, fasthttp.StatusNotFound, "USER_NOT_FOUND"})
		return
	}
	if err := auth.CheckPassword(u.PasswordHash, req.Password); err != nil {
		fail(ctx, err, errorCase{errors.Unauthorized, fasthttp.StatusUnauthorized, "INVALID_PASSWORD"})
		return
	}
	token, _, err := s.deps.Tokens.Issue(u)
	if err != nil {
		fail(ctx, err)
		return
	}
	respond(ctx, fasthttp.StatusOK, loginResponse{Token: token, UserID: u.ID, Email: u.Email, Name: u.Name})
}
