// Package api serves the REST surface: accounts, workspaces, channels,
// message history with a publish fallback, read positions and operator
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"pulsespace/internal/maintenance"
	"pulsespace/pkg/auth"
	"pulsespace/pkg/models"
	"pulsespace/pkg/router"
	"pulsespace/pkg/store"
	"pulsespace/pkg/telemetry"
	"pulsespace/pkg/utils"
)

// MaxBodyBytes caps request bodies accepted by the JSON handlers.
const MaxBodyBytes = 64 << 10

// Publisher appends and broadcasts a message; the realtime gateway
// implements it so REST posts reach live subscribers.
type Publisher interface {
	Publish(ctx context.Context, memberID int64, in store.NewMessage) (models.Message, bool, error)
}

// ReadMarker accepts debounced read positions.
type ReadMarker interface {
	MarkRead(memberID, channelID, messageID int64) error
	Pending(memberID, channelID int64) (int64, bool)
}

// Readiness reports whether the process should stop taking traffic.
type Readiness interface {
	Alerting() bool
}

// Maintainer runs housekeeping on demand.
type Maintainer interface {
	RunNow(ctx context.Context) (maintenance.Report, error)
}

// Deps are the collaborators of the REST handlers. Readiness, Maintainer
// and Connections may be nil.
type Deps struct {
	Store       *store.Store
	Tokens      *auth.Tokens
	Publisher   Publisher
	Reads       ReadMarker
	Readiness   Readiness
	Maintainer  Maintainer
	Connections func() int
}

type Server struct {
	deps Deps
}

func New(d Deps) *Server {
	return &Server{deps: d}
}

// wrapHTTPHandler adapts a net/http handler to fasthttp.
func wrapHTTPHandler(h http.Handler) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(h)
}

// tracked wraps h with a telemetry trace named after the route.
func tracked(name string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tr := telemetry.Track("api." + name)
		defer tr.Finish()
		h(ctx)
	}
}

// RegisterRoutes wires all routes onto r.
func (s *Server) RegisterRoutes(r *router.Router) {
	r.GET("/healthz", s.Healthz)
	r.GET("/readyz", s.Readyz)

	// auth
	r.POST("/api/auth/signup", tracked("signup", s.Signup))
	r.POST("/api/auth/login", tracked("login", s.Login))

	// workspaces
	r.POST("/api/workspaces", tracked("workspace_create", s.CreateWorkspace))
	r.GET("/api/workspaces", tracked("workspace_list", s.ListWorkspaces))
	r.POST("/api/workspaces/{workspaceId}/members", tracked("workspace_invite", s.InviteWorkspaceMember))
	r.GET("/api/workspaces/{workspaceId}/members", tracked("workspace_members", s.WorkspaceMembers))
	r.GET("/api/workspaces/{workspaceId}/my-role", tracked("workspace_role", s.WorkspaceRole))

	// channels; the workspace listing must precede the {channelId} routes
	r.POST("/api/channels", tracked("channel_create", s.CreateChannel))
	r.GET("/api/channels/workspaces/{workspaceId}/channels", tracked("channel_list", s.ListChannels))
	r.POST("/api/channels/{channelId}/members", tracked("channel_invite", s.AddChannelMember))
	r.GET("/api/channels/{channelId}/members", tracked("channel_members", s.ChannelMembers))
	r.GET("/api/channels/{channelId}/my-role", tracked("channel_role", s.ChannelRole))

	// messages and read positions
	r.GET("/api/channels/{channelId}/messages", tracked("history", s.History))
	r.POST("/api/channels/{channelId}/messages", tracked("post_message", s.PostMessage))
	r.POST("/api/channels/{channelId}/read", tracked("mark_read", s.MarkRead))
	r.GET("/api/channels/{channelId}/unread", tracked("unread", s.Unread))
	r.GET("/api/messages/channels/{channelId}/messages", tracked("history", s.History))
	r.PATCH("/api/messages/channels/{channelId}/read", tracked("mark_read", s.MarkRead))

	// admin
	r.GET("/admin/stats", s.Stats)
	r.POST("/admin/maintenance/run", s.RunMaintenance)
	r.GET("/admin/metrics", wrapHTTPHandler(promhttp.Handler()))
	r.GET("/admin/debug/pprof", wrapHTTPHandler(http.HandlerFunc(pprof.Index)))
	r.GET("/admin/debug/pprof/cmdline", wrapHTTPHandler(http.HandlerFunc(pprof.Cmdline)))
	r.GET("/admin/debug/pprof/profile", wrapHTTPHandler(http.HandlerFunc(pprof.Profile)))
	r.GET("/admin/debug/pprof/symbol", wrapHTTPHandler(http.HandlerFunc(pprof.Symbol)))
	r.GET("/admin/debug/pprof/trace", wrapHTTPHandler(http.HandlerFunc(pprof.Trace)))
	r.GET("/admin/debug/pprof/{profile}", namedProfile)
}

// namedProfile serves runtime/pprof profiles such as heap or goroutine.
func namedProfile(ctx *fasthttp.RequestCtx) {
	name, _ := ctx.UserValue("profile").(string)
	wrapHTTPHandler(pprof.Handler(name))(ctx)
}

// Handler returns the routed fasthttp handler without middleware.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	s.RegisterRoutes(r)
	r.NotFound(func(ctx *fasthttp.RequestCtx) {
		utils.JSONErrorFast(ctx, fasthttp.StatusNotFound, "NOT_FOUND", "no such route")
	})
	r.MethodNotAllowed(func(ctx *fasthttp.RequestCtx) {
		utils.JSONErrorFast(ctx, fasthttp.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r.Handler
}

// decodeBody reads the JSON body into v. It writes the error response
// itself and reports false when the handler should stop.
func decodeBody(ctx *fasthttp.RequestCtx, v any) bool {
	body := ctx.PostBody()
	if len(body) > MaxBodyBytes {
		utils.JSONErrorFast(ctx, fasthttp.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
		return false
	}
	if len(body) == 0 {
		utils.JSONErrorFast(ctx, fasthttp.StatusBadRequest, "INVALID_ARGUMENT", "request body is required")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		utils.JSONErrorFast(ctx, fasthttp.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// member returns the authenticated caller or writes 401.
func member(ctx *fasthttp.RequestCtx) (int64, bool) {
	id, err := auth.MemberFromCtx(ctx)
	if err != nil {
		utils.WriteErrorFast(ctx, err)
		return 0, false
	}
	return id, true
}

// param reads a positive id path parameter or writes 400.
func param(ctx *fasthttp.RequestCtx, name string) (int64, bool) {
	id, err := router.Int64Param(ctx, name)
	if err != nil {
		utils.WriteErrorFast(ctx, err)
		return 0, false
	}
	return id, true
}

// queryInt64 reads an optional non-negative integer query argument.
func queryInt64(ctx *fasthttp.RequestCtx, name string) (int64, error) {
	raw := ctx.QueryArgs().Peek(name)
	if len(raw) == 0 {
		return 0, nil
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || v < 0 {
		return 0, errors.NotValidf("%s %q", name, raw)
	}
	return v, nil
}

// respond writes v as JSON with status.
func respond(ctx *fasthttp.RequestCtx, status int, v any) {
	_ = utils.JSONWriteFast(ctx, status, v)
}

// errorCase maps one error type to a specific status and code.
type errorCase struct {
	kind   errors.ConstError
	status int
	code   string
}

// fail writes err using the first matching case, or the generic mapping.
func fail(ctx *fasthttp.RequestCtx, err error, cases ...errorCase) {
	for _, c := range cases {
		if errors.Is(err, c.kind) {
			utils.JSONErrorFast(ctx, c.status, c.code, err.Error())
			return
		}
	}
	utils.WriteErrorFast(ctx, err)
}
