package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pulsespace/pkg/models"
	"pulsespace/pkg/utils"

	"github.com/juju/errors"
	"github.com/valyala/fasthttp"
)

// DefaultRequestTimeout bounds REST calls whose context has no deadline.
const DefaultRequestTimeout = 10 * time.Second

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// LoginResult is the body of a successful login.
type LoginResult struct {
	Token  string `json:"token"`
	UserID int64  `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// API is a REST client. It implements catchup.Pager over the history
// endpoint.
type API struct {
	base    string
	token   string
	hc      *fasthttp.Client
	timeout time.Duration
}

// NewAPI returns a client for the server at baseURL (e.g.
// "http://localhost:8080").
func NewAPI(baseURL, token string) *API {
	return NewAPIWithClient(baseURL, token, &fasthttp.Client{
		Name:                "pulsespace-client",
		MaxIdleConnDuration: 30 * time.Second,
	})
}

// NewAPIWithClient is NewAPI over a caller-supplied fasthttp client.
func NewAPIWithClient(baseURL, token string, hc *fasthttp.Client) *API {
	return &API{base: strings.TrimRight(baseURL, "/"), token: token, hc: hc, timeout: DefaultRequestTimeout}
}

// SetToken replaces the bearer token used for later calls.
func (a *API) SetToken(token string) { a.token = token }

func errorFor(status int, body []byte) error {
	var eb utils.ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Code == "" {
		eb.Code = "HTTP_" + strconv.Itoa(status)
		eb.Error = strings.TrimSpace(string(body))
	}
	apiErr := &APIError{Status: status, Code: eb.Code, Message: eb.Error}
	switch status {
	case fasthttp.StatusUnauthorized:
		return errors.WithType(apiErr, errors.Unauthorized)
	case fasthttp.StatusForbidden:
		return errors.WithType(apiErr, errors.Forbidden)
	case fasthttp.StatusNotFound:
		return errors.WithType(apiErr, errors.NotFound)
	case fasthttp.StatusBadRequest:
		if strings.HasPrefix(eb.Code, "DUPLICATE_") {
			return errors.WithType(apiErr, errors.AlreadyExists)
		}
		return errors.WithType(apiErr, errors.NotValid)
	case fasthttp.StatusTooManyRequests:
		return errors.WithType(apiErr, errors.QuotaLimitExceeded)
	default:
		return apiErr
	}
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	uri := a.base + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return errors.Trace(err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	var err error
	if dl, ok := ctx.Deadline(); ok {
		err = a.hc.DoDeadline(req, resp, dl)
	} else {
		err = a.hc.DoTimeout(req, resp, a.timeout)
	}
	if err != nil {
		return errors.Annotatef(err, "%s %s", method, path)
	}

	status := resp.StatusCode()
	if status >= 300 {
		return errorFor(status, resp.Body())
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	return errors.Annotatef(json.Unmarshal(resp.Body(), out), "decode %s %s", method, path)
}

// Signup registers a new user.
func (a *API) Signup(ctx context.Context, email, password, name string) (models.User, error) {
	var u models.User
	err := a.do(ctx, fasthttp.MethodPost, "/api/auth/signup", nil,
		map[string]string{"email": email, "password": password, "name": name}, &u)
	return u, err
}

// Login exchanges credentials for a token and stores it on the client.
func (a *API) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var res LoginResult
	err := a.do(ctx, fasthttp.MethodPost, "/api/auth/login", nil,
		map[string]string{"email": email, "password": password}, &res)
	if err == nil {
		a.token = res.Token
	}
	return res, err
}

// CreateWorkspace creates a workspace owned by the caller.
func (a *API) CreateWorkspace(ctx context.Context, name, description string) (models.Workspace, error) {
	var w models.Workspace
	err := a.do(ctx, fasthttp.MethodPost, "/api/workspaces", nil,
		map[string]string{"name": name, "description": description}, &w)
	return w, err
}

// Workspaces lists the caller's workspaces.
func (a *API) Workspaces(ctx context.Context) ([]models.Workspace, error) {
	var out []models.Workspace
	err := a.do(ctx, fasthttp.MethodGet, "/api/workspaces", nil, nil, &out)
	return out, err
}

// InviteToWorkspace adds the user with email to a workspace.
func (a *API) InviteToWorkspace(ctx context.Context, workspaceID int64, email string) (models.WorkspaceMembership, error) {
	var m models.WorkspaceMembership
	err := a.do(ctx, fasthttp.MethodPost, fmt.Sprintf("/api/workspaces/%d/members", workspaceID), nil,
		map[string]string{"email": email}, &m)
	return m, err
}

// CreateChannelRequest is the body of a channel creation.
type CreateChannelRequest struct {
	WorkspaceID int64  `json:"workspaceId"`
	Name        string `json:"name"`
	Visibility  string `json:"visibility,omitempty"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Color       string `json:"color,omitempty"`
}

// CreateChannel creates a channel; the caller becomes its owner.
func (a *API) CreateChannel(ctx context.Context, in CreateChannelRequest) (models.Channel, error) {
	var ch models.Channel
	err := a.do(ctx, fasthttp.MethodPost, "/api/channels", nil, in, &ch)
	return ch, err
}

// Channels lists the channels of a workspace visible to the caller.
func (a *API) Channels(ctx context.Context, workspaceID int64) ([]models.ChannelSummary, error) {
	var out []models.ChannelSummary
	err := a.do(ctx, fasthttp.MethodGet, fmt.Sprintf("/api/channels/workspaces/%d/channels", workspaceID), nil, nil, &out)
	return out, err
}

// Page reads one history page.
func (a *API) Page(ctx context.Context, channelID int64, cur models.Cursor) ([]models.Message, error) {
	q := url.Values{}
	if cur.BeforeID > 0 {
		q.Set("beforeId", strconv.FormatInt(cur.BeforeID, 10))
	}
	if cur.AfterID > 0 {
		q.Set("afterId", strconv.FormatInt(cur.AfterID, 10))
	}
	if cur.Limit > 0 {
		q.Set("limit", strconv.Itoa(cur.Limit))
	}
	var out []models.Message
	err := a.do(ctx, fasthttp.MethodGet, fmt.Sprintf("/api/channels/%d/messages", channelID), q, nil, &out)
	return out, err
}

// PostMessageRequest is the body of a REST publish.
type PostMessageRequest struct {
	Content         string `json:"content"`
	ReplyToID       *int64 `json:"replyToId,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// PostMessage publishes through the REST fallback.
func (a *API) PostMessage(ctx context.Context, channelID int64, in PostMessageRequest) (models.Message, error) {
	var m models.Message
	err := a.do(ctx, fasthttp.MethodPost, fmt.Sprintf("/api/channels/%d/messages", channelID), nil, in, &m)
	return m, err
}

// MarkRead reports a read position over REST.
func (a *API) MarkRead(ctx context.Context, channelID, messageID int64) error {
	return a.do(ctx, fasthttp.MethodPost, fmt.Sprintf("/api/channels/%d/read", channelID), nil,
		map[string]int64{"messageId": messageID}, nil)
}

// Unread returns the caller's unread state of a channel.
func (a *API) Unread(ctx context.Context, channelID int64) (models.Unread, error) {
	var u models.Unread
	err := a.do(ctx, fasthttp.MethodGet, fmt.Sprintf("/api/channels/%d/unread", channelID), nil, nil, &u)
	return u, err
}
