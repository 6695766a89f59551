package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"pulsespace/internal/maintenance"
	"pulsespace/pkg/auth"
	"pulsespace/pkg/client"
	"pulsespace/pkg/gateway"
	"pulsespace/pkg/models"
	"pulsespace/pkg/reads"
	"pulsespace/pkg/registry"
	"pulsespace/pkg/store"
	"pulsespace/pkg/utils"
	"pulsespace/pkg/wire"
)

const (
	testSecret = "0123456789abcdef-api-test"
	adminKey   = "admin-key-for-tests"
	password   = "correct horse battery"
)

type fakeReadiness struct{ alerting atomic.Bool }

func (f *fakeReadiness) Alerting() bool { return f.alerting.Load() }

type fakeMaintainer struct {
	mu   sync.Mutex
	busy bool
	runs int
}

func (f *fakeMaintainer) RunNow(context.Context) (maintenance.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return maintenance.Report{}, errors.WithType(errors.New("busy"), maintenance.ErrRunInProgress)
	}
	f.runs++
	return maintenance.Report{RunID: fmt.Sprintf("run-%d", f.runs), DedupePurged: 2, Compacted: true}, nil
}

type harness struct {
	st      *store.Store
	reg     *registry.Registry
	tracker *reads.Tracker
	ready   *fakeReadiness
	maint   *fakeMaintainer
	hc      *fasthttp.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	tokens, err := auth.NewTokens(testSecret, "", time.Hour)
	require.NoError(t, err)

	reg := registry.New(0)
	gw := gateway.New(gateway.Config{}, st, tokens, reg)
	tracker, err := reads.NewTracker(reads.Config{
		Window:    20 * time.Millisecond,
		Persister: st,
		OnAdvance: gw.ReadAdvanced,
	})
	require.NoError(t, err)
	gw.SetReadMarker(tracker)

	h := &harness{st: st, reg: reg, tracker: tracker, ready: &fakeReadiness{}, maint: &fakeMaintainer{}}
	srv := New(Deps{
		Store:       st,
		Tokens:      tokens,
		Publisher:   gw,
		Reads:       tracker,
		Readiness:   h.ready,
		Maintainer:  h.maint,
		Connections: gw.Connections,
	})
	mw := auth.NewMiddleware(auth.SecConfig{
		RPS:       1000,
		Burst:     1000,
		AdminKeys: auth.KeySet([]string{adminKey}),
		Tokens:    tokens,
	})

	ln := fasthttputil.NewInmemoryListener()
	fs := &fasthttp.Server{Handler: mw.Wrap(srv.Handler()), MaxRequestBodySize: 4 * MaxBodyBytes}
	go func() { _ = fs.Serve(ln) }()
	h.hc = &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}

	t.Cleanup(func() {
		_ = fs.Shutdown()
		_ = ln.Close()
		mw.Close()
		tracker.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Close(ctx)
		_ = st.Close()
	})
	return h
}

func (h *harness) api(token string) *client.API {
	return client.NewAPIWithClient("http://pulsespace.test", token, h.hc)
}

// account signs up and logs in a user, returning an authenticated client.
func (h *harness) account(t *testing.T, email, name string) (*client.API, models.User) {
	t.Helper()
	a := h.api("")
	u, err := a.Signup(context.Background(), email, password, name)
	require.NoError(t, err)
	_, err = a.Login(context.Background(), email, password)
	require.NoError(t, err)
	return a, u
}

type rawResponse struct {
	status int
	body   []byte
}

func (r rawResponse) errorBody(t *testing.T) utils.ErrorBody {
	t.Helper()
	var eb utils.ErrorBody
	require.NoError(t, json.Unmarshal(r.body, &eb), string(r.body))
	return eb
}

func (h *harness) raw(t *testing.T, method, path string, headers map[string]string, body []byte) rawResponse {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI("http://pulsespace.test" + path)
	req.Header.SetMethod(method)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}
	require.NoError(t, h.hc.DoTimeout(req, resp, 5*time.Second))
	return rawResponse{status: resp.StatusCode(), body: append([]byte(nil), resp.Body()...)}
}

func apiCode(t *testing.T, err error) string {
	t.Helper()
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "not an API error: %v", err)
	return apiErr.Code
}

func TestSignupAndLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.api("")

	u, err := a.Signup(ctx, "ann@example.com", password, "Ann")
	require.NoError(t, err)
	assert.Positive(t, u.ID)
	assert.Equal(t, "Ann", u.Name)
	assert.Empty(t, u.PasswordHash)

	_, err = a.Signup(ctx, "ANN@example.com", password, "Ann again")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.AlreadyExists))
	assert.Equal(t, "DUPLICATE_EMAIL", apiCode(t, err))

	_, err = a.Signup(ctx, "short@example.com", "pw", "Short")
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = a.Login(ctx, "ann@example.com", "wrong password")
	assert.True(t, errors.Is(err, errors.Unauthorized))
	assert.Equal(t, "INVALID_PASSWORD", apiCode(t, err))

	_, err = a.Login(ctx, "nobody@example.com", password)
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Equal(t, "USER_NOT_FOUND", apiCode(t, err))

	res, err := a.Login(ctx, "ann@example.com", password)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, u.ID, res.UserID)

	list, err := a.Workspaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.api("").Workspaces(context.Background())
	assert.True(t, errors.Is(err, errors.Unauthorized))

	_, err = h.api("garbage").Workspaces(context.Background())
	assert.True(t, errors.Is(err, errors.Unauthorized))
}

func TestWorkspaceMembership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ann, _ := h.account(t, "ann@example.com", "Ann")
	bob, _ := h.account(t, "bob@example.com", "Bob")
	_, carol := h.account(t, "carol@example.com", "Carol")

	ws, err := ann.CreateWorkspace(ctx, "acme", "rockets")
	require.NoError(t, err)

	_, err = ann.InviteToWorkspace(ctx, ws.ID, "ghost@example.com")
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Equal(t, "EMAIL_NOT_FOUND", apiCode(t, err))

	m, err := ann.InviteToWorkspace(ctx, ws.ID, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceMember, m.Role)

	_, err = ann.InviteToWorkspace(ctx, ws.ID, "bob@example.com")
	assert.True(t, errors.Is(err, errors.AlreadyExists))
	assert.Equal(t, "DUPLICATE_MEMBER", apiCode(t, err))

	_, err = bob.InviteToWorkspace(ctx, ws.ID, carol.Email)
	assert.True(t, errors.Is(err, errors.Forbidden), "plain members cannot invite")

	list, err := bob.Workspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ws.ID, list[0].ID)

	tok := h.token(t, "carol@example.com")
	r := h.raw(t, fasthttp.MethodGet, fmt.Sprintf("/api/workspaces/%d/my-role", ws.ID), map[string]string{"Authorization": "Bearer " + tok}, nil)
	assert.Equal(t, fasthttp.StatusForbidden, r.status)
	assert.Equal(t, "NOT_MEMBER", r.errorBody(t).Code)

	tok = h.token(t, "bob@example.com")
	r = h.raw(t, fasthttp.MethodGet, fmt.Sprintf("/api/workspaces/%d/my-role", ws.ID), map[string]string{"Authorization": "Bearer " + tok}, nil)
	require.Equal(t, fasthttp.StatusOK, r.status)
	assert.JSONEq(t, `{"role":"MEMBER"}`, string(r.body))
}

// token logs in over the API and returns the raw bearer token.
func (h *harness) token(t *testing.T, email string) string {
	t.Helper()
	res, err := h.api("").Login(context.Background(), email, password)
	require.NoError(t, err)
	return res.Token
}

type workspaceFixture struct {
	ann, bob  *client.API
	annUser   models.User
	bobUser   models.User
	workspace models.Workspace
	public    models.Channel
	private   models.Channel
}

func newWorkspaceFixture(t *testing.T, h *harness) workspaceFixture {
	t.Helper()
	ctx := context.Background()
	var f workspaceFixture
	f.ann, f.annUser = h.account(t, "ann@example.com", "Ann")
	f.bob, f.bobUser = h.account(t, "bob@example.com", "Bob")
	var err error
	f.workspace, err = f.ann.CreateWorkspace(ctx, "acme", "")
	require.NoError(t, err)
	_, err = f.ann.InviteToWorkspace(ctx, f.workspace.ID, "bob@example.com")
	require.NoError(t, err)
	f.public, err = f.ann.CreateChannel(ctx, client.CreateChannelRequest{WorkspaceID: f.workspace.ID, Name: "general"})
	require.NoError(t, err)
	f.private, err = f.ann.CreateChannel(ctx, client.CreateChannelRequest{
		WorkspaceID: f.workspace.ID, Name: "secret", Visibility: "private", Icon: "lock", Color: "#333",
	})
	require.NoError(t, err)
	return f
}

func TestChannelVisibilityAndMembers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := newWorkspaceFixture(t, h)
	assert.Equal(t, models.Private, f.private.Visibility)
	assert.Equal(t, "lock", f.private.Icon)

	_, err := f.ann.CreateChannel(ctx, client.CreateChannelRequest{WorkspaceID: f.workspace.ID, Name: "x", Visibility: "secretive"})
	assert.True(t, errors.Is(err, errors.NotValid))

	annView, err := f.ann.Channels(ctx, f.workspace.ID)
	require.NoError(t, err)
	require.Len(t, annView, 2)
	assert.Equal(t, f.private.ID, annView[0].ID, "newest first")

	bobView, err := f.bob.Channels(ctx, f.workspace.ID)
	require.NoError(t, err)
	require.Len(t, bobView, 1)
	assert.Equal(t, f.public.ID, bobView[0].ID)

	_, err = f.bob.Page(ctx, f.private.ID, models.Cursor{})
	assert.True(t, errors.Is(err, errors.Forbidden))

	tok := h.token(t, "ann@example.com")
	body := []byte(`{"email":"bob@example.com"}`)
	r := h.raw(t, fasthttp.MethodPost, fmt.Sprintf("/api/channels/%d/members", f.private.ID), map[string]string{"Authorization": "Bearer " + tok}, body)
	require.Equal(t, fasthttp.StatusCreated, r.status, string(r.body))

	r = h.raw(t, fasthttp.MethodPost, fmt.Sprintf("/api/channels/%d/members", f.private.ID), map[string]string{"Authorization": "Bearer " + tok}, body)
	assert.Equal(t, fasthttp.StatusBadRequest, r.status)
	assert.Equal(t, "DUPLICATE_MEMBER", r.errorBody(t).Code)

	bobView, err = f.bob.Channels(ctx, f.workspace.ID)
	require.NoError(t, err)
	assert.Len(t, bobView, 2)

	bobTok := h.token(t, "bob@example.com")
	r = h.raw(t, fasthttp.MethodGet, fmt.Sprintf("/api/channels/%d/my-role", f.private.ID), map[string]string{"Authorization": "Bearer " + bobTok}, nil)
	require.Equal(t, fasthttp.StatusOK, r.status)
	assert.JSONEq(t, `{"role":"MEMBER"}`, string(r.body))

	r = h.raw(t, fasthttp.MethodGet, fmt.Sprintf("/api/channels/%d/members", f.private.ID), map[string]string{"Authorization": "Bearer " + bobTok}, nil)
	require.Equal(t, fasthttp.StatusOK, r.status)
	var members []models.ChannelMembership
	require.NoError(t, json.Unmarshal(r.body, &members))
	assert.Len(t, members, 2)
}

func TestPostMessageAndHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := newWorkspaceFixture(t, h)

	var sent []models.Message
	for i := 1; i <= 5; i++ {
		m, err := f.ann.PostMessage(ctx, f.public.ID, client.PostMessageRequest{Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		assert.Equal(t, int64(i), m.ID)
		assert.Equal(t, "Ann", m.SenderName)
		sent = append(sent, m)
	}

	reply := sent[1].ID
	m, err := f.bob.PostMessage(ctx, f.public.ID, client.PostMessageRequest{Content: "re", ReplyToID: &reply, ClientMessageID: "bob-1"})
	require.NoError(t, err)
	require.NotNil(t, m.ReplyToContent)
	assert.Equal(t, "m2", *m.ReplyToContent)

	again, err := f.bob.PostMessage(ctx, f.public.ID, client.PostMessageRequest{Content: "re", ReplyToID: &reply, ClientMessageID: "bob-1"})
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID, "duplicate publish returns the stored message")

	page, err := f.bob.Page(ctx, f.public.ID, models.Cursor{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6}, ids(page))

	page, err = f.bob.Page(ctx, f.public.ID, models.Cursor{BeforeID: 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(page))

	page, err = f.bob.Page(ctx, f.public.ID, models.Cursor{AfterID: 4})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6}, ids(page))

	tok := h.token(t, "bob@example.com")
	r := h.raw(t, fasthttp.MethodGet, fmt.Sprintf("/api/messages/channels/%d/messages?afterId=5", f.public.ID), map[string]string{"Authorization": "Bearer " + tok}, nil)
	require.Equal(t, fasthttp.StatusOK, r.status)
	var alias []models.Message
	require.NoError(t, json.Unmarshal(r.body, &alias))
	assert.Equal(t, []int64{6}, ids(alias))

	r = h.raw(t, fasthttp.MethodGet, fmt.Sprintf("/api/channels/%d/messages?beforeId=abc", f.public.ID), map[string]string{"Authorization": "Bearer " + tok}, nil)
	assert.Equal(t, fasthttp.StatusBadRequest, r.status)

	_, err = f.bob.PostMessage(ctx, f.private.ID, client.PostMessageRequest{Content: "let me in"})
	assert.True(t, errors.Is(err, errors.Forbidden))

	_, err = f.ann.PostMessage(ctx, f.public.ID, client.PostMessageRequest{Content: "   "})
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestRESTPublishReachesSubscribers(t *testing.T) {
	h := newHarness(t)
	f := newWorkspaceFixture(t, h)

	handle, err := h.reg.Register("observer")
	require.NoError(t, err)
	_, err = h.reg.Subscribe("observer", f.public.ID)
	require.NoError(t, err)

	m, err := f.bob.PostMessage(context.Background(), f.public.ID, client.PostMessageRequest{Content: "over rest"})
	require.NoError(t, err)

	select {
	case raw := <-handle.C:
		frame, err := wire.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, wire.TypeMessage, frame.Type)
		var got models.Message
		require.NoError(t, frame.DecodePayload(&got))
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, "over rest", got.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast for REST publish")
	}
}

func TestMarkReadAndUnread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := newWorkspaceFixture(t, h)
	for i := 0; i < 5; i++ {
		_, err := f.ann.PostMessage(ctx, f.public.ID, client.PostMessageRequest{Content: "hi"})
		require.NoError(t, err)
	}

	u, err := f.bob.Unread(ctx, f.public.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Unread{ChannelID: f.public.ID, LastReadMessageID: 0, UnreadCount: 5}, u)

	require.NoError(t, f.bob.MarkRead(ctx, f.public.ID, 3))
	u, err = f.bob.Unread(ctx, f.public.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.LastReadMessageID)
	assert.Equal(t, int64(2), u.UnreadCount)

	require.Eventually(t, func() bool {
		last, err := h.st.ReadPosition(f.bobUser.ID, f.public.ID)
		return err == nil && last == 3
	}, 2*time.Second, 10*time.Millisecond)

	err = f.bob.MarkRead(ctx, f.public.ID, 99)
	assert.True(t, errors.Is(err, errors.NotValid))

	err = f.bob.MarkRead(ctx, f.private.ID, 1)
	assert.True(t, errors.Is(err, errors.Forbidden))

	tok := h.token(t, "bob@example.com")
	r := h.raw(t, fasthttp.MethodPatch, fmt.Sprintf("/api/messages/channels/%d/read", f.public.ID),
		map[string]string{"Authorization": "Bearer " + tok}, []byte(`{"messageId":5}`))
	assert.Equal(t, fasthttp.StatusAccepted, r.status)
	require.Eventually(t, func() bool {
		last, err := h.st.ReadPosition(f.bobUser.ID, f.public.ID)
		return err == nil && last == 5
	}, 2*time.Second, 10*time.Millisecond)

	list, err := f.bob.Channels(ctx, f.workspace.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(0), list[0].UnreadCount)
	require.NotNil(t, list[0].LatestMessage)
	assert.Equal(t, int64(5), list[0].LatestMessage.ID)
}

func TestBodyValidation(t *testing.T) {
	h := newHarness(t)
	_, _ = h.account(t, "ann@example.com", "Ann")
	hdr := map[string]string{"Authorization": "Bearer " + h.token(t, "ann@example.com")}

	r := h.raw(t, fasthttp.MethodPost, "/api/workspaces", hdr, []byte(`{"name":`))
	assert.Equal(t, fasthttp.StatusBadRequest, r.status)

	r = h.raw(t, fasthttp.MethodPost, "/api/workspaces", hdr, nil)
	assert.Equal(t, fasthttp.StatusBadRequest, r.status)

	big := make([]byte, MaxBodyBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	r = h.raw(t, fasthttp.MethodPost, "/api/workspaces", hdr, big)
	assert.Equal(t, fasthttp.StatusRequestEntityTooLarge, r.status)

	r = h.raw(t, fasthttp.MethodGet, "/api/channels/zero/messages", hdr, nil)
	assert.Equal(t, fasthttp.StatusBadRequest, r.status)

	r = h.raw(t, fasthttp.MethodGet, "/api/nowhere", hdr, nil)
	assert.Equal(t, fasthttp.StatusNotFound, r.status)
}

func TestHealthAndReadiness(t *testing.T) {
	h := newHarness(t)
	r := h.raw(t, fasthttp.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, fasthttp.StatusOK, r.status)

	r = h.raw(t, fasthttp.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, fasthttp.StatusOK, r.status)

	h.ready.alerting.Store(true)
	r = h.raw(t, fasthttp.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, r.status)
	assert.Equal(t, "UNAVAILABLE", r.errorBody(t).Code)
}

func TestAdminRoutes(t *testing.T) {
	h := newHarness(t)
	_, _ = h.account(t, "ann@example.com", "Ann")
	admin := map[string]string{"X-API-Key": adminKey}

	r := h.raw(t, fasthttp.MethodGet, "/admin/stats", nil, nil)
	assert.Equal(t, fasthttp.StatusUnauthorized, r.status)

	r = h.raw(t, fasthttp.MethodGet, "/admin/stats", admin, nil)
	require.Equal(t, fasthttp.StatusOK, r.status)
	var stats statsResponse
	require.NoError(t, json.Unmarshal(r.body, &stats))
	assert.Equal(t, 1, stats.Keys["u:"])
	assert.NotEmpty(t, stats.DiskHuman)

	r = h.raw(t, fasthttp.MethodPost, "/admin/maintenance/run", map[string]string{"Authorization": "Bearer " + adminKey}, nil)
	require.Equal(t, fasthttp.StatusOK, r.status)
	var rep maintenance.Report
	require.NoError(t, json.Unmarshal(r.body, &rep))
	assert.Equal(t, "run-1", rep.RunID)
	assert.True(t, rep.Compacted)

	h.maint.mu.Lock()
	h.maint.busy = true
	h.maint.mu.Unlock()
	r = h.raw(t, fasthttp.MethodPost, "/admin/maintenance/run", admin, nil)
	assert.Equal(t, fasthttp.StatusConflict, r.status)

	r = h.raw(t, fasthttp.MethodGet, "/admin/metrics", admin, nil)
	require.Equal(t, fasthttp.StatusOK, r.status)
	assert.Contains(t, string(r.body), "pulsespace_messages_appended_total")
}

func ids(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
