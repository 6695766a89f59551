package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pulsespace/pkg/auth"
	"pulsespace/pkg/models"
	"pulsespace/pkg/reads"
	"pulsespace/pkg/registry"
	"pulsespace/pkg/store"
	"pulsespace/pkg/wire"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef-gateway-test"

type harness struct {
	st      *store.Store
	gw      *Gateway
	srv     *httptest.Server
	tokens  *auth.Tokens
	ann     models.User
	bob     models.User
	channel models.Channel
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ann, err := st.CreateUser("ann@example.com", "Ann", "x")
	require.NoError(t, err)
	bob, err := st.CreateUser("bob@example.com", "Bob", "x")
	require.NoError(t, err)
	ws, err := st.CreateWorkspace(ann.ID, "acme", "")
	require.NoError(t, err)
	_, err = st.AddWorkspaceMember(ann.ID, ws.ID, bob.Email)
	require.NoError(t, err)
	ch, err := st.CreateChannel(ann.ID, store.NewChannel{WorkspaceID: ws.ID, Name: "general"})
	require.NoError(t, err)

	tokens, err := auth.NewTokens(testSecret, "", 0)
	require.NoError(t, err)

	gw := New(cfg, st, tokens, registry.New(0))
	tracker, err := reads.NewTracker(reads.Config{
		Window:    10 * time.Millisecond,
		Persister: st,
		OnAdvance: gw.ReadAdvanced,
	})
	require.NoError(t, err)
	gw.SetReadMarker(tracker)

	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Close(ctx)
		srv.Close()
		tracker.Close()
	})
	return &harness{st: st, gw: gw, srv: srv, tokens: tokens, ann: ann, bob: bob, channel: ch}
}

func (h *harness) token(t *testing.T, u models.User) string {
	t.Helper()
	tok, _, err := h.tokens.Issue(u)
	require.NoError(t, err)
	return tok
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

// dial connects as u and consumes the connected frame.
func (h *harness) dial(t *testing.T, u models.User) *websocket.Conn {
	t.Helper()
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+h.token(t, u))
	ws, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), hdr)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })

	f := expect(t, ws, wire.TypeConnected)
	var c wire.Connected
	require.NoError(t, f.DecodePayload(&c))
	assert.Equal(t, u.ID, c.MemberID)
	assert.NotEmpty(t, c.ConnectionID)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ, reqID string, payload any) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, wire.MustEncode(typ, reqID, payload)))
}

func next(t *testing.T, ws *websocket.Conn) wire.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := wire.Decode(data)
	require.NoError(t, err)
	return f
}

func expect(t *testing.T, ws *websocket.Conn, typ string) wire.Frame {
	t.Helper()
	f := next(t, ws)
	require.Equal(t, typ, f.Type, "payload: %s", string(f.Payload))
	return f
}

func subscribe(t *testing.T, ws *websocket.Conn, channelID int64) wire.Subscribed {
	t.Helper()
	send(t, ws, wire.TypeSubscribe, "sub", wire.ChannelRef{ChannelID: channelID})
	f := expect(t, ws, wire.TypeSubscribed)
	var s wire.Subscribed
	require.NoError(t, f.DecodePayload(&s))
	return s
}

func TestHandshakeRequiresCredential(t *testing.T) {
	h := newHarness(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(h.wsURL()+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL()+"?token="+h.token(t, h.ann), nil)
	require.NoError(t, err)
	defer ws.Close()
	expect(t, ws, wire.TypeConnected)
}

func TestPublishBroadcastsInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	ann := h.dial(t, h.ann)
	bob := h.dial(t, h.bob)

	assert.Equal(t, int64(0), subscribe(t, ann, h.channel.ID).HeadID)
	subscribe(t, bob, h.channel.ID)

	for i, content := range []string{"hello", "world", "again"} {
		send(t, ann, wire.TypePublish, "p", wire.Publish{ChannelID: h.channel.ID, Content: content})

		// the sender sees the broadcast before its ack since both go through
		// the same queue and the broadcast is enqueued first
		f := expect(t, ann, wire.TypeMessage)
		var m models.Message
		require.NoError(t, f.DecodePayload(&m))
		assert.Equal(t, int64(i+1), m.ID)

		f = expect(t, ann, wire.TypeAck)
		var ack wire.Ack
		require.NoError(t, f.DecodePayload(&ack))
		assert.Equal(t, wire.AckStored, ack.Status)
		assert.Equal(t, int64(i+1), ack.MessageID)
		assert.Equal(t, "p", f.RequestID)

		f = expect(t, bob, wire.TypeMessage)
		require.NoError(t, f.DecodePayload(&m))
		assert.Equal(t, int64(i+1), m.ID)
		assert.Equal(t, content, m.Content)
		assert.Equal(t, "Ann", m.SenderName)
	}

	page, err := h.st.Page(context.Background(), h.channel.ID, models.Cursor{})
	require.NoError(t, err)
	assert.Len(t, page, 3)
}

func TestDoubleSubscribeDeliversOnce(t *testing.T) {
	h := newHarness(t, Config{})
	ann := h.dial(t, h.ann)
	bob := h.dial(t, h.bob)
	subscribe(t, bob, h.channel.ID)
	subscribe(t, bob, h.channel.ID)

	send(t, ann, wire.TypePublish, "", wire.Publish{ChannelID: h.channel.ID, Content: "once"})
	expect(t, ann, wire.TypeAck)
	expect(t, bob, wire.TypeMessage)

	// a ping round trip proves nothing else was queued before the pong
	send(t, bob, wire.TypePing, "after", nil)
	f := expect(t, bob, wire.TypePong)
	assert.Equal(t, "after", f.RequestID)
}

func TestRepeatedClientMessageIDIsAckedAsDuplicate(t *testing.T) {
	h := newHarness(t, Config{})
	ann := h.dial(t, h.ann)
	bob := h.dial(t, h.bob)
	subscribe(t, bob, h.channel.ID)

	p := wire.Publish{ChannelID: h.channel.ID, Content: "retry me", ClientMessageID: "c-1"}
	send(t, ann, wire.TypePublish, "1", p)
	f := expect(t, ann, wire.TypeAck)
	var first wire.Ack
	require.NoError(t, f.DecodePayload(&first))
	assert.Equal(t, wire.AckStored, first.Status)

	send(t, ann, wire.TypePublish, "2", p)
	f = expect(t, ann, wire.TypeAck)
	var second wire.Ack
	require.NoError(t, f.DecodePayload(&second))
	assert.Equal(t, wire.AckDuplicate, second.Status)
	assert.Equal(t, first.MessageID, second.MessageID)

	expect(t, bob, wire.TypeMessage)
	send(t, bob, wire.TypePing, "", nil)
	expect(t, bob, wire.TypePong)
}

func TestPublishToPrivateChannelIsForbidden(t *testing.T) {
	h := newHarness(t, Config{})
	secret, err := h.st.CreateChannel(h.ann.ID, store.NewChannel{
		WorkspaceID: h.channel.WorkspaceID, Name: "secret", Visibility: models.Private,
	})
	require.NoError(t, err)

	bob := h.dial(t, h.bob)
	send(t, bob, wire.TypePublish, "x", wire.Publish{ChannelID: secret.ID, Content: "let me in"})
	f := expect(t, bob, wire.TypeError)
	var e wire.Error
	require.NoError(t, f.DecodePayload(&e))
	assert.Equal(t, wire.CodeForbidden, e.Code)
	assert.Equal(t, "x", f.RequestID)

	send(t, bob, wire.TypeSubscribe, "s", wire.ChannelRef{ChannelID: secret.ID})
	f = expect(t, bob, wire.TypeError)
	require.NoError(t, f.DecodePayload(&e))
	assert.Equal(t, wire.CodeForbidden, e.Code)

	head, err := h.st.Head(secret.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
}

func TestInvalidContentIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	ann := h.dial(t, h.ann)
	send(t, ann, wire.TypePublish, "", wire.Publish{ChannelID: h.channel.ID, Content: "   "})
	f := expect(t, ann, wire.TypeError)
	var e wire.Error
	require.NoError(t, f.DecodePayload(&e))
	assert.Equal(t, wire.CodeInvalidArgument, e.Code)
	assert.False(t, e.Retryable)
}

func TestReadFrameNotifiesAllMemberConnections(t *testing.T) {
	h := newHarness(t, Config{})
	ann := h.dial(t, h.ann)
	for i := 0; i < 3; i++ {
		send(t, ann, wire.TypePublish, "", wire.Publish{ChannelID: h.channel.ID, Content: "m"})
		expect(t, ann, wire.TypeAck)
	}

	bobPhone := h.dial(t, h.bob)
	bobLaptop := h.dial(t, h.bob)
	send(t, bobPhone, wire.TypeRead, "", wire.Read{ChannelID: h.channel.ID, MessageID: 2})
	send(t, bobPhone, wire.TypeRead, "", wire.Read{ChannelID: h.channel.ID, MessageID: 3})

	for _, ws := range []*websocket.Conn{bobPhone, bobLaptop} {
		// the two reads usually coalesce but may land in separate windows
		var ev wire.ReadUpdated
		for ev.LastReadMessageID < 3 {
			f := expect(t, ws, wire.TypeReadUpdated)
			require.NoError(t, f.DecodePayload(&ev))
			assert.Equal(t, h.channel.ID, ev.ChannelID)
		}
		assert.Equal(t, int64(3), ev.LastReadMessageID)
	}

	unread, err := h.st.Unread(h.bob.ID, h.channel.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), unread.UnreadCount)
}

func TestMalformedFramesCloseConnection(t *testing.T) {
	h := newHarness(t, Config{MaxDecodeErrors: 2})
	ann := h.dial(t, h.ann)

	require.NoError(t, ann.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := expect(t, ann, wire.TypeError)
	var e wire.Error
	require.NoError(t, f.DecodePayload(&e))
	assert.Equal(t, wire.CodeInvalidArgument, e.Code)

	require.NoError(t, ann.WriteMessage(websocket.TextMessage, []byte(`{"payload":{}}`)))
	var err error
	for err == nil {
		require.NoError(t, ann.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, _, err = ann.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	assert.Eventually(t, func() bool { return h.gw.Connections() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	h := newHarness(t, Config{MaxFrameBytes: 256})
	ann := h.dial(t, h.ann)
	send(t, ann, wire.TypePublish, "", wire.Publish{ChannelID: h.channel.ID, Content: strings.Repeat("a", 1024)})

	var err error
	for err == nil {
		require.NoError(t, ann.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, _, err = ann.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
}

func TestCloseSendsGoingAway(t *testing.T) {
	h := newHarness(t, Config{})
	ann := h.dial(t, h.ann)
	require.Equal(t, 1, h.gw.Connections())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Close(ctx))

	require.NoError(t, ann.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ann.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, h.gw.Connections())

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+h.token(t, h.ann))
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReadBeyondHeadIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	ann := h.dial(t, h.ann)
	for i := 0; i < 3; i++ {
		send(t, ann, wire.TypePublish, "", wire.Publish{ChannelID: h.channel.ID, Content: "m"})
		expect(t, ann, wire.TypeAck)
	}

	bob := h.dial(t, h.bob)
	send(t, bob, wire.TypeRead, "r1", wire.Read{ChannelID: h.channel.ID, MessageID: 3})
	send(t, bob, wire.TypeRead, "r2", wire.Read{ChannelID: h.channel.ID, MessageID: 999})

	var rejected, advanced bool
	for !rejected || !advanced {
		f := next(t, bob)
		switch f.Type {
		case wire.TypeError:
			var e wire.Error
			require.NoError(t, f.DecodePayload(&e))
			assert.Equal(t, "r2", f.RequestID)
			assert.Equal(t, wire.CodeInvalidArgument, e.Code)
			rejected = true
		case wire.TypeReadUpdated:
			var ev wire.ReadUpdated
			require.NoError(t, f.DecodePayload(&ev))
			assert.Equal(t, int64(3), ev.LastReadMessageID)
			advanced = true
		default:
			t.Fatalf("unexpected frame %s", f.Type)
		}
	}

	pos, err := h.st.ReadPosition(h.bob.ID, h.channel.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)
	assert.Equal(t, 2, h.gw.Connections())
}

func TestHeartbeatDropsSilentPeer(t *testing.T) {
	h := newHarness(t, Config{Heartbeat: 50 * time.Millisecond})

	// reading lets gorilla answer every ping with a pong
	live := h.dial(t, h.bob)
	go func() {
		for {
			if _, _, err := live.ReadMessage(); err != nil {
				return
			}
		}
	}()
	// never read again, so its pings go unanswered
	h.dial(t, h.ann)

	start := time.Now()
	require.Eventually(t, func() bool { return h.gw.Connections() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, h.gw.Connections())
}
