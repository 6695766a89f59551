// Package client is the Go client of the realtime gateway and the REST API.
package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"pulsespace/pkg/logger"
	"pulsespace/pkg/models"
	"pulsespace/pkg/wire"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

// State is the lifecycle state of a Conn.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateDisconnected State = "DISCONNECTED"
)

// ErrTransportFailure marks errors caused by the underlying connection.
const ErrTransportFailure = errors.ConstError("transport failure")

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultMaxAttempts    = 5
	DefaultHeartbeat      = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
)

// Options configures a Conn. Callbacks other than OnPublishFailed run on
// the connection's own goroutine, one at a time, in arrival order.
type Options struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	MaxAttempts    int
	// Heartbeat overrides the interval announced by the server.
	Heartbeat    time.Duration
	WriteTimeout time.Duration
	Clock        clock.Clock
	Dialer       *websocket.Dialer

	OnStatus        func(state State, err error)
	OnConnected     func(wire.Connected)
	OnSubscribed    func(wire.Subscribed)
	OnMessage       func(models.Message)
	OnReadUpdated   func(wire.ReadUpdated)
	OnAck           func(requestID string, ack wire.Ack)
	OnPublishFailed func(channelID int64, content string, err error)
}

type pendingPublish struct {
	channelID int64
	content   string
}

// Conn is a self-healing connection to the gateway. It owns the desired
// subscription set and replays it after every reconnect.
type Conn struct {
	opts Options

	mu        sync.Mutex
	state     State
	ws        *websocket.Conn
	memberID  int64
	heartbeat time.Duration
	desired   map[int64]struct{}
	pending   map[string]pendingPublish

	writeMu sync.Mutex

	// hbChanged wakes the ping loop when the server announces its interval
	hbChanged chan struct{}
	reconnect chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	done      chan struct{}
}

// New validates opts and returns an idle Conn; call Start to connect.
func New(opts Options) (*Conn, error) {
	if opts.URL == "" {
		return nil, errors.NotValidf("empty gateway url")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		opts:      opts,
		state:     StateDisconnected,
		desired:   make(map[int64]struct{}),
		pending:   make(map[string]pendingPublish),
		hbChanged: make(chan struct{}, 1),
		reconnect: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}, nil
}

// Start begins connecting in the background.
func (c *Conn) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.loop()
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MemberID returns the member id announced by the server, 0 before the
// first connection.
func (c *Conn) MemberID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memberID
}

// Reconnect restarts connection attempts after they were exhausted. It is
// a no-op in any other state.
func (c *Conn) Reconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Close stops the connection for good.
func (c *Conn) Close() error {
	c.cancel()
	c.mu.Lock()
	ws, started := c.ws, c.started
	c.mu.Unlock()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteTimeout))
		_ = ws.Close()
	}
	if started {
		<-c.done
	}
	return nil
}

func (c *Conn) setState(s State, err error) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev == s && err == nil {
		return
	}
	logger.Debug("client_state", "from", string(prev), "to", string(s), "error", err)
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s, err)
	}
}

func (c *Conn) loop() {
	defer close(c.done)
	next := StateConnecting
	var lastErr error
	for {
		c.setState(next, lastErr)
		if next == StateReconnecting {
			select {
			case <-c.opts.Clock.After(c.opts.ReconnectDelay):
			case <-c.ctx.Done():
				c.setState(StateDisconnected, nil)
				return
			}
		}
		ws, err := c.dialWithRetry()
		if err != nil {
			if c.ctx.Err() != nil {
				c.setState(StateDisconnected, nil)
				return
			}
			c.setState(StateDisconnected, errors.WithType(err, ErrTransportFailure))
			select {
			case <-c.reconnect:
				next, lastErr = StateConnecting, nil
				continue
			case <-c.ctx.Done():
				return
			}
		}

		err = c.serve(ws)
		if c.ctx.Err() != nil {
			c.setState(StateDisconnected, nil)
			return
		}
		logger.Warn("client_transport_failed", "error", err)
		c.failPending(err)
		next, lastErr = StateReconnecting, err
	}
}

func (c *Conn) dialWithRetry() (*websocket.Conn, error) {
	var ws *websocket.Conn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			ws, err = c.dial()
			return err
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, errors.Unauthorized)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warn("client_dial_failed", "attempt", attempt, "error", err)
		},
		Attempts: c.opts.MaxAttempts,
		Delay:    c.opts.ReconnectDelay,
		Clock:    c.opts.Clock,
		Stop:     c.ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) {
			return nil, errors.Annotatef(retry.LastError(err), "gave up after %d attempts", c.opts.MaxAttempts)
		}
		return nil, errors.Trace(err)
	}
	return ws, nil
}

func (c *Conn) dial() (*websocket.Conn, error) {
	hdr := http.Header{}
	if c.opts.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, resp, err := c.opts.Dialer.DialContext(c.ctx, c.opts.URL, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errors.NewUnauthorized(err, "gateway rejected credentials")
		}
		return nil, errors.Trace(err)
	}
	return ws, nil
}

func (c *Conn) readDeadline() time.Time {
	c.mu.Lock()
	hb := c.heartbeat
	c.mu.Unlock()
	// socket deadlines are wall-clock time whatever Clock is
	return time.Now().Add(2 * hb)
}

// serve runs one connected session and returns when its transport fails.
func (c *Conn) serve(ws *websocket.Conn) error {
	c.mu.Lock()
	c.ws = ws
	c.heartbeat = c.opts.Heartbeat
	if c.heartbeat <= 0 {
		c.heartbeat = DefaultHeartbeat
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
	}()

	_ = ws.SetReadDeadline(c.readDeadline())
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(c.readDeadline())
	})
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(c.readDeadline())
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(ws, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	c.setState(StateConnected, nil)
	c.resubscribe()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return errors.WithType(err, ErrTransportFailure)
		}
		_ = ws.SetReadDeadline(c.readDeadline())
		f, err := wire.Decode(data)
		if err != nil {
			logger.Warn("client_bad_frame", "error", err)
			continue
		}
		c.handle(f)
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	c.mu.Lock()
	hb := c.heartbeat
	c.mu.Unlock()
	t := c.opts.Clock.NewTimer(hb)
	defer t.Stop()
	for {
		select {
		case <-t.Chan():
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = ws.Close()
				return
			}
			c.mu.Lock()
			hb = c.heartbeat
			c.mu.Unlock()
			t.Reset(hb)
		case <-c.hbChanged:
			c.mu.Lock()
			hb = c.heartbeat
			c.mu.Unlock()
			t.Reset(hb)
		case <-stop:
			return
		}
	}
}

func (c *Conn) handle(f wire.Frame) {
	switch f.Type {
	case wire.TypeConnected:
		var p wire.Connected
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		c.mu.Lock()
		c.memberID = p.MemberID
		announced := c.opts.Heartbeat <= 0 && p.HeartbeatMS > 0
		if announced {
			c.heartbeat = time.Duration(p.HeartbeatMS) * time.Millisecond
		}
		ws := c.ws
		c.mu.Unlock()
		if announced && ws != nil {
			_ = ws.SetReadDeadline(c.readDeadline())
			select {
			case c.hbChanged <- struct{}{}:
			default:
			}
		}
		if c.opts.OnConnected != nil {
			c.opts.OnConnected(p)
		}
	case wire.TypeSubscribed:
		var p wire.Subscribed
		if err := f.DecodePayload(&p); err == nil && c.opts.OnSubscribed != nil {
			c.opts.OnSubscribed(p)
		}
	case wire.TypeMessage:
		var m models.Message
		if err := f.DecodePayload(&m); err == nil && c.opts.OnMessage != nil {
			c.opts.OnMessage(m)
		}
	case wire.TypeReadUpdated:
		var p wire.ReadUpdated
		if err := f.DecodePayload(&p); err == nil && c.opts.OnReadUpdated != nil {
			c.opts.OnReadUpdated(p)
		}
	case wire.TypeAck:
		var p wire.Ack
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		c.mu.Lock()
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
		if c.opts.OnAck != nil {
			c.opts.OnAck(f.RequestID, p)
		}
	case wire.TypeError:
		var p wire.Error
		if err := f.DecodePayload(&p); err != nil {
			return
		}
		c.mu.Lock()
		pp, ok := c.pending[f.RequestID]
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
		if ok {
			c.publishFailed(pp, p)
			return
		}
		logger.Warn("client_error_frame", "request_id", f.RequestID, "code", p.Code, "message", p.Message)
	case wire.TypePong, wire.TypeUnsubscribed:
	default:
		logger.Debug("client_unknown_frame", "type", f.Type)
	}
}

func (c *Conn) publishFailed(p pendingPublish, err error) {
	if c.opts.OnPublishFailed != nil {
		c.opts.OnPublishFailed(p.channelID, p.content, err)
	}
}

// failPending reports every unacknowledged publish as failed.
func (c *Conn) failPending(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]pendingPublish)
	c.mu.Unlock()
	for _, p := range pending {
		c.publishFailed(p, errors.WithType(cause, ErrTransportFailure))
	}
}

func (c *Conn) write(typ, requestID string, payload any) error {
	frame, err := wire.Encode(typ, requestID, payload)
	if err != nil {
		return errors.Trace(err)
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errors.WithType(errors.New("not connected"), ErrTransportFailure)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.WithType(err, ErrTransportFailure)
	}
	return nil
}

func (c *Conn) resubscribe() {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.desired))
	for id := range c.desired {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		if err := c.write(wire.TypeSubscribe, "", wire.ChannelRef{ChannelID: id}); err != nil {
			logger.Warn("client_resubscribe_failed", "channel_id", id, "error", err)
			return
		}
	}
}

// Subscribe adds channelID to the desired set and subscribes now if
// connected.
func (c *Conn) Subscribe(channelID int64) {
	c.mu.Lock()
	c.desired[channelID] = struct{}{}
	connected := c.state == StateConnected
	c.mu.Unlock()
	if connected {
		if err := c.write(wire.TypeSubscribe, "", wire.ChannelRef{ChannelID: channelID}); err != nil {
			logger.Debug("client_subscribe_deferred", "channel_id", channelID, "error", err)
		}
	}
}

// Unsubscribe removes channelID from the desired set.
func (c *Conn) Unsubscribe(channelID int64) {
	c.mu.Lock()
	_, had := c.desired[channelID]
	delete(c.desired, channelID)
	connected := c.state == StateConnected
	c.mu.Unlock()
	if had && connected {
		_ = c.write(wire.TypeUnsubscribe, "", wire.ChannelRef{ChannelID: channelID})
	}
}

// Subscriptions returns the desired channel set.
func (c *Conn) Subscriptions() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.desired))
	for id := range c.desired {
		out = append(out, id)
	}
	return out
}

// Publish sends p without waiting for the server. A missing
// ClientMessageID is generated; reuse the returned id to retry safely.
// Failures are reported through OnPublishFailed.
func (c *Conn) Publish(p wire.Publish) string {
	if p.ClientMessageID == "" {
		p.ClientMessageID = uuid.NewString()
	}
	pp := pendingPublish{channelID: p.ChannelID, content: p.Content}
	c.mu.Lock()
	c.pending[p.ClientMessageID] = pp
	c.mu.Unlock()

	if err := c.write(wire.TypePublish, p.ClientMessageID, p); err != nil {
		c.mu.Lock()
		_, still := c.pending[p.ClientMessageID]
		delete(c.pending, p.ClientMessageID)
		c.mu.Unlock()
		if still {
			c.publishFailed(pp, err)
		}
	}
	return p.ClientMessageID
}

// SendRead reports a read position to the server.
func (c *Conn) SendRead(channelID, messageID int64) error {
	return c.write(wire.TypeRead, "", wire.Read{ChannelID: channelID, MessageID: messageID})
}
