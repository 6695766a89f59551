package gateway

import (
	"context"
	"sync"
	"time"

	"pulsespace/pkg/logger"
	"pulsespace/pkg/registry"
	"pulsespace/pkg/store"
	"pulsespace/pkg/telemetry"
	"pulsespace/pkg/wire"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"golang.org/x/time/rate"
)

// closeTryAgainLater is sent to evicted slow consumers.
const closeTryAgainLater = 1013

type conn struct {
	g        *Gateway
	ws       *websocket.Conn
	id       string
	memberID int64
	handle   *registry.Handle
	limiter  *rate.Limiter
	hubUnsub func()

	// owned by the reader goroutine
	decodeErrors int

	ctx      context.Context
	cancel   context.CancelFunc
	closeMu  sync.Mutex
	closed   bool
	writerWG sync.WaitGroup
}

func newConn(g *Gateway, ws *websocket.Conn, id string, memberID int64, h *registry.Handle) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		g:        g,
		ws:       ws,
		id:       id,
		memberID: memberID,
		handle:   h,
		limiter:  rate.NewLimiter(rate.Limit(g.cfg.FramesPerSecond), g.cfg.FrameBurst),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// deadline is wall-clock time; the injectable clock only drives pings.
func (c *conn) deadline() time.Time {
	return time.Now().Add(2 * c.g.cfg.Heartbeat)
}

// run drives the connection on the caller's goroutine (the reader) and a
// dedicated writer goroutine, and tears everything down when either ends.
func (c *conn) run() {
	c.ws.SetReadLimit(c.g.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(c.deadline())
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(c.deadline())
	})
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(c.deadline())
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.g.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.writerWG.Add(1)
	go c.writeLoop()

	reason := c.readLoop()
	logger.Info("ws_disconnected", "connection_id", c.id, "member_id", c.memberID, "reason", reason)
	c.teardown()
}

func (c *conn) readLoop() string {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				telemetry.WSFrames.WithLabelValues("unknown", "too_large").Inc()
				return "frame_too_large"
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return "closed_by_peer"
			default:
				return "transport: " + err.Error()
			}
		}
		_ = c.ws.SetReadDeadline(c.deadline())
		if typ != websocket.TextMessage {
			c.reject("", "binary", errors.NotValidf("binary frame"))
			if c.countDecodeError() {
				return "too_many_decode_errors"
			}
			continue
		}
		if !c.limiter.Allow() {
			telemetry.WSFrames.WithLabelValues("unknown", "rate_limited").Inc()
			c.send(wire.ErrorFrame("", errors.QuotaLimitExceededf("frame rate")))
			continue
		}
		f, err := wire.Decode(data)
		if err != nil {
			c.reject("", "unknown", err)
			if c.countDecodeError() {
				return "too_many_decode_errors"
			}
			continue
		}
		if err := c.dispatch(f); err != nil {
			c.reject(f.RequestID, f.Type, err)
			if errors.Is(err, errors.NotValid) && c.countDecodeError() {
				return "too_many_decode_errors"
			}
			continue
		}
		telemetry.WSFrames.WithLabelValues(f.Type, "ok").Inc()
	}
}

// countDecodeError reports whether the connection hit its error budget; in
// that case a policy close frame has been sent.
func (c *conn) countDecodeError() bool {
	c.decodeErrors++
	if c.decodeErrors < c.g.cfg.MaxDecodeErrors {
		return false
	}
	c.writeClose(websocket.ClosePolicyViolation, "too many malformed frames")
	return true
}

func (c *conn) reject(requestID, typ string, err error) {
	w := wire.CodeFor(err)
	telemetry.WSFrames.WithLabelValues(typ, w.Code).Inc()
	if w.Code == wire.CodeUnavailable {
		logger.Error("ws_frame_failed", "connection_id", c.id, "type", typ, "error", errors.Details(err))
	}
	c.send(wire.ErrorFrame(requestID, err))
}

func (c *conn) send(frame []byte) {
	c.g.registry.SendTo(c.id, frame)
}

func (c *conn) dispatch(f wire.Frame) error {
	switch f.Type {
	case wire.TypePing:
		c.send(wire.MustEncode(wire.TypePong, f.RequestID, nil))
		return nil
	case wire.TypeSubscribe:
		var p wire.ChannelRef
		if err := f.DecodePayload(&p); err != nil {
			return err
		}
		return c.subscribe(f.RequestID, p.ChannelID)
	case wire.TypeUnsubscribe:
		var p wire.ChannelRef
		if err := f.DecodePayload(&p); err != nil {
			return err
		}
		c.g.registry.Unsubscribe(c.id, p.ChannelID)
		c.send(wire.MustEncode(wire.TypeUnsubscribed, f.RequestID, p))
		return nil
	case wire.TypePublish:
		var p wire.Publish
		if err := f.DecodePayload(&p); err != nil {
			return err
		}
		return c.publish(f.RequestID, p)
	case wire.TypeRead:
		var p wire.Read
		if err := f.DecodePayload(&p); err != nil {
			return err
		}
		return c.markRead(p)
	default:
		return errors.NotValidf("frame type %q", f.Type)
	}
}

func (c *conn) subscribe(requestID string, channelID int64) error {
	if channelID <= 0 {
		return errors.NotValidf("channel_id %d", channelID)
	}
	ok, err := c.g.store.IsMember(c.memberID, channelID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Forbiddenf("channel %d", channelID)
	}
	// hold the sequencer so no message slips between the head read and the
	// subscribed frame
	lock := c.g.sequencer(channelID)
	lock.Lock()
	defer lock.Unlock()
	if _, err := c.g.registry.Subscribe(c.id, channelID); err != nil {
		return err
	}
	head, err := c.g.store.Head(channelID)
	if err != nil {
		c.g.registry.Unsubscribe(c.id, channelID)
		return err
	}
	c.send(wire.MustEncode(wire.TypeSubscribed, requestID, wire.Subscribed{ChannelID: channelID, HeadID: head}))
	return nil
}

func (c *conn) publish(requestID string, p wire.Publish) error {
	if p.ChannelID <= 0 {
		return errors.NotValidf("channel_id %d", p.ChannelID)
	}
	msg, created, err := c.g.Publish(c.ctx, c.memberID, store.NewMessage{
		ChannelID:       p.ChannelID,
		Content:         p.Content,
		ReplyToID:       p.ReplyToID,
		ClientMessageID: p.ClientMessageID,
	})
	if err != nil {
		return err
	}
	status := wire.AckStored
	if !created {
		status = wire.AckDuplicate
	}
	c.send(wire.MustEncode(wire.TypeAck, requestID, wire.Ack{Status: status, ChannelID: msg.ChannelID, MessageID: msg.ID}))
	return nil
}

func (c *conn) markRead(p wire.Read) error {
	if p.ChannelID <= 0 || p.MessageID <= 0 {
		return errors.NotValidf("read position %d/%d", p.ChannelID, p.MessageID)
	}
	rm := c.g.readMarker()
	if rm == nil {
		return errors.New("read tracking unavailable")
	}
	ok, err := c.g.store.IsMember(c.memberID, p.ChannelID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Forbiddenf("channel %d", p.ChannelID)
	}
	// a position past the head would make the whole debounce window fail
	head, err := c.g.store.Head(p.ChannelID)
	if err != nil {
		return err
	}
	if p.MessageID > head {
		return errors.BadRequestf("message_id %d beyond channel head %d", p.MessageID, head)
	}
	return rm.MarkRead(c.memberID, p.ChannelID, p.MessageID)
}

// writeLoop is the only writer of data frames. It exits when the outbound
// queue closes or a write fails.
func (c *conn) writeLoop() {
	defer c.writerWG.Done()
	ping := c.g.cfg.Clock.NewTimer(c.g.cfg.Heartbeat)
	defer ping.Stop()

	for {
		select {
		case frame, ok := <-c.handle.C:
			if !ok {
				if c.handle.Evicted() {
					c.writeClose(closeTryAgainLater, "slow consumer")
				}
				_ = c.ws.Close()
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.g.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("ws_write_failed", "connection_id", c.id, "error", err)
				_ = c.ws.Close()
				return
			}
		case <-ping.Chan():
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.g.cfg.WriteTimeout)); err != nil {
				logger.Debug("ws_ping_failed", "connection_id", c.id, "error", err)
				_ = c.ws.Close()
				return
			}
			ping.Reset(c.g.cfg.Heartbeat)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.g.cfg.WriteTimeout))
}

// shutdown asks the peer to close and unblocks the reader.
func (c *conn) shutdown(code int, text string) {
	c.writeClose(code, text)
	_ = c.ws.Close()
}

func (c *conn) teardown() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()

	c.g.registry.DropConnection(c.id)
	if c.hubUnsub != nil {
		c.hubUnsub()
	}
	c.cancel()
	_ = c.ws.Close()
	c.writerWG.Wait()
	c.g.unregister(c)
}
