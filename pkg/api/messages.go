package api

import (
	"github.com/juju/errors"
	"github.com/valyala/fasthttp"

	"pulsespace/pkg/logger"
	"pulsespace/pkg/models"
	"pulsespace/pkg/store"
)

type postMessageRequest struct {
	Content         string `json:"content"`
	ReplyToID       *int64 `json:"replyToId"`
	ClientMessageID string `json:"clientMessageId"`
}

type markReadRequest struct {
	MessageID int64 `json:"messageId"`
}

type markReadResponse struct {
	ChannelID int64 `json:"channelId"`
	MessageID int64 `json:"messageId"`
}

// History returns one page of a channel's log in ascending id order.
func (s *Server) History(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	chID, ok := param(ctx, "channelId")
	if !ok {
		return
	}
	var cur models.Cursor
	var err error
	if cur.BeforeID, err = queryInt64(ctx, "beforeId"); err != nil {
		fail(ctx, err)
		return
	}
	if cur.AfterID, err = queryInt64(ctx, "afterId"); err != nil {
		fail(ctx, err)
		return
	}
	limit, err := queryInt64(ctx, "limit")
	if err != nil {
		fail(ctx, err)
		return
	}
	cur.Limit = int(limit)

	msgs, err := s.deps.Store.PageFor(ctx, me, chID, cur)
	if err != nil {
		fail(ctx, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	respond(ctx, fasthttp.StatusOK, msgs)
}

// PostMessage publishes through the same sequencer as the realtime
// gateway. A repeated clientMessageId answers 200 with the stored message.
func (s *Server) PostMessage(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	chID, ok := param(ctx, "channelId")
	if !ok {
		return
	}
	var req postMessageRequest
	if !decodeBody(ctx, &req) {
		return
	}
	msg, created, err := s.deps.Publisher.Publish(ctx, me, store.NewMessage{
		ChannelID:       chID,
		Content:         req.Content,
		ReplyToID:       req.ReplyToID,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		fail(ctx, err)
		return
	}
	status := fasthttp.StatusCreated
	if !created {
		status = fasthttp.StatusOK
		logger.Debug("rest_publish_duplicate", "channel_id", chID, "message_id", msg.ID)
	}
	respond(ctx, status, msg)
}

// MarkRead hands the position to the debounced tracker and answers 202;
// persistence happens when the window closes.
func (s *Server) MarkRead(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	chID, ok := param(ctx, "channelId")
	if !ok {
		return
	}
	var req markReadRequest
	if !decodeBody(ctx, &req) {
		return
	}
	if req.MessageID <= 0 {
		fail(ctx, errors.NotValidf("messageId %d", req.MessageID))
		return
	}
	isMember, err := s.deps.Store.IsMember(me, chID)
	if err != nil {
		fail(ctx, err)
		return
	}
	if !isMember {
		fail(ctx, errors.Forbiddenf("channel %d", chID))
		return
	}
	head, err := s.deps.Store.Head(chID)
	if err != nil {
		fail(ctx, err)
		return
	}
	if req.MessageID > head {
		fail(ctx, errors.NotValidf("messageId %d beyond channel head %d", req.MessageID, head))
		return
	}
	if err := s.deps.Reads.MarkRead(me, chID, req.MessageID); err != nil {
		fail(ctx, err)
		return
	}
	respond(ctx, fasthttp.StatusAccepted, markReadResponse{ChannelID: chID, MessageID: req.MessageID})
}

func (s *Server) Unread(ctx *fasthttp.RequestCtx) {
	me, ok := member(ctx)
	if !ok {
		return
	}
	chID, ok := param(ctx, "channelId")
	if !ok {
		return
	}
	u, err := s.deps.Store.UnreadFor(me, chID)
	if err != nil {
		fail(ctx, err)
		return
	}
	respond(ctx, fasthttp.StatusOK, s.withPending(me, u))
}

// withPending folds a read position still inside the debounce window into
// u so a client does not see its own read undone.
func (s *Server) withPending(memberID int64, u models.Unread) models.Unread {
	if s.deps.Reads == nil {
		return u
	}
	p, ok := s.deps.Reads.Pending(memberID, u.ChannelID)
	if !ok || p <= u.LastReadMessageID {
		return u
	}
	u.UnreadCount -= p - u.LastReadMessageID
	if u.UnreadCount < 0 {
		u.UnreadCount = 0
	}
	u.LastReadMessageID = p
	return u
}
