package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"pulsespace/pkg/logger"
	"pulsespace/pkg/models"
	"pulsespace/pkg/store/keys"
	"pulsespace/pkg/telemetry"
	"pulsespace/pkg/timeutil"

	"github.com/cockroachdb/pebble"
	"github.com/juju/errors"
)

// MaxContentRunes bounds message content length.
const MaxContentRunes = 4000

// NewMessage is the input to Append.
type NewMessage struct {
	ChannelID       int64
	SenderID        int64
	Content         string
	ReplyToID       *int64
	ClientMessageID string
}

// messageRecord is the stored form; createdAt is kept as unix nanos so the
// record does not depend on the configured zone.
type messageRecord struct {
	ID                int64   `json:"id"`
	ChannelID         int64   `json:"channel_id"`
	SenderID          int64   `json:"sender_id"`
	SenderName        string  `json:"sender_name"`
	Content           string  `json:"content"`
	CreatedNS         int64   `json:"created_ns"`
	ReplyToID         *int64  `json:"reply_to_id,omitempty"`
	ReplyToSenderName *string `json:"reply_to_sender_name,omitempty"`
	ReplyToContent    *string `json:"reply_to_content,omitempty"`
}

func (r messageRecord) toModel() models.Message {
	return models.Message{
		ID:                r.ID,
		ChannelID:         r.ChannelID,
		SenderID:          r.SenderID,
		SenderName:        r.SenderName,
		Content:           r.Content,
		CreatedAt:         timeutil.NewLocalTime(time.Unix(0, r.CreatedNS).In(timeutil.Zone())),
		ReplyToID:         r.ReplyToID,
		ReplyToSenderName: r.ReplyToSenderName,
		ReplyToContent:    r.ReplyToContent,
	}
}

func decodeMessage(raw []byte) (messageRecord, error) {
	var r messageRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, errors.Annotate(err, "decode message")
	}
	return r, nil
}

// ValidateContent enforces the non-blank, bounded-length content rule.
func ValidateContent(content string, maxRunes int) error {
	if maxRunes <= 0 {
		maxRunes = MaxContentRunes
	}
	if strings.TrimSpace(content) == "" {
		return errors.NotValidf("empty content")
	}
	if n := utf8.RuneCountInString(content); n > maxRunes {
		return errors.NotValidf("content of %d characters (max %d)", n, maxRunes)
	}
	return nil
}

// Append stores a new message at the channel head. The returned bool is
// false when ClientMessageID matched an earlier publish and the stored
// message was returned instead.
func (s *Store) Append(ctx context.Context, in NewMessage) (models.Message, bool, error) {
	tr := telemetry.Track("store.append")
	defer tr.Finish()

	if err := ctx.Err(); err != nil {
		return models.Message{}, false, errors.Trace(err)
	}
	if err := ValidateContent(in.Content, 0); err != nil {
		return models.Message{}, false, err
	}
	if in.ClientMessageID != "" && !keys.ValidClientMessageID(in.ClientMessageID) {
		return models.Message{}, false, errors.NotValidf("client_message_id %q", in.ClientMessageID)
	}

	lock := s.channelLock(in.ChannelID)
	lock.Lock()
	defer lock.Unlock()
	tr.Mark("lock")

	if _, err := s.GetChannel(in.ChannelID); err != nil {
		return models.Message{}, false, err
	}

	if in.ClientMessageID != "" {
		var rec models.PublishRecord
		err := s.getJSON(keys.Dedupe(in.ChannelID, in.SenderID, in.ClientMessageID), &rec)
		if err == nil {
			m, gerr := s.GetMessage(in.ChannelID, rec.MessageID)
			if gerr != nil {
				return models.Message{}, false, errors.Annotate(gerr, "deduplicated message")
			}
			telemetry.PublishDeduplicated.Inc()
			logger.Debug("append_deduplicated", "channel_id", in.ChannelID, "message_id", m.ID)
			return m, false, nil
		}
		if !errors.Is(err, errors.NotFound) {
			return models.Message{}, false, err
		}
	}

	sender, err := s.GetUser(in.SenderID)
	if err != nil {
		return models.Message{}, false, errors.Annotate(err, "sender")
	}

	rec := messageRecord{
		ChannelID:  in.ChannelID,
		SenderID:   in.SenderID,
		SenderName: sender.Name,
		Content:    in.Content,
	}
	if in.ReplyToID != nil {
		target, err := s.getMessageRecord(in.ChannelID, *in.ReplyToID)
		if err != nil {
			if errors.Is(err, errors.NotFound) {
				return models.Message{}, false, errors.NotFoundf("reply target %d", *in.ReplyToID)
			}
			return models.Message{}, false, err
		}
		id, name, content := target.ID, target.SenderName, target.Content
		rec.ReplyToID, rec.ReplyToSenderName, rec.ReplyToContent = &id, &name, &content
	}
	tr.Mark("resolve")

	head, err := s.head(in.ChannelID)
	if err != nil {
		return models.Message{}, false, err
	}
	rec.ID = head.LastID + 1
	rec.CreatedNS = s.now().UnixNano()
	if rec.CreatedNS < head.LastCreatedNS {
		rec.CreatedNS = head.LastCreatedNS
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, keys.Message(in.ChannelID, rec.ID), rec); err != nil {
		return models.Message{}, false, err
	}
	next := models.ChannelHead{LastID: rec.ID, LastCreatedNS: rec.CreatedNS}
	if err := setJSON(b, keys.ChannelHead(in.ChannelID), next); err != nil {
		return models.Message{}, false, err
	}
	if in.ClientMessageID != "" {
		dd := models.PublishRecord{MessageID: rec.ID, CreatedNS: rec.CreatedNS}
		if err := setJSON(b, keys.Dedupe(in.ChannelID, in.SenderID, in.ClientMessageID), dd); err != nil {
			return models.Message{}, false, err
		}
	}
	if err := s.commit(b); err != nil {
		return models.Message{}, false, err
	}
	tr.Mark("commit")

	telemetry.MessagesAppended.Inc()
	logger.Debug("message_appended", "channel_id", in.ChannelID, "message_id", rec.ID, "sender_id", in.SenderID)
	return rec.toModel(), true, nil
}

func (s *Store) getMessageRecord(channelID, messageID int64) (messageRecord, error) {
	raw, err := s.getRaw(keys.Message(channelID, messageID))
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			return messageRecord{}, errors.NotFoundf("message %d in channel %d", messageID, channelID)
		}
		return messageRecord{}, err
	}
	return decodeMessage(raw)
}

// GetMessage loads a single message.
func (s *Store) GetMessage(channelID, messageID int64) (models.Message, error) {
	r, err := s.getMessageRecord(channelID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	return r.toModel(), nil
}

// lastMessage returns the highest-id message of a channel, if any.
func (s *Store) lastMessage(channelID int64) (messageRecord, bool, error) {
	prefix := keys.MessagesPrefix(channelID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keys.PrefixEnd(prefix),
	})
	if err != nil {
		return messageRecord{}, false, errors.Trace(err)
	}
	defer iter.Close()
	if !iter.Last() {
		return messageRecord{}, false, errors.Trace(iter.Error())
	}
	r, err := decodeMessage(iter.Value())
	if err != nil {
		return messageRecord{}, false, err
	}
	return r, true, nil
}

// Head returns the last allocated id of a channel, 0 when empty.
func (s *Store) Head(channelID int64) (int64, error) {
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()
	h, err := s.head(channelID)
	if err != nil {
		return 0, err
	}
	return h.LastID, nil
}

// Latest returns the newest message of a channel.
func (s *Store) Latest(channelID int64) (*models.Message, error) {
	r, ok, err := s.lastMessage(channelID)
	if err != nil || !ok {
		return nil, err
	}
	m := r.toModel()
	return &m, nil
}

// Page returns a window of the channel log in ascending id order.
func (s *Store) Page(ctx context.Context, channelID int64, cur models.Cursor) ([]models.Message, error) {
	tr := telemetry.Track("store.page")
	defer tr.Finish()

	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := s.GetChannel(channelID); err != nil {
		return nil, err
	}
	cur = cur.Normalize()

	prefix := keys.MessagesPrefix(channelID)
	opts := &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keys.PrefixEnd(prefix),
	}
	forward := false
	switch {
	case cur.BeforeID > 0:
		opts.UpperBound = []byte(keys.Message(channelID, cur.BeforeID))
	case cur.AfterID > 0:
		opts.LowerBound = []byte(keys.Message(channelID, cur.AfterID+1))
		forward = true
	}

	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer iter.Close()

	out := make([]models.Message, 0, cur.Limit)
	if forward {
		for ok := iter.First(); ok && len(out) < cur.Limit; ok = iter.Next() {
			r, err := decodeMessage(iter.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, r.toModel())
		}
	} else {
		for ok := iter.Last(); ok && len(out) < cur.Limit; ok = iter.Prev() {
			r, err := decodeMessage(iter.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, r.toModel())
		}
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Trace(err)
	}
	tr.Mark("iterate")
	return out, nil
}

// PageFor is Page with the caller's visibility checked first.
func (s *Store) PageFor(ctx context.Context, memberID, channelID int64, cur models.Cursor) ([]models.Message, error) {
	if err := s.authorizeRead(memberID, channelID); err != nil {
		return nil, err
	}
	return s.Page(ctx, channelID, cur)
}
