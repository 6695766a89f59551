package models

import "pulsespace/pkg/timeutil"

// Message is an immutable entry in a channel's log. Reply fields are a
// snapshot of the replied-to message taken at send time.
type Message struct {
	ID                int64              `json:"id"`
	ChannelID         int64              `json:"channelId"`
	SenderID          int64              `json:"senderId"`
	SenderName        string             `json:"senderName"`
	Content           string             `json:"content"`
	CreatedAt         timeutil.LocalTime `json:"createdAt"`
	ReplyToID         *int64             `json:"replyToId"`
	ReplyToSenderName *string            `json:"replyToSenderName"`
	ReplyToContent    *string            `json:"replyToContent"`
}

// IsReply reports whether the message carries a reply snapshot.
func (m Message) IsReply() bool { return m.ReplyToID != nil }

// ChannelHead tracks the last allocated id of a channel.
type ChannelHead struct {
	LastID        int64 `json:"last_id"`
	LastCreatedNS int64 `json:"last_created_ns"`
}

// PublishRecord remembers which message a client_message_id produced.
type PublishRecord struct {
	MessageID int64 `json:"message_id"`
	CreatedNS int64 `json:"created_ns"`
}

// ReadPosition is the last message id a member has seen in a channel.
type ReadPosition struct {
	ChannelID         int64 `json:"channelId"`
	MemberID          int64 `json:"memberId"`
	LastReadMessageID int64 `json:"lastReadMessageId"`
}

// Unread is the unread view of one channel for one member.
type Unread struct {
	ChannelID         int64 `json:"channelId"`
	LastReadMessageID int64 `json:"lastReadMessageId"`
	UnreadCount       int64 `json:"unreadCount"`
}
