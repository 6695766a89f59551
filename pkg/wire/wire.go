// Package wire defines the realtime frame envelope shared by the gateway
// and the client.
package wire

import (
	"bytes"
	"encoding/json"

	"pulsespace/pkg/models"

	"github.com/juju/errors"
	"github.com/valyala/bytebufferpool"
)

// Client → server frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypeRead        = "read"
	TypePing        = "ping"
)

// Server → client frame types.
const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeMessage      = "message"
	TypeAck          = "ack"
	TypeReadUpdated  = "read.updated"
	TypeError        = "error"
	TypePong         = "pong"
)

// Error codes carried by error frames.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeUnavailable       = "UNAVAILABLE"
)

// Ack statuses.
const (
	AckStored    = "stored"
	AckDuplicate = "duplicate"
)

// Frame is the envelope of every text frame.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ChannelRef struct {
	ChannelID int64 `json:"channel_id"`
}

type Publish struct {
	ChannelID       int64  `json:"channel_id"`
	Content         string `json:"content"`
	ReplyToID       *int64 `json:"reply_to_id,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

type Read struct {
	ChannelID int64 `json:"channel_id"`
	MessageID int64 `json:"message_id"`
}

type Connected struct {
	MemberID     int64  `json:"member_id"`
	ConnectionID string `json:"connection_id"`
	HeartbeatMS  int64  `json:"heartbeat_ms"`
	ServerTime   string `json:"server_time"`
}

type Subscribed struct {
	ChannelID int64 `json:"channel_id"`
	HeadID    int64 `json:"head_id"`
}

type Ack struct {
	Status    string `json:"status"`
	ChannelID int64  `json:"channel_id"`
	MessageID int64  `json:"message_id"`
}

type ReadUpdated struct {
	ChannelID         int64 `json:"channel_id"`
	LastReadMessageID int64 `json:"last_read_message_id"`
}

type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e Error) Error() string { return e.Code + ": " + e.Message }

// Encode builds a frame with payload marshaled as JSON. A nil payload is
// omitted.
func Encode(typ, requestID string, payload any) ([]byte, error) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	f := Frame{Type: typ, RequestID: requestID}
	if payload != nil {
		if err := json.NewEncoder(bb).Encode(payload); err != nil {
			return nil, errors.Annotatef(err, "encode %s payload", typ)
		}
		f.Payload = bytes.TrimRight(bb.B, "\n")
	}
	return json.Marshal(f)
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(typ, requestID string, payload any) []byte {
	b, err := Encode(typ, requestID, payload)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses the envelope and requires a type.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, errors.NewNotValid(err, "malformed frame")
	}
	if f.Type == "" {
		return f, errors.NotValidf("frame without type")
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into out.
func (f Frame) DecodePayload(out any) error {
	if len(f.Payload) == 0 {
		return errors.NotValidf("%s frame without payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return errors.NewNotValid(err, "malformed "+f.Type+" payload")
	}
	return nil
}

// MessageFrame encodes a message event.
func MessageFrame(m models.Message) []byte {
	return MustEncode(TypeMessage, "", m)
}

// CodeFor maps an error onto the wire error taxonomy.
func CodeFor(err error) Error {
	switch {
	case err == nil:
		return Error{}
	case errors.Is(err, errors.Unauthorized):
		return Error{Code: CodeUnauthorized, Message: err.Error()}
	case errors.Is(err, errors.Forbidden):
		return Error{Code: CodeForbidden, Message: err.Error()}
	case errors.Is(err, errors.NotFound):
		return Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, errors.NotValid), errors.Is(err, errors.BadRequest), errors.Is(err, errors.AlreadyExists):
		return Error{Code: CodeInvalidArgument, Message: err.Error()}
	case errors.Is(err, errors.QuotaLimitExceeded):
		return Error{Code: CodeResourceExhausted, Message: err.Error(), Retryable: true}
	default:
		return Error{Code: CodeUnavailable, Message: "temporarily unavailable", Retryable: true}
	}
}

// ErrorFrame encodes err as an error frame answering requestID.
func ErrorFrame(requestID string, err error) []byte {
	return MustEncode(TypeError, requestID, CodeFor(err))
}
